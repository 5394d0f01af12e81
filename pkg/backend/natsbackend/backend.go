package natsbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/LENAX/pipeline-engine/pkg/core/executor"
	"github.com/LENAX/pipeline-engine/pkg/core/task"
)

// BackendName 后端标识
const BackendName = "nats"

// call 一次已提交、尚未取回结果的调用
type call struct {
	instanceID string
	sub        *nats.Subscription
	replies    chan *nats.Msg
}

// Backend 引擎侧NATS后端，实现 executor.Backend（对外导出）
type Backend struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*call
}

var _ executor.Backend = (*Backend)(nil)

// NewBackend 基于已建立的连接创建后端
func NewBackend(nc *nats.Conn, subject string, logger *zap.Logger) (*Backend, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS连接不能为空")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		nc:      nc,
		subject: subject,
		logger:  logger.With(zap.String("backend", BackendName)),
		pending: make(map[string]*call),
	}, nil
}

// Name 后端标识
func (b *Backend) Name() string {
	return BackendName
}

// Submit 在私有收件箱上订阅回复后发布调用请求，返回调用ID
func (b *Backend) Submit(ctx context.Context, inv *executor.Invocation) (string, error) {
	if !b.nc.IsConnected() {
		return "", fmt.Errorf("%w: nats status %s", executor.ErrBackendUnavailable, b.nc.Status())
	}
	if inv.FuncName == "" {
		return "", fmt.Errorf("任务 %s 没有函数引用，无法远程执行", inv.TaskName)
	}

	var deadline time.Time
	if inv.Timeout > 0 {
		deadline = time.Now().Add(inv.Timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}

	id := uuid.NewString()
	data, err := NewRequest(id, inv, deadline).Marshal()
	if err != nil {
		return "", err
	}

	inbox := b.nc.NewRespInbox()
	replies := make(chan *nats.Msg, 1)
	sub, err := b.nc.ChanSubscribe(inbox, replies)
	if err != nil {
		return "", b.transportError("订阅回复收件箱失败", err)
	}
	if err := sub.AutoUnsubscribe(1); err != nil {
		_ = sub.Unsubscribe()
		return "", b.transportError("设置自动退订失败", err)
	}

	msg := &nats.Msg{
		Subject: InvokeSubject(b.subject, inv.Hints.Queue),
		Reply:   inbox,
		Data:    data,
	}
	if err := b.nc.PublishMsg(msg); err != nil {
		_ = sub.Unsubscribe()
		return "", b.transportError("发布调用请求失败", err)
	}

	b.mu.Lock()
	b.pending[id] = &call{instanceID: inv.InstanceID, sub: sub, replies: replies}
	b.mu.Unlock()

	b.logger.Debug("已提交远程调用",
		zap.String("instance", inv.InstanceID),
		zap.String("func", inv.FuncName),
		zap.String("subject", msg.Subject),
		zap.String("handle", id))
	return id, nil
}

// Wait 等待回复；ctx 结束时返回其错误，调用方负责取消
func (b *Backend) Wait(ctx context.Context, handle string) (task.Values, error) {
	c, ok := b.lookup(handle)
	if !ok {
		return nil, fmt.Errorf("未知的调用句柄: %s", handle)
	}

	select {
	case msg := <-c.replies:
		b.forget(handle)
		reply, err := DecodeReply(msg.Data)
		if err != nil {
			return nil, err
		}
		if reply.ID != handle {
			return nil, fmt.Errorf("回复ID不匹配: 期望 %s，实际 %s", handle, reply.ID)
		}
		return reply.Result(c.instanceID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel 广播取消通知并释放回复订阅
func (b *Backend) Cancel(ctx context.Context, handle string) error {
	b.forget(handle)
	data, err := json.Marshal(cancelMessage{ID: handle})
	if err != nil {
		return err
	}
	if err := b.nc.Publish(CancelSubject(b.subject), data); err != nil {
		return b.transportError("发布取消通知失败", err)
	}
	return b.nc.FlushWithContext(ctx)
}

// Pending 尚未取回结果的调用数
func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Backend) lookup(handle string) (*call, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.pending[handle]
	return c, ok
}

func (b *Backend) forget(handle string) {
	b.mu.Lock()
	c, ok := b.pending[handle]
	delete(b.pending, handle)
	b.mu.Unlock()
	if ok && c.sub.IsValid() {
		_ = c.sub.Unsubscribe()
	}
}

// transportError 连接层面的失败标记为后端不可用，提交方可重试
func (b *Backend) transportError(msg string, err error) error {
	if errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionDraining) ||
		errors.Is(err, nats.ErrConnectionReconnecting) ||
		errors.Is(err, nats.ErrReconnectBufExceeded) {
		return fmt.Errorf("%s: %w: %v", msg, executor.ErrBackendUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
