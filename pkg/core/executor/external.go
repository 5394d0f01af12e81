package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

// Backend 外部批处理/集群后端（对外导出）
// 引擎把它当作黑盒：提交一次调用，等待一个结果
type Backend interface {
	// Name 后端标识
	Name() string
	// Submit 提交调用，返回后端侧的句柄
	Submit(ctx context.Context, inv *Invocation) (string, error)
	// Wait 等待调用结果；任务体失败时返回错误
	Wait(ctx context.Context, handle string) (task.Values, error)
	// Cancel 尽力请求后端停止该调用
	Cancel(ctx context.Context, handle string) error
}

// ErrBackendUnavailable 后端暂时不可用，提交可重试
var ErrBackendUnavailable = errors.New("backend unavailable")

// ExternalOptions 外部策略参数
type ExternalOptions struct {
	MaxConcurrency int
	// Timeout 实例未设置超时时使用
	Timeout       time.Duration
	SubmitRetries int
	CancelTimeout time.Duration
	Logger        *zap.Logger
}

// ExternalStrategy 把就绪实例委托给外部后端（对外导出）
type ExternalStrategy struct {
	backend Backend
	opts    ExternalOptions
	logger  *zap.Logger
}

// NewExternal 创建外部后端策略
func NewExternal(backend Backend, opts ExternalOptions) (*ExternalStrategy, error) {
	if backend == nil {
		return nil, fmt.Errorf("外部后端不能为空")
	}
	if opts.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("并发数必须大于0")
	}
	if opts.MaxConcurrency > maxGlobalWorkers {
		return nil, fmt.Errorf("最大并发数不能超过 %d", maxGlobalWorkers)
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExternalStrategy{backend: backend, opts: opts, logger: logger}, nil
}

// Name 策略名称
func (s *ExternalStrategy) Name() string {
	return StrategyExternal
}

// Capacity 并发预算
func (s *ExternalStrategy) Capacity() int {
	return s.opts.MaxConcurrency
}

// Execute 提交并等待结果；超时或取消时停止等待并调用后端取消钩子
func (s *ExternalStrategy) Execute(ctx context.Context, inv *Invocation) (task.Values, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = s.opts.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	handle, err := s.submit(ctx, inv)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ContextError(ctx, inv.InstanceID)
		}
		return nil, perrors.Wrap(perrors.KindTaskBody, inv.InstanceID, fmt.Errorf("submit to %s: %w", s.backend.Name(), err))
	}

	type waitResult struct {
		outputs task.Values
		err     error
	}
	done := make(chan waitResult, 1)
	go func() {
		out, err := s.backend.Wait(ctx, handle)
		done <- waitResult{outputs: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				s.cancel(inv, handle)
			}
			return nil, ClassifyError(ctx, inv.InstanceID, r.err)
		}
		return r.outputs, nil
	case <-ctx.Done():
		s.cancel(inv, handle)
		return nil, ContextError(ctx, inv.InstanceID)
	}
}

// submit 对暂时性失败做指数退避重试
func (s *ExternalStrategy) submit(ctx context.Context, inv *Invocation) (string, error) {
	var handle string
	operation := func() error {
		h, err := s.backend.Submit(ctx, inv)
		if err != nil {
			if ctx.Err() != nil || !errors.Is(err, ErrBackendUnavailable) {
				return backoff.Permanent(err)
			}
			s.logger.Warn("提交外部后端失败，准备重试",
				zap.String("instance", inv.InstanceID),
				zap.String("backend", s.backend.Name()),
				zap.Error(err))
			return err
		}
		handle = h
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	retries := s.opts.SubmitRetries
	if retries < 0 {
		retries = 0
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))
	return handle, err
}

// cancel 尽力通知后端，不阻塞调用方
func (s *ExternalStrategy) cancel(inv *Invocation, handle string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.CancelTimeout)
		defer cancel()
		if err := s.backend.Cancel(ctx, handle); err != nil {
			s.logger.Warn("取消外部调用失败",
				zap.String("instance", inv.InstanceID),
				zap.String("handle", handle),
				zap.Error(err))
		}
	}()
}
