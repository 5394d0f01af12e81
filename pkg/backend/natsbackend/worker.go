package natsbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/LENAX/pipeline-engine/pkg/core/executor"
	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

// DefaultQueueGroup Worker默认的队列组
const DefaultQueueGroup = "pipeline-workers"

// WorkerOptions Worker参数
type WorkerOptions struct {
	Subject string
	// Queue 只处理资源提示中指定该队列的调用，空表示默认队列
	Queue string
	// Group NATS队列组，同组Worker分摊调用
	Group string
	// Concurrency 同时执行的任务体上限
	Concurrency int
	Logger      *zap.Logger
}

// Worker 集群侧的调用执行者（对外导出）
type Worker struct {
	nc       *nats.Conn
	registry *task.FunctionRegistry
	opts     WorkerOptions
	logger   *zap.Logger
	local    *executor.LocalStrategy
	slots    chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker 创建Worker
func NewWorker(nc *nats.Conn, registry *task.FunctionRegistry, opts WorkerOptions) (*Worker, error) {
	if registry == nil {
		return nil, fmt.Errorf("函数注册中心不能为空")
	}
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}
	if opts.Group == "" {
		opts.Group = DefaultQueueGroup
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Worker{
		nc:       nc,
		registry: registry,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("queue", opts.Queue), zap.String("group", opts.Group)),
		local:    executor.NewSequential(),
		slots:    make(chan struct{}, opts.Concurrency),
		running:  make(map[string]context.CancelFunc),
	}, nil
}

// Start 订阅调用主题与取消主题
func (w *Worker) Start(ctx context.Context) error {
	if w.nc == nil {
		return fmt.Errorf("NATS连接不能为空")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return fmt.Errorf("Worker已启动")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)

	invokeSub, err := w.nc.QueueSubscribe(InvokeSubject(w.opts.Subject, w.opts.Queue), w.opts.Group, w.onInvoke)
	if err != nil {
		w.cancel()
		return fmt.Errorf("订阅调用主题失败: %w", err)
	}
	cancelSub, err := w.nc.Subscribe(CancelSubject(w.opts.Subject), w.onCancel)
	if err != nil {
		_ = invokeSub.Unsubscribe()
		w.cancel()
		return fmt.Errorf("订阅取消主题失败: %w", err)
	}
	w.subs = []*nats.Subscription{invokeSub, cancelSub}

	w.logger.Info("Worker已启动",
		zap.String("subject", invokeSub.Subject),
		zap.Int("concurrency", w.opts.Concurrency),
		zap.Strings("functions", w.registry.Names()))
	return nil
}

// Stop 退订，取消进行中的调用并等待其回复
func (w *Worker) Stop() {
	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	cancel := w.cancel
	w.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	w.logger.Info("Worker已停止")
}

// Running 正在执行的调用数
func (w *Worker) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

func (w *Worker) onInvoke(msg *nats.Msg) {
	req, err := DecodeRequest(msg.Data)
	if err != nil {
		w.logger.Warn("丢弃无法解码的调用请求", zap.Error(err))
		return
	}

	ctx, cancel := w.invocationContext(req)
	if ctx == nil {
		w.respond(msg, NewReply(req.ID, nil, perrors.New(perrors.KindCancelled, req.Instance, "worker stopped")))
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.finish(req.ID, cancel)

		select {
		case w.slots <- struct{}{}:
			defer func() { <-w.slots }()
		case <-ctx.Done():
			w.respond(msg, NewReply(req.ID, nil, executor.ContextError(ctx, req.Instance)))
			return
		}
		w.respond(msg, w.Handle(ctx, req))
	}()
}

func (w *Worker) onCancel(msg *nats.Msg) {
	var m cancelMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil || m.ID == "" {
		return
	}
	w.mu.Lock()
	cancel, ok := w.running[m.ID]
	w.mu.Unlock()
	if ok {
		w.logger.Info("收到取消通知", zap.String("handle", m.ID))
		cancel()
	}
}

// invocationContext 登记调用并按截止时间派生context；Worker已停止时返回 nil
func (w *Worker) invocationContext(req *InvocationRequest) (context.Context, context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx == nil || w.ctx.Err() != nil {
		return nil, nil
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if !req.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(w.ctx, req.Deadline)
	} else {
		ctx, cancel = context.WithCancel(w.ctx)
	}
	w.running[req.ID] = cancel
	return ctx, cancel
}

func (w *Worker) finish(id string, cancel context.CancelFunc) {
	cancel()
	w.mu.Lock()
	delete(w.running, id)
	w.mu.Unlock()
}

// Handle 在本地执行一个调用请求并生成回复（对外导出）
func (w *Worker) Handle(ctx context.Context, req *InvocationRequest) *InvocationReply {
	logger := w.logger.With(zap.String("instance", req.Instance), zap.String("func", req.Func))
	body, ok := w.registry.Get(req.Func)
	if !ok {
		logger.Warn("函数未注册")
		return NewReply(req.ID, nil, perrors.Newf(perrors.KindTaskBody, req.Instance, "function %q is not registered on worker", req.Func))
	}

	ctx = task.WithRunID(ctx, req.RunID)
	ctx = task.WithInstanceID(ctx, req.Instance)
	ctx = task.WithTaskName(ctx, req.Task)
	ctx = task.WithMapIndex(ctx, req.Index)

	start := time.Now()
	outputs, err := w.local.Execute(ctx, &executor.Invocation{
		RunID:      req.RunID,
		InstanceID: req.Instance,
		TaskName:   req.Task,
		FuncName:   req.Func,
		Index:      req.Index,
		Inputs:     req.Inputs,
		Hints:      req.Hints,
		Body:       body,
	})
	if err != nil {
		logger.Info("任务体执行失败", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	} else {
		logger.Debug("任务体执行成功", zap.Duration("elapsed", time.Since(start)))
	}
	return NewReply(req.ID, outputs, err)
}

func (w *Worker) respond(msg *nats.Msg, reply *InvocationReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		// 输出无法编码时回复任务体错误
		data, _ = json.Marshal(NewReply(reply.ID, nil, perrors.Wrap(perrors.KindTaskBody, "", err)))
	}
	if err := msg.Respond(data); err != nil {
		w.logger.Warn("回复调用失败", zap.String("handle", reply.ID), zap.Error(err))
	}
}
