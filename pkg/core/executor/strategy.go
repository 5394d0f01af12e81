package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

// 执行策略名称
const (
	StrategySequential = "sequential"
	StrategyPool       = "pool"
	StrategyExternal   = "external"
)

// Strategy 执行策略接口（对外导出）
type Strategy interface {
	// Name 策略名称
	Name() string
	// Capacity 可同时运行的实例数
	Capacity() int
	// Execute 运行一个就绪实例；返回的错误均为 TaskBodyError、TimeoutError 或 Cancelled
	Execute(ctx context.Context, inv *Invocation) (task.Values, error)
}

// LocalStrategy 在本进程内运行任务体（对外导出）
// 容量为1时即顺序策略
type LocalStrategy struct {
	name     string
	capacity int
}

// NewSequential 顺序策略：同一时刻只运行一个实例，按就绪顺序执行
func NewSequential() *LocalStrategy {
	return &LocalStrategy{name: StrategySequential, capacity: 1}
}

// NewBoundedPool 有界Worker池策略
func NewBoundedPool(maxConcurrency int) (*LocalStrategy, error) {
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("并发数必须大于0")
	}
	if maxConcurrency > maxGlobalWorkers {
		return nil, fmt.Errorf("最大并发数不能超过 %d", maxGlobalWorkers)
	}
	return &LocalStrategy{name: StrategyPool, capacity: maxConcurrency}, nil
}

// Name 策略名称
func (s *LocalStrategy) Name() string {
	return s.name
}

// Capacity 并发预算
func (s *LocalStrategy) Capacity() int {
	return s.capacity
}

// Execute 在独立goroutine中运行任务体，超时或取消时立即返回
func (s *LocalStrategy) Execute(ctx context.Context, inv *Invocation) (task.Values, error) {
	if inv.Body == nil {
		return nil, perrors.Newf(perrors.KindTaskBody, inv.InstanceID, "task %s has no local body (func %q)", inv.TaskName, inv.FuncName)
	}
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	type bodyResult struct {
		outputs task.Values
		err     error
	}
	done := make(chan bodyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- bodyResult{err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
			}
		}()
		out, err := inv.Body(ctx, inv.Inputs.Copy())
		done <- bodyResult{outputs: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, ClassifyError(ctx, inv.InstanceID, r.err)
		}
		return r.outputs, nil
	case <-ctx.Done():
		// 任务体可能仍在运行，不再等待
		return nil, ContextError(ctx, inv.InstanceID)
	}
}

// ClassifyError 把任务体返回的错误映射到错误类别
func ClassifyError(ctx context.Context, instanceID string, err error) error {
	if err == nil {
		return nil
	}
	switch perrors.KindOf(err) {
	case perrors.KindTaskBody, perrors.KindTimeout, perrors.KindCancelled:
		return err
	}
	if ctx.Err() != nil {
		return ContextError(ctx, instanceID)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return perrors.Wrap(perrors.KindTimeout, instanceID, err)
	}
	return perrors.Wrap(perrors.KindTaskBody, instanceID, err)
}

// ContextError 按context结束的原因返回 TimeoutError 或 Cancelled
func ContextError(ctx context.Context, instanceID string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return perrors.Wrap(perrors.KindTimeout, instanceID, ctx.Err())
	}
	return perrors.Wrap(perrors.KindCancelled, instanceID, ctx.Err())
}
