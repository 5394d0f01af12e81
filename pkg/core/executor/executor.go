// Package executor 执行策略与Worker池（对外导出）
package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

const (
	maxGlobalWorkers = 1000  // 全局最大并发数上限
	defaultQueueSize = 10000 // 默认任务队列大小（支持大型流水线）
)

// Executor 执行器核心结构体（对外导出）
type Executor struct {
	mu         sync.RWMutex
	maxWorkers int               // 最大并发数
	workerPool chan struct{}     // Worker池
	taskQueue  chan *PendingTask // 待调度任务队列
	wg         sync.WaitGroup
	running    bool
	shutdown   chan struct{}
	logger     *zap.Logger
}

// NewExecutor 创建执行器实例（对外导出的工厂方法，engine包会调用）
func NewExecutor(maxWorkers int, logger *zap.Logger) (*Executor, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10 // 默认值
	}
	if maxWorkers > maxGlobalWorkers {
		return nil, fmt.Errorf("最大并发数不能超过 %d", maxGlobalWorkers)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	exec := &Executor{
		maxWorkers: maxWorkers,
		workerPool: make(chan struct{}, maxWorkers),
		taskQueue:  make(chan *PendingTask, defaultQueueSize),
		shutdown:   make(chan struct{}),
		logger:     logger,
	}

	// 启动任务调度器
	go exec.scheduler()

	return exec, nil
}

// Start 启动执行器（对外导出）
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.logger.Debug("执行器已启动", zap.Int("max_workers", e.maxWorkers))
}

// MaxWorkers 最大并发数
func (e *Executor) MaxWorkers() int {
	return e.maxWorkers
}

// Shutdown 关闭执行器，最多等待 timeout；timeout<=0 时不等待运行中的任务
func (e *Executor) Shutdown(timeout time.Duration) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.shutdown)
	e.mu.Unlock()

	if timeout <= 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Debug("执行器已关闭，所有任务已完成")
		return nil
	case <-time.After(timeout):
		e.logger.Warn("执行器关闭超时，仍有任务在运行", zap.Duration("timeout", timeout))
		return fmt.Errorf("执行器关闭超时（%s）", timeout)
	}
}

// SubmitTask 将待调度实例提交至任务队列（对外导出）
// 如果队列已满，会阻塞等待直到有空间或Executor关闭
func (e *Executor) SubmitTask(pendingTask *PendingTask) error {
	if pendingTask == nil {
		return fmt.Errorf("任务不能为空")
	}
	if pendingTask.Run == nil {
		return fmt.Errorf("实例 %s 缺少执行函数", pendingTask.InstanceID)
	}

	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return fmt.Errorf("Executor未运行")
	}

	select {
	case e.taskQueue <- pendingTask:
		return nil
	case <-e.shutdown:
		return fmt.Errorf("Executor已关闭")
	}
}

// scheduler 任务调度器（内部方法）
func (e *Executor) scheduler() {
	for {
		select {
		case pendingTask := <-e.taskQueue:
			e.dispatchTask(pendingTask)
		case <-e.shutdown:
			return
		}
	}
}

// dispatchTask 分配任务到Worker（内部方法）
func (e *Executor) dispatchTask(pendingTask *PendingTask) {
	select {
	case e.workerPool <- struct{}{}:
		e.wg.Add(1)
		go e.executeTask(pendingTask)
	case <-e.shutdown:
		// Executor已关闭，通知任务取消
		if pendingTask.OnComplete != nil {
			pendingTask.OnComplete(&TaskResult{
				InstanceID: pendingTask.InstanceID,
				Error:      perrors.New(perrors.KindCancelled, pendingTask.InstanceID, "executor shut down"),
			})
		}
	}
}

// executeTask 执行实例（内部方法）
func (e *Executor) executeTask(pendingTask *PendingTask) {
	startTime := time.Now()
	var result *TaskResult

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("实例执行发生panic",
				zap.String("instance", pendingTask.InstanceID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			result = &TaskResult{
				InstanceID: pendingTask.InstanceID,
				Error:      perrors.Newf(perrors.KindTaskBody, pendingTask.InstanceID, "panic: %v", r),
			}
		}
		if result == nil {
			result = &TaskResult{InstanceID: pendingTask.InstanceID}
		}
		if result.StartedAt.IsZero() {
			result.StartedAt = startTime
		}
		result.Duration = time.Since(startTime)

		// 释放Worker池token
		<-e.workerPool
		e.wg.Done()

		if pendingTask.OnComplete != nil {
			pendingTask.OnComplete(result)
		}
	}()

	ctx := pendingTask.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	result = pendingTask.Run(ctx)
	if result != nil && result.InstanceID == "" {
		result.InstanceID = pendingTask.InstanceID
	}
}
