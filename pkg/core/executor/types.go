package executor

import (
	"context"
	"time"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
)

// Invocation 一次任务实例调用（对外导出）
// 外部后端只拿到可序列化的部分：函数引用、已解析输入、资源提示
type Invocation struct {
	RunID      string
	InstanceID string
	TaskName   string
	FuncName   string
	Index      int // Map元素下标，普通任务为 -1
	Inputs     task.Values
	Hints      task.ResourceHints
	Timeout    time.Duration
	Body       task.BodyFunc
}

// PendingTask 待调度的实例（对外导出）
type PendingTask struct {
	InstanceID string
	Ctx        context.Context
	// Run 在Worker中执行，返回实例结果
	Run func(ctx context.Context) *TaskResult
	// OnComplete 完成回调，由Worker goroutine调用
	OnComplete func(*TaskResult)
}

// TaskResult 实例执行结果（对外导出）
type TaskResult struct {
	InstanceID string
	Identity   string
	Outputs    task.Values
	Error      error
	Cached     bool
	StartedAt  time.Time
	Duration   time.Duration
}
