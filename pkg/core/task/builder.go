package task

import (
	"fmt"
	"time"
)

// TaskBuilder Task构建器（对外导出）
type TaskBuilder struct {
	task *Task
	err  error
}

// NewTaskBuilder 创建Task构建器实例（对外导出）
func NewTaskBuilder(name string) *TaskBuilder {
	return &TaskBuilder{task: &Task{Name: name}}
}

// WithInput 追加一个必须绑定的输入
func (b *TaskBuilder) WithInput(names ...string) *TaskBuilder {
	for _, name := range names {
		b.task.Inputs = append(b.task.Inputs, InputSpec{Name: name})
	}
	return b
}

// WithDefault 追加一个带默认字面值的输入
func (b *TaskBuilder) WithDefault(name string, value interface{}) *TaskBuilder {
	b.task.Inputs = append(b.task.Inputs, InputSpec{Name: name, Default: value, HasDefault: true})
	return b
}

// WithOutputs 设置声明的输出
func (b *TaskBuilder) WithOutputs(names ...string) *TaskBuilder {
	b.task.Outputs = append(b.task.Outputs, names...)
	return b
}

// WithBody 直接设置任务体
func (b *TaskBuilder) WithBody(body BodyFunc) *TaskBuilder {
	b.task.Body = body
	return b
}

// WithFunc 从注册中心按名称解析任务体
func (b *TaskBuilder) WithFunc(registry *FunctionRegistry, funcName string) *TaskBuilder {
	b.task.FuncName = funcName
	if registry == nil {
		return b
	}
	body, ok := registry.Get(funcName)
	if !ok {
		b.err = fmt.Errorf("任务 %s 引用的函数 %s 未注册", b.task.Name, funcName)
		return b
	}
	b.task.Body = body
	return b
}

// AsMap 标记为 Map 任务，按 iterateOver 输入展开
func (b *TaskBuilder) AsMap(iterateOver string) *TaskBuilder {
	b.task.IsMap = true
	b.task.IterateOver = iterateOver
	return b
}

// WithTimeout 设置单个实例的超时
func (b *TaskBuilder) WithTimeout(timeout time.Duration) *TaskBuilder {
	b.task.Timeout = timeout
	return b
}

// WithHints 设置资源提示
func (b *TaskBuilder) WithHints(hints ResourceHints) *TaskBuilder {
	b.task.Hints = hints
	return b
}

// BestEffort 标记失败不影响退出码
func (b *TaskBuilder) BestEffort() *TaskBuilder {
	b.task.BestEffort = true
	return b
}

// Build 构建Task
func (b *TaskBuilder) Build() (*Task, error) {
	if b.err != nil {
		return nil, b.err
	}
	t := b.task
	if t.Name == "" {
		return nil, fmt.Errorf("Task名称不能为空")
	}
	if t.Body == nil && t.FuncName == "" {
		return nil, fmt.Errorf("任务 %s 未设置任务体", t.Name)
	}
	seen := make(map[string]bool, len(t.Inputs))
	for _, in := range t.Inputs {
		if in.Name == "" {
			return nil, fmt.Errorf("任务 %s 存在空输入名", t.Name)
		}
		if seen[in.Name] {
			return nil, fmt.Errorf("任务 %s 输入 %s 重复声明", t.Name, in.Name)
		}
		seen[in.Name] = true
	}
	if t.IsMap {
		if t.IterateOver == "" {
			return nil, fmt.Errorf("Map任务 %s 必须指定迭代输入", t.Name)
		}
		if !seen[t.IterateOver] {
			return nil, fmt.Errorf("Map任务 %s 的迭代输入 %s 未声明", t.Name, t.IterateOver)
		}
	} else if t.IterateOver != "" {
		return nil, fmt.Errorf("任务 %s 不是Map任务，不能指定迭代输入", t.Name)
	}
	return t.Clone(), nil
}
