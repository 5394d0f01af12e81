// Package task 定义流水线中的任务声明（对外导出）
package task

import (
	"context"
	"time"
)

// Values 按名称索引的输入或输出值
type Values map[string]interface{}

// BodyFunc 任务体函数签名（对外导出）
// 接收按声明名称解析好的输入，返回全部声明的输出，或返回错误。
// 相同输入必须产生相同输出，缓存正确性依赖这一点。
type BodyFunc func(ctx context.Context, inputs Values) (Values, error)

// File 标记一个输入值是文件路径，计算内容标识时按文件内容哈希
type File string

// InputSpec 单个输入声明
type InputSpec struct {
	Name       string
	Default    interface{}
	HasDefault bool
}

// ResourceHints 转发给外部后端的资源提示
type ResourceHints struct {
	CPUs     int    `json:"cpus,omitempty" yaml:"cpus"`
	MemoryMB int    `json:"memory_mb,omitempty" yaml:"memory_mb"`
	Queue    string `json:"queue,omitempty" yaml:"queue"`
}

// Task 任务声明（对外导出）
type Task struct {
	Name    string
	Inputs  []InputSpec
	Outputs []string
	Body    BodyFunc
	// FuncName 任务体在注册中心中的引用名，外部后端据此在远端定位任务体
	FuncName string
	// IsMap 为 true 时按 IterateOver 输入的每个元素各运行一次
	IsMap       bool
	IterateOver string
	Timeout     time.Duration
	Hints       ResourceHints
	// BestEffort 失败不影响运行的退出码
	BestEffort bool
}

// InputNames 按声明顺序返回输入名
func (t *Task) InputNames() []string {
	names := make([]string, 0, len(t.Inputs))
	for _, in := range t.Inputs {
		names = append(names, in.Name)
	}
	return names
}

// Input 按名称查找输入声明
func (t *Task) Input(name string) (InputSpec, bool) {
	for _, in := range t.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputSpec{}, false
}

// HasOutput 判断是否声明了该输出
func (t *Task) HasOutput(name string) bool {
	for _, out := range t.Outputs {
		if out == name {
			return true
		}
	}
	return false
}

// Clone 返回浅拷贝，切片独立
func (t *Task) Clone() *Task {
	c := *t
	c.Inputs = append([]InputSpec(nil), t.Inputs...)
	c.Outputs = append([]string(nil), t.Outputs...)
	return &c
}
