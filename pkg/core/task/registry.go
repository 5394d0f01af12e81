package task

import (
	"fmt"
	"sort"
	"sync"
)

// FunctionRegistry 任务体注册中心（对外导出）
// 流水线配置与外部后端都通过名称引用任务体，而不是直接传递函数
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]BodyFunc
	descs     map[string]string
}

// NewFunctionRegistry 创建注册中心（对外导出）
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{
		functions: make(map[string]BodyFunc),
		descs:     make(map[string]string),
	}
}

// Register 注册任务体，同名重复注册返回错误
func (r *FunctionRegistry) Register(name string, fn BodyFunc, description string) error {
	if name == "" {
		return fmt.Errorf("函数名称不能为空")
	}
	if fn == nil {
		return fmt.Errorf("函数 %s 不能为空", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.functions[name]; exists {
		return fmt.Errorf("函数 %s 已注册", name)
	}
	r.functions[name] = fn
	r.descs[name] = description
	return nil
}

// MustRegister 注册失败时 panic，用于包初始化
func (r *FunctionRegistry) MustRegister(name string, fn BodyFunc, description string) {
	if err := r.Register(name, fn, description); err != nil {
		panic(err)
	}
}

// Get 按名称获取任务体
func (r *FunctionRegistry) Get(name string) (BodyFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	return fn, ok
}

// Description 返回函数描述
func (r *FunctionRegistry) Description(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.descs[name]
}

// Names 返回排序后的全部函数名
func (r *FunctionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
