package task

import "context"

// context key类型，用于类型安全的context.Value访问
type contextKey string

const (
	// InstanceIDKey TaskInstance ID在context中的key
	InstanceIDKey contextKey = "task.instance.id"
	// TaskNameKey Task名称在context中的key
	TaskNameKey contextKey = "task.name"
	// MapIndexKey Map元素下标在context中的key
	MapIndexKey contextKey = "task.map.index"
	// RunIDKey 运行ID在context中的key
	RunIDKey contextKey = "run.id"
)

// WithInstanceID 将实例ID添加到context中（对外导出）
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, InstanceIDKey, instanceID)
}

// GetInstanceID 从context中获取实例ID（对外导出）
func GetInstanceID(ctx context.Context) string {
	if id, ok := ctx.Value(InstanceIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTaskName 将Task名称添加到context中（对外导出）
func WithTaskName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, TaskNameKey, name)
}

// GetTaskName 从context中获取Task名称（对外导出）
func GetTaskName(ctx context.Context) string {
	if name, ok := ctx.Value(TaskNameKey).(string); ok {
		return name
	}
	return ""
}

// WithMapIndex 将Map元素下标添加到context中（对外导出）
func WithMapIndex(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, MapIndexKey, index)
}

// GetMapIndex 从context中获取Map元素下标，非Map实例返回 -1
func GetMapIndex(ctx context.Context) int {
	if idx, ok := ctx.Value(MapIndexKey).(int); ok {
		return idx
	}
	return -1
}

// WithRunID 将运行ID添加到context中（对外导出）
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID 从context中获取运行ID（对外导出）
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDKey).(string); ok {
		return id
	}
	return ""
}
