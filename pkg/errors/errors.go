// Package errors 定义流水线引擎的错误分类（对外导出）
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind 错误类别（对外导出）
type Kind string

const (
	// 构图阶段错误，全部致命，任何执行开始前中止
	KindDuplicateName   Kind = "DuplicateNameError"
	KindUnknownName     Kind = "UnknownNameError"
	KindRebind          Kind = "RebindError"
	KindUnresolvedInput Kind = "UnresolvedInputError"
	KindCycle           Kind = "CycleError"

	// 实例级错误，记录后向下游传播为 UpstreamFailure
	KindTaskBody        Kind = "TaskBodyError"
	KindUpstreamFailure Kind = "UpstreamFailure"
	KindTimeout         Kind = "TimeoutError"
	KindCancelled       Kind = "Cancelled"
	KindSink            Kind = "SinkError"

	// 运行级致命错误
	KindCacheConsistency Kind = "CacheConsistencyError"
)

var (
	// ErrInvalidGraph 图定义不合法
	ErrInvalidGraph = errors.New("invalid graph")

	// ErrNotValidated 图在修改后尚未重新校验
	ErrNotValidated = errors.New("graph not validated")
)

// Error 结构化的引擎错误（对外导出）
type Error struct {
	// Kind 机器可读的错误类别
	Kind Kind

	// Task 相关任务（或实例）名称，可为空
	Task string

	// Message 可读的错误描述
	Message string

	// Cycle 仅 CycleError 使用，按依赖方向列出构成环的任务
	Cycle []string

	// Err 底层错误
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.Task != "" {
		b.WriteString(" ")
		b.WriteString(e.Task)
		b.WriteString(":")
	}
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建结构化错误
func New(kind Kind, taskName, message string) *Error {
	return &Error{Kind: kind, Task: taskName, Message: message}
}

// Newf 创建带格式化消息的结构化错误
func Newf(kind Kind, taskName, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Task: taskName, Message: fmt.Sprintf(format, args...)}
}

// Wrap 用指定类别包装底层错误
func Wrap(kind Kind, taskName string, err error) *Error {
	return &Error{Kind: kind, Task: taskName, Err: err}
}

// NewCycleError 创建命名环路的 CycleError
func NewCycleError(cycle []string) *Error {
	return &Error{
		Kind:    KindCycle,
		Message: fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")),
		Cycle:   cycle,
	}
}

// KindOf 返回错误链中第一个结构化错误的类别，不是结构化错误时返回空字符串
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind 判断错误链中是否含有指定类别
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal 构图错误与缓存一致性错误均为致命错误
func IsFatal(kind Kind) bool {
	switch kind {
	case KindDuplicateName, KindUnknownName, KindRebind, KindUnresolvedInput, KindCycle, KindCacheConsistency:
		return true
	}
	return false
}

// IsCacheable 只有确定性的结果允许写入缓存
func IsCacheable(kind Kind) bool {
	return kind == "" || kind == KindTaskBody
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return IsKind(err, KindTimeout)
}

// IsCancelled checks if an error is a cancellation error
func IsCancelled(err error) bool {
	return IsKind(err, KindCancelled)
}

// IsCacheConsistency checks if an error signals a non-deterministic task body
func IsCacheConsistency(err error) bool {
	return IsKind(err, KindCacheConsistency)
}

// Is 让 errors.Is 按类别比较两个结构化错误
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Task == "" || t.Task == e.Task)
}
