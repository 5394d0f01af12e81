// Package events 流水线运行期事件（对外导出）
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType 事件类型
type EventType string

const (
	// 实例状态事件
	EventTaskReady     EventType = "task.ready"     // 实例就绪
	EventTaskStarted   EventType = "task.started"   // 实例开始运行
	EventTaskSucceeded EventType = "task.succeeded" // 实例成功
	EventTaskFailed    EventType = "task.failed"    // 实例失败

	// 运行事件
	EventRunStarted  EventType = "run.started"  // 运行开始
	EventRunFinished EventType = "run.finished" // 运行结束
)

// AllEventTypes 全部事件类型
var AllEventTypes = []EventType{
	EventTaskReady, EventTaskStarted, EventTaskSucceeded, EventTaskFailed,
	EventRunStarted, EventRunFinished,
}

// Event 事件基础结构
type Event struct {
	ID         string            `json:"id"`                    // 事件ID（UUID）
	Type       EventType         `json:"type"`                  // 事件类型
	RunID      string            `json:"run_id"`                // 运行ID
	Pipeline   string            `json:"pipeline,omitempty"`    // 流水线名称
	Task       string            `json:"task,omitempty"`        // 任务名
	InstanceID string            `json:"instance_id,omitempty"` // 实例ID
	Timestamp  time.Time         `json:"timestamp"`             // 事件时间
	Payload    interface{}       `json:"payload,omitempty"`     // 事件负载
	Metadata   map[string]string `json:"metadata,omitempty"`    // 元数据
}

// NewEvent 创建事件
func NewEvent(eventType EventType, runID, taskName, instanceID string, payload interface{}) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		RunID:      runID,
		Task:       taskName,
		InstanceID: instanceID,
		Timestamp:  time.Now(),
		Payload:    payload,
		Metadata:   make(map[string]string),
	}
}

// WithMetadata 添加元数据
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// InstancePayload 实例结束事件负载
type InstancePayload struct {
	State      string `json:"state"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Message    string `json:"message,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// RunPayload 运行结束事件负载
type RunPayload struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Failed   int    `json:"failed"`
	Total    int    `json:"total"`
}
