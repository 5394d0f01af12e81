package natsbackend

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/LENAX/pipeline-engine/pkg/core/executor"
	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

// DefaultSubject 默认主题前缀
const DefaultSubject = "pipeline.tasks"

// InvocationRequest 发往Worker的调用请求（对外导出）
type InvocationRequest struct {
	ID       string             `json:"id"`
	RunID    string             `json:"run_id,omitempty"`
	Instance string             `json:"instance"`
	Task     string             `json:"task"`
	Func     string             `json:"func"`
	Index    int                `json:"index"`
	Inputs   task.Values        `json:"inputs"`
	Hints    task.ResourceHints `json:"hints"`
	// Deadline 为零值表示不限时
	Deadline time.Time `json:"deadline,omitempty"`
}

// InvocationReply Worker的回复（对外导出）
type InvocationReply struct {
	ID        string      `json:"id"`
	Outputs   task.Values `json:"outputs,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
}

// cancelMessage 取消通知
type cancelMessage struct {
	ID string `json:"id"`
}

// InvokeSubject 调用主题；资源提示中的队列名作为后缀，只有订阅该队列的Worker会收到
func InvokeSubject(prefix, queue string) string {
	if prefix == "" {
		prefix = DefaultSubject
	}
	if queue == "" {
		return prefix + ".invoke"
	}
	return prefix + ".invoke." + queue
}

// CancelSubject 取消主题，所有Worker都订阅
func CancelSubject(prefix string) string {
	if prefix == "" {
		prefix = DefaultSubject
	}
	return prefix + ".cancel"
}

// NewRequest 由调用构造请求
func NewRequest(id string, inv *executor.Invocation, deadline time.Time) *InvocationRequest {
	return &InvocationRequest{
		ID:       id,
		RunID:    inv.RunID,
		Instance: inv.InstanceID,
		Task:     inv.TaskName,
		Func:     inv.FuncName,
		Index:    inv.Index,
		Inputs:   inv.Inputs,
		Hints:    inv.Hints,
		Deadline: deadline,
	}
}

// Marshal 编码请求
func (r *InvocationRequest) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("编码调用请求失败: %w", err)
	}
	return data, nil
}

// DecodeRequest 解码请求
func DecodeRequest(data []byte) (*InvocationRequest, error) {
	var req InvocationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("解码调用请求失败: %w", err)
	}
	if req.ID == "" {
		return nil, fmt.Errorf("调用请求缺少ID")
	}
	return &req, nil
}

// DecodeReply 解码回复
func DecodeReply(data []byte) (*InvocationReply, error) {
	var reply InvocationReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("解码调用回复失败: %w", err)
	}
	return &reply, nil
}

// NewReply 把任务体结果编码为回复
func NewReply(id string, outputs task.Values, err error) *InvocationReply {
	reply := &InvocationReply{ID: id}
	if err != nil {
		reply.Error = err.Error()
		reply.ErrorKind = string(perrors.KindOf(err))
		return reply
	}
	reply.Outputs = outputs
	return reply
}

// Result 把回复还原为输出或结构化错误；未标注类别的远端错误视为任务体错误
func (r *InvocationReply) Result(instanceID string) (task.Values, error) {
	if r.Error == "" && r.ErrorKind == "" {
		return r.Outputs, nil
	}
	kind := perrors.Kind(r.ErrorKind)
	switch kind {
	case perrors.KindTimeout, perrors.KindCancelled, perrors.KindTaskBody:
	default:
		kind = perrors.KindTaskBody
	}
	return nil, perrors.New(kind, instanceID, r.Error)
}
