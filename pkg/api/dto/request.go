package dto

// TriggerRunRequest 触发一次流水线运行
type TriggerRunRequest struct {
	Pipeline string `json:"pipeline" binding:"required"`
	// RunID 为空时自动生成
	RunID string `json:"run_id" binding:"omitempty,max=128"`
}

// ListQueryRequest 通用列表查询请求
type ListQueryRequest struct {
	Limit    int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset   int    `form:"offset" binding:"omitempty,min=0"`
	Status   string `form:"status" binding:"omitempty,oneof=AllSucceeded PartialFailure Cancelled Running"`
	Pipeline string `form:"pipeline" binding:"omitempty"`
}

// GetDefaultLimit 获取默认limit
func (r *ListQueryRequest) GetDefaultLimit() int {
	if r.Limit <= 0 {
		return 20
	}
	return r.Limit
}

// EventsQuery websocket事件订阅参数
type EventsQuery struct {
	// Types 逗号分隔的事件类型，为空表示全部
	Types string `form:"types"`
	RunID string `form:"run_id"`
}
