package dto

import (
	"time"

	"github.com/LENAX/pipeline-engine/pkg/core/engine"
)

// APIResponse 通用API响应结构
type APIResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse[T any](data T) APIResponse[T] {
	return APIResponse[T]{
		Code:    0,
		Message: "success",
		Data:    data,
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(code int, message string) APIResponse[any] {
	return APIResponse[any]{
		Code:    code,
		Message: message,
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status     string   `json:"status"`
	Version    string   `json:"version"`
	Uptime     string   `json:"uptime"`
	Timestamp  string   `json:"timestamp"`
	ActiveRuns []string `json:"active_runs"`
}

// ListResponse 列表响应
type ListResponse[T any] struct {
	Total   int  `json:"total"`
	Items   []T  `json:"items"`
	HasMore bool `json:"has_more"`
}

// PipelineSummary 已加载的流水线
type PipelineSummary struct {
	Name      string   `json:"name"`
	Tasks     []string `json:"tasks"`
	Strategy  string   `json:"strategy,omitempty"`
	MapPolicy string   `json:"map_policy,omitempty"`
	Cron      string   `json:"cron,omitempty"`
}

// RunSummary 运行摘要
type RunSummary struct {
	RunID      string     `json:"run_id"`
	Pipeline   string     `json:"pipeline"`
	Status     string     `json:"status"`
	ExitCode   int        `json:"exit_code"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Duration   string     `json:"duration,omitempty"`
}

// RunDetail 运行详情，包含每个实例的终态
type RunDetail struct {
	RunSummary
	Strategy  string                   `json:"strategy,omitempty"`
	Counts    map[string]int           `json:"counts"`
	Instances []engine.InstanceSummary `json:"instances"`
}

// TriggerRunResponse 触发运行的响应
type TriggerRunResponse struct {
	RunID    string `json:"run_id"`
	Pipeline string `json:"pipeline"`
	Message  string `json:"message"`
}

// RunStatusRunning 进行中的运行在历史表中还没有记录
const RunStatusRunning = "Running"

// NewRunSummary 由引擎运行汇总构造响应
func NewRunSummary(s *engine.RunSummary) RunSummary {
	out := RunSummary{
		RunID:     s.RunID,
		Pipeline:  s.Pipeline,
		Status:    string(s.Status),
		ExitCode:  s.ExitCode,
		StartedAt: s.StartedAt,
	}
	if !s.FinishedAt.IsZero() {
		finished := s.FinishedAt
		out.FinishedAt = &finished
		out.Duration = s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
	}
	return out
}

// NewRunDetail 由引擎运行汇总构造详情
func NewRunDetail(s *engine.RunSummary) RunDetail {
	counts := make(map[string]int)
	for state, n := range s.CountByState() {
		counts[string(state)] = n
	}
	return RunDetail{
		RunSummary: NewRunSummary(s),
		Strategy:   s.Strategy,
		Counts:     counts,
		Instances:  s.Instances,
	}
}
