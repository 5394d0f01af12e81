package handler

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LENAX/pipeline-engine/pkg/api/dto"
	"github.com/LENAX/pipeline-engine/pkg/core/engine"
)

// RunHandler 运行触发与历史查询
type RunHandler struct {
	engine    *engine.Engine
	pipelines map[string]*engine.Pipeline
	logger    *zap.Logger

	// 后台运行的父context，服务关闭时取消
	ctx context.Context
	wg  sync.WaitGroup
}

// NewRunHandler 创建RunHandler；ctx 结束时取消所有由API触发的运行
func NewRunHandler(ctx context.Context, eng *engine.Engine, pipelines []*engine.Pipeline, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]*engine.Pipeline, len(pipelines))
	for _, p := range pipelines {
		byName[p.Name] = p
	}
	return &RunHandler{engine: eng, pipelines: byName, logger: logger, ctx: ctx}
}

// Pipeline 按名称查找流水线
func (h *RunHandler) Pipeline(name string) (*engine.Pipeline, bool) {
	p, ok := h.pipelines[name]
	return p, ok
}

// ListPipelines 列出可触发的流水线
// GET /api/v1/pipelines
func (h *RunHandler) ListPipelines(c *gin.Context) {
	names := make([]string, 0, len(h.pipelines))
	for name := range h.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]dto.PipelineSummary, 0, len(names))
	for _, name := range names {
		p := h.pipelines[name]
		item := dto.PipelineSummary{
			Name:      p.Name,
			Tasks:     p.Plan.Order(),
			MapPolicy: string(p.MapPolicy),
			Cron:      p.Cron,
		}
		if p.Strategy != nil {
			item.Strategy = p.Strategy.Name()
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.PipelineSummary]{
		Total: len(items),
		Items: items,
	}))
}

// Trigger 异步触发一次运行
// POST /api/v1/runs
func (h *RunHandler) Trigger(c *gin.Context) {
	var req dto.TriggerRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf("请求参数错误: %v", err)))
		return
	}
	p, ok := h.pipelines[req.Pipeline]
	if !ok {
		c.JSON(http.StatusNotFound, dto.NewErrorResponse(404, fmt.Sprintf("流水线不存在: %s", req.Pipeline)))
		return
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	for _, active := range h.engine.ActiveRuns() {
		if active == runID {
			c.JSON(http.StatusConflict, dto.NewErrorResponse(409, fmt.Sprintf("运行 %s 已在进行中", runID)))
			return
		}
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		summary, err := h.engine.RunPipeline(h.ctx, p, runID)
		if err != nil {
			h.logger.Error("API触发的运行失败", zap.String("run_id", runID), zap.String("pipeline", p.Name), zap.Error(err))
			return
		}
		h.logger.Info("API触发的运行结束",
			zap.String("run_id", runID),
			zap.String("status", string(summary.Status)))
	}()

	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(dto.TriggerRunResponse{
		RunID:    runID,
		Pipeline: p.Name,
		Message:  "运行已提交",
	}))
}

// List 运行历史，进行中的运行排在最前
// GET /api/v1/runs
func (h *RunHandler) List(c *gin.Context) {
	var query dto.ListQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf("查询参数错误: %v", err)))
		return
	}
	repo := h.engine.Runs()
	if repo == nil {
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(500, "存储未配置"))
		return
	}

	var items []dto.RunSummary
	if query.Status == "" || query.Status == dto.RunStatusRunning {
		for _, id := range h.engine.ActiveRuns() {
			items = append(items, dto.RunSummary{RunID: id, Status: dto.RunStatusRunning})
		}
	}

	// 只取到当前页需要的条数
	limit := query.GetDefaultLimit()
	rows, err := repo.ListRuns(c.Request.Context(), query.Offset+limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(500, fmt.Sprintf("查询运行记录失败: %v", err)))
		return
	}
	for _, row := range rows {
		if query.Status != "" && row.Status != query.Status {
			continue
		}
		if query.Pipeline != "" && row.Pipeline != query.Pipeline {
			continue
		}
		summary, err := engine.SummaryFromDAO(row)
		if err != nil {
			h.logger.Warn("运行记录无法解析", zap.String("run_id", row.ID), zap.Error(err))
			continue
		}
		items = append(items, dto.NewRunSummary(summary))
	}

	total := len(items)
	if query.Offset >= total {
		items = []dto.RunSummary{}
	} else {
		end := query.Offset + limit
		if end > total {
			end = total
		}
		items = items[query.Offset:end]
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.RunSummary]{
		Total:   total,
		Items:   items,
		HasMore: query.Offset+len(items) < total,
	}))
}

// Get 运行详情
// GET /api/v1/runs/:id
func (h *RunHandler) Get(c *gin.Context) {
	id := c.Param("id")
	repo := h.engine.Runs()
	if repo == nil {
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(500, "存储未配置"))
		return
	}
	row, err := repo.GetRun(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(500, fmt.Sprintf("查询运行记录失败: %v", err)))
		return
	}
	if row == nil {
		for _, active := range h.engine.ActiveRuns() {
			if active == id {
				c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.RunDetail{
					RunSummary: dto.RunSummary{RunID: id, Status: dto.RunStatusRunning},
				}))
				return
			}
		}
		c.JSON(http.StatusNotFound, dto.NewErrorResponse(404, fmt.Sprintf("运行不存在: %s", id)))
		return
	}
	summary, err := engine.SummaryFromDAO(row)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(500, err.Error()))
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.NewRunDetail(summary)))
}

// Cancel 取消进行中的运行
// POST /api/v1/runs/:id/cancel
func (h *RunHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !h.engine.Cancel(id) {
		c.JSON(http.StatusNotFound, dto.NewErrorResponse(404, fmt.Sprintf("运行 %s 不在进行中", id)))
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(map[string]string{"run_id": id, "message": "已请求取消"}))
}

// Wait 等待所有由API触发的运行结束
func (h *RunHandler) Wait() {
	h.wg.Wait()
}
