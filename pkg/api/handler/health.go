package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/pipeline-engine/pkg/api/dto"
	"github.com/LENAX/pipeline-engine/pkg/core/engine"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	engine    *engine.Engine
	version   string
	startTime time.Time
}

// NewHealthHandler 创建HealthHandler
func NewHealthHandler(eng *engine.Engine, version string) *HealthHandler {
	return &HealthHandler{
		engine:    eng,
		version:   version,
		startTime: time.Now(),
	}
}

// Health 健康检查
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Uptime:     formatDuration(time.Since(h.startTime)),
		Timestamp:  time.Now().Format(time.RFC3339),
		ActiveRuns: h.engine.ActiveRuns(),
	}))
}

// formatDuration 格式化时长
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
