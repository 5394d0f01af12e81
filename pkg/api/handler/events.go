package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/LENAX/pipeline-engine/pkg/api/dto"
	"github.com/LENAX/pipeline-engine/pkg/core/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// EventSource 可订阅的事件来源
type EventSource interface {
	Subscribe(ctx context.Context, types ...events.EventType) (<-chan *events.Event, error)
}

// EventsHandler 通过websocket推送生命周期事件
type EventsHandler struct {
	source   EventSource
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewEventsHandler 创建EventsHandler
func NewEventsHandler(source EventSource, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Stream 事件流
// GET /api/v1/events?types=task.failed,run.finished&run_id=xxx
func (h *EventsHandler) Stream(c *gin.Context) {
	var query dto.EventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, err.Error()))
		return
	}
	types, err := parseEventTypes(query.Types)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, err.Error()))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		h.logger.Warn("websocket升级失败", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stream, err := h.source.Subscribe(ctx, types...)
	if err != nil {
		h.logger.Warn("订阅事件失败", zap.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		return
	}

	// 读循环只处理控制帧，对端关闭时结束推送
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket连接异常关闭", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-stream:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if query.RunID != "" && event.RunID != query.RunID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func parseEventTypes(raw string) ([]events.EventType, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	known := make(map[events.EventType]bool, len(events.AllEventTypes))
	for _, t := range events.AllEventTypes {
		known[t] = true
	}
	var out []events.EventType
	for _, part := range strings.Split(raw, ",") {
		t := events.EventType(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if !known[t] {
			return nil, fmt.Errorf("未知的事件类型: %s", t)
		}
		out = append(out, t)
	}
	return out, nil
}
