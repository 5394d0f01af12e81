// Package api 运行历史与触发的HTTP API（对外导出）
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/LENAX/pipeline-engine/pkg/api/handler"
	"github.com/LENAX/pipeline-engine/pkg/core/engine"
)

// ServerConfig API服务器配置
type ServerConfig struct {
	Host        string        // 监听地址
	Port        int           // 监听端口
	ReadTimeout time.Duration // 读取超时
	// WriteTimeout 对websocket连接不生效
	WriteTimeout time.Duration
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// APIServer HTTP API服务器
type APIServer struct {
	engine     *engine.Engine
	config     ServerConfig
	version    string
	logger     *zap.Logger
	runs       *handler.RunHandler
	events     *handler.EventsHandler
	httpServer *http.Server
	cancel     context.CancelFunc
}

// NewAPIServer 创建API服务器；source 为空时不提供事件流
func NewAPIServer(eng *engine.Engine, pipelines []*engine.Pipeline, source handler.EventSource, config ServerConfig, version string, logger *zap.Logger) *APIServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &APIServer{
		engine:  eng,
		config:  config,
		version: version,
		logger:  logger,
		runs:    handler.NewRunHandler(ctx, eng, pipelines, logger),
		cancel:  cancel,
	}
	if source != nil {
		s.events = handler.NewEventsHandler(source, logger)
	}
	return s
}

// Handler 返回路由，测试中直接使用
func (s *APIServer) Handler() http.Handler {
	return s.SetupRouter()
}

// Start 启动服务器，阻塞直到关闭
func (s *APIServer) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.SetupRouter(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("API服务启动", zap.String("addr", s.Addr()))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server listen failed: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭：停止接收请求，取消API触发的运行并等待其结束
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.logger.Info("API服务关闭中")
	var err error
	if s.httpServer != nil {
		if serr := s.httpServer.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("server shutdown failed: %w", serr)
		}
	}
	s.cancel()
	s.runs.Wait()
	s.logger.Info("API服务已停止")
	return err
}

// Addr 获取服务器地址
func (s *APIServer) Addr() string {
	return net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
}
