// Package natsbackend 基于NATS的外部执行后端（对外导出）
// 引擎侧的 Backend 发布调用请求，集群侧的 Worker 按函数名执行任务体并回复结果
package natsbackend

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionConfig NATS连接参数
type ConnectionConfig struct {
	// URL 服务器地址，例如 nats://localhost:4222
	URL string
	// Name 客户端名称
	Name string
	// MaxReconnects 最大重连次数，-1 表示不限
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	Token         string
	Username      string
	Password      string
}

// DefaultConnectionConfig 默认连接参数
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:           url,
		Name:          "pipeline-engine",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Connect 建立NATS连接，ctx 结束时放弃等待
func Connect(ctx context.Context, cfg *ConnectionConfig, logger *zap.Logger) (*nats.Conn, error) {
	if cfg == nil {
		return nil, fmt.Errorf("NATS连接配置不能为空")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("NATS地址不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS连接断开", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS已重连", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS连接已关闭")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	} else if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(cfg.URL, opts...)
		resultCh <- result{conn: nc, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("连接NATS失败: %w", r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		// 连接可能稍后才建立，回收它
		go func() {
			if r := <-resultCh; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("连接NATS被取消: %w", ctx.Err())
	}
}

// Close 排空后关闭连接
func Close(nc *nats.Conn) error {
	if nc == nil || nc.IsClosed() {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("排空NATS连接失败: %w", err)
	}
	return nil
}
