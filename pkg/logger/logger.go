// Package logger 基于 zap 的日志初始化
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New 按级别与环境创建 logger：dev 使用彩色控制台输出，其余环境输出JSON
func New(level, env string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 %q: %w", level, err)
	}

	var cfg zap.Config
	switch env {
	case "dev", "development", "test":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Must 同 New，失败时 panic
func Must(level, env string) *zap.Logger {
	l, err := New(level, env)
	if err != nil {
		panic(err)
	}
	return l
}
