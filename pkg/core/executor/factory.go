package executor

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Options 策略配置
type Options struct {
	Strategy       string
	MaxConcurrency int
	Timeout        time.Duration
	SubmitRetries  int
	Backend        Backend
	Logger         *zap.Logger
}

// NewStrategy 按名称创建执行策略（对外导出）
func NewStrategy(opts Options) (Strategy, error) {
	switch opts.Strategy {
	case "", StrategySequential:
		return NewSequential(), nil
	case StrategyPool:
		return NewBoundedPool(opts.MaxConcurrency)
	case StrategyExternal:
		return NewExternal(opts.Backend, ExternalOptions{
			MaxConcurrency: opts.MaxConcurrency,
			Timeout:        opts.Timeout,
			SubmitRetries:  opts.SubmitRetries,
			Logger:         opts.Logger,
		})
	default:
		return nil, fmt.Errorf("不支持的执行策略: %s", opts.Strategy)
	}
}
