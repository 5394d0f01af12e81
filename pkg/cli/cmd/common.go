package cmd

import (
	"context"
	"fmt"

	"github.com/LENAX/pipeline-engine/pkg/config"
	"github.com/LENAX/pipeline-engine/pkg/core/engine"
	"github.com/LENAX/pipeline-engine/pkg/core/task"
	"github.com/LENAX/pipeline-engine/pkg/pipeline/mhealthx"
)

// builtinRegistry 内置任务体，run/serve/worker 共用同一套
func builtinRegistry() (*task.FunctionRegistry, error) {
	registry := task.NewFunctionRegistry()
	if err := mhealthx.Register(registry); err != nil {
		return nil, fmt.Errorf("register builtin functions failed: %w", err)
	}
	return registry, nil
}

// loadEngineConfig 加载引擎配置并应用命令行覆盖
func (o *rootOptions) loadEngineConfig() (*config.EngineConfig, error) {
	cfg := config.DefaultEngineConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadFrameworkConfig(o.configPath); err != nil {
			return nil, fmt.Errorf("load engine config failed: %w", err)
		}
	}
	if o.logLevel != "" {
		cfg.PipelineEngine.General.LogLevel = o.logLevel
	}
	return cfg, nil
}

// buildRuntime 按全局参数装配引擎
func (o *rootOptions) buildRuntime(ctx context.Context) (*engine.Runtime, error) {
	cfg, err := o.loadEngineConfig()
	if err != nil {
		return nil, err
	}
	registry, err := builtinRegistry()
	if err != nil {
		return nil, err
	}
	return engine.NewEngineBuilder("").
		WithConfig(cfg).
		WithRegistry(registry).
		WithVersion(Version).
		Build(ctx)
}
