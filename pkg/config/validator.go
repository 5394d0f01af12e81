package config

import (
	"fmt"
	"time"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
)

// ValidateFrameworkConfig 校验框架配置合法性
func ValidateFrameworkConfig(cfg *EngineConfig) error {
	if cfg == nil {
		return fmt.Errorf("配置不能为空")
	}
	e := cfg.PipelineEngine

	// 校验General
	if e.General.InstanceName == "" {
		return fmt.Errorf("instance_name不能为空")
	}
	if e.General.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[e.General.LogLevel] {
			return fmt.Errorf("log_level必须是debug/info/warn/error之一")
		}
	}

	// 校验Storage.Database
	validDBTypes := map[string]bool{
		"sqlite":     true,
		"postgres":   true,
		"postgresql": true,
		"mysql":      true,
	}
	if !validDBTypes[e.Storage.Database.Type] {
		return fmt.Errorf("database.type必须是sqlite/postgres/mysql之一")
	}
	if e.Storage.Database.DSN == "" {
		return fmt.Errorf("database.dsn不能为空")
	}
	if e.Storage.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns必须大于0")
	}
	if e.Storage.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns不能为负数")
	}

	// 校验Execution
	if err := validateExecution(e.Execution.Strategy, e.Execution.MaxConcurrency, e.Execution.MapPolicy); err != nil {
		return err
	}
	if e.Execution.DefaultTaskTimeout < 0 {
		return fmt.Errorf("execution.default_task_timeout不能为负数")
	}
	if e.Execution.Strategy == "external" {
		if e.Execution.External.Backend != "nats" {
			return fmt.Errorf("execution.external.backend目前只支持nats")
		}
		if e.Execution.External.URL == "" {
			return fmt.Errorf("execution.external.url不能为空")
		}
		if e.Execution.External.Subject == "" {
			return fmt.Errorf("execution.external.subject不能为空")
		}
	}

	// 校验Sink
	switch e.Sink.Type {
	case "local":
	case "azblob":
		if e.Sink.Azblob.ConnectionString == "" || e.Sink.Azblob.Container == "" {
			return fmt.Errorf("sink.azblob需要connection_string和container")
		}
	default:
		return fmt.Errorf("sink.type必须是local/azblob之一")
	}

	// 校验API
	if e.API.Port <= 0 || e.API.Port > 65535 {
		return fmt.Errorf("api.port必须在1-65535之间")
	}
	return nil
}

func validateExecution(strategy string, maxConcurrency int, mapPolicy string) error {
	switch strategy {
	case "", "sequential", "pool", "external":
	default:
		return fmt.Errorf("execution.strategy必须是sequential/pool/external之一")
	}
	if maxConcurrency < 0 {
		return fmt.Errorf("execution.max_concurrency不能为负数")
	}
	switch mapPolicy {
	case "", "fail-fast", "partial":
	default:
		return fmt.Errorf("execution.map_policy必须是fail-fast/partial之一")
	}
	return nil
}

// ValidatePipelineConfig 校验流水线配置；registry 非空时同时检查函数引用
// 图层面的约束（绑定、环路）由 dag 校验负责
func ValidatePipelineConfig(cfg *PipelineConfig, registry *task.FunctionRegistry, defaultTimeout time.Duration) error {
	if cfg == nil {
		return fmt.Errorf("配置不能为空")
	}
	if cfg.Pipeline.Name == "" {
		return fmt.Errorf("pipeline.name不能为空")
	}
	return validatePipelineSpec(cfg, registry, defaultTimeout)
}

// validatePipelineSpec 子流水线可以省略名称
func validatePipelineSpec(cfg *PipelineConfig, registry *task.FunctionRegistry, defaultTimeout time.Duration) error {
	spec := cfg.Pipeline
	if err := validateExecution(spec.Execution.Strategy, spec.Execution.MaxConcurrency, spec.Execution.MapPolicy); err != nil {
		return err
	}

	names := make(map[string]bool)
	for i, tc := range spec.Tasks {
		if tc.Name == "" {
			return fmt.Errorf("tasks[%d].name不能为空", i)
		}
		if names[tc.Name] {
			return fmt.Errorf("tasks中存在重复的name: %s", tc.Name)
		}
		names[tc.Name] = true
		if tc.Func == "" {
			return fmt.Errorf("tasks[%d].func不能为空", i)
		}
		if registry != nil {
			if _, ok := registry.Get(tc.Func); !ok {
				return fmt.Errorf("tasks[%d].func %s 未注册", i, tc.Func)
			}
		}
		if tc.Map && tc.IterateOver == "" {
			return fmt.Errorf("tasks[%d]是Map任务，必须设置iterate_over", i)
		}
		if tc.Timeout < 0 {
			return fmt.Errorf("tasks[%d].timeout不能为负数", i)
		}
		// 超时不能超过默认超时的3倍
		if tc.Timeout > 0 && defaultTimeout > 0 && tc.Timeout > defaultTimeout*3 {
			return fmt.Errorf("tasks[%d].timeout %v 超过最大允许值 %v", i, tc.Timeout, defaultTimeout*3)
		}
	}
	for i, e := range spec.Edges {
		if _, _, err := SplitRef(e.From); err != nil {
			return fmt.Errorf("edges[%d].from: %w", i, err)
		}
		if _, _, err := SplitRef(e.To); err != nil {
			return fmt.Errorf("edges[%d].to: %w", i, err)
		}
	}
	for i, s := range spec.Sinks {
		if s.Task == "" || s.Output == "" || s.Path == "" {
			return fmt.Errorf("sinks[%d]需要task、output和path", i)
		}
	}
	for _, inc := range cfg.Includes {
		if err := validatePipelineSpec(inc, registry, defaultTimeout); err != nil {
			return fmt.Errorf("include %s: %w", inc.SourcePath, err)
		}
	}
	return nil
}
