package config

import (
	"time"
)

// EngineConfig 引擎框架配置（对外导出）
type EngineConfig struct {
	PipelineEngine struct {
		General struct {
			InstanceName string `yaml:"instance_name"`
			LogLevel     string `yaml:"log_level"`
			Env          string `yaml:"env"`
		} `yaml:"general"`
		Storage struct {
			Database struct {
				Type            string        `yaml:"type"`
				DSN             string        `yaml:"dsn"`
				MaxOpenConns    int           `yaml:"max_open_conns"`
				MaxIdleConns    int           `yaml:"max_idle_conns"`
				ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
			} `yaml:"database"`
			Cache struct {
				Enabled bool `yaml:"enabled"`
			} `yaml:"cache"`
		} `yaml:"storage"`
		Execution ExecutionConfig `yaml:"execution"`
		Sink      struct {
			Type   string `yaml:"type"` // local | azblob
			Root   string `yaml:"root"`
			Azblob struct {
				ConnectionString string `yaml:"connection_string"`
				Container        string `yaml:"container"`
				Prefix           string `yaml:"prefix"`
			} `yaml:"azblob"`
		} `yaml:"sink"`
		Tracing struct {
			Enabled     bool   `yaml:"enabled"`
			Endpoint    string `yaml:"endpoint"`
			ServiceName string `yaml:"service_name"`
			Insecure    bool   `yaml:"insecure"`
		} `yaml:"tracing"`
		API struct {
			Host string `yaml:"host"`
			Port int    `yaml:"port"`
		} `yaml:"api"`
	} `yaml:"pipeline-engine"`
}

// ExecutionConfig 执行策略配置，流水线配置可覆盖其中的部分字段
type ExecutionConfig struct {
	Strategy           string         `yaml:"strategy"` // sequential | pool | external
	MaxConcurrency     int            `yaml:"max_concurrency"`
	DefaultTaskTimeout time.Duration  `yaml:"default_task_timeout"`
	MapPolicy          string         `yaml:"map_policy"` // fail-fast | partial
	External           ExternalConfig `yaml:"external"`
}

// ExternalConfig 外部执行后端配置
type ExternalConfig struct {
	Backend       string        `yaml:"backend"` // nats
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	Timeout       time.Duration `yaml:"timeout"`
	SubmitRetries int           `yaml:"submit_retries"`
}

// GetDatabaseType 获取数据库类型
func (c *EngineConfig) GetDatabaseType() string {
	return c.PipelineEngine.Storage.Database.Type
}

// GetDatabaseDSN 获取数据库DSN
func (c *EngineConfig) GetDatabaseDSN() string {
	return c.PipelineEngine.Storage.Database.DSN
}

// GetMaxConcurrency 获取并发预算
func (c *EngineConfig) GetMaxConcurrency() int {
	concurrency := c.PipelineEngine.Execution.MaxConcurrency
	if concurrency <= 0 {
		return 4 // 默认值
	}
	return concurrency
}

// GetDefaultTaskTimeout 获取默认任务超时时间，0表示不限制
func (c *EngineConfig) GetDefaultTaskTimeout() time.Duration {
	return c.PipelineEngine.Execution.DefaultTaskTimeout
}

// CacheEnabled 是否启用内容寻址缓存
func (c *EngineConfig) CacheEnabled() bool {
	return c.PipelineEngine.Storage.Cache.Enabled
}

// ApplyDefaults 应用默认值
func (c *EngineConfig) ApplyDefaults() {
	e := &c.PipelineEngine

	// General默认值
	if e.General.InstanceName == "" {
		e.General.InstanceName = "pipeline-engine"
	}
	if e.General.LogLevel == "" {
		e.General.LogLevel = "info"
	}
	if e.General.Env == "" {
		e.General.Env = "dev"
	}

	// Database默认值
	if e.Storage.Database.Type == "" {
		e.Storage.Database.Type = "sqlite"
	}
	if e.Storage.Database.DSN == "" && e.Storage.Database.Type == "sqlite" {
		e.Storage.Database.DSN = "./pipeline-engine.db"
	}
	if e.Storage.Database.MaxOpenConns <= 0 {
		e.Storage.Database.MaxOpenConns = 10
	}
	if e.Storage.Database.MaxIdleConns <= 0 {
		e.Storage.Database.MaxIdleConns = 5
	}
	if e.Storage.Database.ConnMaxLifetime <= 0 {
		e.Storage.Database.ConnMaxLifetime = 2 * time.Hour
	}

	// Execution默认值
	if e.Execution.Strategy == "" {
		e.Execution.Strategy = "sequential"
	}
	if e.Execution.MaxConcurrency <= 0 {
		e.Execution.MaxConcurrency = 4
	}
	if e.Execution.MapPolicy == "" {
		e.Execution.MapPolicy = "fail-fast"
	}
	if e.Execution.External.Backend == "" {
		e.Execution.External.Backend = "nats"
	}
	if e.Execution.External.URL == "" {
		e.Execution.External.URL = "nats://127.0.0.1:4222"
	}
	if e.Execution.External.Subject == "" {
		e.Execution.External.Subject = "pipeline.tasks"
	}
	if e.Execution.External.Timeout <= 0 {
		e.Execution.External.Timeout = 10 * time.Minute
	}
	if e.Execution.External.SubmitRetries <= 0 {
		e.Execution.External.SubmitRetries = 3
	}

	// Sink默认值
	if e.Sink.Type == "" {
		e.Sink.Type = "local"
	}
	if e.Sink.Root == "" {
		e.Sink.Root = "./output"
	}

	// Tracing默认值
	if e.Tracing.ServiceName == "" {
		e.Tracing.ServiceName = e.General.InstanceName
	}

	// API默认值
	if e.API.Host == "" {
		e.API.Host = "0.0.0.0"
	}
	if e.API.Port <= 0 {
		e.API.Port = 8080
	}
}
