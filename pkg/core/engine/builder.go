package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	internalstorage "github.com/LENAX/pipeline-engine/internal/storage"
	"github.com/LENAX/pipeline-engine/pkg/backend/natsbackend"
	"github.com/LENAX/pipeline-engine/pkg/config"
	"github.com/LENAX/pipeline-engine/pkg/core/cache"
	"github.com/LENAX/pipeline-engine/pkg/core/events"
	"github.com/LENAX/pipeline-engine/pkg/core/executor"
	"github.com/LENAX/pipeline-engine/pkg/core/sink"
	"github.com/LENAX/pipeline-engine/pkg/core/task"
	"github.com/LENAX/pipeline-engine/pkg/logger"
	"github.com/LENAX/pipeline-engine/pkg/tracing"
)

// EngineBuilder 引擎构建器（链式调用）
type EngineBuilder struct {
	engineConfigPath string
	cfg              *config.EngineConfig
	registry         *task.FunctionRegistry
	logger           *zap.Logger
	backend          executor.Backend
	version          string
	err              error
}

// Runtime 按配置装配好的引擎及其依赖（对外导出）
type Runtime struct {
	Engine   *Engine
	Config   *config.EngineConfig
	Registry *task.FunctionRegistry
	Bus      *events.Bus
	Sink     *sink.Sink
	Logger   *zap.Logger

	writer    sink.Writer
	backend   executor.Backend
	db        *internalstorage.DatabaseFactory
	nc        *nats.Conn
	shutdown  tracing.ShutdownFunc
	closeOnce bool
}

// NewEngineBuilder 创建引擎构建器（入口），配置路径为空时使用默认配置
func NewEngineBuilder(engineConfigPath string) *EngineBuilder {
	return &EngineBuilder{
		engineConfigPath: engineConfigPath,
		registry:         task.NewFunctionRegistry(),
		version:          "dev",
	}
}

// WithConfig 直接使用已加载的配置（链式）
func (b *EngineBuilder) WithConfig(cfg *config.EngineConfig) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if cfg == nil {
		b.err = errors.New("engine config is nil")
		return b
	}
	b.cfg = cfg
	return b
}

// WithRegistry 使用外部的函数注册中心（链式）
func (b *EngineBuilder) WithRegistry(registry *task.FunctionRegistry) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if registry == nil {
		b.err = errors.New("function registry is nil")
		return b
	}
	b.registry = registry
	return b
}

// WithFunc 注册任务体（链式）
func (b *EngineBuilder) WithFunc(name string, fn task.BodyFunc, description string) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if err := b.registry.Register(name, fn, description); err != nil {
		b.err = err
	}
	return b
}

// WithLogger 使用外部logger，否则按配置创建（链式）
func (b *EngineBuilder) WithLogger(l *zap.Logger) *EngineBuilder {
	if b.err != nil {
		return b
	}
	b.logger = l
	return b
}

// WithBackend 注入外部后端，external 策略不再自行连接NATS（链式）
func (b *EngineBuilder) WithBackend(backend executor.Backend) *EngineBuilder {
	if b.err != nil {
		return b
	}
	b.backend = backend
	return b
}

// WithVersion 服务版本，用于链路追踪
func (b *EngineBuilder) WithVersion(version string) *EngineBuilder {
	if b.err != nil {
		return b
	}
	b.version = version
	return b
}

// Build 构建运行时（最终步骤）
func (b *EngineBuilder) Build(ctx context.Context) (rt *Runtime, err error) {
	if b.err != nil {
		return nil, b.err
	}

	// 1. 加载并校验引擎配置
	cfg := b.cfg
	if cfg == nil {
		if b.engineConfigPath == "" {
			cfg = config.DefaultEngineConfig()
		} else if cfg, err = config.LoadFrameworkConfig(b.engineConfigPath); err != nil {
			return nil, fmt.Errorf("load engine config failed: %w", err)
		}
	}
	cfg.ApplyDefaults()
	if err := config.ValidateFrameworkConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate engine config failed: %w", err)
	}
	pe := cfg.PipelineEngine

	// 2. 日志
	log := b.logger
	if log == nil {
		if log, err = logger.New(pe.General.LogLevel, pe.General.Env); err != nil {
			return nil, fmt.Errorf("init logger failed: %w", err)
		}
	}
	log = log.With(zap.String("instance_name", pe.General.InstanceName))

	rt = &Runtime{Config: cfg, Registry: b.registry, Logger: log, backend: b.backend}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	// 3. 链路追踪
	rt.shutdown, err = tracing.SetupTracing(ctx, tracing.Config{
		Enabled:        pe.Tracing.Enabled,
		ServiceName:    pe.Tracing.ServiceName,
		ServiceVersion: b.version,
		Environment:    pe.General.Env,
		Endpoint:       pe.Tracing.Endpoint,
		Insecure:       pe.Tracing.Insecure,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("init tracing failed: %w", err)
	}

	// 4. 存储层：运行记录总是持久化，缓存按配置启用
	db := pe.Storage.Database
	rt.db, err = internalstorage.NewDatabaseFactory(db.Type, db.DSN, internalstorage.PoolOptions{
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("init storage failed: %w", err)
	}
	var store cache.Store
	if cfg.CacheEnabled() {
		if store, err = cache.NewDurableStore(rt.db.CacheRepository()); err != nil {
			return nil, fmt.Errorf("init cache failed: %w", err)
		}
	}

	// 5. 输出物化
	if rt.writer, err = newWriter(cfg, log); err != nil {
		return nil, fmt.Errorf("init sink failed: %w", err)
	}
	rt.Sink = sink.New(rt.writer, log)

	// 6. 执行策略
	strategy, err := rt.NewStrategy(ctx, pe.Execution.Strategy, cfg.GetMaxConcurrency())
	if err != nil {
		return nil, err
	}

	// 7. 事件总线与引擎
	rt.Bus = events.NewBus(log)
	rt.Engine, err = NewEngine(Options{
		Strategy:       strategy,
		Cache:          store,
		Sink:           rt.Sink,
		Events:         rt.Bus,
		Runs:           rt.db.RunRepository(),
		MapPolicy:      MapPolicy(pe.Execution.MapPolicy),
		DefaultTimeout: cfg.GetDefaultTaskTimeout(),
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine failed: %w", err)
	}

	log.Info("引擎已初始化",
		zap.String("strategy", strategy.Name()),
		zap.Int("max_concurrency", strategy.Capacity()),
		zap.String("database", db.Type),
		zap.Bool("cache", store != nil),
		zap.String("sink", rt.writer.Name()))
	return rt, nil
}

// NewStrategy 按名称创建执行策略；external 策略首次使用时连接后端
func (rt *Runtime) NewStrategy(ctx context.Context, name string, maxConcurrency int) (executor.Strategy, error) {
	ext := rt.Config.PipelineEngine.Execution.External
	opts := executor.Options{
		Strategy:       name,
		MaxConcurrency: maxConcurrency,
		Timeout:        ext.Timeout,
		SubmitRetries:  ext.SubmitRetries,
		Logger:         rt.Logger,
	}
	if name == executor.StrategyExternal {
		backend, err := rt.externalBackend(ctx)
		if err != nil {
			return nil, err
		}
		opts.Backend = backend
	}
	strategy, err := executor.NewStrategy(opts)
	if err != nil {
		return nil, fmt.Errorf("create strategy failed: %w", err)
	}
	return strategy, nil
}

func (rt *Runtime) externalBackend(ctx context.Context) (executor.Backend, error) {
	if rt.backend != nil {
		return rt.backend, nil
	}
	ext := rt.Config.PipelineEngine.Execution.External
	if ext.Backend != natsbackend.BackendName {
		return nil, fmt.Errorf("不支持的外部后端: %s", ext.Backend)
	}
	connCfg := natsbackend.DefaultConnectionConfig(ext.URL)
	connCfg.Name = rt.Config.PipelineEngine.General.InstanceName
	nc, err := natsbackend.Connect(ctx, connCfg, rt.Logger)
	if err != nil {
		return nil, err
	}
	backend, err := natsbackend.NewBackend(nc, ext.Subject, rt.Logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	rt.nc = nc
	rt.backend = backend
	return backend, nil
}

// NATS 外部后端使用的连接，未连接时为空
func (rt *Runtime) NATS() *nats.Conn {
	return rt.nc
}

// LoadPipeline 加载流水线配置，构图校验并应用流水线级的执行覆盖
func (rt *Runtime) LoadPipeline(ctx context.Context, path string) (*Pipeline, error) {
	pc, err := config.LoadPipelineConfig(path)
	if err != nil {
		return nil, err
	}
	return rt.PipelineFromConfig(ctx, pc)
}

// PipelineFromConfig 由已加载的流水线配置创建流水线
func (rt *Runtime) PipelineFromConfig(ctx context.Context, pc *config.PipelineConfig) (*Pipeline, error) {
	if err := config.ValidatePipelineConfig(pc, rt.Registry, rt.Config.GetDefaultTaskTimeout()); err != nil {
		return nil, err
	}
	g, err := pc.BuildGraph(rt.Registry)
	if err != nil {
		return nil, err
	}

	s := sink.New(rt.writer, rt.Logger)
	for _, binding := range pc.SinkBindings() {
		if err := s.Bind(binding.Task, binding.Output, binding.Path); err != nil {
			return nil, err
		}
	}
	p, err := NewPipeline(pc.Pipeline.Name, g, s)
	if err != nil {
		return nil, err
	}
	p.Cron = pc.Pipeline.Schedule.Cron

	exec := pc.Pipeline.Execution
	if exec.MapPolicy != "" {
		if p.MapPolicy, err = ParseMapPolicy(exec.MapPolicy); err != nil {
			return nil, err
		}
	}
	if exec.Strategy != "" || exec.MaxConcurrency > 0 {
		name := exec.Strategy
		if name == "" {
			name = rt.Engine.Strategy().Name()
		}
		concurrency := exec.MaxConcurrency
		if concurrency <= 0 {
			concurrency = rt.Config.GetMaxConcurrency()
		}
		if p.Strategy, err = rt.NewStrategy(ctx, name, concurrency); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Close 按依赖的逆序释放资源，可重复调用
func (rt *Runtime) Close() error {
	if rt.closeOnce {
		return nil
	}
	rt.closeOnce = true

	var errs []error
	if rt.Bus != nil {
		errs = append(errs, rt.Bus.Close())
	}
	if nb, ok := rt.backend.(*natsbackend.Backend); ok && nb.Pending() > 0 && rt.Logger != nil {
		rt.Logger.Warn("关闭时仍有未取回结果的远程调用", zap.Int("pending", nb.Pending()))
	}
	if rt.nc != nil {
		errs = append(errs, natsbackend.Close(rt.nc))
	}
	if rt.db != nil {
		errs = append(errs, rt.db.Close())
	}
	if rt.shutdown != nil {
		errs = append(errs, tracing.Shutdown(rt.shutdown, rt.Logger))
	}
	if rt.Logger != nil {
		_ = rt.Logger.Sync()
	}
	return errors.Join(errs...)
}

func newWriter(cfg *config.EngineConfig, log *zap.Logger) (sink.Writer, error) {
	sc := cfg.PipelineEngine.Sink
	switch sc.Type {
	case "", "local":
		return sink.NewLocalWriter(sc.Root), nil
	case "azblob":
		return sink.NewBlobWriter(sc.Azblob.ConnectionString, sc.Azblob.Container, sc.Azblob.Prefix, log)
	default:
		return nil, fmt.Errorf("不支持的输出类型: %s", sc.Type)
	}
}
