// Package engine 流水线调度引擎（对外导出）
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/LENAX/pipeline-engine/pkg/core/cache"
	"github.com/LENAX/pipeline-engine/pkg/core/dag"
	"github.com/LENAX/pipeline-engine/pkg/core/events"
	"github.com/LENAX/pipeline-engine/pkg/core/executor"
	"github.com/LENAX/pipeline-engine/pkg/core/sink"
	"github.com/LENAX/pipeline-engine/pkg/storage"
	"github.com/LENAX/pipeline-engine/pkg/storage/dao"
)

const tracerName = "github.com/LENAX/pipeline-engine/engine"

// Options 引擎依赖与参数
type Options struct {
	// Strategy 执行策略，必填
	Strategy executor.Strategy
	// Cache 内容寻址缓存，为空时不缓存
	Cache cache.Store
	// Sink 默认的输出物化器，可被 RunOptions 覆盖
	Sink *sink.Sink
	// Events 生命周期事件发布者，可为空
	Events events.Publisher
	// Runs 运行记录持久化，可为空
	Runs storage.RunRepository
	// MapPolicy 默认Map策略
	MapPolicy MapPolicy
	// DefaultTimeout 任务未声明超时时使用，0表示不限制
	DefaultTimeout time.Duration
	Logger         *zap.Logger
}

// RunOptions 单次运行参数
type RunOptions struct {
	RunID     string
	Pipeline  string
	MapPolicy MapPolicy
	Sink      *sink.Sink
	// Strategy 覆盖引擎默认的执行策略
	Strategy executor.Strategy
}

// Engine 调度引擎核心结构体（对外导出）
type Engine struct {
	opts   Options
	hasher *cache.Hasher
	tracer trace.Tracer
	logger *zap.Logger

	mu     sync.RWMutex
	active map[string]context.CancelFunc // runID -> cancel
}

// NewEngine 创建Engine实例（对外导出的工厂方法）
func NewEngine(opts Options) (*Engine, error) {
	if opts.Strategy == nil {
		return nil, fmt.Errorf("执行策略不能为空")
	}
	if opts.Strategy.Capacity() <= 0 {
		return nil, fmt.Errorf("执行策略 %s 的并发预算必须大于0", opts.Strategy.Name())
	}
	if opts.MapPolicy == "" {
		opts.MapPolicy = MapFailFast
	}
	if _, err := ParseMapPolicy(string(opts.MapPolicy)); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		opts:   opts,
		hasher: cache.NewHasher(),
		tracer: otel.Tracer(tracerName),
		logger: opts.Logger,
		active: make(map[string]context.CancelFunc),
	}, nil
}

// Strategy 当前执行策略
func (e *Engine) Strategy() executor.Strategy {
	return e.opts.Strategy
}

// Cache 当前缓存，可能为空
func (e *Engine) Cache() cache.Store {
	return e.opts.Cache
}

// Runs 运行记录Repository，可能为空
func (e *Engine) Runs() storage.RunRepository {
	return e.opts.Runs
}

// RunGraph 校验图后运行；构图错误直接返回，不产生运行汇总
func (e *Engine) RunGraph(ctx context.Context, g *dag.Graph, ro RunOptions) (*RunSummary, error) {
	plan, err := g.Validate()
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, plan, ro)
}

// Run 运行一个已校验的计划（对外导出）
// 返回的汇总总是完整的：每个实例都有终态。只有致命错误（缓存一致性）才返回非空error
func (e *Engine) Run(ctx context.Context, plan *dag.Plan, ro RunOptions) (*RunSummary, error) {
	if plan == nil {
		return nil, fmt.Errorf("执行计划不能为空")
	}
	if ro.RunID == "" {
		ro.RunID = uuid.NewString()
	}
	if ro.MapPolicy == "" {
		ro.MapPolicy = e.opts.MapPolicy
	}
	if _, err := ParseMapPolicy(string(ro.MapPolicy)); err != nil {
		return nil, err
	}
	if ro.Sink == nil {
		ro.Sink = e.opts.Sink
	}
	if ro.Strategy == nil {
		ro.Strategy = e.opts.Strategy
	}
	if ro.Strategy.Capacity() <= 0 {
		return nil, fmt.Errorf("执行策略 %s 的并发预算必须大于0", ro.Strategy.Name())
	}
	if ro.Sink != nil {
		if err := ro.Sink.Validate(plan); err != nil {
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !e.register(ro.RunID, cancel) {
		return nil, fmt.Errorf("运行 %s 已在进行中", ro.RunID)
	}
	defer e.unregister(ro.RunID)

	runCtx, span := e.tracer.Start(runCtx, "run "+ro.Pipeline)
	defer span.End()

	m, err := newRunManager(e, plan, ro)
	if err != nil {
		return nil, err
	}
	e.logger.Info("流水线开始运行",
		zap.String("run_id", ro.RunID),
		zap.String("pipeline", ro.Pipeline),
		zap.String("strategy", ro.Strategy.Name()),
		zap.Int("tasks", plan.Len()))
	e.publish(runCtx, events.NewEvent(events.EventRunStarted, ro.RunID, "", "", nil))

	summary, runErr := m.run(runCtx)

	// 父context已取消时仍需发布和持久化
	finishCtx := context.WithoutCancel(ctx)
	e.publish(finishCtx, events.NewEvent(events.EventRunFinished, ro.RunID, "", "", events.RunPayload{
		Status:   string(summary.Status),
		ExitCode: summary.ExitCode,
		Failed:   len(summary.Failed()),
		Total:    len(summary.Instances),
	}))
	e.saveRun(finishCtx, summary)

	e.logger.Info("流水线运行结束",
		zap.String("run_id", ro.RunID),
		zap.String("status", string(summary.Status)),
		zap.Int("exit_code", summary.ExitCode),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)))
	return summary, runErr
}

// Cancel 取消进行中的运行
func (e *Engine) Cancel(runID string) bool {
	e.mu.RLock()
	cancel, ok := e.active[runID]
	e.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveRuns 进行中的运行ID
func (e *Engine) ActiveRuns() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) register(runID string, cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.active[runID]; exists {
		return false
	}
	e.active[runID] = cancel
	return true
}

func (e *Engine) unregister(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
}

func (e *Engine) publish(ctx context.Context, event *events.Event) {
	if e.opts.Events == nil {
		return
	}
	if err := e.opts.Events.Publish(ctx, event); err != nil {
		e.logger.Warn("发布事件失败", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

// saveRun 持久化运行汇总，失败只记日志
func (e *Engine) saveRun(ctx context.Context, summary *RunSummary) {
	if e.opts.Runs == nil {
		return
	}
	row, err := SummaryToDAO(summary)
	if err != nil {
		e.logger.Warn("运行汇总序列化失败", zap.String("run_id", summary.RunID), zap.Error(err))
		return
	}
	if err := e.opts.Runs.SaveRun(ctx, row); err != nil {
		e.logger.Warn("保存运行记录失败", zap.String("run_id", summary.RunID), zap.Error(err))
	}
}

// SummaryToDAO 运行汇总转为持久化对象
func SummaryToDAO(summary *RunSummary) (*dao.RunDAO, error) {
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}
	return &dao.RunDAO{
		ID:         summary.RunID,
		Pipeline:   summary.Pipeline,
		Status:     string(summary.Status),
		ExitCode:   summary.ExitCode,
		StartedAt:  summary.StartedAt,
		FinishedAt: summary.FinishedAt,
		Summary:    string(data),
	}, nil
}

// SummaryFromDAO 从持久化对象还原运行汇总（不含输出值）
func SummaryFromDAO(row *dao.RunDAO) (*RunSummary, error) {
	var summary RunSummary
	if row.Summary != "" {
		if err := json.Unmarshal([]byte(row.Summary), &summary); err != nil {
			return nil, fmt.Errorf("解析运行汇总失败: %w", err)
		}
	}
	summary.RunID = row.ID
	summary.Pipeline = row.Pipeline
	summary.Status = RunStatus(row.Status)
	summary.ExitCode = row.ExitCode
	summary.StartedAt = row.StartedAt
	summary.FinishedAt = row.FinishedAt
	return &summary, nil
}
