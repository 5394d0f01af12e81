package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronScheduler 定时调度器（对外导出）
type CronScheduler struct {
	cron      *cron.Cron
	engine    *Engine
	pipelines map[string]*Pipeline    // 流水线名称 -> Pipeline
	entries   map[string]cron.EntryID // 流水线名称 -> cron.EntryID
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger

	// OnFinish 每次定时运行结束后回调，可为空
	OnFinish func(*RunSummary, error)
}

// NewCronScheduler 创建定时调度器（对外导出）
func NewCronScheduler(eng *Engine) *CronScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &CronScheduler{
		// 支持秒级精度；上一次运行未结束时跳过本次触发
		cron:      cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		engine:    eng,
		pipelines: make(map[string]*Pipeline),
		entries:   make(map[string]cron.EntryID),
		ctx:       ctx,
		cancel:    cancel,
		logger:    eng.logger,
	}
}

// Register 注册流水线到定时调度器（对外导出）
func (cs *CronScheduler) Register(p *Pipeline) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, exists := cs.pipelines[p.Name]; exists {
		return fmt.Errorf("流水线 %s 已注册到定时调度器", p.Name)
	}
	if p.Cron == "" {
		return fmt.Errorf("流水线 %s 未设置Cron表达式", p.Name)
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(p.Cron); err != nil {
		return fmt.Errorf("流水线 %s 的Cron表达式无效: %w", p.Name, err)
	}

	entryID, err := cs.cron.AddFunc(p.Cron, func() {
		cs.trigger(p)
	})
	if err != nil {
		return fmt.Errorf("添加Cron任务失败: %w", err)
	}

	cs.pipelines[p.Name] = p
	cs.entries[p.Name] = entryID
	cs.logger.Info("定时流水线已注册", zap.String("pipeline", p.Name), zap.String("cron", p.Cron))
	return nil
}

// Unregister 取消注册（对外导出）
func (cs *CronScheduler) Unregister(name string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entryID, exists := cs.entries[name]
	if !exists {
		return fmt.Errorf("流水线 %s 未注册到定时调度器", name)
	}
	cs.cron.Remove(entryID)
	delete(cs.pipelines, name)
	delete(cs.entries, name)
	cs.logger.Info("定时流水线已取消注册", zap.String("pipeline", name))
	return nil
}

// trigger 触发一次运行（内部方法）
func (cs *CronScheduler) trigger(p *Pipeline) {
	cs.logger.Info("定时触发流水线", zap.String("pipeline", p.Name))
	summary, err := cs.engine.RunPipeline(cs.ctx, p, "")
	if err != nil {
		cs.logger.Error("定时运行失败", zap.String("pipeline", p.Name), zap.Error(err))
	}
	if cs.OnFinish != nil {
		cs.OnFinish(summary, err)
	}
}

// Start 启动定时调度器（对外导出）
func (cs *CronScheduler) Start() {
	cs.cron.Start()
	cs.logger.Info("定时调度器已启动")
}

// Stop 停止定时调度器，取消进行中的定时运行（对外导出）
func (cs *CronScheduler) Stop() {
	cs.cancel()
	<-cs.cron.Stop().Done()
	cs.logger.Info("定时调度器已停止")
}

// Registered 已注册的流水线名称（对外导出）
func (cs *CronScheduler) Registered() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	names := make([]string, 0, len(cs.pipelines))
	for name := range cs.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
