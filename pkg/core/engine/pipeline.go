package engine

import (
	"context"
	"fmt"

	"github.com/LENAX/pipeline-engine/pkg/core/dag"
	"github.com/LENAX/pipeline-engine/pkg/core/executor"
	"github.com/LENAX/pipeline-engine/pkg/core/sink"
)

// Pipeline 校验通过、可重复运行的流水线（对外导出）
type Pipeline struct {
	Name      string
	Plan      *dag.Plan
	Sink      *sink.Sink
	MapPolicy MapPolicy
	// Strategy 为空时使用引擎默认策略
	Strategy executor.Strategy
	Cron     string // 为空表示不定时运行
}

// NewPipeline 校验图并创建流水线
func NewPipeline(name string, g *dag.Graph, s *sink.Sink) (*Pipeline, error) {
	if name == "" {
		return nil, fmt.Errorf("流水线名称不能为空")
	}
	plan, err := g.Validate()
	if err != nil {
		return nil, err
	}
	if s != nil {
		if err := s.Validate(plan); err != nil {
			return nil, err
		}
	}
	return &Pipeline{Name: name, Plan: plan, Sink: s}, nil
}

// RunPipeline 运行一条流水线
func (e *Engine) RunPipeline(ctx context.Context, p *Pipeline, runID string) (*RunSummary, error) {
	return e.Run(ctx, p.Plan, RunOptions{
		RunID:     runID,
		Pipeline:  p.Name,
		MapPolicy: p.MapPolicy,
		Sink:      p.Sink,
		Strategy:  p.Strategy,
	})
}
