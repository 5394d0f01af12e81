package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LENAX/pipeline-engine/pkg/core/dag"
	"github.com/LENAX/pipeline-engine/pkg/core/sink"
	"github.com/LENAX/pipeline-engine/pkg/core/task"
)

// PipelineConfig 流水线配置（对外导出）
type PipelineConfig struct {
	Pipeline PipelineSpec `yaml:"pipeline"`

	// SourcePath 配置文件路径，include 按它解析相对路径
	SourcePath string `yaml:"-"`
	// Includes 已加载的子流水线
	Includes []*PipelineConfig `yaml:"-"`
}

// PipelineSpec 流水线定义
type PipelineSpec struct {
	Name      string                 `yaml:"name"`
	Include   []string               `yaml:"include"`
	Execution PipelineExecution      `yaml:"execution"`
	Schedule  ScheduleConfig         `yaml:"schedule"`
	Tasks     []TaskConfig           `yaml:"tasks"`
	Edges     []EdgeConfig           `yaml:"edges"`
	Literals  map[string]interface{} `yaml:"literals"` // "Task.input" -> 值
	Sinks     []sink.Binding         `yaml:"sinks"`
}

// PipelineExecution 覆盖引擎配置的执行参数，零值表示沿用
type PipelineExecution struct {
	Strategy       string `yaml:"strategy"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	MapPolicy      string `yaml:"map_policy"`
}

// ScheduleConfig 定时配置
type ScheduleConfig struct {
	Cron string `yaml:"cron"`
}

// TaskConfig 任务声明
type TaskConfig struct {
	Name        string             `yaml:"name"`
	Func        string             `yaml:"func"`
	Description string             `yaml:"description"`
	Inputs      []InputConfig      `yaml:"inputs"`
	Outputs     []string           `yaml:"outputs"`
	Map         bool               `yaml:"map"`
	IterateOver string             `yaml:"iterate_over"`
	Timeout     time.Duration      `yaml:"timeout"`
	Hints       task.ResourceHints `yaml:"hints"`
	BestEffort  bool               `yaml:"best_effort"`
}

// InputConfig 输入声明；default 非空时即带默认值
type InputConfig struct {
	Name       string      `yaml:"name"`
	Default    interface{} `yaml:"default"`
	HasDefault bool        `yaml:"-"`
}

// UnmarshalYAML 支持简写：输入可以只写名称
func (c *InputConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&c.Name)
	}
	var raw struct {
		Name    string    `yaml:"name"`
		Default yaml.Node `yaml:"default"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Name = raw.Name
	// 未写 default 时节点为零值
	if raw.Default.Kind != 0 {
		c.HasDefault = true
		if err := raw.Default.Decode(&c.Default); err != nil {
			return fmt.Errorf("输入 %s 的默认值无效: %w", raw.Name, err)
		}
	}
	return nil
}

// EdgeConfig 一条边：from "Task.output"，to "Task.input"
type EdgeConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// SplitRef 拆分 "Task.name" 引用，任务名可以包含点
func SplitRef(ref string) (string, string, error) {
	i := strings.LastIndex(ref, ".")
	if i <= 0 || i == len(ref)-1 {
		return "", "", fmt.Errorf("引用 %q 格式应为 task.name", ref)
	}
	return ref[:i], ref[i+1:], nil
}

// BuildGraph 按注册中心解析任务体并构建图；include 的子流水线合并进来
func (c *PipelineConfig) BuildGraph(registry *task.FunctionRegistry) (*dag.Graph, error) {
	g := dag.NewGraph()
	spec := c.Pipeline

	for i, tc := range spec.Tasks {
		t, err := tc.Build(registry)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		if err := g.AddTask(t); err != nil {
			return nil, err
		}
	}
	for _, inc := range c.Includes {
		sub, err := inc.BuildGraph(registry)
		if err != nil {
			return nil, fmt.Errorf("include %s: %w", inc.SourcePath, err)
		}
		if err := g.Merge(sub); err != nil {
			return nil, fmt.Errorf("include %s: %w", inc.SourcePath, err)
		}
	}

	for i, e := range spec.Edges {
		srcTask, srcOut, err := SplitRef(e.From)
		if err != nil {
			return nil, fmt.Errorf("edges[%d].from: %w", i, err)
		}
		dstTask, dstIn, err := SplitRef(e.To)
		if err != nil {
			return nil, fmt.Errorf("edges[%d].to: %w", i, err)
		}
		if err := g.Connect(srcTask, srcOut, dstTask, dstIn); err != nil {
			return nil, err
		}
	}
	for _, ref := range sortedKeys(spec.Literals) {
		taskName, input, err := SplitRef(ref)
		if err != nil {
			return nil, fmt.Errorf("literals: %w", err)
		}
		if err := g.BindLiteral(taskName, input, spec.Literals[ref]); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// SinkBindings 本流水线与子流水线的全部输出绑定
func (c *PipelineConfig) SinkBindings() []sink.Binding {
	out := append([]sink.Binding(nil), c.Pipeline.Sinks...)
	for _, inc := range c.Includes {
		out = append(out, inc.SinkBindings()...)
	}
	return out
}

// Build 把任务声明转为 Task
func (tc TaskConfig) Build(registry *task.FunctionRegistry) (*task.Task, error) {
	b := task.NewTaskBuilder(tc.Name)
	for _, in := range tc.Inputs {
		if in.HasDefault {
			b.WithDefault(in.Name, in.Default)
		} else {
			b.WithInput(in.Name)
		}
	}
	b.WithOutputs(tc.Outputs...).WithFunc(registry, tc.Func).WithHints(tc.Hints)
	if tc.Map || tc.IterateOver != "" {
		b.AsMap(tc.IterateOver)
	}
	if tc.Timeout > 0 {
		b.WithTimeout(tc.Timeout)
	}
	if tc.BestEffort {
		b.BestEffort()
	}
	return b.Build()
}
