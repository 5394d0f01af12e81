// Package dag 负责流水线图的构建与校验（对外导出）
package dag

import (
	"fmt"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

// BindingKind 输入绑定来源
type BindingKind int

const (
	// BindNone 未绑定
	BindNone BindingKind = iota
	// BindEdge 由上游任务的输出绑定
	BindEdge
	// BindLiteral 由字面值绑定
	BindLiteral
	// BindDefault 未显式绑定时使用输入声明的默认值
	BindDefault
)

func (k BindingKind) String() string {
	switch k {
	case BindEdge:
		return "edge"
	case BindLiteral:
		return "literal"
	case BindDefault:
		return "default"
	default:
		return "none"
	}
}

// Binding 某个输入的绑定（对外导出）
type Binding struct {
	Kind         BindingKind
	SourceTask   string
	SourceOutput string
	Value        interface{}
}

// Edge producerTask.outputName -> consumerTask.inputName
type Edge struct {
	SourceTask   string
	SourceOutput string
	DestTask     string
	DestInput    string
}

func (e Edge) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s", e.SourceTask, e.SourceOutput, e.DestTask, e.DestInput)
}

type inputRef struct {
	task  string
	input string
}

// Graph 流水线图构建器（对外导出）
// 构建、校验后交给调度器；校验之后的任何修改都会使之前的校验结果失效
type Graph struct {
	tasks    map[string]*task.Task
	order    []string
	bindings map[inputRef]Binding
	edges    []Edge

	plan  *Plan
	dirty bool
}

// NewGraph 创建空图（对外导出）
func NewGraph() *Graph {
	return &Graph{
		tasks:    make(map[string]*task.Task),
		bindings: make(map[inputRef]Binding),
		dirty:    true,
	}
}

// AddTask 添加任务，名称已存在时返回 DuplicateNameError
func (g *Graph) AddTask(t *task.Task) error {
	if t == nil || t.Name == "" {
		return perrors.New(perrors.KindUnknownName, "", "task name is empty")
	}
	if _, exists := g.tasks[t.Name]; exists {
		return perrors.Newf(perrors.KindDuplicateName, t.Name, "task %s already exists", t.Name)
	}
	g.tasks[t.Name] = t.Clone()
	g.order = append(g.order, t.Name)
	g.dirty = true
	return nil
}

// Connect 用上游输出绑定下游输入
func (g *Graph) Connect(sourceTask, sourceOutput, destTask, destInput string) error {
	src, ok := g.tasks[sourceTask]
	if !ok {
		return perrors.Newf(perrors.KindUnknownName, sourceTask, "unknown source task %s", sourceTask)
	}
	if !src.HasOutput(sourceOutput) {
		return perrors.Newf(perrors.KindUnknownName, sourceTask, "task %s has no output %s", sourceTask, sourceOutput)
	}
	if err := g.checkInput(destTask, destInput); err != nil {
		return err
	}
	ref := inputRef{task: destTask, input: destInput}
	if err := g.checkRebind(ref); err != nil {
		return err
	}
	g.bindings[ref] = Binding{Kind: BindEdge, SourceTask: sourceTask, SourceOutput: sourceOutput}
	g.edges = append(g.edges, Edge{SourceTask: sourceTask, SourceOutput: sourceOutput, DestTask: destTask, DestInput: destInput})
	g.dirty = true
	return nil
}

// BindLiteral 用字面值绑定输入
func (g *Graph) BindLiteral(taskName, input string, value interface{}) error {
	if err := g.checkInput(taskName, input); err != nil {
		return err
	}
	ref := inputRef{task: taskName, input: input}
	if err := g.checkRebind(ref); err != nil {
		return err
	}
	g.bindings[ref] = Binding{Kind: BindLiteral, Value: value}
	g.dirty = true
	return nil
}

// Merge 合并子图；任务重名返回 DuplicateNameError，绑定冲突返回 RebindError
func (g *Graph) Merge(other *Graph) error {
	if other == nil {
		return nil
	}
	for _, name := range other.order {
		if _, exists := g.tasks[name]; exists {
			return perrors.Newf(perrors.KindDuplicateName, name, "task %s already exists", name)
		}
	}
	for ref := range other.bindings {
		if _, exists := g.bindings[ref]; exists {
			return perrors.Newf(perrors.KindRebind, ref.task, "input %s.%s is already bound", ref.task, ref.input)
		}
	}
	for _, name := range other.order {
		g.tasks[name] = other.tasks[name].Clone()
		g.order = append(g.order, name)
	}
	for ref, b := range other.bindings {
		g.bindings[ref] = b
	}
	g.edges = append(g.edges, other.edges...)
	g.dirty = true
	return nil
}

// Task 按名称获取任务
func (g *Graph) Task(name string) (*task.Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Tasks 按添加顺序返回全部任务
func (g *Graph) Tasks() []*task.Task {
	out := make([]*task.Task, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.tasks[name])
	}
	return out
}

// Edges 返回全部边
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Len 任务数量
func (g *Graph) Len() int {
	return len(g.order)
}

// Plan 返回最近一次校验得到的执行计划；图被修改过时重新校验
func (g *Graph) Plan() (*Plan, error) {
	if !g.dirty && g.plan != nil {
		return g.plan, nil
	}
	return g.Validate()
}

func (g *Graph) checkInput(taskName, input string) error {
	t, ok := g.tasks[taskName]
	if !ok {
		return perrors.Newf(perrors.KindUnknownName, taskName, "unknown task %s", taskName)
	}
	if _, ok := t.Input(input); !ok {
		return perrors.Newf(perrors.KindUnknownName, taskName, "task %s has no input %s", taskName, input)
	}
	return nil
}

// checkRebind 只把边与字面值视为绑定，默认值可以被覆盖
func (g *Graph) checkRebind(ref inputRef) error {
	if existing, exists := g.bindings[ref]; exists {
		return perrors.Newf(perrors.KindRebind, ref.task, "input %s.%s is already bound by %s", ref.task, ref.input, existing.Kind)
	}
	return nil
}
