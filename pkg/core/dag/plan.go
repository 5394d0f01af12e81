package dag

import (
	"crypto/sha256"
	"sort"

	"github.com/begmaroman/go-dag"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
)

// vertex go-dag 顶点，ID 即任务名
type vertex struct {
	task *task.Task
}

// ID 实现 Identifiable 接口
func (v *vertex) ID() string {
	return v.task.Name
}

// Hash 实现 Hashable 接口，按任务名区分顶点
func (v *vertex) Hash() (dag.VHash, error) {
	return sha256.Sum256([]byte(v.task.Name)), nil
}

// Plan 校验通过的执行计划（对外导出），构建后只读
type Plan struct {
	dag      *dag.DAG[*vertex]
	tasks    map[string]*vertex
	bindings map[string]map[string]Binding
	edges    []Edge
	order    []string
	levels   [][]string
}

// Task 按名称获取任务
func (p *Plan) Task(name string) (*task.Task, bool) {
	v, ok := p.tasks[name]
	if !ok {
		return nil, false
	}
	return v.task, true
}

// Order 拓扑顺序的任务名
func (p *Plan) Order() []string {
	return append([]string(nil), p.order...)
}

// Levels 拓扑分层
func (p *Plan) Levels() [][]string {
	out := make([][]string, len(p.levels))
	for i, level := range p.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// Len 任务数量
func (p *Plan) Len() int {
	return len(p.order)
}

// Binding 某个输入的绑定
func (p *Plan) Binding(taskName, input string) (Binding, bool) {
	b, ok := p.bindings[taskName][input]
	return b, ok
}

// Edges 全部边
func (p *Plan) Edges() []Edge {
	return append([]Edge(nil), p.edges...)
}

// Parents 直接依赖的上游任务，按名称排序
func (p *Plan) Parents(name string) []string {
	parents, err := p.dag.GetParents(name)
	if err != nil {
		return nil
	}
	return sortedKeys(parents)
}

// Children 直接依赖该任务的下游任务，按名称排序
func (p *Plan) Children(name string) []string {
	children, err := p.dag.GetChildren(name)
	if err != nil {
		return nil
	}
	return sortedKeys(children)
}

// Roots 没有上游的任务
func (p *Plan) Roots() []string {
	return sortedKeys(p.dag.GetRoots())
}

// Descendants 传递依赖该任务的全部下游任务（BFS顺序）
func (p *Plan) Descendants(name string) []string {
	visited := map[string]bool{name: true}
	queue := []string{name}
	out := make([]string, 0)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range p.Children(cur) {
			if visited[child] {
				continue
			}
			visited[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
