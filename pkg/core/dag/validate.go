package dag

import (
	"sort"

	"github.com/begmaroman/go-dag"

	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

// Validate 校验图并生成执行计划（对外导出）
// 依次检查：(a) 每个输入都已绑定；(b) 依赖图无环；(c) 任务自身的输出名不重复
func (g *Graph) Validate() (*Plan, error) {
	if err := g.checkBindings(); err != nil {
		return nil, err
	}

	deps := g.dependencyGraph()
	if hasCycle, cycle := detectCycleDFS(g.order, deps); hasCycle {
		return nil, perrors.NewCycleError(cycle)
	}

	if err := g.checkOutputs(); err != nil {
		return nil, err
	}

	plan, err := g.buildPlan(deps)
	if err != nil {
		return nil, err
	}
	g.plan = plan
	g.dirty = false
	return plan, nil
}

func (g *Graph) checkBindings() error {
	for _, name := range g.order {
		t := g.tasks[name]
		if t.IsMap {
			if _, ok := t.Input(t.IterateOver); !ok {
				return perrors.Newf(perrors.KindUnknownName, name, "map task %s iterates over undeclared input %s", name, t.IterateOver)
			}
		} else if t.IterateOver != "" {
			return perrors.Newf(perrors.KindUnknownName, name, "task %s is not a map task but iterates over %s", name, t.IterateOver)
		}
		seen := make(map[string]bool, len(t.Inputs))
		for _, in := range t.Inputs {
			if seen[in.Name] {
				return perrors.Newf(perrors.KindDuplicateName, name, "input %s declared twice", in.Name)
			}
			seen[in.Name] = true
			if _, bound := g.bindings[inputRef{task: name, input: in.Name}]; bound || in.HasDefault {
				continue
			}
			return perrors.Newf(perrors.KindUnresolvedInput, name, "input %s.%s is not bound", name, in.Name)
		}
	}
	return nil
}

func (g *Graph) checkOutputs() error {
	for _, name := range g.order {
		seen := make(map[string]bool)
		for _, out := range g.tasks[name].Outputs {
			if seen[out] {
				return perrors.Newf(perrors.KindDuplicateName, name, "output %s declared twice", out)
			}
			seen[out] = true
		}
	}
	return nil
}

// dependencyGraph producer -> consumers，子节点按名称排序保证遍历稳定
func (g *Graph) dependencyGraph() map[string][]string {
	deps := make(map[string][]string, len(g.order))
	for _, name := range g.order {
		deps[name] = nil
	}
	seen := make(map[[2]string]bool)
	for _, e := range g.edges {
		key := [2]string{e.SourceTask, e.DestTask}
		if seen[key] {
			continue
		}
		seen[key] = true
		deps[e.SourceTask] = append(deps[e.SourceTask], e.DestTask)
	}
	for name := range deps {
		sort.Strings(deps[name])
	}
	return deps
}

// detectCycleDFS 使用DFS检测循环依赖，返回构成环的任务（按依赖方向）
func detectCycleDFS(order []string, graph map[string][]string) (bool, []string) {
	// 三色标记法：0=白色（未访问），1=灰色（正在访问），2=黑色（已访问）
	color := make(map[string]int, len(order))
	parent := make(map[string]string)
	var cycle []string

	var dfs func(nodeID string) bool
	dfs = func(nodeID string) bool {
		color[nodeID] = 1
		for _, childID := range graph[nodeID] {
			switch color[childID] {
			case 0:
				parent[childID] = nodeID
				if dfs(childID) {
					return true
				}
			case 1:
				// 后向边：从 nodeID 沿父链回到 childID
				path := []string{nodeID}
				for cur := nodeID; cur != childID; {
					cur = parent[cur]
					path = append(path, cur)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				cycle = path
				return true
			}
		}
		color[nodeID] = 2
		return false
	}

	for _, nodeID := range order {
		if color[nodeID] == 0 && dfs(nodeID) {
			return true, cycle
		}
	}
	return false, nil
}

func (g *Graph) buildPlan(deps map[string][]string) (*Plan, error) {
	d := dag.NewDAG[*vertex]()
	tasks := make(map[string]*vertex, len(g.order))
	for _, name := range g.order {
		v := &vertex{task: g.tasks[name].Clone()}
		if _, err := d.AddVertex(v); err != nil {
			return nil, perrors.Wrap(perrors.KindDuplicateName, name, err)
		}
		tasks[name] = v
	}
	for _, name := range g.order {
		for _, child := range deps[name] {
			if isEdge, _ := d.IsEdge(name, child); isEdge {
				continue
			}
			if err := d.AddEdge(name, child); err != nil {
				return nil, perrors.Wrap(perrors.KindCycle, child, err)
			}
		}
	}

	bindings := make(map[string]map[string]Binding, len(g.order))
	for _, name := range g.order {
		t := g.tasks[name]
		m := make(map[string]Binding, len(t.Inputs))
		for _, in := range t.Inputs {
			if b, ok := g.bindings[inputRef{task: name, input: in.Name}]; ok {
				m[in.Name] = b
				continue
			}
			m[in.Name] = Binding{Kind: BindDefault, Value: in.Default}
		}
		bindings[name] = m
	}

	p := &Plan{
		dag:      d,
		tasks:    tasks,
		bindings: bindings,
		edges:    append([]Edge(nil), g.edges...),
	}
	p.levels = topologicalLevels(g.order, deps)
	for _, level := range p.levels {
		p.order = append(p.order, level...)
	}
	return p, nil
}

// topologicalLevels Kahn算法按层排序，同层保持添加顺序
func topologicalLevels(order []string, deps map[string][]string) [][]string {
	position := make(map[string]int, len(order))
	inDegree := make(map[string]int, len(order))
	for i, name := range order {
		position[name] = i
		for _, child := range deps[name] {
			inDegree[child]++
		}
	}

	queue := make([]string, 0)
	for _, name := range order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	levels := make([][]string, 0)
	for len(queue) > 0 {
		levels = append(levels, queue)
		next := make([]string, 0)
		for _, name := range queue {
			for _, child := range deps[name] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return position[next[i]] < position[next[j]] })
		queue = next
	}
	return levels
}
