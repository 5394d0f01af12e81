package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/LENAX/pipeline-engine/pkg/core/dag"
	"github.com/LENAX/pipeline-engine/pkg/core/events"
	"github.com/LENAX/pipeline-engine/pkg/core/executor"
	"github.com/LENAX/pipeline-engine/pkg/core/sink"
	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

const (
	ExitSuccess   = 0
	ExitFailure   = 1
	ExitCancelled = 130
)

// instance 运行期任务实例，只由控制循环读写
type instance struct {
	id         string
	task       *task.Task
	index      int
	aggregate  bool
	state      InstanceState
	inputs     task.Values
	outputs    task.Values
	err        error
	rootCause  string
	identity   string
	cached     bool
	bestEffort bool
	startedAt  time.Time
	duration   time.Duration
	artifacts  []sink.Artifact
	cancel     context.CancelFunc
}

// node 每个任务一个；Map任务的 head 为聚合行
type node struct {
	task      *task.Task
	waiting   int // 尚未成功的上游任务数
	done      bool
	failed    bool
	failedBy  string
	head      *instance
	elements  []*instance
	remaining int // 未终结的元素数
	outputs   task.Values
}

type completion struct {
	inst   *instance
	job    *job
	result *executor.TaskResult
}

// runManager 单次运行的控制循环
// 所有状态迁移都在 run 所在的goroutine中完成，Worker只通过 completions 回报结果
type runManager struct {
	engine *Engine
	plan   *dag.Plan
	opts   RunOptions
	logger *zap.Logger

	nodes    map[string]*node
	ready    []*instance // FIFO
	running  int
	capacity int

	exec        *executor.Executor
	completions chan completion
	closed      chan struct{}

	fatal     error
	cancelled bool
	startedAt time.Time
}

func newRunManager(e *Engine, plan *dag.Plan, ro RunOptions) (*runManager, error) {
	exec, err := executor.NewExecutor(ro.Strategy.Capacity(), e.logger)
	if err != nil {
		return nil, err
	}
	// 并发预算以执行器实际的Worker数为准
	capacity := exec.MaxWorkers()
	m := &runManager{
		engine:      e,
		plan:        plan,
		opts:        ro,
		logger:      e.logger.With(zap.String("run_id", ro.RunID)),
		nodes:       make(map[string]*node, plan.Len()),
		capacity:    capacity,
		exec:        exec,
		completions: make(chan completion, capacity),
		closed:      make(chan struct{}),
	}
	for _, name := range plan.Order() {
		t, _ := plan.Task(name)
		m.nodes[name] = &node{
			task:    t,
			waiting: len(plan.Parents(name)),
			head: &instance{
				id:         name,
				task:       t,
				index:      -1,
				aggregate:  t.IsMap,
				state:      StatePending,
				bestEffort: t.BestEffort,
			},
		}
	}
	return m, nil
}

// run 控制循环主体
func (m *runManager) run(ctx context.Context) (*RunSummary, error) {
	m.startedAt = time.Now()
	m.exec.Start()
	defer func() {
		close(m.closed)
		// 取消时不等待仍在运行的任务体
		_ = m.exec.Shutdown(0)
	}()

	for _, name := range m.plan.Order() {
		if m.nodes[name].waiting == 0 {
			m.activate(ctx, m.nodes[name])
		}
	}

loop:
	for !m.finished() {
		if ctx.Err() != nil {
			m.cancelled = true
			m.abort(ctx, ctx.Err())
			break
		}
		m.dispatch(ctx)
		if m.finished() {
			break
		}
		if m.running == 0 && len(m.ready) == 0 {
			m.logger.Error("调度停滞：没有可运行的实例")
			m.abort(ctx, fmt.Errorf("scheduler stalled"))
			break
		}

		select {
		case c := <-m.completions:
			m.complete(ctx, c)
			if m.fatal != nil {
				m.abort(ctx, m.fatal)
				break loop
			}
		case <-ctx.Done():
			m.cancelled = true
			m.abort(ctx, ctx.Err())
			break loop
		}
	}
	return m.summary(), m.fatal
}

// finished 所有任务都已终结且没有在途实例
func (m *runManager) finished() bool {
	if m.running > 0 {
		return false
	}
	for _, n := range m.nodes {
		if !n.done {
			return false
		}
	}
	return true
}

// activate 上游全部成功后解析输入；Map任务在此展开
func (m *runManager) activate(ctx context.Context, n *node) {
	inputs := m.resolveInputs(n.task)
	head := n.head

	if !n.task.IsMap {
		head.inputs = inputs
		m.enqueue(ctx, head)
		return
	}

	head.startedAt = time.Now()
	seq, err := task.AsSequence(inputs[n.task.IterateOver])
	if err != nil {
		m.finishInstance(ctx, head, nil, perrors.Newf(perrors.KindTaskBody, head.id,
			"iterated input %s: %v", n.task.IterateOver, err))
		return
	}

	head.state = StateRunning
	if len(seq) == 0 {
		m.assemble(ctx, n)
		return
	}

	n.elements = make([]*instance, len(seq))
	n.remaining = len(seq)
	for i, item := range seq {
		elemInputs := inputs.Copy()
		elemInputs[n.task.IterateOver] = item
		n.elements[i] = &instance{
			id:         instanceID(n.task.Name, i),
			task:       n.task,
			index:      i,
			state:      StatePending,
			inputs:     elemInputs,
			bestEffort: n.task.BestEffort || m.opts.MapPolicy == MapPartial,
		}
	}
	m.logger.Debug("Map任务已展开", zap.String("task", n.task.Name), zap.Int("elements", len(seq)))
	for _, el := range n.elements {
		m.enqueue(ctx, el)
	}
}

func (m *runManager) resolveInputs(t *task.Task) task.Values {
	inputs := make(task.Values, len(t.Inputs))
	for _, in := range t.Inputs {
		b, _ := m.plan.Binding(t.Name, in.Name)
		if b.Kind == dag.BindEdge {
			inputs[in.Name] = m.nodes[b.SourceTask].outputs[b.SourceOutput]
			continue
		}
		inputs[in.Name] = b.Value
	}
	return inputs
}

func (m *runManager) enqueue(ctx context.Context, inst *instance) {
	inst.state = StateReady
	m.ready = append(m.ready, inst)
	m.engine.publish(ctx, events.NewEvent(events.EventTaskReady, m.opts.RunID, inst.task.Name, inst.id, nil))
}

// dispatch 在并发预算内按FIFO提交就绪实例
func (m *runManager) dispatch(ctx context.Context) {
	for m.running < m.capacity && len(m.ready) > 0 {
		inst := m.ready[0]
		m.ready = m.ready[1:]
		if inst.state != StateReady {
			continue
		}

		instCtx, cancel := context.WithCancel(ctx)
		inst.cancel = cancel
		inst.state = StateRunning
		inst.startedAt = time.Now()
		m.running++

		j := m.newJob(inst)
		err := m.exec.SubmitTask(&executor.PendingTask{
			InstanceID: inst.id,
			Ctx:        instCtx,
			Run:        j.run,
			OnComplete: func(r *executor.TaskResult) {
				select {
				case m.completions <- completion{inst: inst, job: j, result: r}:
				case <-m.closed:
				}
			},
		})
		if err != nil {
			m.running--
			cancel()
			m.finishInstance(ctx, inst, nil, perrors.Wrap(perrors.KindCancelled, inst.id, err))
		}
	}
}

// complete 处理Worker回报的结果
func (m *runManager) complete(ctx context.Context, c completion) {
	m.running--
	inst := c.inst
	if inst.cancel != nil {
		inst.cancel()
	}
	if inst.state.Terminal() || ctx.Err() != nil {
		// 运行已取消时由 abort 统一收尾
		return
	}
	r := c.result
	inst.identity = r.Identity
	inst.cached = r.Cached
	inst.duration = r.Duration
	inst.artifacts = c.job.artifacts

	if perrors.IsCacheConsistency(r.Error) {
		m.fatal = r.Error
		inst.state = StateFailed
		inst.err = r.Error
		m.logger.Error("缓存一致性错误，运行中止", zap.String("instance", inst.id), zap.Error(r.Error))
		return
	}
	m.finishInstance(ctx, inst, r.Outputs, r.Error)
}

// finishInstance 实例进入终态，并推进所属任务
func (m *runManager) finishInstance(ctx context.Context, inst *instance, outputs task.Values, err error) {
	n := m.nodes[inst.task.Name]
	if !inst.startedAt.IsZero() && inst.duration == 0 {
		inst.duration = time.Since(inst.startedAt)
	}
	if err == nil {
		inst.state = StateSucceeded
		inst.outputs = outputs
	} else {
		inst.state = StateFailed
		inst.err = err
		if n.failed && inst.rootCause == "" && perrors.IsCancelled(err) {
			inst.rootCause = n.failedBy
		}
	}
	m.publishFinished(ctx, inst)

	if inst.index < 0 {
		if err == nil {
			n.outputs = outputs
			m.succeed(ctx, n)
		} else {
			m.fail(ctx, n, inst)
		}
		return
	}

	n.remaining--
	if err != nil && !n.done && m.opts.MapPolicy == MapFailFast {
		m.failFast(ctx, n, inst)
	}
	if n.remaining == 0 && !n.done {
		m.assemble(ctx, n)
	}
}

// failFast 取消尚未结束的兄弟元素，Map任务整体失败
func (m *runManager) failFast(ctx context.Context, n *node, failed *instance) {
	n.failed = true
	n.failedBy = failed.id
	for _, el := range n.elements {
		switch el.state {
		case StateSucceeded, StateFailed:
		case StateRunning:
			// 结果回来后记为 Cancelled
			el.cancel()
		default:
			el.state = StateFailed
			el.err = perrors.Newf(perrors.KindCancelled, el.id, "sibling %s failed", failed.id)
			el.rootCause = failed.id
			n.remaining--
			m.publishFinished(ctx, el)
		}
	}

	head := n.head
	head.state = StateFailed
	head.err = perrors.Newf(perrors.KindOf(failed.err), head.id, "element %s failed", failed.id)
	head.rootCause = failed.id
	head.duration = time.Since(head.startedAt)
	m.publishFinished(ctx, head)
	m.fail(ctx, n, head)
}

// assemble 全部元素终结后按下标聚合输出，失败元素留空
func (m *runManager) assemble(ctx context.Context, n *node) {
	agg := make(task.Values, len(n.task.Outputs))
	for _, out := range n.task.Outputs {
		seq := make([]interface{}, len(n.elements))
		for i, el := range n.elements {
			if el.state == StateSucceeded {
				seq[i] = el.outputs[out]
			}
		}
		agg[out] = seq
	}
	head := n.head
	head.state = StateSucceeded
	head.outputs = agg
	head.duration = time.Since(head.startedAt)
	n.outputs = agg
	m.publishFinished(ctx, head)
	m.succeed(ctx, n)
}

func (m *runManager) succeed(ctx context.Context, n *node) {
	n.done = true
	for _, name := range m.plan.Children(n.task.Name) {
		child := m.nodes[name]
		if child.done {
			continue
		}
		child.waiting--
		if child.waiting == 0 {
			m.activate(ctx, child)
		}
	}
}

// fail 任务失败，全部下游标记为 UpstreamFailure，任务体不会运行
func (m *runManager) fail(ctx context.Context, n *node, cause *instance) {
	n.done = true
	n.failed = true
	if n.failedBy == "" {
		n.failedBy = cause.id
	}
	root := cause.id
	if cause.rootCause != "" {
		root = cause.rootCause
	}
	for _, name := range m.plan.Descendants(n.task.Name) {
		d := m.nodes[name]
		if d.done {
			continue
		}
		d.done = true
		d.failed = true
		d.failedBy = root
		head := d.head
		head.state = StateFailed
		head.err = perrors.Newf(perrors.KindUpstreamFailure, head.id, "upstream %s failed", root)
		head.rootCause = root
		head.bestEffort = d.task.BestEffort || cause.bestEffort
		m.publishFinished(ctx, head)
	}
}

// abort 运行取消或致命错误：所有未终结实例标记为 Cancelled，每个实例发布一条失败事件
func (m *runManager) abort(ctx context.Context, reason error) {
	// 运行的ctx可能已取消，事件仍需发出
	pubCtx := context.WithoutCancel(ctx)
	for _, name := range m.plan.Order() {
		n := m.nodes[name]
		for _, inst := range append([]*instance{n.head}, n.elements...) {
			if inst.state.Terminal() {
				continue
			}
			if inst.cancel != nil {
				inst.cancel()
			}
			if !inst.startedAt.IsZero() {
				inst.duration = time.Since(inst.startedAt)
			}
			inst.state = StateFailed
			inst.err = perrors.Wrap(perrors.KindCancelled, inst.id, reason)
			m.publishFinished(pubCtx, inst)
		}
		n.done = true
	}
	m.ready = nil
	m.logger.Warn("运行中止", zap.Error(reason))
}

func (m *runManager) publishFinished(ctx context.Context, inst *instance) {
	payload := events.InstancePayload{
		State:      string(inst.state),
		Cached:     inst.cached,
		DurationMs: inst.duration.Milliseconds(),
	}
	eventType := events.EventTaskSucceeded
	if inst.state == StateFailed {
		eventType = events.EventTaskFailed
		payload.ErrorKind = string(perrors.KindOf(inst.err))
		payload.Message = inst.err.Error()
		m.logger.Warn("实例失败",
			zap.String("instance", inst.id),
			zap.String("kind", payload.ErrorKind),
			zap.String("root_cause", inst.rootCause),
			zap.Error(inst.err))
	}
	m.engine.publish(ctx, events.NewEvent(eventType, m.opts.RunID, inst.task.Name, inst.id, payload))
}

// summary 按拓扑顺序输出每个实例；Map任务先聚合行后元素
func (m *runManager) summary() *RunSummary {
	s := &RunSummary{
		RunID:      m.opts.RunID,
		Pipeline:   m.opts.Pipeline,
		Strategy:   m.opts.Strategy.Name(),
		StartedAt:  m.startedAt,
		FinishedAt: time.Now(),
		Outputs:    make(map[string]task.Values),
	}
	anyFailed, requiredFailed := false, false
	for _, name := range m.plan.Order() {
		n := m.nodes[name]
		for _, inst := range append([]*instance{n.head}, n.elements...) {
			row := InstanceSummary{
				ID:         inst.id,
				Task:       inst.task.Name,
				Index:      inst.index,
				State:      inst.state,
				RootCause:  inst.rootCause,
				Identity:   inst.identity,
				Cached:     inst.cached,
				BestEffort: inst.bestEffort,
				Aggregate:  inst.aggregate,
				Duration:   inst.duration,
				Artifacts:  inst.artifacts,
			}
			if inst.err != nil {
				row.ErrorKind = perrors.KindOf(inst.err)
				row.Error = inst.err.Error()
			}
			if inst.state == StateFailed {
				anyFailed = true
				if !inst.bestEffort {
					requiredFailed = true
				}
			}
			s.Instances = append(s.Instances, row)
		}
		if n.head.state == StateSucceeded {
			s.Outputs[name] = n.outputs
		}
	}

	switch {
	case m.cancelled:
		s.Status = RunCancelled
		s.ExitCode = ExitCancelled
	case anyFailed:
		s.Status = RunPartialFailure
		s.ExitCode = ExitSuccess
		if requiredFailed || m.fatal != nil {
			s.ExitCode = ExitFailure
		}
	default:
		s.Status = RunAllSucceeded
		s.ExitCode = ExitSuccess
	}
	return s
}
