package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/LENAX/pipeline-engine/pkg/core/cache"
	"github.com/LENAX/pipeline-engine/pkg/core/events"
	"github.com/LENAX/pipeline-engine/pkg/core/executor"
	"github.com/LENAX/pipeline-engine/pkg/core/sink"
	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

// job 一个实例在Worker中的执行过程，只持有创建时的快照
type job struct {
	engine   *Engine
	strategy executor.Strategy
	logger   *zap.Logger
	runID    string
	sink     *sink.Sink
	id       string
	task     *task.Task
	index    int
	inputs   task.Values
	timeout  time.Duration

	// Worker写入，经 completions 交给控制循环
	artifacts []sink.Artifact
}

func (m *runManager) newJob(inst *instance) *job {
	timeout := inst.task.Timeout
	if timeout <= 0 {
		timeout = m.engine.opts.DefaultTimeout
	}
	return &job{
		engine:   m.engine,
		strategy: m.opts.Strategy,
		logger:   m.logger.With(zap.String("instance", inst.id)),
		runID:    m.opts.RunID,
		sink:     m.opts.Sink,
		id:       inst.id,
		task:     inst.task,
		index:    inst.index,
		inputs:   inst.inputs.Copy(),
		timeout:  timeout,
	}
}

// run 缓存查询 -> 执行 -> 写缓存 -> 物化输出
func (j *job) run(ctx context.Context) *executor.TaskResult {
	e := j.engine
	res := &executor.TaskResult{InstanceID: j.id, StartedAt: time.Now()}

	ctx = task.WithRunID(ctx, j.runID)
	ctx = task.WithInstanceID(ctx, j.id)
	ctx = task.WithTaskName(ctx, j.task.Name)
	ctx = task.WithMapIndex(ctx, j.index)

	ctx, span := e.tracer.Start(ctx, "task "+j.id, trace.WithAttributes(
		attribute.String("pipeline.run_id", j.runID),
		attribute.String("task.name", j.task.Name),
		attribute.Int("task.index", j.index),
		attribute.String("strategy", j.strategy.Name()),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("cache.identity", res.Identity),
			attribute.Bool("cache.hit", res.Cached),
		)
		if res.Error != nil {
			span.SetAttributes(attribute.String("error.kind", string(perrors.KindOf(res.Error))))
			span.RecordError(res.Error)
			span.SetStatus(codes.Error, res.Error.Error())
		}
		span.End()
	}()

	e.publish(ctx, events.NewEvent(events.EventTaskStarted, j.runID, j.task.Name, j.id, nil))

	store := e.opts.Cache
	if store != nil {
		identity, err := e.hasher.ComputeIdentity(j.task.Name, cache.OrderedInputs(j.task, j.inputs))
		if err != nil {
			j.logger.Warn("输入无法计算内容标识，跳过缓存", zap.Error(err))
		} else {
			res.Identity = identity
		}
	}

	if res.Identity != "" {
		entry, hit, err := store.Lookup(ctx, res.Identity)
		switch {
		case err != nil:
			j.logger.Warn("缓存查询失败", zap.String("identity", res.Identity), zap.Error(err))
		case hit:
			j.logger.Debug("缓存命中", zap.String("identity", res.Identity))
			res.Cached = true
			if entry.Outcome.Succeeded() {
				res.Outputs = entry.Outcome.Outputs.Copy()
			} else {
				res.Error = entry.Outcome.Err(j.id)
			}
			return j.materialize(ctx, res)
		}
	}

	outputs, err := j.strategy.Execute(ctx, &executor.Invocation{
		RunID:      j.runID,
		InstanceID: j.id,
		TaskName:   j.task.Name,
		FuncName:   j.task.FuncName,
		Index:      j.index,
		Inputs:     j.inputs,
		Hints:      j.task.Hints,
		Timeout:    j.timeout,
		Body:       j.task.Body,
	})
	if err != nil && perrors.KindOf(err) == "" {
		err = perrors.Wrap(perrors.KindTaskBody, j.id, err)
	}
	if err == nil {
		outputs, err = declaredOutputs(j.id, j.task, outputs)
	}

	if res.Identity != "" && perrors.IsCacheable(perrors.KindOf(err)) {
		outcome := cache.Outcome{Outputs: outputs}
		if err != nil {
			outcome = cache.Outcome{ErrorKind: perrors.KindOf(err), ErrorMessage: errorMessage(err)}
		}
		if serr := store.Store(context.WithoutCancel(ctx), res.Identity, j.task.Name, outcome); serr != nil {
			if perrors.IsCacheConsistency(serr) {
				res.Error = serr
				return res
			}
			j.logger.Warn("写入缓存失败", zap.String("identity", res.Identity), zap.Error(serr))
		}
	}

	// 与缓存命中时下游拿到的值保持一致
	if err == nil && store != nil {
		if canonical, cerr := cache.Canonicalize(outputs); cerr == nil {
			outputs = canonical
		}
	}
	res.Outputs, res.Error = outputs, err
	return j.materialize(ctx, res)
}

// materialize 成功实例的绑定输出交给Sink；失败时实例记为 SinkError，缓存条目保留
func (j *job) materialize(ctx context.Context, res *executor.TaskResult) *executor.TaskResult {
	if res.Error != nil || j.sink == nil || !j.sink.HasBindings(j.task.Name) {
		return res
	}
	artifacts, err := j.sink.Materialize(ctx, j.runID, j.task.Name, j.index, res.Outputs)
	if err != nil {
		res.Error = err
		return res
	}
	j.artifacts = artifacts
	return res
}

// declaredOutputs 任务体必须返回全部声明的输出，多余的输出被丢弃
func declaredOutputs(instanceID string, t *task.Task, outputs task.Values) (task.Values, error) {
	out := make(task.Values, len(t.Outputs))
	for _, name := range t.Outputs {
		v, ok := outputs[name]
		if !ok {
			return nil, perrors.Newf(perrors.KindTaskBody, instanceID, "body did not return declared output %s", name)
		}
		out[name] = v
	}
	return out, nil
}

func errorMessage(err error) string {
	var pe *perrors.Error
	if errors.As(err, &pe) {
		if pe.Err != nil {
			return pe.Err.Error()
		}
		return pe.Message
	}
	return err.Error()
}
