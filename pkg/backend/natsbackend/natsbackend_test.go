package natsbackend

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LENAX/pipeline-engine/pkg/core/executor"
	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	reg := task.NewFunctionRegistry()
	reg.MustRegister("double", func(ctx context.Context, in task.Values) (task.Values, error) {
		x, err := in.Float("x")
		if err != nil {
			return nil, err
		}
		return task.Values{"y": x * 2, "index": task.GetMapIndex(ctx)}, nil
	}, "")
	reg.MustRegister("boom", func(ctx context.Context, in task.Values) (task.Values, error) {
		return nil, errors.New("boom")
	}, "")
	reg.MustRegister("sleep", func(ctx context.Context, in task.Values) (task.Values, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, "")
	w, err := NewWorker(nil, reg, WorkerOptions{})
	require.NoError(t, err)
	return w
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "pipeline.tasks.invoke", InvokeSubject("", ""))
	assert.Equal(t, "jobs.invoke.gpu", InvokeSubject("jobs", "gpu"))
	assert.Equal(t, "jobs.cancel", CancelSubject("jobs"))
}

func TestNewRequestCarriesInvocation(t *testing.T) {
	deadline := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	inv := &executor.Invocation{
		RunID:      "run-1",
		InstanceID: "Extract[2]",
		TaskName:   "Extract",
		FuncName:   "mhealthx.extract_features",
		Index:      2,
		Inputs:     task.Values{"file": "/data/a.csv"},
		Hints:      task.ResourceHints{CPUs: 2, Queue: "gpu"},
	}
	data, err := NewRequest("abc", inv, deadline).Marshal()
	require.NoError(t, err)

	req, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "abc", req.ID)
	assert.Equal(t, "Extract[2]", req.Instance)
	assert.Equal(t, "mhealthx.extract_features", req.Func)
	assert.Equal(t, 2, req.Index)
	assert.Equal(t, "/data/a.csv", req.Inputs["file"])
	assert.Equal(t, "gpu", req.Hints.Queue)
	assert.True(t, deadline.Equal(req.Deadline))
}

func TestDecodeRequestRejectsMissingID(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"func":"x"}`))
	require.Error(t, err)
	_, err = DecodeRequest([]byte(`not json`))
	require.Error(t, err)
}

func TestReplyResultKinds(t *testing.T) {
	out, err := (&InvocationReply{ID: "1", Outputs: task.Values{"y": 1.0}}).Result("T")
	require.NoError(t, err)
	assert.Equal(t, 1.0, out["y"])

	_, err = (&InvocationReply{ID: "1", Error: "slow", ErrorKind: string(perrors.KindTimeout)}).Result("T")
	assert.True(t, perrors.IsTimeout(err))

	// 未知或缺失的类别按任务体错误处理
	_, err = (&InvocationReply{ID: "1", Error: "bad"}).Result("T")
	assert.Equal(t, perrors.KindTaskBody, perrors.KindOf(err))
	_, err = (&InvocationReply{ID: "1", Error: "bad", ErrorKind: string(perrors.KindCacheConsistency)}).Result("T")
	assert.Equal(t, perrors.KindTaskBody, perrors.KindOf(err))
}

func TestWorkerHandleSuccess(t *testing.T) {
	w := newTestWorker(t)
	reply := w.Handle(context.Background(), &InvocationRequest{
		ID: "1", Instance: "Double[3]", Task: "Double", Func: "double", Index: 3,
		Inputs: task.Values{"x": 21.0},
	})
	assert.Empty(t, reply.Error)
	assert.Equal(t, 42.0, reply.Outputs["y"])
	assert.Equal(t, 3, reply.Outputs["index"])

	// 回复经过JSON往返后仍可还原
	data, err := json.Marshal(reply)
	require.NoError(t, err)
	decoded, err := DecodeReply(data)
	require.NoError(t, err)
	out, err := decoded.Result("Double[3]")
	require.NoError(t, err)
	assert.Equal(t, 42.0, out["y"])
}

func TestWorkerHandleFailures(t *testing.T) {
	w := newTestWorker(t)

	reply := w.Handle(context.Background(), &InvocationRequest{ID: "1", Instance: "B", Func: "boom"})
	assert.Equal(t, string(perrors.KindTaskBody), reply.ErrorKind)
	assert.Contains(t, reply.Error, "boom")

	reply = w.Handle(context.Background(), &InvocationRequest{ID: "2", Instance: "U", Func: "unknown"})
	assert.Equal(t, string(perrors.KindTaskBody), reply.ErrorKind)
	assert.Contains(t, reply.Error, "not registered")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	reply = w.Handle(ctx, &InvocationRequest{ID: "3", Instance: "S", Func: "sleep"})
	assert.Equal(t, string(perrors.KindTimeout), reply.ErrorKind)
}

func TestWorkerCancelMessage(t *testing.T) {
	w := newTestWorker(t)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	defer w.cancel()

	ctx, cancel := w.invocationContext(&InvocationRequest{ID: "abc"})
	require.NotNil(t, ctx)
	defer cancel()
	assert.Equal(t, 1, w.Running())

	data, _ := json.Marshal(cancelMessage{ID: "abc"})
	w.onCancel(&nats.Msg{Data: data})
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("取消通知未生效")
	}

	w.finish("abc", cancel)
	assert.Equal(t, 0, w.Running())
}

func TestWorkerStoppedRefusesInvocations(t *testing.T) {
	w := newTestWorker(t)
	ctx, _ := w.invocationContext(&InvocationRequest{ID: "x"})
	assert.Nil(t, ctx)
}

func TestNewBackendRequiresConnection(t *testing.T) {
	_, err := NewBackend(nil, "", nil)
	require.Error(t, err)
}

func TestBackendWaitReleasesPendingCall(t *testing.T) {
	b := &Backend{logger: zap.NewNop(), pending: make(map[string]*call)}
	replies := make(chan *nats.Msg, 1)
	b.pending["h-1"] = &call{instanceID: "Double[0]", sub: &nats.Subscription{}, replies: replies}
	b.pending["h-2"] = &call{instanceID: "Double[1]", sub: &nats.Subscription{}, replies: make(chan *nats.Msg, 1)}
	assert.Equal(t, 2, b.Pending())

	data, err := json.Marshal(&InvocationReply{ID: "h-1", Outputs: task.Values{"y": 2.0}})
	require.NoError(t, err)
	replies <- &nats.Msg{Data: data}

	out, err := b.Wait(context.Background(), "h-1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, out["y"])
	assert.Equal(t, 1, b.Pending())

	// ctx 结束时调用仍挂起，由 Cancel 释放
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = b.Wait(ctx, "h-2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, b.Pending())

	_, err = b.Wait(context.Background(), "h-1")
	assert.Error(t, err, "已取回的句柄")
}
