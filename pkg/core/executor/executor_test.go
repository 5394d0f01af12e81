package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

func TestExecutor_RespectsMaxWorkers(t *testing.T) {
	exec, err := NewExecutor(2, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, exec.MaxWorkers())
	exec.Start()
	defer exec.Shutdown(time.Second)

	var current, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		require.NoError(t, exec.SubmitTask(&PendingTask{
			InstanceID: "T",
			Run: func(ctx context.Context) *TaskResult {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return &TaskResult{Outputs: task.Values{"ok": true}}
			},
			OnComplete: func(r *TaskResult) {
				assert.Equal(t, "T", r.InstanceID)
				assert.True(t, r.Duration > 0)
				wg.Done()
			},
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestExecutor_RecoversPanic(t *testing.T) {
	exec, err := NewExecutor(1, nil)
	require.NoError(t, err)
	exec.Start()
	defer exec.Shutdown(time.Second)

	done := make(chan *TaskResult, 1)
	require.NoError(t, exec.SubmitTask(&PendingTask{
		InstanceID: "P",
		Run:        func(ctx context.Context) *TaskResult { panic("boom") },
		OnComplete: func(r *TaskResult) { done <- r },
	}))
	r := <-done
	assert.Equal(t, perrors.KindTaskBody, perrors.KindOf(r.Error))
}

func TestExecutor_SubmitErrors(t *testing.T) {
	exec, err := NewExecutor(1, nil)
	require.NoError(t, err)
	assert.Error(t, exec.SubmitTask(&PendingTask{Run: func(context.Context) *TaskResult { return nil }}), "未启动")
	exec.Start()
	assert.Error(t, exec.SubmitTask(nil))
	assert.Error(t, exec.SubmitTask(&PendingTask{InstanceID: "x"}))
	require.NoError(t, exec.Shutdown(time.Second))
	assert.Error(t, exec.SubmitTask(&PendingTask{Run: func(context.Context) *TaskResult { return nil }}))

	_, err = NewExecutor(maxGlobalWorkers+1, nil)
	assert.Error(t, err)

	defaulted, err := NewExecutor(0, nil)
	require.NoError(t, err)
	defaulted.Start()
	defer defaulted.Shutdown(0)
	assert.Equal(t, 10, defaulted.MaxWorkers())
}

func TestLocalStrategy_ErrorKinds(t *testing.T) {
	s := NewSequential()
	assert.Equal(t, 1, s.Capacity())
	ctx := context.Background()

	out, err := s.Execute(ctx, &Invocation{InstanceID: "A", Inputs: task.Values{"x": 2}, Body: func(_ context.Context, in task.Values) (task.Values, error) {
		n, _ := in.Int("x")
		return task.Values{"y": n * 2}, nil
	}})
	require.NoError(t, err)
	assert.Equal(t, 4, out["y"])

	_, err = s.Execute(ctx, &Invocation{InstanceID: "B", Body: func(context.Context, task.Values) (task.Values, error) {
		return nil, assert.AnError
	}})
	assert.Equal(t, perrors.KindTaskBody, perrors.KindOf(err))
	assert.ErrorIs(t, err, assert.AnError)

	_, err = s.Execute(ctx, &Invocation{InstanceID: "C"})
	assert.Equal(t, perrors.KindTaskBody, perrors.KindOf(err))

	_, err = s.Execute(ctx, &Invocation{InstanceID: "D", Body: func(context.Context, task.Values) (task.Values, error) {
		panic("bad")
	}})
	assert.Equal(t, perrors.KindTaskBody, perrors.KindOf(err))
}

func TestLocalStrategy_TimeoutDoesNotWaitForBody(t *testing.T) {
	s, err := NewBoundedPool(2)
	require.NoError(t, err)
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err = s.Execute(context.Background(), &Invocation{
		InstanceID: "slow",
		Timeout:    30 * time.Millisecond,
		Body: func(context.Context, task.Values) (task.Values, error) {
			<-release // 忽略context的任务体
			return task.Values{}, nil
		},
	})
	assert.Equal(t, perrors.KindTimeout, perrors.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestLocalStrategy_Cancelled(t *testing.T) {
	s := NewSequential()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := s.Execute(ctx, &Invocation{InstanceID: "c", Body: func(ctx context.Context, _ task.Values) (task.Values, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	assert.Equal(t, perrors.KindCancelled, perrors.KindOf(err))
}

func TestNewStrategy(t *testing.T) {
	s, err := NewStrategy(Options{})
	require.NoError(t, err)
	assert.Equal(t, StrategySequential, s.Name())

	s, err = NewStrategy(Options{Strategy: StrategyPool, MaxConcurrency: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, s.Capacity())

	_, err = NewStrategy(Options{Strategy: StrategyPool})
	assert.Error(t, err)
	_, err = NewStrategy(Options{Strategy: StrategyExternal, MaxConcurrency: 2})
	assert.Error(t, err, "缺少后端")
	_, err = NewStrategy(Options{Strategy: "grid"})
	assert.Error(t, err)
}
