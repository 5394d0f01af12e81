package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/pipeline-engine/pkg/core/dag"
	"github.com/LENAX/pipeline-engine/pkg/core/executor"
	"github.com/LENAX/pipeline-engine/pkg/core/task"
)

func tickPipeline(t *testing.T, name, expr string) *Pipeline {
	t.Helper()
	g := dag.NewGraph()
	require.NoError(t, g.AddTask(build(t, task.NewTaskBuilder("Tick").WithOutputs("at").
		WithBody(func(context.Context, task.Values) (task.Values, error) {
			return task.Values{"at": time.Now().Unix()}, nil
		}))))
	p, err := NewPipeline(name, g, nil)
	require.NoError(t, err)
	p.Cron = expr
	return p
}

func TestCronScheduler_RegisterValidation(t *testing.T) {
	cs := NewCronScheduler(newEngine(t, executor.NewSequential()))

	assert.Error(t, cs.Register(tickPipeline(t, "no-cron", "")))
	assert.Error(t, cs.Register(tickPipeline(t, "bad-cron", "not a cron")))

	require.NoError(t, cs.Register(tickPipeline(t, "nightly", "0 0 2 * * *")))
	assert.Error(t, cs.Register(tickPipeline(t, "nightly", "0 0 3 * * *")))
	assert.Equal(t, []string{"nightly"}, cs.Registered())

	require.NoError(t, cs.Unregister("nightly"))
	assert.Error(t, cs.Unregister("nightly"))
	assert.Empty(t, cs.Registered())
}

func TestCronScheduler_TriggersRun(t *testing.T) {
	cs := NewCronScheduler(newEngine(t, executor.NewSequential()))
	results := make(chan *RunSummary, 4)
	cs.OnFinish = func(s *RunSummary, err error) {
		assert.NoError(t, err)
		results <- s
	}
	require.NoError(t, cs.Register(tickPipeline(t, "every-second", "@every 1s")))
	cs.Start()
	defer cs.Stop()

	select {
	case s := <-results:
		assert.Equal(t, "every-second", s.Pipeline)
		assert.Equal(t, RunAllSucceeded, s.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("定时任务没有触发")
	}
}
