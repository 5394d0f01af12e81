package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LENAX/pipeline-engine/pkg/api/dto"
	"github.com/LENAX/pipeline-engine/pkg/core/dag"
	"github.com/LENAX/pipeline-engine/pkg/core/engine"
	"github.com/LENAX/pipeline-engine/pkg/core/events"
	"github.com/LENAX/pipeline-engine/pkg/core/executor"
	"github.com/LENAX/pipeline-engine/pkg/core/task"
	"github.com/LENAX/pipeline-engine/pkg/storage/sqlite"
	"github.com/LENAX/pipeline-engine/pkg/storage/sqlstore"
)

type testEnv struct {
	server *APIServer
	bus    *events.Bus
	engine *engine.Engine
}

func newTestEnv(t *testing.T, release chan struct{}) *testEnv {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	repo, err := sqlstore.New(db, sqlite.NewSQLiteDialect())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	bus := events.NewBus(zap.NewNop())
	t.Cleanup(func() { bus.Close() })

	eng, err := engine.NewEngine(engine.Options{
		Strategy: executor.NewSequential(),
		Events:   bus,
		Runs:     repo,
	})
	require.NoError(t, err)

	double, err := task.NewTaskBuilder("Double").
		WithInput("x").
		WithOutputs("y").
		WithBody(func(ctx context.Context, in task.Values) (task.Values, error) {
			if release != nil {
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			x, err := in.Float("x")
			if err != nil {
				return nil, err
			}
			return task.Values{"y": 2 * x}, nil
		}).Build()
	require.NoError(t, err)
	g := dag.NewGraph()
	require.NoError(t, g.AddTask(double))
	require.NoError(t, g.BindLiteral("Double", "x", 21))
	p, err := engine.NewPipeline("double", g, nil)
	require.NoError(t, err)
	p.Cron = "@every 1h"

	s := NewAPIServer(eng, []*engine.Pipeline{p}, bus, DefaultServerConfig(), "test", zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return &testEnv{server: s, bus: bus, engine: eng}
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) dto.APIResponse[T] {
	t.Helper()
	var resp dto.APIResponse[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := do(t, env.server.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[dto.HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Data.Status)
	assert.Equal(t, "test", resp.Data.Version)
}

func TestListPipelines(t *testing.T) {
	env := newTestEnv(t, nil)
	w := do(t, env.server.Handler(), http.MethodGet, "/api/v1/pipelines", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[dto.ListResponse[dto.PipelineSummary]](t, w)
	require.Len(t, resp.Data.Items, 1)
	assert.Equal(t, "double", resp.Data.Items[0].Name)
	assert.Equal(t, []string{"Double"}, resp.Data.Items[0].Tasks)
	assert.Equal(t, "@every 1h", resp.Data.Items[0].Cron)
}

func TestTriggerAndGetRun(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Handler()

	w := do(t, h, http.MethodPost, "/api/v1/runs", dto.TriggerRunRequest{Pipeline: "double", RunID: "run-a"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "run-a", decode[dto.TriggerRunResponse](t, w).Data.RunID)

	var detail dto.RunDetail
	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodGet, "/api/v1/runs/run-a", nil)
		if w.Code != http.StatusOK {
			return false
		}
		detail = decode[dto.RunDetail](t, w).Data
		return detail.Status != dto.RunStatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, string(engine.RunAllSucceeded), detail.Status)
	assert.Equal(t, "double", detail.Pipeline)
	assert.Equal(t, 0, detail.ExitCode)
	require.Len(t, detail.Instances, 1)
	assert.Equal(t, engine.StateSucceeded, detail.Instances[0].State)
	assert.Equal(t, 1, detail.Counts[string(engine.StateSucceeded)])

	w = do(t, h, http.MethodGet, "/api/v1/runs?status=AllSucceeded", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[dto.ListResponse[dto.RunSummary]](t, w).Data
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "run-a", list.Items[0].RunID)
}

func TestTriggerErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Handler()

	w := do(t, h, http.MethodPost, "/api/v1/runs", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/runs", dto.TriggerRunRequest{Pipeline: "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/runs/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/runs?status=Weird", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelActiveRun(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, release)
	h := env.server.Handler()

	w := do(t, h, http.MethodPost, "/api/v1/runs", dto.TriggerRunRequest{Pipeline: "double", RunID: "slow"})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodGet, "/api/v1/runs/slow", nil)
		return w.Code == http.StatusOK && decode[dto.RunDetail](t, w).Data.Status == dto.RunStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	w = do(t, h, http.MethodPost, "/api/v1/runs", dto.TriggerRunRequest{Pipeline: "double", RunID: "slow"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/runs/slow/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodGet, "/api/v1/runs/slow", nil)
		return w.Code == http.StatusOK && decode[dto.RunDetail](t, w).Data.Status == string(engine.RunCancelled)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?types=task.succeeded,run.finished&run_id=ws-run"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	// 等待服务端完成订阅
	time.Sleep(100 * time.Millisecond)

	// 其他运行的事件被过滤
	_, err = env.engine.RunPipeline(context.Background(), mustPipeline(t, env), "other")
	require.NoError(t, err)
	_, err = env.engine.RunPipeline(context.Background(), mustPipeline(t, env), "ws-run")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	seen := map[events.EventType]bool{}
	for !seen[events.EventRunFinished] || !seen[events.EventTaskSucceeded] {
		var ev events.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, "ws-run", ev.RunID)
		seen[ev.Type] = true
	}
}

func TestEventStreamRejectsUnknownType(t *testing.T) {
	env := newTestEnv(t, nil)
	w := do(t, env.server.Handler(), http.MethodGet, "/api/v1/events?types=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func mustPipeline(t *testing.T, env *testEnv) *engine.Pipeline {
	t.Helper()
	p, ok := env.server.runs.Pipeline("double")
	require.True(t, ok)
	return p
}
