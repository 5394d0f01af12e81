package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/LENAX/pipeline-engine/pkg/core/dag"
	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadFrameworkConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "engine.yaml", `
pipeline-engine:
  general:
    instance_name: "test-engine"
    log_level: "debug"
    env: "test"
  storage:
    database:
      type: "sqlite"
      dsn: "./test.db"
      max_open_conns: 5
      conn_max_lifetime: "1h"
    cache:
      enabled: true
  execution:
    strategy: pool
    max_concurrency: 6
    default_task_timeout: "90s"
    map_policy: partial
  sink:
    type: local
    root: /tmp/out
  api:
    port: 9090
`)
	cfg, err := LoadFrameworkConfig(path)
	require.NoError(t, err)
	require.NoError(t, ValidateFrameworkConfig(cfg))

	e := cfg.PipelineEngine
	assert.Equal(t, "test-engine", e.General.InstanceName)
	assert.Equal(t, "sqlite", cfg.GetDatabaseType())
	assert.Equal(t, time.Hour, e.Storage.Database.ConnMaxLifetime)
	assert.True(t, cfg.CacheEnabled())
	assert.Equal(t, "pool", e.Execution.Strategy)
	assert.Equal(t, 6, cfg.GetMaxConcurrency())
	assert.Equal(t, 90*time.Second, cfg.GetDefaultTaskTimeout())
	assert.Equal(t, "partial", e.Execution.MapPolicy)
	assert.Equal(t, 9090, e.API.Port)
	// 默认值
	assert.Equal(t, 5, e.Storage.Database.MaxIdleConns)
	assert.Equal(t, "test-engine", e.Tracing.ServiceName)
}

func TestLoadFrameworkConfig_WithEnvVars(t *testing.T) {
	t.Setenv("TEST_ENGINE_NAME", "from-env")
	t.Setenv("TEST_DB_PATH", "/tmp/env.db")
	path := writeFile(t, t.TempDir(), "engine.yaml", `
pipeline-engine:
  general:
    instance_name: "${TEST_ENGINE_NAME}"
  storage:
    database:
      type: sqlite
      dsn: "${TEST_DB_PATH}"
`)
	cfg, err := LoadFrameworkConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.PipelineEngine.General.InstanceName)
	assert.Equal(t, "/tmp/env.db", cfg.GetDatabaseDSN())
}

func TestValidateFrameworkConfig(t *testing.T) {
	cases := map[string]func(*EngineConfig){
		"log level":  func(c *EngineConfig) { c.PipelineEngine.General.LogLevel = "verbose" },
		"db type":    func(c *EngineConfig) { c.PipelineEngine.Storage.Database.Type = "oracle" },
		"strategy":   func(c *EngineConfig) { c.PipelineEngine.Execution.Strategy = "magic" },
		"map policy": func(c *EngineConfig) { c.PipelineEngine.Execution.MapPolicy = "best" },
		"external url": func(c *EngineConfig) {
			c.PipelineEngine.Execution.Strategy = "external"
			c.PipelineEngine.Execution.External.URL = ""
		},
		"external subject": func(c *EngineConfig) {
			c.PipelineEngine.Execution.Strategy = "external"
			c.PipelineEngine.Execution.External.Subject = ""
		},
		"external backend": func(c *EngineConfig) {
			c.PipelineEngine.Execution.Strategy = "external"
			c.PipelineEngine.Execution.External.Backend = "kafka"
		},
		"sink type":   func(c *EngineConfig) { c.PipelineEngine.Sink.Type = "ftp" },
		"azblob":      func(c *EngineConfig) { c.PipelineEngine.Sink.Type = "azblob" },
		"api port":    func(c *EngineConfig) { c.PipelineEngine.API.Port = 70000 },
		"neg timeout": func(c *EngineConfig) { c.PipelineEngine.Execution.DefaultTaskTimeout = -time.Second },
	}
	require.NoError(t, ValidateFrameworkConfig(DefaultEngineConfig()))
	// 默认值已填好外部后端的地址和主题
	external := DefaultEngineConfig()
	external.PipelineEngine.Execution.Strategy = "external"
	require.NoError(t, ValidateFrameworkConfig(external))
	assert.Equal(t, "nats://127.0.0.1:4222", external.PipelineEngine.Execution.External.URL)
	assert.Equal(t, "pipeline.tasks", external.PipelineEngine.Execution.External.Subject)
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultEngineConfig()
			mutate(cfg)
			assert.Error(t, ValidateFrameworkConfig(cfg))
		})
	}
}

func testRegistry() *task.FunctionRegistry {
	r := task.NewFunctionRegistry()
	r.MustRegister("test.list", func(_ context.Context, in task.Values) (task.Values, error) {
		return task.Values{"files": []string{in.String("dir") + "/a", in.String("dir") + "/b"}}, nil
	}, "")
	r.MustRegister("test.length", func(_ context.Context, in task.Values) (task.Values, error) {
		return task.Values{"n": len(in.String("file"))}, nil
	}, "")
	r.MustRegister("test.sum", func(_ context.Context, in task.Values) (task.Values, error) {
		return task.Values{"total": 0}, nil
	}, "")
	return r
}

func TestLoadPipelineConfig_BuildGraphWithInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "report.yaml", `
pipeline:
  tasks:
    - name: Sum
      func: test.sum
      inputs: [values]
      outputs: [total]
      best_effort: true
  sinks:
    - task: Sum
      output: total
      path: "{run}/total.json"
`)
	root := writeFile(t, dir, "main.yaml", `
pipeline:
  name: demo
  include: [report.yaml]
  execution:
    map_policy: partial
  schedule:
    cron: "0 */5 * * * *"
  tasks:
    - name: List
      func: test.list
      inputs:
        - dir
        - name: pattern
          default: "*.csv"
      outputs: [files]
    - name: Length
      func: test.length
      map: true
      iterate_over: file
      inputs: [file]
      outputs: [n]
      timeout: 5s
      hints: {cpus: 2, memory_mb: 256, queue: gpu}
  edges:
    - from: List.files
      to: Length.file
    - from: Length.n
      to: Sum.values
  literals:
    List.dir: /data
  sinks:
    - task: Length
      output: n
      path: "{run}/lengths/"
`)
	cfg, err := LoadPipelineConfig(root)
	require.NoError(t, err)
	reg := testRegistry()
	require.NoError(t, ValidatePipelineConfig(cfg, reg, time.Minute))
	require.Len(t, cfg.Includes, 1)
	assert.Equal(t, "partial", cfg.Pipeline.Execution.MapPolicy)
	assert.Equal(t, "0 */5 * * * *", cfg.Pipeline.Schedule.Cron)
	assert.Len(t, cfg.SinkBindings(), 2)

	g, err := cfg.BuildGraph(reg)
	require.NoError(t, err)
	plan, err := g.Validate()
	require.NoError(t, err)
	assert.Equal(t, []string{"List", "Length", "Sum"}, plan.Order())

	length, ok := plan.Task("Length")
	require.True(t, ok)
	assert.True(t, length.IsMap)
	assert.Equal(t, 5*time.Second, length.Timeout)
	assert.Equal(t, "gpu", length.Hints.Queue)
	assert.Equal(t, 2, length.Hints.CPUs)

	b, ok := plan.Binding("List", "pattern")
	require.True(t, ok)
	assert.Equal(t, dag.BindDefault, b.Kind)
	assert.Equal(t, "*.csv", b.Value)
	b, _ = plan.Binding("List", "dir")
	assert.Equal(t, "/data", b.Value)

	sum, _ := plan.Task("Sum")
	assert.True(t, sum.BestEffort)
}

func TestInputConfig_UnmarshalYAML(t *testing.T) {
	var inputs []InputConfig
	require.NoError(t, yaml.Unmarshal([]byte(`
- file
- name: size
  default: 8
- name: pattern
- name: label
  default: null
`), &inputs))
	require.Len(t, inputs, 4)

	assert.Equal(t, InputConfig{Name: "file"}, inputs[0])
	assert.Equal(t, "size", inputs[1].Name)
	assert.True(t, inputs[1].HasDefault)
	assert.Equal(t, 8, inputs[1].Default)
	assert.Equal(t, InputConfig{Name: "pattern"}, inputs[2])
	// 显式 null 也算带默认值
	assert.True(t, inputs[3].HasDefault)
	assert.Nil(t, inputs[3].Default)
}

func TestLoadPipelineConfig_ShippedPhonation(t *testing.T) {
	t.Setenv("MHEALTHX_DATA_DIR", "/srv/voice")
	cfg, err := LoadPipelineConfig(filepath.Join("..", "..", "configs", "pipelines", "phonation.yaml"))
	require.NoError(t, err)

	spec := cfg.Pipeline
	assert.Equal(t, "phonation", spec.Name)
	assert.Equal(t, "partial", spec.Execution.MapPolicy)
	assert.Equal(t, "0 0 2 * * *", spec.Schedule.Cron)
	assert.Equal(t, "/srv/voice", spec.Literals["ListFiles.dir"])
	require.Len(t, spec.Tasks, 3)

	extract := spec.Tasks[1]
	assert.Equal(t, "ExtractFeatures", extract.Name)
	assert.True(t, extract.Map)
	assert.Equal(t, 5*time.Minute, extract.Timeout)
	assert.Equal(t, "cpu", extract.Hints.Queue)
	require.Len(t, extract.Inputs, 2)
	assert.False(t, extract.Inputs[0].HasDefault)
	assert.True(t, extract.Inputs[1].HasDefault)
	assert.Equal(t, 8, extract.Inputs[1].Default)
}

func TestLoadPipelineConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.yaml", "pipeline:\n  name: a\n  include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "pipeline:\n  include: [a.yaml]\n")
	_, err := LoadPipelineConfig(a)
	assert.ErrorContains(t, err, "循环")

	unknown := writeFile(t, dir, "unknown.yaml", `
pipeline:
  name: x
  tasks:
    - name: T
      func: not.registered
      outputs: [o]
`)
	cfg, err := LoadPipelineConfig(unknown)
	require.NoError(t, err)
	assert.Error(t, ValidatePipelineConfig(cfg, testRegistry(), 0))
	_, err = cfg.BuildGraph(testRegistry())
	assert.Error(t, err)

	rebind := writeFile(t, dir, "rebind.yaml", `
pipeline:
  name: r
  tasks:
    - {name: L, func: test.list, inputs: [dir], outputs: [files]}
    - {name: M, func: test.list, inputs: [dir], outputs: [files]}
  edges:
    - {from: L.files, to: M.dir}
  literals:
    M.dir: /x
`)
	cfg, err = LoadPipelineConfig(rebind)
	require.NoError(t, err)
	_, err = cfg.BuildGraph(testRegistry())
	assert.Equal(t, perrors.KindRebind, perrors.KindOf(err))
}

func TestSplitRef(t *testing.T) {
	taskName, name, err := SplitRef("voice.extract.features")
	require.NoError(t, err)
	assert.Equal(t, "voice.extract", taskName)
	assert.Equal(t, "features", name)

	for _, bad := range []string{"", "noDot", ".x", "x."} {
		_, _, err := SplitRef(bad)
		assert.Error(t, err, bad)
	}
}
