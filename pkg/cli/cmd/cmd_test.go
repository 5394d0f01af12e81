package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/pipeline-engine/pkg/core/engine"
)

type cliEnv struct {
	dir        string
	configPath string
	dataDir    string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{dir: dir, configPath: filepath.Join(dir, "engine.yaml"), dataDir: filepath.Join(dir, "data")}
	cfg := fmt.Sprintf(`pipeline-engine:
  general:
    log_level: error
    env: test
  storage:
    database:
      type: sqlite
      dsn: %q
    cache:
      enabled: true
  execution:
    strategy: sequential
  sink:
    root: %q
`, filepath.Join(dir, "engine.db"), filepath.Join(dir, "out"))
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0o644))

	require.NoError(t, os.MkdirAll(env.dataDir, 0o755))
	for name, content := range map[string]string{"a.wav": "aaaa", "b.wav": "abab", "c.wav": "abc"} {
		require.NoError(t, os.WriteFile(filepath.Join(env.dataDir, name), []byte(content), 0o644))
	}
	return env
}

// writePipeline 写入 列文件 -> 提取特征(map) -> 汇总表 流水线
func (e *cliEnv) writePipeline(t *testing.T, name, dataDir string) string {
	t.Helper()
	body := fmt.Sprintf(`pipeline:
  name: %s
  tasks:
    - name: ListFiles
      func: mhealthx.list_files
      inputs: [dir, pattern]
      outputs: [files]
    - name: Extract
      func: mhealthx.extract_features
      map: true
      iterate_over: file
      inputs:
        - file
        - name: size
          default: 4
      outputs: [features, file]
    - name: ToTable
      func: mhealthx.files_to_table
      inputs: [features, files, project, table_name, table_root]
      outputs: [table, project, rows]
  edges:
    - from: ListFiles.files
      to: Extract.file
    - from: Extract.features
      to: ToTable.features
    - from: Extract.file
      to: ToTable.files
  literals:
    ListFiles.dir: %q
    ListFiles.pattern: "*.wav"
    ToTable.project: syn4899451
    ToTable.table_name: phonation
    ToTable.table_root: %q
  sinks:
    - task: ToTable
      output: rows
      path: "{run}/rows.json"
`, name, dataDir, filepath.Join(e.dir, "tables"))
	path := filepath.Join(e.dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func (e *cliEnv) exec(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	code := ExecuteArgs(root, append([]string{"--config", e.configPath}, args...))
	return code, stdout.String(), stderr.String()
}

func TestRunCommand_SucceedsAndCaches(t *testing.T) {
	env := newCLIEnv(t)
	path := env.writePipeline(t, "phonation", env.dataDir)

	code, out, errOut := env.exec("--json", "run", path, "--run-id", "first", "--strategy", "pool", "--max-concurrency", "2")
	require.Equal(t, 0, code, errOut)

	var summary engine.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, "first", summary.RunID)
	assert.Equal(t, engine.RunAllSucceeded, summary.Status)
	assert.Equal(t, "pool", summary.Strategy)
	assert.Len(t, summary.Elements("Extract"), 3)
	assert.FileExists(t, filepath.Join(env.dir, "out", "first", "rows.json"))
	assert.FileExists(t, filepath.Join(env.dir, "tables", "syn4899451", "phonation.csv"))

	code, out, errOut = env.exec("--json", "run", path, "--run-id", "second")
	require.Equal(t, 0, code, errOut)
	var again engine.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &again))
	for _, inst := range again.Instances {
		if inst.Aggregate {
			continue
		}
		assert.True(t, inst.Cached, "instance %s should be a cache hit", inst.ID)
	}
}

func TestRunCommand_FailureExitCode(t *testing.T) {
	env := newCLIEnv(t)
	path := env.writePipeline(t, "missing", filepath.Join(env.dir, "does-not-exist"))

	code, out, _ := env.exec("run", path, "--run-id", "broken")
	assert.Equal(t, engine.ExitFailure, code)
	assert.Contains(t, out, "TaskBodyError")
	assert.Contains(t, out, "UpstreamFailure")
	assert.Contains(t, out, "status PartialFailure")
}

func TestRunCommand_InvalidArguments(t *testing.T) {
	env := newCLIEnv(t)
	path := env.writePipeline(t, "phonation", env.dataDir)

	code, _, errOut := env.exec("run", path, "--map-policy", "sometimes")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "未知的Map策略")

	code, _, _ = env.exec("run", filepath.Join(env.dir, "nope.yaml"))
	assert.Equal(t, 1, code)
}

func TestValidateCommand(t *testing.T) {
	env := newCLIEnv(t)
	path := env.writePipeline(t, "phonation", env.dataDir)

	code, out, _ := env.exec("--json", "validate", path)
	require.Equal(t, 0, code)
	var res validateResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, []string{"ListFiles", "Extract", "ToTable"}, res.Order)
	assert.Equal(t, [][]string{{"ListFiles"}, {"Extract"}, {"ToTable"}}, res.Levels)
	assert.Equal(t, []string{"ListFiles"}, res.Roots)

	code, out, _ = env.exec("validate", path)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "入口任务: ListFiles")
}

func TestValidateCommand_Cycle(t *testing.T) {
	env := newCLIEnv(t)
	path := filepath.Join(env.dir, "cycle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`pipeline:
  name: cycle
  tasks:
    - name: A
      func: mhealthx.extract_features
      inputs: [file]
      outputs: [features, file]
    - name: B
      func: mhealthx.extract_features
      inputs: [file]
      outputs: [features, file]
  edges:
    - from: A.file
      to: B.file
    - from: B.file
      to: A.file
`), 0o644))

	code, out, _ := env.exec("--json", "validate", path)
	assert.Equal(t, 1, code)
	var res validateResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Valid)
	assert.Equal(t, "CycleError", res.Kind)
	assert.ElementsMatch(t, []string{"A", "B"}, res.Cycle)

	code, out, _ = env.exec("validate", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "环路")
}

func TestRunsAndCacheCommands(t *testing.T) {
	env := newCLIEnv(t)
	path := env.writePipeline(t, "phonation", env.dataDir)
	code, _, errOut := env.exec("run", path, "--run-id", "history")
	require.Equal(t, 0, code, errOut)

	code, out, errOut := env.exec("--json", "runs", "list")
	require.Equal(t, 0, code, errOut)
	var runs []engine.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "history", runs[0].RunID)
	assert.Equal(t, "phonation", runs[0].Pipeline)

	code, out, _ = env.exec("runs", "show", "history")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Extract[2]")
	assert.Contains(t, out, "status AllSucceeded")

	code, _, errOut = env.exec("runs", "show", "unknown")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "不存在")

	code, out, errOut = env.exec("--json", "cache", "list")
	require.Equal(t, 0, code, errOut)
	var listed struct {
		Total   int              `json:"total"`
		Entries []cacheEntryView `json:"entries"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	// ListFiles + 3个元素 + ToTable
	assert.Equal(t, 5, listed.Total)
	require.NotEmpty(t, listed.Entries)

	first := listed.Entries[0]
	code, out, errOut = env.exec("--json", "cache", "show", first.Identity[:12])
	require.Equal(t, 0, code, errOut)
	var shown cacheEntryView
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, first.Identity, shown.Identity)
	assert.True(t, shown.Succeeded)
}

func TestCacheCommand_Disabled(t *testing.T) {
	env := newCLIEnv(t)
	cfg, err := os.ReadFile(env.configPath)
	require.NoError(t, err)
	cfg = bytes.Replace(cfg, []byte("enabled: true"), []byte("enabled: false"), 1)
	require.NoError(t, os.WriteFile(env.configPath, cfg, 0o644))

	code, _, errOut := env.exec("cache", "list")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "缓存未启用")
}

func TestVersionCommand(t *testing.T) {
	env := newCLIEnv(t)
	code, out, _ := env.exec("--json", "version")
	require.Equal(t, 0, code)
	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info.Version)
}
