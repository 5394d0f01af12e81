package mhealthx

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/pipeline-engine/pkg/config"
	"github.com/LENAX/pipeline-engine/pkg/core/dag"
	"github.com/LENAX/pipeline-engine/pkg/core/engine"
	"github.com/LENAX/pipeline-engine/pkg/core/executor"
	"github.com/LENAX/pipeline-engine/pkg/core/task"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestRegister(t *testing.T) {
	reg := task.NewFunctionRegistry()
	require.NoError(t, Register(reg))
	assert.ElementsMatch(t, []string{FuncListFiles, FuncExtractFeatures, FuncFilesToTable, FuncConcatenateTables}, reg.Names())
	// 重复注册失败
	require.Error(t, Register(reg))
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"b.wav": "bb", "a.wav": "a", "notes.txt": "x"})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.wav"), 0o755))

	out, err := ListFiles(context.Background(), task.Values{"dir": dir, "pattern": "*.wav"})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.wav"), filepath.Join(dir, "b.wav")}, out["files"])

	_, err = ListFiles(context.Background(), task.Values{"dir": filepath.Join(dir, "missing")})
	require.Error(t, err)
}

func TestExtractFeaturesDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.wav": "hello world"})
	path := filepath.Join(dir, "a.wav")

	first, err := ExtractFeatures(context.Background(), task.Values{"file": path, "size": 4})
	require.NoError(t, err)
	second, err := ExtractFeatures(context.Background(), task.Values{"file": path, "size": 4})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	vec := first["features"].([]float64)
	require.Len(t, vec, 4)
	sum := 0.0
	for _, v := range vec {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-5)

	_, err = ExtractFeatures(context.Background(), task.Values{"file": path, "size": 0})
	require.Error(t, err)
}

func TestFilesToTableSkipsHoles(t *testing.T) {
	root := t.TempDir()
	out, err := FilesToTable(context.Background(), task.Values{
		"features":   []interface{}{[]float64{1, 2}, nil, []interface{}{3.0, 4.5}},
		"files":      []interface{}{"a.wav", "b.wav", "c.wav"},
		"project":    "syn42",
		"table_name": "voice features",
		"table_root": root,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out["rows"])
	assert.Equal(t, filepath.Join(root, "syn42", "voice_features.csv"), out["table"])

	table, err := ReadTable(out["table"].(string))
	require.NoError(t, err)
	assert.Equal(t, []string{"fileID", "feature_0", "feature_1"}, table.Header)
	assert.Equal(t, [][]string{{"a.wav", "1", "2"}, {"c.wav", "3", "4.5"}}, table.Rows)
}

func TestFilesToTableRejectsMismatch(t *testing.T) {
	_, err := FilesToTable(context.Background(), task.Values{
		"features":   []interface{}{[]float64{1}},
		"files":      []interface{}{"a", "b"},
		"project":    "p",
		"table_name": "t",
		"table_root": t.TempDir(),
	})
	require.Error(t, err)

	_, err = FilesToTable(context.Background(), task.Values{"features": []interface{}{}, "files": []interface{}{}})
	require.Error(t, err)
}

func TestConcatenate(t *testing.T) {
	left := &Table{Header: []string{"A", "B"}, Rows: [][]string{{"a0", "b0"}, {"a1", "b1"}}}
	right := &Table{Header: []string{"C"}, Rows: [][]string{{"c0"}}}
	out := Concatenate(left, right)
	assert.Equal(t, []string{"A", "B", "C"}, out.Header)
	assert.Equal(t, [][]string{{"a0", "b0", "c0"}, {"a1", "b1", ""}}, out.Rows)
}

func TestConcatenateTables(t *testing.T) {
	root := t.TempDir()
	p1 := filepath.Join(root, "one.csv")
	p2 := filepath.Join(root, "two.csv")
	require.NoError(t, WriteTable(p1, &Table{Header: []string{"A"}, Rows: [][]string{{"1"}, {"2"}}}))
	require.NoError(t, WriteTable(p2, &Table{Header: []string{"B"}, Rows: [][]string{{"x"}, {"y"}}}))

	out, err := ConcatenateTables(context.Background(), task.Values{
		"tables": []string{p1, p2}, "project": "p", "table_name": "joined", "table_root": root,
	})
	require.NoError(t, err)
	table, err := ReadTable(out["table"].(string))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, table.Header)
	assert.Equal(t, [][]string{{"1", "x"}, {"2", "y"}}, table.Rows)
}

func TestPipelineThroughEngine(t *testing.T) {
	data := t.TempDir()
	tables := t.TempDir()
	writeFiles(t, data, map[string]string{"a.wav": "aaaa", "b.wav": "bbbbbbbb", "c.wav": "abc"})

	reg := task.NewFunctionRegistry()
	require.NoError(t, Register(reg))

	list, err := task.NewTaskBuilder("ListFiles").WithInput("dir", "pattern").WithOutputs("files").
		WithFunc(reg, FuncListFiles).Build()
	require.NoError(t, err)
	extract, err := task.NewTaskBuilder("Extract").WithInput("file").WithDefault("size", 4).
		WithOutputs("features", "file").AsMap("file").WithFunc(reg, FuncExtractFeatures).Build()
	require.NoError(t, err)
	toTable, err := task.NewTaskBuilder("ToTable").WithInput("features", "files", "project", "table_name", "table_root").
		WithOutputs("table", "project", "rows").WithFunc(reg, FuncFilesToTable).Build()
	require.NoError(t, err)

	g := dag.NewGraph()
	for _, tk := range []*task.Task{list, extract, toTable} {
		require.NoError(t, g.AddTask(tk))
	}
	require.NoError(t, g.BindLiteral("ListFiles", "dir", data))
	require.NoError(t, g.BindLiteral("ListFiles", "pattern", "*.wav"))
	require.NoError(t, g.Connect("ListFiles", "files", "Extract", "file"))
	require.NoError(t, g.Connect("Extract", "features", "ToTable", "features"))
	require.NoError(t, g.Connect("Extract", "file", "ToTable", "files"))
	require.NoError(t, g.BindLiteral("ToTable", "project", "syn4899451"))
	require.NoError(t, g.BindLiteral("ToTable", "table_name", "phonation"))
	require.NoError(t, g.BindLiteral("ToTable", "table_root", tables))

	strategy, err := executor.NewBoundedPool(3)
	require.NoError(t, err)
	eng, err := engine.NewEngine(engine.Options{Strategy: strategy})
	require.NoError(t, err)

	summary, err := eng.RunGraph(context.Background(), g, engine.RunOptions{Pipeline: "mhealthx"})
	require.NoError(t, err)
	assert.Equal(t, engine.RunAllSucceeded, summary.Status)
	assert.Len(t, summary.Elements("Extract"), 3)

	path, ok := summary.Output("ToTable", "table")
	require.True(t, ok)
	table, err := ReadTable(path.(string))
	require.NoError(t, err)
	require.Len(t, table.Rows, 3)
	assert.Equal(t, filepath.Join(data, "a.wav"), table.Rows[0][0])
	assert.Equal(t, filepath.Join(data, "c.wav"), table.Rows[2][0])
}

func TestShippedPipelineValidates(t *testing.T) {
	t.Setenv("MHEALTHX_DATA_DIR", t.TempDir())
	cfg, err := config.LoadPipelineConfig(filepath.Join("..", "..", "..", "configs", "pipelines", "phonation.yaml"))
	require.NoError(t, err)

	reg := task.NewFunctionRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, config.ValidatePipelineConfig(cfg, reg, 10*time.Minute))

	g, err := cfg.BuildGraph(reg)
	require.NoError(t, err)
	plan, err := g.Validate()
	require.NoError(t, err)
	assert.Equal(t, []string{"ListFiles", "ExtractFeatures", "FilesToTable"}, plan.Order())

	b, ok := plan.Binding("ExtractFeatures", "size")
	require.True(t, ok)
	assert.Equal(t, dag.BindDefault, b.Kind)
	assert.Equal(t, 8, b.Value)
}
