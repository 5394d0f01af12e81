package cache

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
)

func identity(t *testing.T, name string, inputs ...Input) string {
	t.Helper()
	id, err := NewHasher().ComputeIdentity(name, inputs)
	require.NoError(t, err)
	return id
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestComputeIdentity_Deterministic(t *testing.T) {
	in := []Input{{Name: "project", Value: "syn123"}, {Name: "size", Value: 8}}
	assert.Equal(t, identity(t, "Collect", in...), identity(t, "Collect", in...))
}

func TestComputeIdentity_SensitiveToEachInput(t *testing.T) {
	base := identity(t, "Collect", Input{"project", "syn123"}, Input{"size", 8})
	assert.NotEqual(t, base, identity(t, "Collect", Input{"project", "syn124"}, Input{"size", 8}))
	assert.NotEqual(t, base, identity(t, "Collect", Input{"project", "syn123"}, Input{"size", 9}))
	assert.NotEqual(t, base, identity(t, "Other", Input{"project", "syn123"}, Input{"size", 8}))
	// 输入名同样参与计算
	assert.NotEqual(t, base, identity(t, "Collect", Input{"proj", "syn123"}, Input{"size", 8}))
	// 顺序按声明顺序，不能交换
	assert.NotEqual(t, base, identity(t, "Collect", Input{"size", 8}, Input{"project", "syn123"}))
}

func TestComputeIdentity_NoConcatenationAmbiguity(t *testing.T) {
	a := identity(t, "T", Input{"x", []interface{}{"ab", "c"}})
	b := identity(t, "T", Input{"x", []interface{}{"a", "bc"}})
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, identity(t, "T", Input{"x", "1"}), identity(t, "T", Input{"x", 1}))
}

func TestComputeIdentity_NumbersAndMaps(t *testing.T) {
	assert.Equal(t, identity(t, "T", Input{"n", 3}), identity(t, "T", Input{"n", float64(3)}))
	assert.Equal(t,
		identity(t, "T", Input{"m", map[string]interface{}{"a": 1, "b": []int{1, 2}}}),
		identity(t, "T", Input{"m", map[string]interface{}{"b": []interface{}{float64(1), float64(2)}, "a": float64(1)}}),
	)
	type point struct {
		X int `json:"x"`
	}
	assert.Equal(t,
		identity(t, "T", Input{"p", point{X: 2}}),
		identity(t, "T", Input{"p", map[string]interface{}{"x": 2}}),
	)
}

func TestComputeIdentity_LargeIntegersExact(t *testing.T) {
	assert.NotEqual(t, identity(t, "T", Input{"n", int64(1 << 60)}), identity(t, "T", Input{"n", int64(1<<60 + 1)}))
	assert.NotEqual(t,
		identity(t, "T", Input{"n", uint64(math.MaxUint64)}),
		identity(t, "T", Input{"n", uint64(math.MaxUint64 - 1)}),
	)
	assert.NotEqual(t,
		identity(t, "T", Input{"n", json.Number("9007199254740993")}),
		identity(t, "T", Input{"n", json.Number("9007199254740992")}),
	)

	// 同一个整数不论以何种类型出现，标识一致
	want := identity(t, "T", Input{"n", int64(1 << 60)})
	assert.Equal(t, want, identity(t, "T", Input{"n", uint64(1 << 60)}))
	assert.Equal(t, want, identity(t, "T", Input{"n", float64(1 << 60)}))
	assert.Equal(t, want, identity(t, "T", Input{"n", json.Number("1152921504606846976")}))
	assert.Equal(t,
		identity(t, "T", Input{"n", int64(9007199254740993)}),
		identity(t, "T", Input{"n", json.Number("9007199254740993")}),
	)

	type counter struct {
		N int64 `json:"n"`
	}
	assert.NotEqual(t,
		identity(t, "T", Input{"c", counter{N: 1<<60 + 1}}),
		identity(t, "T", Input{"c", counter{N: 1 << 60}}),
	)
}

func TestComputeIdentity_FilesHashedByContent(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.csv", "1,2,3\n")
	b := writeFile(t, dir, "moved.csv", "1,2,3\n")
	c := writeFile(t, dir, "c.csv", "4,5,6\n")

	assert.Equal(t, identity(t, "Extract", Input{"file", a}), identity(t, "Extract", Input{"file", b}))
	assert.Equal(t, identity(t, "Extract", Input{"file", task.File(a)}), identity(t, "Extract", Input{"file", b}))
	assert.NotEqual(t, identity(t, "Extract", Input{"file", a}), identity(t, "Extract", Input{"file", c}))
	assert.Equal(t,
		identity(t, "Collect", Input{"files", []string{a, c}}),
		identity(t, "Collect", Input{"files", []string{b, c}}),
	)

	// 同一路径内容变化后标识随之变化
	h := NewHasher()
	before, err := h.ComputeIdentity("Extract", []Input{{"file", a}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(a, []byte("changed and longer\n"), 0o644))
	after, err := h.ComputeIdentity("Extract", []Input{{"file", a}})
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestComputeIdentity_MissingFileMarker(t *testing.T) {
	_, err := NewHasher().ComputeIdentity("T", []Input{{"f", task.File(filepath.Join(t.TempDir(), "missing"))}})
	assert.Error(t, err)

	// 普通字符串不指向文件时按字符串哈希
	_, err = NewHasher().ComputeIdentity("T", []Input{{"f", "not/a/file"}})
	assert.NoError(t, err)
}

func TestComputeIdentity_Unsupported(t *testing.T) {
	_, err := NewHasher().ComputeIdentity("T", []Input{{"ch", make(chan int)}})
	assert.Error(t, err)
}

func TestOrderedInputs(t *testing.T) {
	tk := &task.Task{Name: "T", Inputs: []task.InputSpec{{Name: "b"}, {Name: "a"}}}
	in := OrderedInputs(tk, task.Values{"a": 1, "b": 2})
	assert.Equal(t, []Input{{"b", 2}, {"a", 1}}, in)
}
