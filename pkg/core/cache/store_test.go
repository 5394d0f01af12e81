package cache

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
	"github.com/LENAX/pipeline-engine/pkg/storage/sqlite"
	"github.com/LENAX/pipeline-engine/pkg/storage/sqlstore"
)

func newDurable(t *testing.T, path string) *DurableStore {
	t.Helper()
	db, err := sqlite.Open(path)
	require.NoError(t, err)
	repo, err := sqlstore.New(db, sqlite.NewSQLiteDialect())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	s, err := NewDurableStore(repo)
	require.NoError(t, err)
	return s
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory":  NewMemoryStore(),
		"durable": newDurable(t, filepath.Join(t.TempDir(), "cache.db")),
	}
}

func TestStore_LookupMiss(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Lookup(context.Background(), "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_IdempotentAndConsistency(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ok := Outcome{Outputs: task.Values{"vector": []int{1, 2, 3}}}
			require.NoError(t, s.Store(ctx, "id-1", "Extract", ok))
			// 数值类型不同但值相同，视为相同结果
			require.NoError(t, s.Store(ctx, "id-1", "Extract", Outcome{Outputs: task.Values{"vector": []float64{1, 2, 3}}}))

			err := s.Store(ctx, "id-1", "Extract", Outcome{Outputs: task.Values{"vector": []int{1, 2, 4}}})
			assert.Equal(t, perrors.KindCacheConsistency, perrors.KindOf(err))

			err = s.Store(ctx, "id-1", "Extract", Outcome{ErrorKind: perrors.KindTaskBody, ErrorMessage: "boom"})
			assert.Equal(t, perrors.KindCacheConsistency, perrors.KindOf(err))

			entry, hit, err := s.Lookup(ctx, "id-1")
			require.NoError(t, err)
			require.True(t, hit)
			assert.Equal(t, []interface{}{float64(1), float64(2), float64(3)}, entry.Outcome.Outputs["vector"])
		})
	}
}

func TestStore_FailureOutcome(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fail := Outcome{ErrorKind: perrors.KindTaskBody, ErrorMessage: "bad file"}
			require.NoError(t, s.Store(ctx, "id-f", "Extract", fail))
			// 失败只比较错误类别
			require.NoError(t, s.Store(ctx, "id-f", "Extract", Outcome{ErrorKind: perrors.KindTaskBody, ErrorMessage: "other text"}))

			entry, hit, err := s.Lookup(ctx, "id-f")
			require.NoError(t, err)
			require.True(t, hit)
			assert.False(t, entry.Outcome.Succeeded())
			assert.Equal(t, perrors.KindTaskBody, perrors.KindOf(entry.Outcome.Err("Extract[0]")))
			assert.Equal(t, perrors.KindCacheConsistency, perrors.KindOf(s.Store(ctx, "id-f", "Extract", Outcome{Outputs: task.Values{}})))
		})
	}
}

func TestStore_ConcurrentWritersSameOutcome(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			errs := make(chan error, 16)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- s.Store(ctx, "id-c", "T", Outcome{Outputs: task.Values{"x": "y"}})
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				assert.NoError(t, err)
			}
			lister := s.(Lister)
			n, err := lister.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestDurableStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	first := newDurable(t, path)
	require.NoError(t, first.Store(ctx, "id-r", "Collect", Outcome{Outputs: task.Values{"table": "t.csv"}}))

	second := newDurable(t, path)
	entry, hit, err := second.Lookup(ctx, "id-r")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "t.csv", entry.Outcome.Outputs["table"])
	assert.Equal(t, "Collect", entry.TaskName)

	entries, err := second.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCanonicalize(t *testing.T) {
	out, err := Canonicalize(task.Values{"n": 1, "f": task.File("a.txt")})
	require.NoError(t, err)
	assert.Equal(t, task.Values{"n": float64(1), "f": "a.txt"}, out)

	_, err = Canonicalize(task.Values{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestCanonicalize_LargeIntegersExact(t *testing.T) {
	in := task.Values{
		"n":      int64(9007199254740993),
		"nested": []int64{1<<60 + 1},
		"u":      uint64(math.MaxUint64),
		"small":  7,
	}
	out, err := Canonicalize(in)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), out["n"])
	assert.Equal(t, []interface{}{int64(1<<60 + 1)}, out["nested"])
	assert.Equal(t, uint64(math.MaxUint64), out["u"])
	assert.Equal(t, float64(7), out["small"])

	n, err := out.Int("n")
	require.NoError(t, err)
	assert.Equal(t, 9007199254740993, n)

	// 规范化前后内容标识不变
	assert.Equal(t, identity(t, "T", Input{"v", in["n"]}), identity(t, "T", Input{"v", out["n"]}))
}

func TestDurableStore_LargeIntegersSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	first := newDurable(t, path)
	require.NoError(t, first.Store(ctx, "id-big", "Count", Outcome{Outputs: task.Values{"rows": int64(1<<60 + 1)}}))

	second := newDurable(t, path)
	entry, hit, err := second.Lookup(ctx, "id-big")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, int64(1<<60+1), entry.Outcome.Outputs["rows"])
}
