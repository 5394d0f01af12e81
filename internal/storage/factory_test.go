package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDatabaseFactory_SQLite(t *testing.T) {
	f, err := NewDatabaseFactory("sqlite", filepath.Join(t.TempDir(), "engine.db"), PoolOptions{MaxOpenConns: 4})
	require.NoError(t, err)
	defer f.Close()

	n, err := f.CacheRepository().CountCacheEntries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	runs, err := f.RunRepository().ListRuns(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestNewDatabaseFactory_Unsupported(t *testing.T) {
	_, err := NewDatabaseFactory("oracle", "", PoolOptions{})
	assert.Error(t, err)
}
