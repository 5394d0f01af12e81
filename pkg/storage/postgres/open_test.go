package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionDSN(t *testing.T) {
	dsn, err := SessionDSN("host=db user=app dbname=pipeline sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "host=db user=app dbname=pipeline sslmode=disable timezone=UTC", dsn)

	dsn, err = SessionDSN("postgres://app:secret@db:5432/pipeline?sslmode=disable")
	require.NoError(t, err)
	assert.Contains(t, dsn, "dbname=pipeline")
	assert.Contains(t, dsn, "host=db")
	assert.Contains(t, dsn, "sslmode=disable")
	assert.Contains(t, dsn, "timezone=UTC")
	assert.NotContains(t, dsn, "postgres://")

	// 显式设置的时区不覆盖
	dsn, err = SessionDSN("host=db TimeZone=Asia/Shanghai")
	require.NoError(t, err)
	assert.Equal(t, "host=db TimeZone=Asia/Shanghai", dsn)

	dsn, err = SessionDSN("")
	require.NoError(t, err)
	assert.Equal(t, "timezone=UTC", dsn)

	_, err = SessionDSN("postgres://%zz")
	assert.Error(t, err)
}

func TestConfigureDBIsEmpty(t *testing.T) {
	assert.Empty(t, NewPostgresDialect().ConfigureDB())
}
