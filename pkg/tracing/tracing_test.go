package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTracing_Disabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), Config{Enabled: false}, nil)
	require.NoError(t, err)
	assert.NoError(t, Shutdown(shutdown, nil))
}

func TestSetupTracing_Enabled(t *testing.T) {
	// exporter 延迟连接，不需要真实的collector
	shutdown, err := SetupTracing(context.Background(), Config{
		Enabled:     true,
		ServiceName: "pipeline-engine-test",
		Endpoint:    "127.0.0.1:4318",
		Insecure:    true,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	_ = Shutdown(shutdown, nil)
}
