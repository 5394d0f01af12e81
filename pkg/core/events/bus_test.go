package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, EventTaskSucceeded, EventRunFinished)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, NewEvent(EventTaskSucceeded, "r1", "Extract", "Extract[0]", InstancePayload{State: "Succeeded"})))
	require.NoError(t, bus.Publish(ctx, NewEvent(EventTaskStarted, "r1", "Extract", "Extract[1]", nil)))
	require.NoError(t, bus.Publish(ctx, NewEvent(EventRunFinished, "r1", "", "", RunPayload{Status: "AllSucceeded"}).WithMetadata("k", "v")))

	got := make(map[EventType]*Event)
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case e := <-ch:
			got[e.Type] = e
		case <-timeout:
			t.Fatalf("只收到 %d 个事件", len(got))
		}
	}
	assert.Equal(t, "Extract[0]", got[EventTaskSucceeded].InstanceID)
	assert.Equal(t, "v", got[EventRunFinished].Metadata["k"])
	assert.NotContains(t, got, EventTaskStarted)
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus(nil)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.NoError(t, bus.Publish(context.Background(), NewEvent(EventRunStarted, "r1", "", "", nil)))
}
