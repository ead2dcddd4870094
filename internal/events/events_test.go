package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversUntilStopped(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx := context.Background()

	var received []string
	stop, err := bus.SubscribeExecutionSealed(ctx, func(_ context.Context, event ExecutionSealed) error {
		received = append(received, event.ExecutionID)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.PublishExecutionSealed(ctx, ExecutionSealed{ExecutionID: "e1"}))
	stop()
	require.NoError(t, bus.PublishExecutionSealed(ctx, ExecutionSealed{ExecutionID: "e2"}))

	assert.Equal(t, []string{"e1"}, received)
}

func TestMemoryBusSwallowsHandlerErrors(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx := context.Background()
	_, err := bus.SubscribeExecutionSealed(ctx, func(context.Context, ExecutionSealed) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	assert.NoError(t, bus.PublishExecutionSealed(ctx, ExecutionSealed{ExecutionID: "e1"}))
}

func TestEventCodecRoundTrip(t *testing.T) {
	sealed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	data, err := encode(ExecutionSealed{ExecutionID: "e1", ExecutorID: "a1", Outcome: "timeout", LatencyMS: 30000, SealedAt: sealed})
	require.NoError(t, err)
	assert.JSONEq(t, `{"execution_id":"e1","requester_id":"","executor_id":"a1","capability":"","status":"","outcome":"timeout","latency_ms":30000,"sealed_at":"2026-03-14T09:30:00Z"}`, string(data))

	event, err := decode(data)
	require.NoError(t, err)
	assert.Equal(t, "a1", event.ExecutorID)
	assert.True(t, event.SealedAt.Equal(sealed))
}
