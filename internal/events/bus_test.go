package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesTypedAndWildcardHandlers(t *testing.T) {
	bus := NewBus()
	got := make(chan string, 4)

	bus.Subscribe(EventSessionConnected, "typed", func(ctx context.Context, e Event) error {
		got <- "typed"
		return nil
	})
	bus.Subscribe(Any, "all", func(ctx context.Context, e Event) error {
		got <- "all:" + string(e.Type)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventSessionConnected, Payload: SessionPayload{SessionID: 1}})
	bus.Emit(context.Background(), Event{Type: EventSessionFault})

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case s := <-got:
			seen[s] = true
		case <-time.After(time.Second):
			t.Fatal("handler not invoked")
		}
	}
	assert.True(t, seen["typed"])
	assert.True(t, seen["all:session_connected"])
	assert.True(t, seen["all:session_fault"])
	bus.Stop()
}

func TestEmitSyncReturnsFirstErrorAndSurvivesPanic(t *testing.T) {
	bus := NewBus()
	var calls atomic.Int32
	boom := errors.New("boom")

	bus.Subscribe(EventShutdown, "fails", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return boom
	})
	bus.Subscribe(EventShutdown, "panics", func(ctx context.Context, e Event) error {
		calls.Add(1)
		panic("handler bug")
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventShutdown})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStopDropsLaterEvents(t *testing.T) {
	bus := NewBus()
	var calls atomic.Int32
	bus.Subscribe(EventSessionState, "count", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})

	bus.Stop()
	bus.Emit(context.Background(), Event{Type: EventSessionState})
	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventSessionState}))
	assert.Zero(t, calls.Load())
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	noop := func(ctx context.Context, e Event) error { return nil }
	bus.Subscribe(EventAccountLogin, "a", noop)
	bus.Subscribe(EventAccountLogin, "b", noop)
	bus.Unsubscribe(EventAccountLogin, "a")
	assert.Equal(t, 1, bus.HandlerCount(EventAccountLogin))
}
