package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventBus_EmitSyncReachesTypedAndWildcard(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var typed, all atomic.Int32
	bus.Subscribe(EventLinkStatusChanged, "typed", func(ctx context.Context, e Event) error {
		typed.Add(1)
		return nil
	})
	bus.SubscribeAll("all", func(ctx context.Context, e Event) error {
		all.Add(1)
		return nil
	})

	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventLinkStatusChanged}))
	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventStationAssigned}))

	require.Equal(t, int32(1), typed.Load())
	require.Equal(t, int32(2), all.Load())
	require.Equal(t, 1, bus.HandlerCount(EventLinkStatusChanged))
}

func TestEventBus_EmitSyncReturnsHandlerError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	bus.Subscribe(EventShutdown, "fails", func(ctx context.Context, e Event) error { return boom })
	bus.Subscribe(EventShutdown, "panics", func(ctx context.Context, e Event) error { panic("nope") })

	require.ErrorIs(t, bus.EmitSync(context.Background(), Event{Type: EventShutdown}), boom)
}

func TestEventBus_StopDrainsAsyncHandlers(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var seen []EventType
	bus.SubscribeAll("recorder", func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventFieldEstopChanged})
	bus.Stop()
	bus.Stop()

	mu.Lock()
	require.Equal(t, []EventType{EventFieldEstopChanged}, seen)
	mu.Unlock()

	// After stop nothing is delivered.
	bus.Emit(context.Background(), Event{Type: EventFieldEstopChanged})
	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventFieldEstopChanged}))
	select {
	case <-bus.StopCh():
	default:
		t.Fatal("stop channel not closed")
	}
}

func TestLinkStatusJSON(t *testing.T) {
	data, err := LinkDegraded.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"degraded"`, string(data))
	require.Equal(t, "unlinked", LinkStatus(42).String())
	require.Equal(t, "teleop", PhaseTeleop.String())
}

func TestEventBus_DeliversInEmitOrder(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var got []uint16
	bus.Subscribe(EventLinkStatusChanged, "ordered", func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Payload.(LinkStatusPayload).Team)
		return nil
	})

	var want []uint16
	for i := uint16(1); i <= 500; i++ {
		want = append(want, i)
		bus.Emit(context.Background(), Event{Type: EventLinkStatusChanged, Payload: LinkStatusPayload{Team: i}})
	}
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, got)
}

func TestEventBus_EmitSyncWaitsBehindQueued(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []EventType
	bus.SubscribeAll("recorder", func(ctx context.Context, e Event) error {
		if e.Type == EventShutdown {
			<-release
		}
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventShutdown})
	close(release)
	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventFieldEstopChanged}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []EventType{EventShutdown, EventFieldEstopChanged}, seen)
}

func TestEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	bus.Subscribe(EventLinkAlert, "alerts", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventLinkAlert}))
	bus.Unsubscribe(EventLinkAlert, "alerts")
	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventLinkAlert}))

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 0, bus.HandlerCount(EventLinkAlert))
}
