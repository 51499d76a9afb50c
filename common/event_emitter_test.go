package common

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yie1d/pydoll-sub000/log"
)

func newTestEmitter(t *testing.T) *BaseEventEmitter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e := NewBaseEventEmitter(ctx, log.NewNullLogger())
	return &e
}

func TestEventEmitterOn(t *testing.T) {
	t.Parallel()

	e := newTestEmitter(t)
	got := make(chan Event, 3)
	e.On("Target.targetCreated", func(ev Event) { got <- ev })

	e.emit("Target.targetCreated", 1)
	e.emit("Target.targetCreated", 2)
	e.emit("Target.targetDestroyed", 3) // different event, must not arrive

	// Events reach one subscription in the order they were emitted.
	for _, want := range []int{1, 2} {
		select {
		case ev := <-got:
			require.Equal(t, "Target.targetCreated", ev.Name())
			require.Equal(t, want, ev.Data())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected event %q", ev.Name())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventEmitterOnce(t *testing.T) {
	t.Parallel()

	e := newTestEmitter(t)
	var calls atomic.Int64
	e.Once("close", func(Event) { calls.Add(1) })

	e.emit("close", nil)
	e.emit("close", nil)

	require.Eventually(t, func() bool { return calls.Load() == 1 },
		time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
}

// A subscription stuck in its callback must not hold up other
// subscriptions to the same event.
func TestEventEmitterSlowSubscriptionDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	e := newTestEmitter(t)
	release := make(chan struct{})
	fast := make(chan struct{}, 1)

	e.On("close", func(Event) { <-release })
	e.On("close", func(Event) { fast <- struct{}{} })
	defer close(release)

	e.emit("close", nil)

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("second subscription starved by the first")
	}
}

func TestEventEmitterOff(t *testing.T) {
	t.Parallel()

	e := newTestEmitter(t)
	var calls atomic.Int64
	handle := e.On("close", func(Event) { calls.Add(1) })

	e.Off(handle)
	e.emit("close", nil)

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, calls.Load())

	// Stale and unknown handles are no-ops.
	e.Off(handle)
	e.Off(EventHandle(1234))
}

func TestEventEmitterOnAll(t *testing.T) {
	t.Parallel()

	e := newTestEmitter(t)
	got := make(chan string, 2)
	e.OnAll(func(ev Event) { got <- ev.Name() })

	e.emit("Target.targetCreated", nil)
	e.emit("Inspector.targetCrashed", nil)

	for _, want := range []string{"Target.targetCreated", "Inspector.targetCrashed"} {
		select {
		case name := <-got:
			require.Equal(t, want, name)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

// A panicking callback is contained: its own subscription keeps running
// and sibling subscriptions are untouched.
func TestEventEmitterPanicIsolated(t *testing.T) {
	t.Parallel()

	e := newTestEmitter(t)
	var panicked, sibling atomic.Int64
	e.On("close", func(Event) {
		if panicked.Add(1) == 1 {
			panic("boom")
		}
	})
	e.On("close", func(Event) { sibling.Add(1) })

	e.emit("close", nil)
	e.emit("close", nil)

	require.Eventually(t, func() bool {
		return panicked.Load() == 2 && sibling.Load() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestEventEmitterRemoveAllHandlers(t *testing.T) {
	t.Parallel()

	e := newTestEmitter(t)
	var calls atomic.Int64
	e.On("close", func(Event) { calls.Add(1) })
	e.OnAll(func(Event) { calls.Add(1) })

	e.removeAllHandlers()
	e.emit("close", nil)

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, calls.Load())
}
