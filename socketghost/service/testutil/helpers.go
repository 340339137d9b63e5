package testutil

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// EventRecorder is a Broadcaster that keeps every event for later assertions.
type EventRecorder struct {
	mu     sync.Mutex
	events []any
}

// Broadcast records event.
func (r *EventRecorder) Broadcast(event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events in arrival order.
func (r *EventRecorder) Events() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Reset discards recorded events.
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// EventsOf returns the recorded events whose dynamic type is T.
func EventsOf[T any](r *EventRecorder) []T {
	var out []T
	for _, e := range r.Events() {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// WaitForEvent polls until an event of type T matching match is recorded, failing after timeout.
func WaitForEvent[T any](t *testing.T, r *EventRecorder, timeout time.Duration, match func(T) bool) T {
	t.Helper()

	var found T
	WaitFor(t, timeout, func() bool {
		for _, e := range EventsOf[T](r) {
			if match == nil || match(e) {
				found = e
				return true
			}
		}
		return false
	}, "expected event of type %T", found)
	return found
}

// WaitFor polls cond every 5ms until it returns true, failing the test after timeout.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, timeout, 5*time.Millisecond, msgAndArgs...)
}
