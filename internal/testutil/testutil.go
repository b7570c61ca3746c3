// Package testutil provides shared test helpers: HTTP assertions, a
// recording phase publisher and polling waits for goroutines under test.
package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/signal.control/internal/signal"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// Eventually polls cond every few milliseconds until it returns true or
// timeout elapses, then fails the test with msg.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v: %s", timeout, msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// RecordingPublisher records every published phase event. Err, when set,
// is returned from Publish and the event is not recorded.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []signal.PhaseEvent
	err    error
	calls  int
}

// Publish implements scheduler.Publisher.
func (p *RecordingPublisher) Publish(_ context.Context, ev signal.PhaseEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

// SetErr makes subsequent publishes fail with err. nil restores success.
func (p *RecordingPublisher) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Events returns a copy of the recorded events.
func (p *RecordingPublisher) Events() []signal.PhaseEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]signal.PhaseEvent(nil), p.events...)
}

// Len returns the number of recorded events.
func (p *RecordingPublisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// Calls returns the number of Publish calls, failed ones included.
func (p *RecordingPublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// WaitForEvents blocks until at least n events are recorded and returns
// them.
func (p *RecordingPublisher) WaitForEvents(t testing.TB, n int) []signal.PhaseEvent {
	t.Helper()
	Eventually(t, 2*time.Second, func() bool { return p.Len() >= n }, "waiting for phase events")
	return p.Events()
}
