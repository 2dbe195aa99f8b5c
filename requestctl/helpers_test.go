package requestctl

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manual clock. Sleep advances it instantly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.Advance(d)
	return nil
}

// MockBackend is a PerformFunc with call recording.
type MockBackend struct {
	mu      sync.Mutex
	now     func() time.Time
	calls   []Request
	times   []time.Time
	ctxErrs []error
	respond func(n int, req Request) (any, error)
	blockOn map[int]chan struct{} // call number -> release channel
	started chan int
}

func newMockBackend(now func() time.Time) *MockBackend {
	if now == nil {
		now = time.Now
	}
	return &MockBackend{
		now:     now,
		blockOn: make(map[int]chan struct{}),
		started: make(chan int, 64),
	}
}

// Block makes call number n (1-based) wait until the returned channel is closed.
func (m *MockBackend) Block(n int) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.blockOn[n] = ch
	return ch
}

func (m *MockBackend) Perform(ctx context.Context, req Request) (any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.times = append(m.times, m.now())
	n := len(m.calls)
	release := m.blockOn[n]
	respond := m.respond
	m.mu.Unlock()

	select {
	case m.started <- n:
	default:
	}

	if release != nil {
		<-release
	}

	m.mu.Lock()
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	m.mu.Unlock()

	if respond != nil {
		return respond(n, req)
	}
	return []any{map[string]any{"target": req.Target, "call": float64(n)}}, nil
}

func (m *MockBackend) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *MockBackend) CallTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Time, len(m.times))
	copy(out, m.times)
	return out
}

func (m *MockBackend) CtxErrs() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]error, len(m.ctxErrs))
	copy(out, m.ctxErrs)
	return out
}

// waitStarted waits until call n has entered Perform.
func (m *MockBackend) waitStarted(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-m.started:
			if got >= n {
				return
			}
		case <-timeout:
			t.Fatalf("call %d never started", n)
		}
	}
}

// recordingObserver counts events by kind.
type recordingObserver struct {
	mu     sync.Mutex
	counts map[EventKind]int
	events []Event
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{counts: make(map[EventKind]int)}
}

func (r *recordingObserver) Observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[ev.Kind]++
	r.events = append(r.events, ev)
}

func (r *recordingObserver) Count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[kind]
}

func newTestController(t *testing.T, cfg Config, backend *MockBackend, opts ...Option) *Controller {
	t.Helper()
	ctrl, err := New(cfg, backend.Perform, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return ctrl
}

func get(target string) Request {
	return Request{Method: "GET", Target: target}
}
