package requestctl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func limiterConfig() Config {
	cfg := DefaultConfig()
	cfg.WindowSize = 1000 * time.Millisecond
	cfg.MaxPerWindow = 3
	cfg.MinSpacing = 100 * time.Millisecond
	return cfg
}

func TestLimiter_WindowAndSpacingSchedule(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(limiterConfig(), nil, clock, nil)
	start := clock.Now()

	want := []time.Duration{0, 100, 200, 1000, 1100, 1200, 2000, 2100}
	for i, ms := range want {
		if _, err := l.Wait(context.Background(), "/jobs"); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		got := clock.Now().Sub(start).Round(time.Millisecond)
		if got != ms*time.Millisecond {
			t.Errorf("admission %d at +%v, want +%v", i, got, ms*time.Millisecond)
		}
	}
}

func TestLimiter_AdmitReportsDelay(t *testing.T) {
	clock := newFakeClock()
	cfg := limiterConfig()
	cfg.MinSpacing = 0
	l := NewLimiter(cfg, nil, clock, nil)

	for i := 0; i < 3; i++ {
		if d := l.Admit("/equipment"); d != 0 {
			t.Fatalf("admission %d delayed by %v", i, d)
		}
	}

	clock.Advance(400 * time.Millisecond)
	if d := l.Admit("/equipment"); d != 600*time.Millisecond {
		t.Errorf("Admit() over max = %v, want 600ms", d)
	}

	// Windows are per target.
	if d := l.Admit("/jobs"); d != 0 {
		t.Errorf("Admit(/jobs) = %v, want 0", d)
	}

	clock.Advance(600 * time.Millisecond)
	if d := l.Admit("/equipment"); d != 0 {
		t.Errorf("Admit() after window = %v, want 0", d)
	}
	if got := l.Windows()[0]; got.Target != "/equipment" || got.Count != 1 {
		t.Errorf("Windows()[0] = %+v, want /equipment with count 1", got)
	}
}

func TestLimiter_SpacingAppliesAcrossTargets(t *testing.T) {
	clock := newFakeClock()
	cfg := limiterConfig()
	cfg.MaxPerWindow = 0
	l := NewLimiter(cfg, nil, clock, nil)

	if d := l.Admit("/equipment"); d != 0 {
		t.Fatalf("first Admit() = %v", d)
	}
	d := l.Admit("/jobs")
	if d <= 0 || d > 100*time.Millisecond {
		t.Errorf("Admit(/jobs) right after /equipment = %v, want (0, 100ms]", d)
	}

	clock.Advance(100 * time.Millisecond)
	if d := l.Admit("/jobs"); d != 0 {
		t.Errorf("Admit(/jobs) after spacing = %v, want 0", d)
	}
}

func TestLimiter_Backoff(t *testing.T) {
	clock := newFakeClock()
	cfg := limiterConfig()
	cfg.MinSpacing = 0
	l := NewLimiter(cfg, nil, clock, nil)

	until := l.Backoff("/equipment", time.Second)
	if want := clock.Now().Add(DefaultBackoffCooldown); !until.Equal(want) {
		t.Errorf("Backoff() = %v, want at least the cooldown (%v)", until, want)
	}

	if d := l.Admit("/equipment"); d != DefaultBackoffCooldown {
		t.Errorf("Admit() during backoff = %v, want %v", d, DefaultBackoffCooldown)
	}
	if d := l.Admit("/jobs"); d != 0 {
		t.Errorf("Admit(/jobs) during /equipment backoff = %v, want 0", d)
	}

	longer := l.Backoff("/equipment", 9*time.Second)
	if got := longer.Sub(clock.Now()); got != 9*time.Second {
		t.Errorf("Backoff() with hint = %v, want 9s", got)
	}

	waited, err := l.Wait(context.Background(), "/equipment")
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if waited != 9*time.Second {
		t.Errorf("Wait() waited %v, want 9s", waited)
	}
	if w := l.Windows()[0]; w.BackoffUntil.IsZero() {
		t.Error("Windows() should report the backoff deadline")
	}
}

func TestLimiter_WaitCancelled(t *testing.T) {
	clock := newFakeClock()
	cfg := limiterConfig()
	cfg.MaxPerWindow = 1
	l := NewLimiter(cfg, nil, clock, nil)
	l.Admit("/jobs")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Wait(ctx, "/jobs"); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
	if got := l.Windows()[0].Count; got != 1 {
		t.Errorf("cancelled wait must not be counted, count = %d", got)
	}
}

func TestLimiter_WaitAdmitsInArrivalOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 30 * time.Millisecond
	cfg.MaxPerWindow = 1
	cfg.MinSpacing = 0
	l := NewLimiter(cfg, nil, nil, nil)

	const n = 8
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Wait(context.Background(), "/equipment"); err != nil {
				t.Errorf("Wait(%d) error = %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("admission order = %v, want 0..%d", order, n-1)
		}
	}
	if len(order) != n {
		t.Errorf("admitted %d waiters, want %d", len(order), n)
	}
}

// stubStore replays scripted results.
type stubStore struct {
	results []WindowResult
	err     error
	calls   int
}

func (s *stubStore) Admit(ctx context.Context, target string, max int, window time.Duration) (WindowResult, error) {
	s.calls++
	if s.err != nil {
		return WindowResult{}, s.err
	}
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return res, nil
}

func TestLimiter_SharedStore(t *testing.T) {
	clock := newFakeClock()
	cfg := limiterConfig()
	cfg.MinSpacing = 0
	store := &stubStore{results: []WindowResult{
		{Admitted: false, Count: 3, RetryAfter: 300 * time.Millisecond},
		{Admitted: true, Count: 1},
	}}
	l := NewLimiter(cfg, store, clock, nil)

	waited, err := l.Wait(context.Background(), "/jobs")
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if waited != 300*time.Millisecond {
		t.Errorf("Wait() waited %v, want the store's retry hint 300ms", waited)
	}
	if store.calls != 2 {
		t.Errorf("store consulted %d times, want 2", store.calls)
	}
	if got := l.Windows()[0].Count; got != 1 {
		t.Errorf("local count = %d, want the shared count 1", got)
	}
}

func TestLimiter_SharedStoreFailureFallsBackToLocal(t *testing.T) {
	clock := newFakeClock()
	cfg := limiterConfig()
	cfg.MinSpacing = 0
	store := &stubStore{err: errors.New("connection refused")}
	l := NewLimiter(cfg, store, clock, nil)

	for i := 0; i < 3; i++ {
		if _, err := l.Wait(context.Background(), "/jobs"); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if d := l.admit(context.Background(), "/jobs"); d <= 0 {
		t.Errorf("local window should still cap admissions, delay = %v", d)
	}
}
