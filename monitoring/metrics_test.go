package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rigup.app/requestctl"
)

func TestCollector_Observe(t *testing.T) {
	c := NewCollector(0)

	events := []requestctl.Event{
		{Kind: requestctl.EventIssued},
		{Kind: requestctl.EventIssued},
		{Kind: requestctl.EventIssued},
		{Kind: requestctl.EventCacheMiss},
		{Kind: requestctl.EventCall, Duration: 20 * time.Millisecond},
		{Kind: requestctl.EventCacheHit},
		{Kind: requestctl.EventCoalesced},
		{Kind: requestctl.EventCallFailed, Duration: 40 * time.Millisecond, Err: errors.New("boom")},
		{Kind: requestctl.EventFallback},
		{Kind: requestctl.EventTrip},
		{Kind: requestctl.EventClear},
		{Kind: requestctl.EventInvalidate},
	}
	for _, ev := range events {
		c.Observe(ev)
	}

	counters := c.Counters()
	if counters.Issued != 3 {
		t.Errorf("Expected 3 issued, got %d", counters.Issued)
	}
	if counters.Calls != 2 {
		t.Errorf("Expected 2 calls (failed calls count), got %d", counters.Calls)
	}
	if counters.CallFailures != 1 {
		t.Errorf("Expected 1 call failure, got %d", counters.CallFailures)
	}
	if counters.CacheHits != 1 || counters.CacheMisses != 1 || counters.Coalesced != 1 {
		t.Errorf("Unexpected lookup counters: %+v", counters)
	}
	if counters.Fallbacks != 1 || counters.Trips != 1 || counters.Invalidations != 1 {
		t.Errorf("Unexpected breaker counters: %+v", counters)
	}

	snap := c.Snapshot()
	if snap.Latency.Count != 2 {
		t.Errorf("Expected 2 latency samples, got %d", snap.Latency.Count)
	}
	if snap.Latency.Max != 40*time.Millisecond {
		t.Errorf("Expected max latency 40ms, got %v", snap.Latency.Max)
	}
	if snap.HitRate != 0.5 {
		t.Errorf("Expected hit rate 0.5, got %f", snap.HitRate)
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector(100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Observe(requestctl.Event{Kind: requestctl.EventCall, Duration: time.Millisecond})
			}
		}()
	}
	wg.Wait()

	if got := c.Counters().Calls; got != 1000 {
		t.Errorf("Expected 1000 calls, got %d", got)
	}
	if got := c.latency.Len(); got != 100 {
		t.Errorf("Expected latency buffer capped at 100, got %d", got)
	}
}

func TestCollector_WithController(t *testing.T) {
	c := NewCollector(0)
	perform := func(ctx context.Context, req requestctl.Request) (any, error) {
		return []any{}, nil
	}
	cfg := requestctl.DefaultConfig()
	cfg.MinSpacing = 0

	ctrl, err := requestctl.New(cfg, perform, requestctl.WithObserver(c))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := ctrl.Issue(context.Background(), requestctl.Request{Method: "GET", Target: "/equipment"}); err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
	}

	snap := c.Snapshot()
	if snap.Issued != 5 || snap.Calls != 1 || snap.CacheHits != 4 {
		t.Errorf("Unexpected snapshot: issued=%d calls=%d hits=%d", snap.Issued, snap.Calls, snap.CacheHits)
	}
	if snap.Saved() != 4 {
		t.Errorf("Expected 4 saved calls, got %d", snap.Saved())
	}
}

func TestRingBuffer_Wraps(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 1; i <= 5; i++ {
		rb.Add(time.Duration(i) * time.Millisecond)
	}

	got := rb.GetAll()
	want := []time.Duration{3 * time.Millisecond, 4 * time.Millisecond, 5 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}
