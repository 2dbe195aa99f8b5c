package models

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Counters holds raw request-control event counts.
type Counters struct {
	Issued        uint64 `json:"issued"`        // Logical requests passed to Issue
	CacheHits     uint64 `json:"cache_hits"`    // Reads served from a fresh entry
	CacheMisses   uint64 `json:"cache_misses"`  // Reads that needed a physical call
	Coalesced     uint64 `json:"coalesced"`     // Reads that joined an in-flight call
	Calls         uint64 `json:"calls"`         // Physical network calls performed
	CallFailures  uint64 `json:"call_failures"` // Physical calls that failed
	Overloads     uint64 `json:"overloads"`     // Server-reported overload signals
	Delays        uint64 `json:"delays"`        // Admissions that had to wait
	Fallbacks     uint64 `json:"fallbacks"`     // Reads short-circuited by the breaker
	Trips         uint64 `json:"trips"`         // Breaker trips
	Invalidations uint64 `json:"invalidations"` // Invalidation operations
}

// MetricSnapshot represents a point-in-time snapshot of request-control metrics.
//
// Design: Uses primitive types for zero-allocation access in hot paths.
// All fields are exported for direct access but should be treated as immutable
// after creation.
type MetricSnapshot struct {
	Timestamp time.Time `json:"timestamp"` // When snapshot was taken

	Counters

	// Latency of physical calls
	Latency LatencySummary `json:"latency"`

	// Derived metrics (calculated fields)
	HitRate   float64 `json:"hit_rate"`   // Cache hits / (hits + misses)
	CallRatio float64 `json:"call_ratio"` // Physical calls / logical requests
}

// LatencySummary provides statistical summary of latency measurements.
//
// Memory: Fixed size struct (no allocations for updates).
// Thread Safety: Caller must synchronize access.
type LatencySummary struct {
	Count uint64        `json:"count"` // Number of samples
	Sum   time.Duration `json:"sum"`   // Sum of all samples
	Min   time.Duration `json:"min"`   // Minimum latency
	Max   time.Duration `json:"max"`   // Maximum latency
	P50   time.Duration `json:"p50"`   // 50th percentile (median)
	P90   time.Duration `json:"p90"`   // 90th percentile
	P95   time.Duration `json:"p95"`   // 95th percentile
	P99   time.Duration `json:"p99"`   // 99th percentile
}

// NewMetricSnapshot creates a new metric snapshot with calculated derived fields.
func NewMetricSnapshot(c Counters, latency LatencySummary) MetricSnapshot {
	hitRate := 0.0
	if lookups := c.CacheHits + c.CacheMisses; lookups > 0 {
		hitRate = float64(c.CacheHits) / float64(lookups)
	}

	callRatio := 0.0
	if c.Issued > 0 {
		callRatio = float64(c.Calls) / float64(c.Issued)
	}

	return MetricSnapshot{
		Timestamp: time.Now(),
		Counters:  c,
		Latency:   latency,
		HitRate:   hitRate,
		CallRatio: callRatio,
	}
}

// Saved returns the number of logical requests that never reached the network.
func (m *MetricSnapshot) Saved() uint64 {
	if m.Calls >= m.Issued {
		return 0
	}
	return m.Issued - m.Calls
}

// CalculateLatencySummary computes accurate latency summary from samples.
// Complexity: O(n log n) due to sorting for percentiles.
//
// Example:
//   samples := []time.Duration{1*time.Millisecond, 5*time.Millisecond, 10*time.Millisecond}
//   summary := CalculateLatencySummary(samples)
func CalculateLatencySummary(samples []time.Duration) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{}
	}

	// Sort samples for percentile calculation
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, sample := range sorted {
		sum += sample
	}

	return LatencySummary{
		Count: uint64(len(sorted)),
		Sum:   sum,
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   percentileDuration(sorted, 0.50),
		P90:   percentileDuration(sorted, 0.90),
		P95:   percentileDuration(sorted, 0.95),
		P99:   percentileDuration(sorted, 0.99),
	}
}

// AvgLatency returns the average latency.
func (ls *LatencySummary) AvgLatency() time.Duration {
	if ls.Count == 0 {
		return 0
	}
	return ls.Sum / time.Duration(ls.Count)
}

// SnapshotToMap flattens a snapshot into metric_name -> value pairs, the
// shape served by the proxy's metrics endpoint.
//
// Usage:
//   metrics := SnapshotToMap(snapshot, "reqctl")
//   // metrics["reqctl_calls_total"] == 12
func SnapshotToMap(snapshot MetricSnapshot, prefix string) map[string]float64 {
	metrics := make(map[string]float64)

	// Counter metrics
	metrics[fmt.Sprintf("%s_issued_total", prefix)] = float64(snapshot.Issued)
	metrics[fmt.Sprintf("%s_cache_hits_total", prefix)] = float64(snapshot.CacheHits)
	metrics[fmt.Sprintf("%s_cache_misses_total", prefix)] = float64(snapshot.CacheMisses)
	metrics[fmt.Sprintf("%s_coalesced_total", prefix)] = float64(snapshot.Coalesced)
	metrics[fmt.Sprintf("%s_calls_total", prefix)] = float64(snapshot.Calls)
	metrics[fmt.Sprintf("%s_call_failures_total", prefix)] = float64(snapshot.CallFailures)
	metrics[fmt.Sprintf("%s_overloads_total", prefix)] = float64(snapshot.Overloads)
	metrics[fmt.Sprintf("%s_delays_total", prefix)] = float64(snapshot.Delays)
	metrics[fmt.Sprintf("%s_fallbacks_total", prefix)] = float64(snapshot.Fallbacks)
	metrics[fmt.Sprintf("%s_trips_total", prefix)] = float64(snapshot.Trips)
	metrics[fmt.Sprintf("%s_invalidations_total", prefix)] = float64(snapshot.Invalidations)
	metrics[fmt.Sprintf("%s_saved_total", prefix)] = float64(snapshot.Saved())

	// Gauge metrics
	metrics[fmt.Sprintf("%s_hit_rate", prefix)] = snapshot.HitRate
	metrics[fmt.Sprintf("%s_call_ratio", prefix)] = snapshot.CallRatio

	// Latency metrics (in milliseconds)
	metrics[fmt.Sprintf("%s_latency_avg_ms", prefix)] = float64(snapshot.Latency.AvgLatency().Milliseconds())
	metrics[fmt.Sprintf("%s_latency_max_ms", prefix)] = float64(snapshot.Latency.Max.Milliseconds())
	metrics[fmt.Sprintf("%s_latency_p50_ms", prefix)] = float64(snapshot.Latency.P50.Milliseconds())
	metrics[fmt.Sprintf("%s_latency_p95_ms", prefix)] = float64(snapshot.Latency.P95.Milliseconds())
	metrics[fmt.Sprintf("%s_latency_p99_ms", prefix)] = float64(snapshot.Latency.P99.Milliseconds())

	return metrics
}

// percentileDuration calculates the p-th percentile from sorted durations.
// Assumes samples is already sorted.
func percentileDuration(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}

	index := p * float64(len(samples)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return samples[lower]
	}

	// Linear interpolation
	weight := index - float64(lower)
	return time.Duration(float64(samples[lower])*(1-weight) + float64(samples[upper])*weight)
}
