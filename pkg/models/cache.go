// Package models provides canonical data models used across the request-control layer.
//
// Design Philosophy:
// - Minimal allocations on hot paths
// - Thread-safe operations using atomic primitives
// - Explicit freshness semantics (the TTL belongs to the cache, not the entry)
package models

import (
	"sync/atomic"
	"time"
)

// Entry is the last successful response stored for a request key.
//
// Thread Safety: Hits uses atomic operations. Other fields are written once
// on creation and must be treated as read-only afterwards; an overwrite
// replaces the whole entry.
type Entry struct {
	// Hot fields (frequently accessed)
	Key   string // Request key ("GET /equipment")
	Value any    // Shared response payload; callers receive copies

	// Target is the scope of the request ("/equipment"), used by invalidation
	Target string

	// StoredAt is the time of the last successful population
	StoredAt time.Time

	// Hits counts cache hits served from this entry (use atomic operations)
	Hits uint64
}

// NewEntry creates an entry stored at now.
func NewEntry(key, target string, value any, now time.Time) *Entry {
	return &Entry{
		Key:      key,
		Value:    value,
		Target:   target,
		StoredAt: now,
	}
}

// IsFresh reports whether the entry may be served: now - StoredAt < ttl.
// A non-positive ttl means nothing is ever fresh.
// Complexity: O(1)
func (e *Entry) IsFresh(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(e.StoredAt) < ttl
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// ExpiresAt returns the instant the entry stops being fresh.
func (e *Entry) ExpiresAt(ttl time.Duration) time.Time {
	return e.StoredAt.Add(ttl)
}

// Touch records a cache hit.
// Thread-safe: Uses atomic operations for Hits.
func (e *Entry) Touch() {
	atomic.AddUint64(&e.Hits, 1)
}

// GetHits returns the current hit count (thread-safe).
func (e *Entry) GetHits() uint64 {
	return atomic.LoadUint64(&e.Hits)
}

// EntryStats describes a cache entry for diagnostics.
type EntryStats struct {
	Key       string        `json:"key"`
	Target    string        `json:"target"`
	Age       time.Duration `json:"age"`
	ExpiresAt time.Time     `json:"expires_at"`
	Fresh     bool          `json:"fresh"`
	Hits      uint64        `json:"hits"`
}

// Stats returns statistics about the entry.
func (e *Entry) Stats(now time.Time, ttl time.Duration) EntryStats {
	return EntryStats{
		Key:       e.Key,
		Target:    e.Target,
		Age:       e.Age(now),
		ExpiresAt: e.ExpiresAt(ttl),
		Fresh:     e.IsFresh(now, ttl),
		Hits:      e.GetHits(),
	}
}
