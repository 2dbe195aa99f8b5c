package pubsub

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Event versioning strategy:
// - Version 1: Initial schema
// - Future versions: Add fields, never remove (backward compatible)
// - Consumers should check Version and handle appropriately

const (
	// EventVersion1 is the current event schema version
	EventVersion1 = 1
)

// InvalidationEvent asks every proxy instance to drop cached responses.
// This event is published to TopicRequestInvalidate.
//
// Invalidation modes:
//   - Targets: drop every entry whose target is in scope of one of the
//     targets (the target itself, anything below it, and its ancestors)
//   - Keys: drop exact request keys ("GET /equipment")
//   - All: drop everything (bulk imports, schema changes)
//
// Targets and Keys may be combined; All overrides both.
type InvalidationEvent struct {
	// Version of the event schema (for backward compatibility)
	Version int `json:"version"`

	// Service that triggered the invalidation (e.g., "invalidation", "importer")
	Service string `json:"service"`

	// Targets to invalidate by scope (e.g., "/equipment")
	Targets []string `json:"targets,omitempty"`

	// Keys to invalidate (exact request keys)
	Keys []string `json:"keys,omitempty"`

	// All clears every cached response
	All bool `json:"all,omitempty"`

	// TriggeredAt is the time the invalidation was requested
	TriggeredAt time.Time `json:"triggered_at"`

	// Meta contains optional metadata (e.g., reason, user_id)
	Meta map[string]string `json:"meta,omitempty"`

	// RequestID for distributed tracing and correlation
	RequestID string `json:"request_id"`
}

// Validate checks if the InvalidationEvent is well-formed.
func (e *InvalidationEvent) Validate() error {
	if e.Version != EventVersion1 {
		return errors.Newf("unsupported event version: %d", e.Version)
	}

	if e.Service == "" {
		return errors.New("service field is required")
	}

	if !e.All && len(e.Keys) == 0 && len(e.Targets) == 0 {
		return errors.New("at least one of targets, keys or all must be set")
	}

	for _, t := range e.Targets {
		if t == "" {
			return errors.New("targets cannot contain empty values")
		}
	}

	if e.TriggeredAt.IsZero() {
		return errors.New("triggered_at cannot be zero")
	}

	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}

	return nil
}
