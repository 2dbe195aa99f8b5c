// Package pubsub provides topic names and event type definitions shared by
// the request-control services.
//
// Topic Naming Convention:
//   - request-invalidate: drop cached responses on every proxy instance
//
// Design Notes:
//   - Topics are defined as constants to avoid typos and enable compile-time checks
//   - Version field in events enables schema evolution without breaking consumers
//   - No direct Encore dependencies to keep pkg/ reusable across services
package pubsub

// Topic name constants for Encore Pub/Sub integration.
const (
	// TopicRequestInvalidate is published when cached responses must be dropped.
	// Event type: InvalidationEvent
	// Publishers: invalidation service
	// Subscribers: all proxy instances
	TopicRequestInvalidate = "request-invalidate"
)
