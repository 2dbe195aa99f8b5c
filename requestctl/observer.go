package requestctl

import "time"

// EventKind identifies what happened to a logical request.
type EventKind int

const (
	EventIssued     EventKind = iota // Issue was called
	EventCacheHit                    // served from a fresh entry
	EventCacheMiss                   // needed a physical call
	EventCoalesced                   // joined an in-flight call
	EventCall                        // physical call succeeded; Duration is latency
	EventCallFailed                  // physical call failed; Duration is latency
	EventOverload                    // call reported overload, backoff engaged
	EventDelayed                     // admission waited; Duration is the wait
	EventFallback                    // breaker substituted the fallback
	EventTrip                        // breaker tripped for Target
	EventClear                       // breaker cleared for Target
	EventInvalidate                  // entries invalidated; Count is how many
)

var eventNames = map[EventKind]string{
	EventIssued:     "issued",
	EventCacheHit:   "cache_hit",
	EventCacheMiss:  "cache_miss",
	EventCoalesced:  "coalesced",
	EventCall:       "call",
	EventCallFailed: "call_failed",
	EventOverload:   "overload",
	EventDelayed:    "delayed",
	EventFallback:   "fallback",
	EventTrip:       "trip",
	EventClear:      "clear",
	EventInvalidate: "invalidate",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is delivered to an Observer. Observers are called synchronously on
// the request path and must not block.
type Event struct {
	Kind     EventKind
	Method   string
	Target   string
	Key      string
	Duration time.Duration
	Count    int
	Err      error
}

// Observer receives request-control events. monitoring.Collector is the
// production implementation.
type Observer interface {
	Observe(Event)
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
