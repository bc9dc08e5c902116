// Package events provides the in-process system event bus: provider health
// transitions, lane fallbacks, cache activity, and query lifecycle events.
// Operators tail it over the admin SSE endpoint.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventQueryAccepted     EventType = "query_accepted"
	EventQueryCompleted    EventType = "query_completed"
	EventQueryFailed       EventType = "query_failed"
	EventLaneFallback      EventType = "lane_fallback"
	EventHealthChange      EventType = "health_change"
	EventCacheHit          EventType = "cache_hit"
	EventCacheCoalesce     EventType = "cache_coalesce"
	EventConfigReload      EventType = "config_reload"
	EventTelemetryRecorded EventType = "telemetry_recorded"
)

// Event is a single system event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Query fields (populated for query lifecycle events).
	QueryID     string  `json:"query_id,omitempty"`
	TraceID     string  `json:"trace_id,omitempty"`
	Mode        string  `json:"mode,omitempty"`
	ModelID     string  `json:"model_id,omitempty"`
	TotalMs     float64 `json:"total_ms,omitempty"`
	SourceCount int     `json:"source_count,omitempty"`

	// Lane fields (populated for lane_fallback events).
	LaneID       string `json:"lane_id,omitempty"`
	FromProvider string `json:"from_provider,omitempty"`
	ToProvider   string `json:"to_provider,omitempty"`

	// Health fields (populated for health_change events).
	ProviderID string `json:"provider_id,omitempty"`
	OldState   string `json:"old_state,omitempty"`
	NewState   string `json:"new_state,omitempty"`

	// Cache fields (populated for cache events).
	Fingerprint string `json:"fingerprint,omitempty"`
	Followers   int    `json:"followers,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus for system events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
