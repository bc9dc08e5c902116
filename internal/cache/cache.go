// Package cache stores finished response envelopes keyed by query
// fingerprint and coalesces concurrent identical requests: the first caller
// becomes the leader and synthesizes, later callers follow the leader's
// envelope live. The cache is advisory; every failure degrades to a miss.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fathomhq/fathom/internal/envelope"
	"github.com/fathomhq/fathom/internal/events"
)

// followerCapacity bounds a follower's event buffer. A follower that cannot
// keep up with the leader is dropped rather than stalling the leader.
const followerCapacity = 256

// Backend is a byte store with per-entry TTL. Get returns found=false for
// both misses and expired entries.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

// Stats is a snapshot of cache activity for the admin surface.
type Stats struct {
	Entries   int    `json:"entries"` // -1 when the backend cannot count
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Coalesced uint64 `json:"coalesced"`
	Stores    uint64 `json:"stores"`
}

// Join is the outcome of entering the cache for a fingerprint. Exactly one
// field is set.
type Join struct {
	// Cached holds a stored envelope to replay. The caller re-stamps seq,
	// timestamps, and trace ID, and marks done events from_cache.
	Cached []envelope.Event
	// Follow streams the leader's envelope live, history first. Closed when
	// the leader finishes or the follower falls too far behind.
	Follow <-chan envelope.Event
	// Leader is set when the caller must synthesize. It must call Finish
	// exactly once, on every path.
	Leader *Leadership
}

// flight is one in-progress synthesis that followers attach to.
type flight struct {
	mu        sync.Mutex
	history   []envelope.Event
	followers []chan envelope.Event
	finished  bool
}

// Cache fronts a Backend with coalescing and counters.
type Cache struct {
	backend Backend
	bus     *events.Bus
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*flight

	hits      atomic.Uint64
	misses    atomic.Uint64
	coalesced atomic.Uint64
	stores    atomic.Uint64
}

// New creates a Cache. bus may be nil.
func New(backend Backend, bus *events.Bus, logger *slog.Logger) *Cache {
	return &Cache{
		backend:  backend,
		bus:      bus,
		logger:   logger,
		inflight: make(map[string]*flight),
	}
}

// Join resolves a fingerprint to a cached envelope, a follower subscription
// on an in-flight synthesis, or leadership. Backend errors are logged and
// treated as misses.
func (c *Cache) Join(ctx context.Context, fp string) Join {
	if payload, found := c.lookup(ctx, fp); found {
		c.hits.Add(1)
		c.publish(events.Event{Type: events.EventCacheHit, Fingerprint: fp})
		return Join{Cached: payload}
	}

	c.mu.Lock()
	if fl, ok := c.inflight[fp]; ok {
		ch := fl.attach()
		c.mu.Unlock()
		if ch != nil {
			c.coalesced.Add(1)
			c.publish(events.Event{Type: events.EventCacheCoalesce, Fingerprint: fp})
			return Join{Follow: ch}
		}
		// Attach refused (history overflow); take over as a fresh leader.
		c.mu.Lock()
	}
	fl := &flight{}
	c.inflight[fp] = fl
	c.mu.Unlock()

	c.misses.Add(1)
	return Join{Leader: &Leadership{cache: c, fp: fp, fl: fl}}
}

func (c *Cache) lookup(ctx context.Context, fp string) ([]envelope.Event, bool) {
	payload, found, err := c.backend.Get(ctx, fp)
	if err != nil {
		c.logger.Warn("cache lookup failed", slog.String("error", err.Error()))
		return nil, false
	}
	if !found {
		return nil, false
	}
	var evs []envelope.Event
	if err := json.Unmarshal(payload, &evs); err != nil {
		c.logger.Warn("cache entry corrupt, ignoring", slog.String("fingerprint", fp))
		return nil, false
	}
	return evs, true
}

// Stats returns current counters. Entry count is available only for the
// in-memory backend.
func (c *Cache) Stats() Stats {
	entries := -1
	if m, ok := c.backend.(*MemoryBackend); ok {
		entries = m.Len()
	}
	return Stats{
		Entries:   entries,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Coalesced: c.coalesced.Load(),
		Stores:    c.stores.Load(),
	}
}

func (c *Cache) publish(e events.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

// Leadership is the leader's handle on a coalesced flight.
type Leadership struct {
	cache *Cache
	fp    string
	fl    *flight
	once  sync.Once
}

// Publish relays one envelope event to the followers and records it for
// late joiners.
func (l *Leadership) Publish(e envelope.Event) {
	l.fl.publish(e)
}

// Followers returns how many followers are currently attached.
func (l *Leadership) Followers() int {
	l.fl.mu.Lock()
	defer l.fl.mu.Unlock()
	return len(l.fl.followers)
}

// Finish ends the flight: followers are released, and when cacheable the
// full envelope is stored under the fingerprint with the given TTL. Must be
// called on every leader path, including failures (cacheable=false).
func (l *Leadership) Finish(ctx context.Context, final []envelope.Event, ttl time.Duration, cacheable bool) {
	l.once.Do(func() {
		l.cache.mu.Lock()
		if l.cache.inflight[l.fp] == l.fl {
			delete(l.cache.inflight, l.fp)
		}
		l.cache.mu.Unlock()
		l.fl.finish()

		if !cacheable || len(final) == 0 || ttl <= 0 {
			return
		}
		payload, err := json.Marshal(final)
		if err != nil {
			return
		}
		if err := l.cache.backend.Set(ctx, l.fp, payload, ttl); err != nil {
			l.cache.logger.Warn("cache store failed", slog.String("error", err.Error()))
			return
		}
		l.cache.stores.Add(1)
	})
}

// attach subscribes a follower, replaying history into the buffer first.
// Returns nil when the flight already finished. Caller holds cache.mu, which
// is what keeps attach and finish ordered.
func (fl *flight) attach() chan envelope.Event {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.finished {
		return nil
	}
	ch := make(chan envelope.Event, followerCapacity)
	for _, e := range fl.history {
		select {
		case ch <- e:
		default:
			// History alone overflows the buffer; this request is better
			// served by a fresh synthesis.
			return nil
		}
	}
	fl.followers = append(fl.followers, ch)
	return ch
}

func (fl *flight) publish(e envelope.Event) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.finished {
		return
	}
	fl.history = append(fl.history, e)
	kept := fl.followers[:0]
	for _, ch := range fl.followers {
		select {
		case ch <- e:
			kept = append(kept, ch)
		default:
			// Follower fell behind; cut it loose.
			close(ch)
		}
	}
	fl.followers = kept
}

func (fl *flight) finish() {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.finished = true
	for _, ch := range fl.followers {
		close(ch)
	}
	fl.followers = nil
}
