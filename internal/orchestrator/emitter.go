package orchestrator

import (
	"context"
	"sync"

	"github.com/fathomhq/fathom/internal/cache"
	"github.com/fathomhq/fathom/internal/envelope"
)

// emitter fans each envelope event out to the client stream, the coalescing
// followers, and the recording used for the cache write. Events are recorded
// unstamped; replay re-stamps seq and timestamps.
type emitter struct {
	stream *envelope.Stream
	lead   *cache.Leadership

	mu       sync.Mutex
	events   []envelope.Event
	terminal *envelope.Event
}

func (em *emitter) send(ctx context.Context, e envelope.Event) error {
	em.record(e)
	return em.stream.Send(ctx, e)
}

// trySend is for advisory events that may be dropped under client
// backpressure; followers and the cache still receive them.
func (em *emitter) trySend(e envelope.Event) {
	em.record(e)
	em.stream.TrySend(e)
}

func (em *emitter) record(e envelope.Event) {
	em.mu.Lock()
	if em.terminal == nil {
		em.events = append(em.events, e)
		if e.Terminal() {
			cp := e
			em.terminal = &cp
		}
	}
	em.mu.Unlock()
	if em.lead != nil {
		em.lead.Publish(e)
	}
}

// recorded returns the full envelope as emitted, for the cache write.
func (em *emitter) recorded() []envelope.Event {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.events
}

// cacheable reports whether the envelope is worth storing: it must have
// completed (done, not error) and must not be a truncated answer.
func (em *emitter) cacheable() bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.terminal == nil || em.terminal.Kind != envelope.KindDone {
		return false
	}
	return em.terminal.Done != nil && !em.terminal.Done.Truncated
}
