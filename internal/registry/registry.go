// Package registry maintains the set of configured providers and the ordered
// fallback chain each retrieval lane walks. Chains are declared in
// configuration; the registry filters them at claim time by health state and
// per-provider rate limits.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fathomhq/fathom/internal/health"
	"github.com/fathomhq/fathom/internal/providers"
)

// Lane identifiers. A lane is a retrieval capability, not a provider: each
// lane owns an independent fallback chain.
const (
	LaneWeb      = "web"
	LaneVector   = "vector"
	LaneGraph    = "graph"
	LaneNews     = "news"
	LaneMarkets  = "markets"
	LaneAcademic = "academic"
)

// Lanes lists every known lane in canonical order.
func Lanes() []string {
	return []string{LaneWeb, LaneVector, LaneGraph, LaneNews, LaneMarkets, LaneAcademic}
}

// CostClass buckets a model provider's price point for ceiling filtering.
type CostClass string

const (
	CostFree     CostClass = "free"
	CostLow      CostClass = "low"
	CostStandard CostClass = "standard"
	CostPremium  CostClass = "premium"
)

// Entry is one registered provider: a Searcher serving a lane, or a Completer
// offering models to the router. Exactly one of the two capabilities is set.
type Entry struct {
	ID       string
	Lane     string // lane served; empty for model providers
	Keyed    bool   // requires an API key; keyless entries terminate chains
	Priority int    // chain position, lower first

	Searcher  providers.Searcher
	Completer providers.Completer

	// Model provider attributes, unset for search entries.
	Models    []Model
	CostClass CostClass

	limiter *rate.Limiter
}

// Model describes one model a Completer entry can serve.
type Model struct {
	ID            string    `json:"id"`
	CostClass     CostClass `json:"cost_class"`
	ContextTokens int       `json:"context_tokens"`
	Reasoning     bool      `json:"reasoning"` // stronger synthesis, slower first token
}

// Status is the admin-facing snapshot of one entry.
type Status struct {
	ID        string       `json:"id"`
	Lane      string       `json:"lane,omitempty"`
	Keyed     bool         `json:"keyed"`
	Priority  int          `json:"priority"`
	Kind      string       `json:"kind"` // search|model
	CostClass CostClass    `json:"cost_class,omitempty"`
	Health    health.Stats `json:"health"`
}

// Registry is the concurrency-safe provider table.
type Registry struct {
	tracker *health.Tracker

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates a Registry backed by the given health tracker.
func New(tracker *health.Tracker) *Registry {
	return &Registry{
		tracker: tracker,
		entries: make(map[string]*Entry),
	}
}

// Register adds an entry. The rate limit is requests per second with the
// given burst; rps <= 0 disables limiting for the entry.
func (r *Registry) Register(e Entry, rps float64, burst int) error {
	if e.ID == "" {
		return fmt.Errorf("registry: entry must have an ID")
	}
	if (e.Searcher == nil) == (e.Completer == nil) {
		return fmt.Errorf("registry: entry %s must have exactly one capability", e.ID)
	}
	if e.Searcher != nil && e.Lane == "" {
		return fmt.Errorf("registry: search entry %s must name a lane", e.ID)
	}
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.ID]; exists {
		return fmt.Errorf("registry: duplicate entry %s", e.ID)
	}
	r.entries[e.ID] = &e
	return nil
}

// ChainEntry is one link in a lane's fallback chain. Providers the health
// tracker is not currently offering stay in the chain marked skipped, so the
// lane can report that it started mid-chain instead of hiding the
// degradation.
type ChainEntry struct {
	*Entry
	Skipped bool
	Reason  string // set when skipped
}

// Chain returns the lane's full fallback chain in priority order, with
// claim-time health filtering recorded on each link. A fully-filtered chain
// re-admits the keyless terminal entry (if any) even when cooled down, so
// the lane always has a last resort.
func (r *Registry) Chain(lane string) []ChainEntry {
	r.mu.RLock()
	var all []*Entry
	for _, e := range r.entries {
		if e.Lane == lane {
			all = append(all, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Priority < all[j].Priority })

	chain := make([]ChainEntry, 0, len(all))
	active := 0
	keylessIdx := -1
	for _, e := range all {
		ce := ChainEntry{Entry: e}
		if r.tracker.IsAvailable(e.ID) {
			active++
		} else {
			ce.Skipped = true
			ce.Reason = "unavailable"
		}
		if !e.Keyed && keylessIdx < 0 {
			keylessIdx = len(chain)
		}
		chain = append(chain, ce)
	}
	if active == 0 && keylessIdx >= 0 {
		chain[keylessIdx].Skipped = false
		chain[keylessIdx].Reason = ""
	}
	return chain
}

// Completers returns all model provider entries the health tracker currently
// offers, in priority order.
func (r *Registry) Completers() []*Entry {
	r.mu.RLock()
	var out []*Entry
	for _, e := range r.entries {
		if e.Completer != nil && r.tracker.IsAvailable(e.ID) {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Acquire consumes one rate-limit token for the entry, reporting whether the
// caller may proceed. Entries without a limiter always admit.
func (r *Registry) Acquire(id string) bool {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.limiter == nil {
		return true
	}
	return e.limiter.Allow()
}

// Get returns the entry with the given ID.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Tracker exposes the backing health tracker.
func (r *Registry) Tracker() *health.Tracker { return r.tracker }

// Snapshot returns the admin view of every entry, sorted by ID.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		kind := "search"
		if e.Completer != nil {
			kind = "model"
		}
		out = append(out, Status{
			ID:        e.ID,
			Lane:      e.Lane,
			Keyed:     e.Keyed,
			Priority:  e.Priority,
			Kind:      kind,
			CostClass: e.CostClass,
			Health:    *r.tracker.GetStats(e.ID),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Probeables returns every entry whose adapter exposes a health endpoint,
// for the background prober.
func (r *Registry) Probeables() []health.Probeable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []health.Probeable
	for _, e := range r.entries {
		var adapter any = e.Searcher
		if e.Completer != nil {
			adapter = e.Completer
		}
		if p, ok := adapter.(health.Probeable); ok {
			out = append(out, p)
		}
	}
	return out
}
