// Package lane runs one retrieval lane: it claims a deadline from the
// budget, walks the registry's fallback chain sequentially, and emits
// canonicalized source records plus progress updates. Lanes never fail the
// request; every outcome is a terminal status.
package lane

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fathomhq/fathom/internal/budget"
	"github.com/fathomhq/fathom/internal/providers"
	"github.com/fathomhq/fathom/internal/query"
	"github.com/fathomhq/fathom/internal/registry"
	"github.com/fathomhq/fathom/internal/source"
)

// Status is a lane's terminal state.
type Status string

const (
	StatusOK      Status = "ok"      // chain produced results (zero hits included)
	StatusPartial Status = "partial" // deadline hit with some sources collected
	StatusTimeout Status = "timeout" // deadline hit with nothing collected
	StatusError   Status = "error"   // chain exhausted without success
	StatusSkipped Status = "skipped" // no usable providers or lane not requested
)

// Terminal statuses all parse as such; running is only seen in updates.
const StatusRunning = "running"

// Update is a progress snapshot, relayed by the orchestrator as a
// lane_update event.
type Update struct {
	LaneID      string
	Provider    string
	Status      string
	SourceCount int
	ElapsedMs   int64
	BudgetMs    int64
	Err         string
}

// Fallback reports a chain advance inside a lane.
type Fallback struct {
	LaneID string
	From   string
	To     string
	Reason string
}

// Result is the lane's terminal outcome.
type Result struct {
	LaneID         string
	ProviderUsed   string
	ChainTraversed []string // providers attempted, in order
	Status         Status
	Sources        []source.Record
	ElapsedMs      int64
	Err            string
}

// retryBackoff is the single bounded pause before re-attempting a provider
// after a transient error.
const retryBackoff = 50 * time.Millisecond

// Executor runs lanes against the registry.
type Executor struct {
	reg    *registry.Registry
	logger *slog.Logger

	onUpdate   func(Update)
	onFallback func(Fallback)
}

// Option configures an Executor.
type Option func(*Executor)

// WithUpdateFunc registers the progress callback.
func WithUpdateFunc(fn func(Update)) Option {
	return func(e *Executor) { e.onUpdate = fn }
}

// WithFallbackFunc registers the chain-advance callback.
func WithFallbackFunc(fn func(Fallback)) Option {
	return func(e *Executor) { e.onFallback = fn }
}

// New creates an Executor.
func New(reg *registry.Registry, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{reg: reg, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes one lane to its terminal status. ctx is the retrieval phase
// context; the lane claims its own tighter deadline from the budget.
func (e *Executor) Run(ctx context.Context, q query.Query, bud *budget.Budget, laneID string) Result {
	start := time.Now()
	budgetMs := int64(bud.Profile().PerLaneMs)

	chain := e.reg.Chain(laneID)
	if len(chain) == 0 {
		return e.finish(Result{LaneID: laneID, Status: StatusSkipped, Err: "no providers configured"}, start, budgetMs)
	}
	if !hasActive(chain) {
		return e.finish(Result{LaneID: laneID, Status: StatusSkipped, Err: "no providers available"}, start, budgetMs)
	}

	deadline := bud.LaneDeadline()
	if !deadline.After(time.Now()) {
		return e.finish(Result{LaneID: laneID, Status: StatusTimeout, Err: "no budget remaining"}, start, budgetMs)
	}
	laneCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	e.notify(Update{LaneID: laneID, Status: StatusRunning, BudgetMs: budgetMs})

	var lastErr string
	var traversed []string
	for i, entry := range chain {
		traversed = append(traversed, entry.ID)
		if entry.Skipped {
			lastErr = entry.Reason
			e.advance(laneID, chain, i, entry.Reason)
			continue
		}
		if !e.reg.Acquire(entry.ID) {
			lastErr = "rate limit exhausted"
			e.advance(laneID, chain, i, "rate_limited")
			continue
		}

		hits, err := e.attempt(laneCtx, entry.Entry, q, bud, deadline)
		records := canonicalize(hits, laneID, entry.Entry, e.logger)

		if err == nil {
			e.reg.Tracker().RecordSuccess(entry.ID, float64(time.Since(start).Milliseconds()))
			return e.finish(Result{
				LaneID:         laneID,
				ProviderUsed:   entry.ID,
				ChainTraversed: traversed,
				Status:         StatusOK,
				Sources:        records,
			}, start, budgetMs)
		}

		// Lane deadline reached: keep whatever this provider managed.
		if laneCtx.Err() != nil {
			status := StatusTimeout
			if len(records) > 0 {
				status = StatusPartial
			}
			return e.finish(Result{
				LaneID:         laneID,
				ProviderUsed:   entry.ID,
				ChainTraversed: traversed,
				Status:         status,
				Sources:        records,
				Err:            "lane deadline exceeded",
			}, start, budgetMs)
		}

		classified := entry.Searcher.ClassifyError(err)
		lastErr = classified.Error()
		e.recordFailure(entry.ID, classified)
		e.advance(laneID, chain, i, string(classified.Class))
	}

	return e.finish(Result{LaneID: laneID, ChainTraversed: traversed, Status: StatusError, Err: lastErr}, start, budgetMs)
}

// attempt runs one provider with its per-provider deadline, retrying once on
// a transient error when time allows.
func (e *Executor) attempt(laneCtx context.Context, entry *registry.Entry, q query.Query, bud *budget.Budget, laneDeadline time.Time) ([]providers.Hit, error) {
	provCtx, cancel := context.WithDeadline(laneCtx, bud.ProviderDeadline(laneDeadline))
	defer cancel()

	hits, err := entry.Searcher.Search(provCtx, q.Normalized, q.Constraints)
	if err == nil {
		return hits, nil
	}

	classified := entry.Searcher.ClassifyError(err)
	if classified.Class != providers.ErrTransient || laneCtx.Err() != nil {
		return hits, err
	}

	// Single bounded retry, never past the provider deadline.
	select {
	case <-time.After(retryBackoff):
	case <-provCtx.Done():
		return hits, err
	}
	retryHits, retryErr := entry.Searcher.Search(provCtx, q.Normalized, q.Constraints)
	if retryErr != nil {
		if len(hits) > 0 && len(retryHits) == 0 {
			return hits, retryErr
		}
		return retryHits, retryErr
	}
	return retryHits, nil
}

func (e *Executor) recordFailure(providerID string, ce *providers.ClassifiedError) {
	if ce.Class == providers.ErrRateLimited {
		e.reg.Tracker().RecordRateLimit(providerID, ce.RetryAfter)
		return
	}
	e.reg.Tracker().RecordError(providerID, ce.Error())
}

func (e *Executor) advance(laneID string, chain []registry.ChainEntry, i int, reason string) {
	if e.onFallback == nil || i+1 >= len(chain) {
		return
	}
	e.onFallback(Fallback{
		LaneID: laneID,
		From:   chain[i].ID,
		To:     chain[i+1].ID,
		Reason: reason,
	})
}

func hasActive(chain []registry.ChainEntry) bool {
	for _, ce := range chain {
		if !ce.Skipped {
			return true
		}
	}
	return false
}

func (e *Executor) finish(r Result, start time.Time, budgetMs int64) Result {
	r.ElapsedMs = time.Since(start).Milliseconds()
	e.notify(Update{
		LaneID:      r.LaneID,
		Provider:    r.ProviderUsed,
		Status:      string(r.Status),
		SourceCount: len(r.Sources),
		ElapsedMs:   r.ElapsedMs,
		BudgetMs:    budgetMs,
		Err:         r.Err,
	})
	return r
}

func (e *Executor) notify(u Update) {
	if e.onUpdate != nil {
		e.onUpdate(u)
	}
}

// canonicalize maps provider hits onto source records: canonical URL, stable
// ID, in-lane dedupe keeping the earliest rank, missing scores filled with
// 1/(position+1), malformed hits dropped.
func canonicalize(hits []providers.Hit, laneID string, entry *registry.Entry, logger *slog.Logger) []source.Record {
	seen := make(map[string]bool, len(hits))
	records := make([]source.Record, 0, len(hits))
	for pos, h := range hits {
		canonical := source.Canonicalize(h.URL)
		id := source.ID(canonical)
		if seen[id] {
			continue
		}

		score := h.RawScore
		if score == 0 {
			score = 1.0 / float64(pos+1)
		}

		rec := source.Record{
			SourceID:      id,
			Lanes:         []string{laneID},
			ProviderID:    entry.ID,
			KeyedFallback: !entry.Keyed,
			Title:         h.Title,
			URL:           canonical,
			Domain:        source.Domain(canonical),
			Excerpt:       h.Excerpt,
			RawScore:      score,
			Timestamp:     h.Timestamp,
			Language:      h.Language,
		}
		if !rec.Valid() {
			logger.Warn("dropping malformed hit",
				slog.String("lane", laneID),
				slog.String("provider", entry.ID),
				slog.String("url", h.URL),
			)
			continue
		}
		seen[id] = true
		records = append(records, rec)
	}
	return records
}

// IsDeadline reports whether an error is a context deadline, for callers
// distinguishing timeout from failure.
func IsDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
