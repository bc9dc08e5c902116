// Package orchestrator drives the full query pipeline: budget claim, cache
// join, guided refinement, parallel lane fan-out, fusion, model routing, and
// streamed synthesis, with exactly one terminal envelope event and exactly
// one telemetry record per request on every path.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fathomhq/fathom/internal/budget"
	"github.com/fathomhq/fathom/internal/cache"
	"github.com/fathomhq/fathom/internal/envelope"
	"github.com/fathomhq/fathom/internal/events"
	"github.com/fathomhq/fathom/internal/fusion"
	"github.com/fathomhq/fathom/internal/lane"
	"github.com/fathomhq/fathom/internal/query"
	"github.com/fathomhq/fathom/internal/refine"
	"github.com/fathomhq/fathom/internal/registry"
	"github.com/fathomhq/fathom/internal/router"
	"github.com/fathomhq/fathom/internal/source"
	"github.com/fathomhq/fathom/internal/synth"
	"github.com/fathomhq/fathom/internal/telemetry"
)

// terminalSendTimeout bounds delivery of the terminal event after the budget
// is gone, so a slow client cannot hold the request goroutine forever.
const terminalSendTimeout = 2 * time.Second

// Config holds the orchestrator knobs.
type Config struct {
	Budgets budget.Table
	// CacheTTL is the per-mode response cache TTL; zero disables caching for
	// the mode.
	CacheTTL map[query.Mode]time.Duration
	// ModelClass is folded into the cache fingerprint so that responses
	// synthesized under different model policies never alias.
	ModelClass string
}

// DefaultCacheTTL returns the standard per-mode TTLs. Multimedia answers age
// fastest; research answers are the most expensive to recompute.
func DefaultCacheTTL() map[query.Mode]time.Duration {
	return map[query.Mode]time.Duration{
		query.ModeSimple:     10 * time.Minute,
		query.ModeTechnical:  10 * time.Minute,
		query.ModeResearch:   15 * time.Minute,
		query.ModeMultimedia: 2 * time.Minute,
	}
}

// Deps are the orchestrator's collaborators. Cache and Bus may be nil.
type Deps struct {
	Registry *registry.Registry
	Refiner  *refine.Refiner
	Fuser    *fusion.Fuser
	Router   *router.Router
	Synth    *synth.Synthesizer
	Cache    *cache.Cache
	Sink     telemetry.Sink
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Orchestrator is safe for concurrent use; all per-request state lives on the
// stack of Handle.
type Orchestrator struct {
	cfg Config
	d   Deps
}

// New creates an Orchestrator, filling zero-valued config with defaults.
func New(cfg Config, d Deps) *Orchestrator {
	if cfg.Budgets == nil {
		cfg.Budgets = budget.DefaultTable()
	}
	if cfg.CacheTTL == nil {
		cfg.CacheTTL = DefaultCacheTTL()
	}
	if cfg.ModelClass == "" {
		cfg.ModelClass = "standard"
	}
	if d.Sink == nil {
		d.Sink = telemetry.NopSink{}
	}
	return &Orchestrator{cfg: cfg, d: d}
}

// Handle runs one query to its terminal envelope event. It returns after the
// terminal event is enqueued; the caller owns stream lifecycle and Close.
func (o *Orchestrator) Handle(ctx context.Context, q query.Query, stream *envelope.Stream) {
	start := time.Now()
	bud := budget.New(o.cfg.Budgets, q.Mode)

	rec := telemetry.Record{
		Timestamp:     start.UTC(),
		QueryID:       q.ID,
		TraceID:       q.TraceID,
		Mode:          string(q.Mode),
		TotalBudgetMs: int64(bud.Profile().TotalMs),
	}
	defer func() {
		rec.TotalMs = time.Since(start).Milliseconds()
		o.d.Sink.Emit(rec)
	}()

	o.publish(events.Event{
		Type: events.EventQueryAccepted, QueryID: q.ID, TraceID: q.TraceID, Mode: string(q.Mode),
	})

	var lead *cache.Leadership
	if o.d.Cache != nil {
		fp := cache.Fingerprint(q.Normalized, q.Mode, o.cfg.ModelClass, q.Constraints)
		j := o.d.Cache.Join(ctx, fp)
		switch {
		case j.Cached != nil:
			rec.Cache.Hit = true
			n := o.replay(ctx, j.Cached, stream)
			rec.Model.FinalModel = "" // synthesis did not run
			o.publish(events.Event{Type: events.EventQueryCompleted, QueryID: q.ID, Mode: string(q.Mode), SourceCount: n})
			return
		case j.Follow != nil:
			rec.Cache.Coalesced = true
			o.relay(ctx, j.Follow, stream)
			o.publish(events.Event{Type: events.EventQueryCompleted, QueryID: q.ID, Mode: string(q.Mode)})
			return
		default:
			lead = j.Leader
		}
	}

	em := &emitter{stream: stream, lead: lead}
	o.run(ctx, q, bud, em, &rec)

	if lead != nil {
		lead.Finish(context.Background(), em.recorded(), o.cfg.CacheTTL[q.Mode], em.cacheable())
	}
}

// run executes the pipeline for a leader (or uncached) request.
func (o *Orchestrator) run(ctx context.Context, q query.Query, bud *budget.Budget, em *emitter, rec *telemetry.Record) {
	if bud.Expired() {
		o.finishDone(em, q, rec, envelope.Done{Truncated: true})
		return
	}

	globalCtx, cancel := context.WithDeadline(ctx, bud.Deadline())
	defer cancel()
	// Envelope sends outlive phase deadlines slightly so soft-cancelled
	// tokens and terminal lane updates still reach the client.
	streamCtx, streamCancel := context.WithDeadline(ctx, bud.Deadline().Add(time.Second))
	defer streamCancel()

	// Refinement pre-flight. Failure or exhaustion falls through with the
	// original query.
	workQ := q
	refStart := time.Now()
	if o.d.Refiner != nil {
		if refCtx, rcancel, err := bud.PhaseContext(globalCtx, budget.PhaseRefinement); err == nil {
			workQ = o.d.Refiner.Refine(refCtx, q).Query
			rcancel()
		}
	}
	rec.Phases.RefinementMs = time.Since(refStart).Milliseconds()

	// Lane fan-out.
	retrStart := time.Now()
	byLane := make(map[string][]source.Record)
	if retrCtx, rcancel, err := bud.PhaseContext(globalCtx, budget.PhaseRetrieval); err == nil {
		results := o.fanOut(retrCtx, streamCtx, workQ, bud, em)
		rcancel()
		for _, r := range results {
			rec.Lanes = append(rec.Lanes, laneRecord(r, bud))
			if len(r.Sources) > 0 {
				byLane[r.LaneID] = r.Sources
			}
		}
	}
	rec.Phases.RetrievalMs = time.Since(retrStart).Milliseconds()

	fused := o.d.Fuser.Fuse(q.Mode, byLane)

	// The bibliography is committed before any token may flow.
	sf := envelope.Event{
		Kind:             envelope.KindSourcesFinalized,
		SourcesFinalized: &envelope.SourcesFinalized{Citable: fused.Citable, Tail: fused.Tail},
	}
	if err := em.send(streamCtx, sf); err != nil {
		o.finishDone(em, q, rec, envelope.Done{Truncated: true, SourceCount: len(fused.Citable)})
		return
	}
	for _, d := range fused.Disagreements {
		em.trySend(envelope.Event{
			Kind:         envelope.KindDisagreement,
			Disagreement: d.SourceA + " vs " + d.SourceB + ": " + d.Reason,
		})
	}

	// Model routing. An empty fused context needs no model: the synthesizer
	// produces the fixed no-evidence answer without one.
	var chain []router.Model
	if !fused.Empty() {
		req := synth.BuildRequest(workQ, fused, 0)
		est := router.EstimateTokens(req.System + req.User)
		var err error
		chain, err = o.d.Router.Chain(q.Mode, est, q.Constraints.CostCeiling)
		if err != nil {
			o.finishError(em, q, rec, "no_model_available", err.Error())
			return
		}
	}

	// Synthesis.
	synStart := time.Now()
	synCtx, scancel, err := bud.PhaseContext(globalCtx, budget.PhaseSynthesis)
	if err != nil {
		o.finishDone(em, q, rec, envelope.Done{Truncated: true, SourceCount: len(fused.Citable)})
		return
	}
	defer scancel()

	sink := func(text string, markers []int) error {
		tok := envelope.Token{Text: text}
		for _, m := range markers {
			tok.Citations = append(tok.Citations, envelope.Citation{
				MarkerIndex: m,
				SourceID:    fused.Citable[m-1].SourceID,
			})
		}
		return em.send(streamCtx, envelope.Event{Kind: envelope.KindToken, Token: &tok})
	}

	synthRes, err := o.d.Synth.Run(synCtx, workQ, fused, chain, sink)
	rec.Phases.SynthesisMs = time.Since(synStart).Milliseconds()
	rec.Model = telemetry.ModelRecord{
		ChainTraversed: synthRes.ChainTraversed,
		FinalModel:     synthRes.ModelID,
		FirstTokenMs:   synthRes.FirstTokenMs,
		Truncated:      synthRes.Truncated,
	}
	if err != nil {
		o.finishError(em, q, rec, "no_model_available", err.Error())
		return
	}

	o.finishDone(em, q, rec, envelope.Done{
		Truncated:    synthRes.Truncated,
		FirstTokenMs: synthRes.FirstTokenMs,
		SourceCount:  len(fused.Citable),
	})
}

// fanOut runs the selected lanes concurrently and returns their terminal
// results. Lane failures never propagate; every lane yields a result.
func (o *Orchestrator) fanOut(ctx, streamCtx context.Context, q query.Query, bud *budget.Budget, em *emitter) []lane.Result {
	exec := lane.New(o.d.Registry, o.d.Logger,
		lane.WithUpdateFunc(func(u lane.Update) {
			ev := envelope.Event{Kind: envelope.KindLaneUpdate, LaneUpdate: &envelope.LaneUpdate{
				LaneID:       u.LaneID,
				ProviderUsed: u.Provider,
				Status:       u.Status,
				SourceCount:  u.SourceCount,
				ElapsedMs:    u.ElapsedMs,
				BudgetMs:     u.BudgetMs,
				Error:        u.Err,
			}}
			if u.Status == lane.StatusRunning {
				em.trySend(ev)
				return
			}
			// Terminal lane updates must land before sources_finalized.
			_ = em.send(streamCtx, ev)
		}),
		lane.WithFallbackFunc(func(f lane.Fallback) {
			em.trySend(envelope.Event{Kind: envelope.KindFallbackNotice, FallbackNotice: &envelope.FallbackNotice{
				LaneID:       f.LaneID,
				FromProvider: f.From,
				ToProvider:   f.To,
				Reason:       f.Reason,
			}})
			o.publish(events.Event{
				Type: events.EventLaneFallback, QueryID: q.ID, LaneID: f.LaneID,
				FromProvider: f.From, ToProvider: f.To, Reason: f.Reason,
			})
		}),
	)

	lanes := selectLanes(q)
	results := make([]lane.Result, len(lanes))
	g, gctx := errgroup.WithContext(ctx)
	for i, laneID := range lanes {
		i, laneID := i, laneID
		g.Go(func() error {
			results[i] = exec.Run(gctx, q, bud, laneID)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// selectLanes honors the sources constraint; absent one, all lanes run.
func selectLanes(q query.Query) []string {
	if len(q.Constraints.Sources) > 0 {
		return q.Constraints.Sources
	}
	return registry.Lanes()
}

func laneRecord(r lane.Result, bud *budget.Budget) telemetry.LaneRecord {
	keyless := false
	for _, s := range r.Sources {
		if s.KeyedFallback {
			keyless = true
			break
		}
	}
	return telemetry.LaneRecord{
		LaneID:         r.LaneID,
		ChainTraversed: r.ChainTraversed,
		KeyedFallback:  keyless,
		Status:         string(r.Status),
		ElapsedMs:      r.ElapsedMs,
		BudgetMs:       int64(bud.Profile().PerLaneMs),
		SourceCount:    len(r.Sources),
	}
}

func (o *Orchestrator) finishDone(em *emitter, q query.Query, rec *telemetry.Record, d envelope.Done) {
	d.TotalMs = time.Since(rec.Timestamp).Milliseconds()
	ctx, cancel := context.WithTimeout(context.Background(), terminalSendTimeout)
	defer cancel()
	_ = em.send(ctx, envelope.Event{Kind: envelope.KindDone, Done: &d})
	rec.Model.Truncated = rec.Model.Truncated || d.Truncated
	o.publish(events.Event{
		Type: events.EventQueryCompleted, QueryID: q.ID, TraceID: q.TraceID,
		Mode: string(q.Mode), ModelID: rec.Model.FinalModel,
		TotalMs: float64(d.TotalMs), SourceCount: d.SourceCount,
	})
}

func (o *Orchestrator) finishError(em *emitter, q query.Query, rec *telemetry.Record, kind, msg string) {
	rec.ErrorKind = kind
	ctx, cancel := context.WithTimeout(context.Background(), terminalSendTimeout)
	defer cancel()
	_ = em.send(ctx, envelope.Event{Kind: envelope.KindError, Error: &envelope.Error{Kind: kind, Message: msg}})
	o.publish(events.Event{
		Type: events.EventQueryFailed, QueryID: q.ID, TraceID: q.TraceID,
		Mode: string(q.Mode), Reason: kind,
	})
}

// replay streams a stored envelope to the client with fresh seq, timestamps,
// and trace ID; done events are flagged from_cache. Returns the source count
// for the completion event.
func (o *Orchestrator) replay(ctx context.Context, stored []envelope.Event, stream *envelope.Stream) int {
	sources := 0
	for _, e := range stored {
		if e.SourcesFinalized != nil {
			sources = len(e.SourcesFinalized.Citable)
		}
		if e.Done != nil {
			d := *e.Done
			d.FromCache = true
			e.Done = &d
		}
		if err := stream.Send(ctx, e); err != nil {
			break
		}
	}
	return sources
}

// relay streams a coalescing leader's envelope live. If the subscription
// ends without a terminal event (leader vanished or this follower lagged),
// the envelope is closed with a truncated done.
func (o *Orchestrator) relay(ctx context.Context, follow <-chan envelope.Event, stream *envelope.Stream) {
	for e := range follow {
		if err := stream.Send(ctx, e); err != nil {
			return
		}
	}
	if !stream.Terminated() {
		tctx, cancel := context.WithTimeout(context.Background(), terminalSendTimeout)
		defer cancel()
		_ = stream.Send(tctx, envelope.Event{Kind: envelope.KindDone, Done: &envelope.Done{Truncated: true}})
	}
}

func (o *Orchestrator) publish(e events.Event) {
	if o.d.Bus != nil {
		o.d.Bus.Publish(e)
	}
}
