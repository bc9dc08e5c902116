// Package budget derives hard wall-clock deadlines and per-phase sub-budgets
// from the query mode. Budget exhaustion is the sole authoritative stop
// signal for every downstream operation.
package budget

import (
	"context"
	"errors"
	"time"

	"github.com/fathomhq/fathom/internal/query"
)

// ErrBudgetExceeded is returned when a phase is consulted after its deadline
// has passed.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Phase names the budgeted stages of a request.
type Phase string

const (
	PhaseRefinement Phase = "refinement"
	PhaseRetrieval  Phase = "retrieval"
	PhaseSynthesis  Phase = "synthesis"
)

// Profile is the per-mode budget row: total wall-clock plus phase caps,
// all in milliseconds.
type Profile struct {
	TotalMs       int
	RefinementMs  int
	RetrievalMs   int
	SynthesisMs   int
	PerLaneMs     int
	PerProviderMs int
}

// Table maps query modes to budget profiles. The zero value is unusable;
// use DefaultTable or load overrides from configuration.
type Table map[query.Mode]Profile

// DefaultTable returns the standard mode-to-budget table.
func DefaultTable() Table {
	return Table{
		query.ModeSimple:     {TotalMs: 5000, RefinementMs: 800, RetrievalMs: 1500, SynthesisMs: 2500, PerLaneMs: 1500, PerProviderMs: 800},
		query.ModeTechnical:  {TotalMs: 7000, RefinementMs: 800, RetrievalMs: 2500, SynthesisMs: 3500, PerLaneMs: 2500, PerProviderMs: 800},
		query.ModeResearch:   {TotalMs: 10000, RefinementMs: 800, RetrievalMs: 4000, SynthesisMs: 4500, PerLaneMs: 4000, PerProviderMs: 1000},
		query.ModeMultimedia: {TotalMs: 10000, RefinementMs: 800, RetrievalMs: 4000, SynthesisMs: 4500, PerLaneMs: 4000, PerProviderMs: 1000},
	}
}

// Budget is an immutable per-query deadline ledger. One Budget is created at
// intake; every downstream operation derives its deadline from it.
type Budget struct {
	mode     query.Mode
	profile  Profile
	start    time.Time
	deadline time.Time

	nowFunc func() time.Time
}

// Option configures a Budget at construction.
type Option func(*Budget)

// WithNowFunc overrides the clock. Used by tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(b *Budget) { b.nowFunc = fn }
}

// New creates a Budget for the given mode. Unknown modes fall back to the
// simple profile.
func New(t Table, mode query.Mode, opts ...Option) *Budget {
	p, ok := t[mode]
	if !ok {
		p = t[query.ModeSimple]
	}
	b := &Budget{
		mode:    mode,
		profile: p,
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.start = b.nowFunc()
	b.deadline = b.start.Add(time.Duration(p.TotalMs) * time.Millisecond)
	return b
}

// Mode returns the mode the budget was derived from.
func (b *Budget) Mode() query.Mode { return b.mode }

// Profile returns the budget row in effect.
func (b *Budget) Profile() Profile { return b.profile }

// Deadline returns the hard wall-clock deadline for the whole request.
func (b *Budget) Deadline() time.Time { return b.deadline }

// Elapsed returns wall-clock time since intake.
func (b *Budget) Elapsed() time.Duration { return b.nowFunc().Sub(b.start) }

// Expired reports whether the global deadline has passed.
func (b *Budget) Expired() bool { return !b.nowFunc().Before(b.deadline) }

func (b *Budget) phaseCap(p Phase) time.Duration {
	switch p {
	case PhaseRefinement:
		return time.Duration(b.profile.RefinementMs) * time.Millisecond
	case PhaseRetrieval:
		return time.Duration(b.profile.RetrievalMs) * time.Millisecond
	case PhaseSynthesis:
		return time.Duration(b.profile.SynthesisMs) * time.Millisecond
	}
	return 0
}

// Remaining returns the time available to the given phase: the minimum of
// the phase budget and the wall-clock residual. It fails with
// ErrBudgetExceeded once nothing is left.
func (b *Budget) Remaining(p Phase) (time.Duration, error) {
	residual := b.deadline.Sub(b.nowFunc())
	if residual <= 0 {
		return 0, ErrBudgetExceeded
	}
	cap := b.phaseCap(p)
	if cap <= 0 {
		return 0, ErrBudgetExceeded
	}
	if cap < residual {
		return cap, nil
	}
	return residual, nil
}

// PhaseContext derives a context whose deadline is the phase's Remaining
// window, never exceeding the global deadline.
func (b *Budget) PhaseContext(ctx context.Context, p Phase) (context.Context, context.CancelFunc, error) {
	rem, err := b.Remaining(p)
	if err != nil {
		return nil, nil, err
	}
	cctx, cancel := context.WithDeadline(ctx, b.nowFunc().Add(rem))
	return cctx, cancel, nil
}

// LaneDeadline claims a per-lane deadline: now + per-lane cap, clamped to the
// global deadline minus the synthesis reserve so that retrieval can never
// starve synthesis entirely.
func (b *Budget) LaneDeadline() time.Time {
	now := b.nowFunc()
	d := now.Add(time.Duration(b.profile.PerLaneMs) * time.Millisecond)
	reserve := time.Duration(b.profile.SynthesisMs) * time.Millisecond / 2
	hardCap := b.deadline.Add(-reserve)
	if d.After(hardCap) {
		d = hardCap
	}
	if d.Before(now) {
		d = now
	}
	return d
}

// ProviderDeadline claims a per-provider deadline within a lane: now + the
// per-provider cap, clamped to the lane deadline.
func (b *Budget) ProviderDeadline(laneDeadline time.Time) time.Time {
	d := b.nowFunc().Add(time.Duration(b.profile.PerProviderMs) * time.Millisecond)
	if d.After(laneDeadline) {
		return laneDeadline
	}
	return d
}
