// Package router selects the synthesis model chain: which models are
// acceptable for a query's mode, token footprint, and cost ceiling, ranked
// by a multi-objective score over cost, latency, failure rate, and tier.
package router

import (
	"errors"
	"sort"
	"sync"

	"github.com/fathomhq/fathom/internal/query"
)

// ErrNoModelAvailable is returned only when every acceptable tier is
// exhausted. It is fatal for synthesis, never for retrieval.
var ErrNoModelAvailable = errors.New("no model available")

// Tier buckets models by capability and price.
type Tier string

const (
	TierEconomy  Tier = "economy"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Model is one routable synthesis model.
type Model struct {
	ID               string  `json:"id"`
	ProviderID       string  `json:"provider_id"`
	Tier             Tier    `json:"tier"`
	Technical        bool    `json:"technical"` // tuned for code and technical material
	MaxContextTokens int     `json:"max_context_tokens"`
	InputPer1K       float64 `json:"input_per_1k"`
	OutputPer1K      float64 `json:"output_per_1k"`
	Enabled          bool    `json:"enabled"`
}

// HealthChecker gates models by provider availability.
type HealthChecker interface {
	IsAvailable(providerID string) bool
}

// StatsProvider optionally extends HealthChecker with scoring data.
type StatsProvider interface {
	GetAvgLatencyMs(providerID string) float64
	GetErrorRate(providerID string) float64
}

// modeWeights defines scoring coefficients for a query mode.
// Lower score = better model choice.
type modeWeights struct {
	Cost    float64
	Latency float64
	Failure float64
	Tier    float64
}

var modeWeightProfiles = map[query.Mode]modeWeights{
	query.ModeSimple:     {Cost: 0.5, Latency: 0.35, Failure: 0.1, Tier: 0.05},
	query.ModeTechnical:  {Cost: 0.2, Latency: 0.2, Failure: 0.2, Tier: 0.4},
	query.ModeResearch:   {Cost: 0.1, Latency: 0.1, Failure: 0.2, Tier: 0.6},
	query.ModeMultimedia: {Cost: 0.1, Latency: 0.2, Failure: 0.2, Tier: 0.5},
}

// tierRank orders tiers for scoring and ceiling checks.
var tierRank = map[Tier]float64{TierEconomy: 1, TierStandard: 2, TierPremium: 3}

// modeTiers lists acceptable tiers per mode, preferred first.
var modeTiers = map[query.Mode][]Tier{
	query.ModeSimple:     {TierEconomy, TierStandard},
	query.ModeTechnical:  {TierStandard, TierPremium, TierEconomy},
	query.ModeResearch:   {TierPremium, TierStandard},
	query.ModeMultimedia: {TierPremium, TierStandard},
}

// ceilingMaxTier maps a cost ceiling to the highest admissible tier cost.
func ceilingAdmits(c query.CostCeiling, m Model) bool {
	switch c {
	case query.CostFreeOnly:
		return m.InputPer1K == 0 && m.OutputPer1K == 0
	case query.CostLow:
		return m.Tier == TierEconomy
	case query.CostStandard:
		return m.Tier != TierPremium
	}
	return true
}

// Router holds the model table.
type Router struct {
	health HealthChecker

	mu     sync.RWMutex
	models map[string]Model
}

// New creates a Router.
func New(health HealthChecker) *Router {
	return &Router{health: health, models: make(map[string]Model)}
}

// RegisterModel adds or replaces a model.
func (r *Router) RegisterModel(m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.ID] = m
}

// ListModels returns all registered models sorted by ID.
func (r *Router) ListModels() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Chain returns the ordered model chain for a query: eligible models ranked
// best-first. ErrNoModelAvailable when nothing is admissible.
func (r *Router) Chain(mode query.Mode, tokensNeeded int, ceiling query.CostCeiling) ([]Model, error) {
	tiers, ok := modeTiers[mode]
	if !ok {
		tiers = modeTiers[query.ModeSimple]
	}
	allowed := make(map[Tier]bool, len(tiers))
	for _, t := range tiers {
		allowed[t] = true
	}

	r.mu.RLock()
	var eligible []Model
	for _, m := range r.models {
		if !m.Enabled || !allowed[m.Tier] {
			continue
		}
		if !ceilingAdmits(ceiling, m) {
			continue
		}
		// Reserve 15% headroom for context estimation.
		withHeadroom := int(float64(tokensNeeded) * 1.15)
		if m.MaxContextTokens > 0 && withHeadroom > m.MaxContextTokens {
			continue
		}
		if r.health != nil && !r.health.IsAvailable(m.ProviderID) {
			continue // provider in cooldown
		}
		if mode == query.ModeTechnical && !m.Technical && hasTechnical(r.models, allowed) {
			continue
		}
		eligible = append(eligible, m)
	}
	r.mu.RUnlock()

	if len(eligible) == 0 {
		return nil, ErrNoModelAvailable
	}

	scores := r.score(eligible, tokensNeeded, mode)
	sort.SliceStable(eligible, func(i, j int) bool {
		return scores[eligible[i].ID] < scores[eligible[j].ID]
	})
	return eligible, nil
}

func hasTechnical(models map[string]Model, allowed map[Tier]bool) bool {
	for _, m := range models {
		if m.Enabled && m.Technical && allowed[m.Tier] {
			return true
		}
	}
	return false
}

// score computes a multi-objective score per model. Lower is better; tier is
// subtracted so stronger tiers win where the mode values them.
func (r *Router) score(models []Model, tokensNeeded int, mode query.Mode) map[string]float64 {
	w, ok := modeWeightProfiles[mode]
	if !ok {
		w = modeWeightProfiles[query.ModeSimple]
	}

	sp, hasStats := r.health.(StatsProvider)

	var maxCost, maxLatency, maxFailure float64
	for _, m := range models {
		if cost := estimateCostUSD(tokensNeeded, 512, m.InputPer1K, m.OutputPer1K); cost > maxCost {
			maxCost = cost
		}
		if hasStats {
			if lat := sp.GetAvgLatencyMs(m.ProviderID); lat > maxLatency {
				maxLatency = lat
			}
			if fail := sp.GetErrorRate(m.ProviderID); fail > maxFailure {
				maxFailure = fail
			}
		}
	}

	scores := make(map[string]float64, len(models))
	for _, m := range models {
		normCost := safeNorm(estimateCostUSD(tokensNeeded, 512, m.InputPer1K, m.OutputPer1K), maxCost)
		normTier := safeNorm(tierRank[m.Tier], tierRank[TierPremium])

		var normLatency, normFailure float64
		if hasStats {
			normLatency = safeNorm(sp.GetAvgLatencyMs(m.ProviderID), maxLatency)
			normFailure = safeNorm(sp.GetErrorRate(m.ProviderID), maxFailure)
		}

		scores[m.ID] = w.Cost*normCost + w.Latency*normLatency + w.Failure*normFailure - w.Tier*normTier
	}
	return scores
}

// EstimateTokens approximates the prompt footprint of synthesis input text.
// Rough chars/4 heuristic, floor 1.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func estimateCostUSD(inTokens, outTokens int, inPer1k, outPer1k float64) float64 {
	return float64(inTokens)/1000*inPer1k + float64(outTokens)/1000*outPer1k
}

func safeNorm(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return clamp(v/max, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
