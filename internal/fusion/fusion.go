// Package fusion merges per-lane source lists into one ranked, attributed
// context: global dedupe with provenance merge, mode-weighted scoring,
// domain diversity, and a citable top-K the synthesizer may reference.
package fusion

import (
	"sort"

	"github.com/fathomhq/fathom/internal/query"
	"github.com/fathomhq/fathom/internal/registry"
	"github.com/fathomhq/fathom/internal/source"
)

// Config holds the fusion knobs.
type Config struct {
	TopK      int // citable set size
	DomainCap int // max citable entries per registrable domain
	// KeylessPenalty scales scores of sources produced by a keyless
	// fallback provider. 1 disables the penalty.
	KeylessPenalty float64
	Weights        Weights
	Detector       Detector
}

// DefaultConfig returns the standard fusion settings.
func DefaultConfig() Config {
	return Config{
		TopK:           8,
		DomainCap:      2,
		KeylessPenalty: 0.85,
		Weights:        DefaultWeights(),
		Detector:       HeuristicDetector{},
	}
}

// Weights maps mode -> lane -> weight for the fused score.
type Weights map[query.Mode]map[string]float64

// DefaultWeights: simple and technical favor web+vector; research and
// multimedia shift weight toward graph and news.
func DefaultWeights() Weights {
	return Weights{
		query.ModeSimple: {
			registry.LaneWeb: 1.0, registry.LaneVector: 0.9, registry.LaneGraph: 0.5,
			registry.LaneNews: 0.5, registry.LaneMarkets: 0.4, registry.LaneAcademic: 0.4,
		},
		query.ModeTechnical: {
			registry.LaneWeb: 1.0, registry.LaneVector: 1.0, registry.LaneGraph: 0.6,
			registry.LaneNews: 0.4, registry.LaneMarkets: 0.4, registry.LaneAcademic: 0.7,
		},
		query.ModeResearch: {
			registry.LaneWeb: 0.8, registry.LaneVector: 0.8, registry.LaneGraph: 1.0,
			registry.LaneNews: 0.9, registry.LaneMarkets: 0.5, registry.LaneAcademic: 1.0,
		},
		query.ModeMultimedia: {
			registry.LaneWeb: 0.9, registry.LaneVector: 0.7, registry.LaneGraph: 0.9,
			registry.LaneNews: 1.0, registry.LaneMarkets: 0.5, registry.LaneAcademic: 0.6,
		},
	}
}

// Disagreement flags two citable sources making conflicting claims.
type Disagreement struct {
	SourceA string `json:"source_a"`
	SourceB string `json:"source_b"`
	Reason  string `json:"reason"`
}

// FusedContext is the fusion output handed to the synthesizer.
type FusedContext struct {
	Citable       []source.Record
	Tail          []source.Record
	Disagreements []Disagreement
}

// Empty reports whether fusion produced no usable sources.
func (f FusedContext) Empty() bool { return len(f.Citable) == 0 }

// Fuser merges lane outputs.
type Fuser struct {
	cfg Config
}

// New creates a Fuser, filling zero-valued config fields with defaults.
func New(cfg Config) *Fuser {
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.DomainCap <= 0 {
		cfg.DomainCap = def.DomainCap
	}
	if cfg.KeylessPenalty <= 0 || cfg.KeylessPenalty > 1 {
		cfg.KeylessPenalty = def.KeylessPenalty
	}
	if cfg.Weights == nil {
		cfg.Weights = def.Weights
	}
	if cfg.Detector == nil {
		cfg.Detector = def.Detector
	}
	return &Fuser{cfg: cfg}
}

// fused pairs a merged record with its accumulated score.
type fused struct {
	rec   source.Record
	score float64
}

// Fuse merges the per-lane source lists for the given mode. Empty input
// yields a valid empty context.
func (f *Fuser) Fuse(mode query.Mode, byLane map[string][]source.Record) FusedContext {
	weights, ok := f.cfg.Weights[mode]
	if !ok {
		weights = f.cfg.Weights[query.ModeSimple]
	}

	merged := make(map[string]*fused)
	var order []string // first-seen order for stable tie-breaks

	for laneID, records := range byLane {
		w := weights[laneID]
		if w == 0 {
			w = 0.5
		}
		norm := laneMax(records)
		for _, rec := range records {
			contribution := w * (rec.RawScore / norm)
			if rec.KeyedFallback {
				contribution *= f.cfg.KeylessPenalty
			}

			if existing, seen := merged[rec.SourceID]; seen {
				existing.score += contribution
				existing.rec.Lanes = mergeLanes(existing.rec.Lanes, laneID)
				if existing.rec.Excerpt == "" {
					existing.rec.Excerpt = rec.Excerpt
				}
				// A keyed origin outranks a keyless one for attribution.
				if existing.rec.KeyedFallback && !rec.KeyedFallback {
					existing.rec.ProviderID = rec.ProviderID
					existing.rec.KeyedFallback = false
				}
				continue
			}
			cp := rec
			cp.Lanes = []string{laneID}
			merged[rec.SourceID] = &fused{rec: cp, score: contribution}
			order = append(order, rec.SourceID)
		}
	}

	all := make([]*fused, 0, len(merged))
	for _, id := range order {
		all = append(all, merged[id])
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	var ctx FusedContext
	domainCount := make(map[string]int)
	for _, fs := range all {
		rec := fs.rec
		rec.RawScore = fs.score
		if len(ctx.Citable) < f.cfg.TopK && underDomainCap(domainCount, rec.Domain, f.cfg.DomainCap) {
			domainCount[rec.Domain]++
			ctx.Citable = append(ctx.Citable, rec)
		} else {
			ctx.Tail = append(ctx.Tail, rec)
		}
	}

	ctx.Disagreements = f.cfg.Detector.Detect(ctx.Citable)
	return ctx
}

// underDomainCap admits records with no parsable domain unconditionally.
func underDomainCap(counts map[string]int, domain string, cap int) bool {
	if domain == "" {
		return true
	}
	return counts[domain] < cap
}

func laneMax(records []source.Record) float64 {
	max := 0.0
	for _, r := range records {
		if r.RawScore > max {
			max = r.RawScore
		}
	}
	if max <= 0 {
		return 1
	}
	return max
}

func mergeLanes(lanes []string, laneID string) []string {
	for _, l := range lanes {
		if l == laneID {
			return lanes
		}
	}
	return append(lanes, laneID)
}
