// Package query defines the intake types: the immutable Query record, the
// query modes, and the recognized per-request constraints.
package query

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxQueryLen is the maximum accepted query length in characters.
const MaxQueryLen = 4096

// ErrValidation marks a malformed request. It is the only error kind that
// terminates a request before streaming begins.
var ErrValidation = errors.New("validation error")

// Mode selects the budget profile and lane weighting for a query.
type Mode string

const (
	ModeSimple     Mode = "simple"
	ModeTechnical  Mode = "technical"
	ModeResearch   Mode = "research"
	ModeMultimedia Mode = "multimedia"
)

// ParseMode maps a request string onto a Mode. Empty defaults to simple.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeSimple, nil
	case ModeSimple, ModeTechnical, ModeResearch, ModeMultimedia:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrValidation, s)
}

// TimeRange restricts retrieval recency.
type TimeRange string

const (
	RangeAny   TimeRange = "any"
	RangeDay   TimeRange = "day"
	RangeWeek  TimeRange = "week"
	RangeMonth TimeRange = "month"
	RangeYear  TimeRange = "year"
)

// CostCeiling bounds which model cost classes the router may pick.
type CostCeiling string

const (
	CostFreeOnly  CostCeiling = "free_only"
	CostLow       CostCeiling = "low"
	CostStandard  CostCeiling = "standard"
	CostUnlimited CostCeiling = "unlimited"
)

// GuidedMode controls the guided-refinement pre-flight pass.
type GuidedMode string

const (
	GuidedOn           GuidedMode = "on"
	GuidedOff          GuidedMode = "off"
	GuidedAlwaysBypass GuidedMode = "always_bypass"
	GuidedAdaptive     GuidedMode = "adaptive"
)

// Constraints is the set of recognized per-request options. Everything else
// is configuration, fixed at startup.
type Constraints struct {
	TimeRange        TimeRange   `json:"time_range,omitempty"`
	Sources          []string    `json:"sources,omitempty"` // subset of lane IDs
	RequireCitations bool        `json:"require_citations,omitempty"`
	CostCeiling      CostCeiling `json:"cost_ceiling,omitempty"`
	GuidedPrompt     GuidedMode  `json:"guided_prompt,omitempty"`
}

// Signature returns a stable string for cache fingerprinting. Source order
// is not significant, so the lane list is rendered sorted.
func (c Constraints) Signature() string {
	lanes := append([]string(nil), c.Sources...)
	sortStrings(lanes)
	return fmt.Sprintf("tr=%s;src=%s;cit=%t;cost=%s",
		c.TimeRange, strings.Join(lanes, ","), c.RequireCitations, c.CostCeiling)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// Query is the immutable record created at intake.
type Query struct {
	ID          string
	RawText     string
	Normalized  string
	Mode        Mode
	Constraints Constraints
	TraceID     string
	ReceivedAt  time.Time
}

// New validates the raw request fields and builds a Query. The returned
// error wraps ErrValidation on any malformed input.
func New(raw string, mode string, c Constraints, traceID string) (Query, error) {
	if raw == "" {
		return Query{}, fmt.Errorf("%w: query must not be empty", ErrValidation)
	}
	if !utf8.ValidString(raw) {
		return Query{}, fmt.Errorf("%w: query must be valid UTF-8", ErrValidation)
	}
	if n := utf8.RuneCountInString(raw); n > MaxQueryLen {
		return Query{}, fmt.Errorf("%w: query length %d exceeds %d", ErrValidation, n, MaxQueryLen)
	}
	m, err := ParseMode(mode)
	if err != nil {
		return Query{}, err
	}
	if err := validateConstraints(&c); err != nil {
		return Query{}, err
	}
	return Query{
		ID:          uuid.NewString(),
		RawText:     raw,
		Normalized:  Normalize(raw),
		Mode:        m,
		Constraints: c,
		TraceID:     traceID,
		ReceivedAt:  time.Now().UTC(),
	}, nil
}

func validateConstraints(c *Constraints) error {
	switch c.TimeRange {
	case "", RangeAny:
		c.TimeRange = RangeAny
	case RangeDay, RangeWeek, RangeMonth, RangeYear:
	default:
		return fmt.Errorf("%w: unknown time_range %q", ErrValidation, c.TimeRange)
	}
	switch c.CostCeiling {
	case "":
		c.CostCeiling = CostUnlimited
	case CostFreeOnly, CostLow, CostStandard, CostUnlimited:
	default:
		return fmt.Errorf("%w: unknown cost_ceiling %q", ErrValidation, c.CostCeiling)
	}
	switch c.GuidedPrompt {
	case "":
		c.GuidedPrompt = GuidedOn
	case GuidedOn, GuidedOff, GuidedAlwaysBypass, GuidedAdaptive:
	default:
		return fmt.Errorf("%w: unknown guided_prompt %q", ErrValidation, c.GuidedPrompt)
	}
	for _, s := range c.Sources {
		switch s {
		case "web", "vector", "graph", "news", "markets", "academic":
		default:
			return fmt.Errorf("%w: unknown source %q", ErrValidation, s)
		}
	}
	return nil
}

// WithText returns a copy of q carrying a refined query text. The original
// record is not mutated; refinement replaces the working copy only.
func (q Query) WithText(text string) Query {
	q.RawText = text
	q.Normalized = Normalize(text)
	return q
}

// Normalize lower-cases and collapses whitespace so that trivially distinct
// spellings of the same query share a cache fingerprint.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
