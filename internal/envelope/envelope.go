// Package envelope defines the ordered event stream that constitutes a
// response: lane updates, the finalized source list, answer tokens with
// citations, and exactly one terminal done/error event.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/fathomhq/fathom/internal/source"
)

// Kind identifies the type of an envelope event.
type Kind string

const (
	KindLaneUpdate       Kind = "lane_update"
	KindSourcesFinalized Kind = "sources_finalized"
	KindToken            Kind = "token"
	KindDisagreement     Kind = "disagreement"
	KindFallbackNotice   Kind = "fallback_notice"
	KindDone             Kind = "done"
	KindError            Kind = "error"
)

// LaneUpdate is a snapshot of one lane's progress or terminal result.
type LaneUpdate struct {
	LaneID       string `json:"lane_id"`
	ProviderUsed string `json:"provider_used,omitempty"`
	Status       string `json:"status"` // running|ok|partial|timeout|error|skipped
	SourceCount  int    `json:"source_count"`
	ElapsedMs    int64  `json:"elapsed_ms"`
	BudgetMs     int64  `json:"budget_ms"`
	Error        string `json:"error,omitempty"`
}

// SourcesFinalized carries the citable bibliography plus the residual tail.
type SourcesFinalized struct {
	Citable []source.Record `json:"citable"`
	Tail    []source.Record `json:"tail,omitempty"`
}

// Citation references a bibliography entry from a token event.
type Citation struct {
	MarkerIndex int    `json:"marker_index"` // 1-based index into Citable
	SourceID    string `json:"source_id"`
}

// Token is a synthesized text fragment, optionally decorated with citations.
type Token struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations,omitempty"`
}

// FallbackNotice reports a provider chain advance inside a lane.
type FallbackNotice struct {
	LaneID       string `json:"lane_id"`
	FromProvider string `json:"from_provider"`
	ToProvider   string `json:"to_provider"`
	Reason       string `json:"reason"`
}

// Done carries the final request metrics.
type Done struct {
	Truncated    bool  `json:"truncated"`
	FromCache    bool  `json:"from_cache,omitempty"`
	TotalMs      int64 `json:"total_ms"`
	FirstTokenMs int64 `json:"first_token_ms,omitempty"`
	SourceCount  int   `json:"source_count"`
}

// Error is the terminal failure event. Emitted only for validation errors
// (before streaming) or model-router exhaustion (after sources_finalized).
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Event is one element of the envelope. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Seq       uint64    `json:"seq"`
	TraceID   string    `json:"trace_id,omitempty"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"ts"`

	LaneUpdate       *LaneUpdate       `json:"lane_update,omitempty"`
	SourcesFinalized *SourcesFinalized `json:"sources_finalized,omitempty"`
	Token            *Token            `json:"token,omitempty"`
	Disagreement     string            `json:"disagreement,omitempty"`
	FallbackNotice   *FallbackNotice   `json:"fallback_notice,omitempty"`
	Done             *Done             `json:"done,omitempty"`
	Error            *Error            `json:"error,omitempty"`
}

// JSON returns the event serialized for the wire.
func (e Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Terminal reports whether the event ends the envelope.
func (e Event) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}
