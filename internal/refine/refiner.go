// Package refine implements the guided pre-flight pass: a cheap-tier model
// rewrites the query into a sharper retrieval query within the refinement
// sub-budget. Refinement is strictly optional; any failure falls back to the
// original query.
package refine

import (
	"bufio"
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/fathomhq/fathom/internal/providers"
	"github.com/fathomhq/fathom/internal/query"
)

const systemPrompt = `You rewrite search queries. Given a user query, produce up to %CAP% improved search queries, one per line, most useful first. Keep the user's intent. Output only the queries.`

// Config holds the refinement knobs.
type Config struct {
	Model         string
	SuggestionCap int  // 1..3
	RedactPII     bool // scrub query text before any downstream call
	// Adaptive bypass: skip refinement when the observed acceptance rate
	// drops below MinAcceptRate after MinSamples outcomes.
	MinAcceptRate float64
	MinSamples    int
}

// DefaultConfig returns the standard refinement settings.
func DefaultConfig() Config {
	return Config{
		SuggestionCap: 3,
		RedactPII:     true,
		MinAcceptRate: 0.2,
		MinSamples:    20,
	}
}

// Result is the outcome of one refinement pass.
type Result struct {
	Query       query.Query // refined when Refined, otherwise the input
	Refined     bool
	Suggestions []string // alternates beyond the applied rewrite
}

// Refiner rewrites queries through a cheap completion model.
type Refiner struct {
	cfg       Config
	completer providers.Completer
	logger    *slog.Logger

	mu       sync.Mutex
	accepted int
	total    int
}

// New creates a Refiner. A nil completer disables rewriting; redaction still
// applies.
func New(cfg Config, completer providers.Completer, logger *slog.Logger) *Refiner {
	if cfg.SuggestionCap < 1 {
		cfg.SuggestionCap = 1
	}
	if cfg.SuggestionCap > 3 {
		cfg.SuggestionCap = 3
	}
	return &Refiner{cfg: cfg, completer: completer, logger: logger}
}

// Refine applies PII redaction and, when enabled for the request, a model
// rewrite. ctx carries the refinement deadline; on timeout or error the
// (redacted) original query is returned unrefined.
func (r *Refiner) Refine(ctx context.Context, q query.Query) Result {
	if r.cfg.RedactPII {
		if redacted := Redact(q.RawText); redacted != q.RawText {
			q = q.WithText(redacted)
		}
	}

	if !r.shouldRefine(q) {
		return Result{Query: q}
	}

	suggestions, err := r.rewrite(ctx, q.RawText)
	if err != nil || len(suggestions) == 0 {
		if err != nil {
			r.logger.Warn("refinement skipped",
				slog.String("query_id", q.ID),
				slog.String("error", err.Error()),
			)
		}
		return Result{Query: q}
	}

	return Result{
		Query:       q.WithText(suggestions[0]),
		Refined:     true,
		Suggestions: suggestions[1:],
	}
}

func (r *Refiner) shouldRefine(q query.Query) bool {
	if r.completer == nil {
		return false
	}
	switch q.Constraints.GuidedPrompt {
	case query.GuidedOff, query.GuidedAlwaysBypass:
		return false
	case query.GuidedAdaptive:
		if r.acceptRateLow() {
			return false
		}
		return ambiguous(q.Normalized)
	}
	return true
}

// RecordOutcome feeds the adaptive bypass: accepted reports whether the user
// kept the refined query for a follow-up rather than re-asking the original.
func (r *Refiner) RecordOutcome(accepted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	if accepted {
		r.accepted++
	}
}

func (r *Refiner) acceptRateLow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.total < r.cfg.MinSamples {
		return false
	}
	return float64(r.accepted)/float64(r.total) < r.cfg.MinAcceptRate
}

// ambiguous reports whether a query is vague enough that a rewrite is likely
// to help: very short, or dominated by stopwords.
func ambiguous(normalized string) bool {
	words := strings.Fields(normalized)
	if len(words) <= 2 {
		return true
	}
	content := 0
	for _, w := range words {
		if !stopwords[w] && len(w) > 2 {
			content++
		}
	}
	return content < 2
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "what": true, "how": true,
	"why": true, "who": true, "are": true, "is": true, "was": true,
	"about": true, "with": true, "that": true, "this": true, "does": true,
}

func (r *Refiner) rewrite(ctx context.Context, text string) ([]string, error) {
	system := strings.Replace(systemPrompt, "%CAP%", itoa(r.cfg.SuggestionCap), 1)
	rc, err := r.completer.StreamCompletion(ctx, r.cfg.Model, providers.CompletionRequest{
		System:    system,
		User:      text,
		MaxTokens: 200,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var b strings.Builder
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		frag, done, ok := r.completer.ParseFragment([]byte(payload))
		if ok {
			b.WriteString(frag)
		}
		if done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return parseSuggestions(b.String(), r.cfg.SuggestionCap), nil
}

// parseSuggestions splits model output into clean suggestion lines, dropping
// numbering and empties, capped at n.
func parseSuggestions(out string, n int) []string {
	var suggestions []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeftFunc(line, func(r rune) bool {
			return unicode.IsDigit(r) || r == '.' || r == ')' || r == '-' || r == ' '
		})
		if line == "" {
			continue
		}
		suggestions = append(suggestions, line)
		if len(suggestions) == n {
			break
		}
	}
	return suggestions
}

func itoa(n int) string {
	return string(rune('0' + n))
}
