package fusion

import (
	"regexp"
	"strings"

	"github.com/fathomhq/fathom/internal/source"
)

// Detector flags conflicting claims between citable sources. Implementations
// must be cheap: fusion runs inside the retrieval budget.
type Detector interface {
	Detect(citable []source.Record) []Disagreement
}

// NopDetector disables disagreement detection.
type NopDetector struct{}

func (NopDetector) Detect([]source.Record) []Disagreement { return nil }

// HeuristicDetector compares excerpt pairs that share key terms: a negation
// on one side only, or non-overlapping numeric claims, flags a disagreement.
type HeuristicDetector struct{}

// minSharedTerms is how many content words two excerpts must share before
// they are considered to address the same claim.
const minSharedTerms = 2

var (
	reNumber   = regexp.MustCompile(`\d+(?:\.\d+)?%?`)
	reNegation = regexp.MustCompile(`\b(?:not|no|never|none|cannot|n't|false|incorrect|refuted|denies|denied)\b`)
	reToken    = regexp.MustCompile(`[a-z]{4,}`)
)

func (HeuristicDetector) Detect(citable []source.Record) []Disagreement {
	type claim struct {
		id      string
		terms   map[string]bool
		numbers map[string]bool
		negated bool
	}

	claims := make([]claim, 0, len(citable))
	for _, rec := range citable {
		text := strings.ToLower(rec.Excerpt)
		if text == "" {
			continue
		}
		terms := make(map[string]bool)
		for _, tok := range reToken.FindAllString(text, -1) {
			terms[tok] = true
		}
		numbers := make(map[string]bool)
		for _, n := range reNumber.FindAllString(text, -1) {
			numbers[n] = true
		}
		claims = append(claims, claim{
			id:      rec.SourceID,
			terms:   terms,
			numbers: numbers,
			negated: reNegation.MatchString(text),
		})
	}

	var out []Disagreement
	for i := 0; i < len(claims); i++ {
		for j := i + 1; j < len(claims); j++ {
			a, b := claims[i], claims[j]
			if sharedTerms(a.terms, b.terms) < minSharedTerms {
				continue
			}
			if a.negated != b.negated {
				out = append(out, Disagreement{SourceA: a.id, SourceB: b.id, Reason: "opposing negation"})
				continue
			}
			if len(a.numbers) > 0 && len(b.numbers) > 0 && disjoint(a.numbers, b.numbers) {
				out = append(out, Disagreement{SourceA: a.id, SourceB: b.id, Reason: "conflicting numbers"})
			}
		}
	}
	return out
}

func sharedTerms(a, b map[string]bool) int {
	n := 0
	for t := range a {
		if b[t] {
			n++
		}
	}
	return n
}

func disjoint(a, b map[string]bool) bool {
	for n := range a {
		if b[n] {
			return false
		}
	}
	return true
}
