package synth

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fathomhq/fathom/internal/fusion"
	"github.com/fathomhq/fathom/internal/providers"
	"github.com/fathomhq/fathom/internal/query"
)

const systemPrompt = `You are a careful research assistant. Answer the user's question using ONLY the numbered sources provided. Cite sources inline with bracketed markers like [1] or [3] immediately after the claim they support. Never cite a number that is not in the source list. If the sources conflict on a point, say so explicitly and cite both sides. Be concise and factual.`

// maxExcerptChars bounds how much of each excerpt enters the prompt.
const maxExcerptChars = 480

// BuildRequest renders the synthesis request for a query and its fused
// context: the fixed system prompt plus a user message carrying the question
// and the numbered bibliography in citable order.
func BuildRequest(q query.Query, fused fusion.FusedContext, maxTokens int) providers.CompletionRequest {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(q.RawText)
	b.WriteString("\n\nSources:\n")
	for i, rec := range fused.Citable {
		excerpt := truncateExcerpt(rec.Excerpt)
		fmt.Fprintf(&b, "[%d] %s (%s): %s\n", i+1, rec.Title, rec.Domain, excerpt)
	}
	if len(fused.Disagreements) > 0 {
		b.WriteString("\nNote: some of these sources appear to disagree. Acknowledge the disagreement in your answer and cite both sides.\n")
	}
	return providers.CompletionRequest{
		System:    systemPrompt,
		User:      b.String(),
		MaxTokens: maxTokens,
	}
}

// truncateExcerpt bounds an excerpt to maxExcerptChars bytes, backing up to
// a rune boundary so the cut never injects invalid UTF-8.
func truncateExcerpt(s string) string {
	if len(s) <= maxExcerptChars {
		return s
	}
	cut := maxExcerptChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
