// Package keyless adapts HTML search frontends that require no API key to
// the Searcher contract. It is the terminal fallback of the web lane: slower
// and coarser than keyed backends, but always available. Sources it produces
// are flagged keyed_fallback so fusion can down-weight them.
package keyless

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/fathomhq/fathom/internal/providers"
	"github.com/fathomhq/fathom/internal/query"
)

// Adapter implements providers.Searcher by scraping an HTML results page.
type Adapter struct {
	id      string
	baseURL string // e.g. https://html.duckduckgo.com/html
	limit   int
	client  *http.Client

	// CSS selectors for the results page. Defaults match the DuckDuckGo
	// HTML frontend; override for other engines.
	resultSel  string
	titleSel   string
	snippetSel string
}

// New creates a keyless adapter against the given HTML search frontend.
func New(id, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:         id,
		baseURL:    baseURL,
		limit:      8,
		client:     &http.Client{Timeout: 8 * time.Second},
		resultSel:  ".result",
		titleSel:   ".result__a",
		snippetSel: ".result__snippet",
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.client.Timeout = d
	}
}

// WithLimit caps the number of results parsed per page.
func WithLimit(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.limit = n
		}
	}
}

// WithSelectors overrides the result/title/snippet CSS selectors.
func WithSelectors(result, title, snippet string) Option {
	return func(a *Adapter) {
		a.resultSel = result
		a.titleSel = title
		a.snippetSel = snippet
	}
}

func (a *Adapter) ID() string { return a.id }

// HealthEndpoint returns the frontend root for probing.
func (a *Adapter) HealthEndpoint() string { return a.baseURL }

// Search fetches one results page and parses it into hits. Scores descend by
// page position since HTML frontends expose no relevance signal.
func (a *Adapter) Search(ctx context.Context, q string, c query.Constraints) ([]providers.Hit, error) {
	params := url.Values{"q": []string{q}}
	if c.TimeRange != "" && c.TimeRange != query.RangeAny {
		params.Set("df", timeRangeParam(c.TimeRange))
	}

	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "fathom/1.0 (+https://github.com/fathomhq/fathom)")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &providers.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse results page: %w", err)
	}

	var hits []providers.Hit
	doc.Find(a.resultSel).EachWithBreak(func(i int, s *goquery.Selection) bool {
		if len(hits) >= a.limit {
			return false
		}
		link := s.Find(a.titleSel).First()
		href, ok := link.Attr("href")
		if !ok || href == "" {
			return true
		}
		hits = append(hits, providers.Hit{
			URL:     resolveRedirect(href),
			Title:   strings.TrimSpace(link.Text()),
			Excerpt: strings.TrimSpace(s.Find(a.snippetSel).First().Text()),
			// Position-derived score: first result 1.0, decaying linearly.
			RawScore: 1.0 - float64(i)/float64(2*a.limit),
		})
		return true
	})
	return hits, nil
}

// resolveRedirect unwraps tracking redirect links of the form
// /l/?uddg=<escaped-url> used by HTML search frontends.
func resolveRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		if decoded, err := url.QueryUnescape(target); err == nil {
			return decoded
		}
	}
	return href
}

func timeRangeParam(tr query.TimeRange) string {
	switch tr {
	case query.RangeDay:
		return "d"
	case query.RangeWeek:
		return "w"
	case query.RangeMonth:
		return "m"
	case query.RangeYear:
		return "y"
	}
	return ""
}

func (a *Adapter) ClassifyError(err error) *providers.ClassifiedError {
	return providers.Classify(err)
}
