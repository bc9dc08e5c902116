// Package httpsearch adapts keyed JSON search APIs to the Searcher contract.
// One adapter instance serves any backend speaking the common POST /search
// shape (web indexes, vector stores, graph search, news and market feeds),
// with round-robin across replicas.
package httpsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fathomhq/fathom/internal/providers"
	"github.com/fathomhq/fathom/internal/query"
)

// Adapter implements providers.Searcher over a JSON search API.
// Supports round-robin across multiple endpoints.
type Adapter struct {
	id        string
	endpoints []string
	apiKey    string
	limit     int
	counter   atomic.Uint64
	client    *http.Client
}

// New creates a new search adapter with one or more endpoints.
// A zero timeout defaults to 10s; the default result limit is 10.
func New(id string, endpoint string, opts ...Option) *Adapter {
	a := &Adapter{
		id:        id,
		endpoints: []string{endpoint},
		limit:     10,
		client:    &http.Client{Timeout: 10 * time.Second},
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

// WithEndpoints adds additional endpoints for round-robin balancing.
func WithEndpoints(endpoints ...string) Option {
	return func(a *Adapter) {
		a.endpoints = append(a.endpoints, endpoints...)
	}
}

// WithAPIKey sets the bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(a *Adapter) {
		a.apiKey = key
	}
}

// WithLimit sets the per-request result cap.
func WithLimit(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.limit = n
		}
	}
}

func (a *Adapter) ID() string { return a.id }

// HealthEndpoint returns the /health URL of the first endpoint for probing.
func (a *Adapter) HealthEndpoint() string {
	return a.endpoints[0] + "/health"
}

// nextEndpoint returns the next endpoint in round-robin order.
func (a *Adapter) nextEndpoint() string {
	idx := a.counter.Add(1) - 1
	return a.endpoints[idx%uint64(len(a.endpoints))]
}

// searchRequest is the wire shape all keyed backends accept.
type searchRequest struct {
	Query     string `json:"query"`
	Limit     int    `json:"limit"`
	TimeRange string `json:"time_range,omitempty"`
}

// searchResult is one entry of a backend response.
type searchResult struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score"`
	Published string  `json:"published,omitempty"` // RFC 3339
	Language  string  `json:"language,omitempty"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

// Search issues a POST /search against the next endpoint and maps the
// response onto hits.
func (a *Adapter) Search(ctx context.Context, q string, c query.Constraints) ([]providers.Hit, error) {
	payload := searchRequest{Query: q, Limit: a.limit}
	if c.TimeRange != "" && c.TimeRange != query.RangeAny {
		payload.TimeRange = string(c.TimeRange)
	}

	body, err := providers.DoRequest(ctx, a.client, a.nextEndpoint()+"/search", payload, a.authHeaders())
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	hits := make([]providers.Hit, 0, len(resp.Results))
	for _, r := range resp.Results {
		h := providers.Hit{
			URL:      r.URL,
			Title:    r.Title,
			Excerpt:  r.Snippet,
			RawScore: r.Score,
			Language: r.Language,
		}
		if r.Published != "" {
			if ts, err := time.Parse(time.RFC3339, r.Published); err == nil {
				h.Timestamp = ts
			}
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// StreamSearch issues a streaming search when the backend supports NDJSON
// output, emitting hits as they arrive. Backends without streaming support
// are served by Search.
func (a *Adapter) StreamSearch(ctx context.Context, q string, c query.Constraints, emit func(providers.Hit)) error {
	payload := searchRequest{Query: q, Limit: a.limit}
	if c.TimeRange != "" && c.TimeRange != query.RangeAny {
		payload.TimeRange = string(c.TimeRange)
	}

	rc, err := providers.DoStreamRequest(ctx, a.client, a.nextEndpoint()+"/search/stream", payload, a.authHeaders())
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	dec := json.NewDecoder(rc)
	for {
		var r searchResult
		if err := dec.Decode(&r); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode search stream: %w", err)
		}
		emit(providers.Hit{URL: r.URL, Title: r.Title, Excerpt: r.Snippet, RawScore: r.Score, Language: r.Language})
	}
}

func (a *Adapter) ClassifyError(err error) *providers.ClassifiedError {
	return providers.Classify(err)
}

func (a *Adapter) authHeaders() map[string]string {
	if a.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}
