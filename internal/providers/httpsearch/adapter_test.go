package httpsearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fathomhq/fathom/internal/providers"
	"github.com/fathomhq/fathom/internal/query"
)

func TestSearchSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("expected /search, got %s", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["query"] != "go concurrency" {
			t.Errorf("expected query in payload, got %v", req["query"])
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"url": "https://go.dev/blog/pipelines", "title": "Go Pipelines", "snippet": "patterns", "score": 0.92},
				{"url": "https://go.dev/doc", "title": "Docs", "snippet": "reference", "score": 0.71},
			},
		})
	}))
	defer ts.Close()

	a := New("web-primary", ts.URL)
	hits, err := a.Search(context.Background(), "go concurrency", query.Constraints{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].URL != "https://go.dev/blog/pipelines" || hits[0].RawScore != 0.92 {
		t.Errorf("unexpected first hit: %+v", hits[0])
	}
}

func TestSearchTimeRangeForwarded(t *testing.T) {
	var req map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer ts.Close()

	a := New("news", ts.URL)
	_, err := a.Search(context.Background(), "earnings", query.Constraints{TimeRange: query.RangeDay})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req["time_range"] != "day" {
		t.Errorf("expected time_range=day, got %v", req["time_range"])
	}
}

func TestSearchOmitsTimeRangeAny(t *testing.T) {
	var req map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer ts.Close()

	a := New("web", ts.URL)
	_, _ = a.Search(context.Background(), "q", query.Constraints{TimeRange: query.RangeAny})
	if _, ok := req["time_range"]; ok {
		t.Errorf("time_range should be omitted for any, got %v", req["time_range"])
	}
}

func TestSearchAPIKeyHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want Bearer sk-test", got)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer ts.Close()

	a := New("vector", ts.URL, WithAPIKey("sk-test"))
	if _, err := a.Search(context.Background(), "q", query.Constraints{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSearchRateLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer ts.Close()

	a := New("web", ts.URL)
	_, err := a.Search(context.Background(), "q", query.Constraints{})
	if err == nil {
		t.Fatal("expected error")
	}
	classified := a.ClassifyError(err)
	if classified.Class != providers.ErrRateLimited {
		t.Errorf("expected ErrRateLimited, got %s", classified.Class)
	}
	if classified.RetryAfter != 7 {
		t.Errorf("RetryAfter = %d, want 7", classified.RetryAfter)
	}
}

func TestSearchServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`internal error`))
	}))
	defer ts.Close()

	a := New("web", ts.URL)
	_, err := a.Search(context.Background(), "q", query.Constraints{})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := a.ClassifyError(err).Class; got != providers.ErrTransient {
		t.Errorf("expected ErrTransient, got %s", got)
	}
}

func TestRoundRobinEndpoints(t *testing.T) {
	var hits [3]int
	handler := func(idx int) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			hits[idx]++
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"results":[]}`))
		}
	}

	ts0 := httptest.NewServer(handler(0))
	ts1 := httptest.NewServer(handler(1))
	ts2 := httptest.NewServer(handler(2))
	defer ts0.Close()
	defer ts1.Close()
	defer ts2.Close()

	a := New("web", ts0.URL, WithEndpoints(ts1.URL, ts2.URL))
	for i := 0; i < 9; i++ {
		if _, err := a.Search(context.Background(), "q", query.Constraints{}); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}

	// Each endpoint should get exactly 3 requests.
	for i, count := range hits {
		if count != 3 {
			t.Errorf("endpoint %d: expected 3 hits, got %d", i, count)
		}
	}
}

func TestStreamSearch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/stream" {
			t.Errorf("expected /search/stream, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"url":"https://a.example/1","title":"one","score":0.9}` + "\n"))
		_, _ = w.Write([]byte(`{"url":"https://a.example/2","title":"two","score":0.8}` + "\n"))
	}))
	defer ts.Close()

	a := New("web", ts.URL)
	var got []providers.Hit
	err := a.StreamSearch(context.Background(), "q", query.Constraints{}, func(h providers.Hit) {
		got = append(got, h)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[1].Title != "two" {
		t.Errorf("unexpected hits: %+v", got)
	}
}

func TestParsePublishedTimestamp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"results":[{"url":"https://n.example","title":"t","published":"2026-08-20T12:00:00Z"}]}`))
	}))
	defer ts.Close()

	a := New("news", ts.URL)
	hits, err := a.Search(context.Background(), "q", query.Constraints{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits[0].Timestamp.IsZero() {
		t.Error("expected published timestamp to be parsed")
	}
}
