package keyless

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fathomhq/fathom/internal/providers"
	"github.com/fathomhq/fathom/internal/query"
)

const resultsPage = `<html><body>
<div class="result">
  <a class="result__a" href="/l/?uddg=https%3A%2F%2Fgo.dev%2Fblog%2Fcontext">Go Concurrency Patterns: Context</a>
  <div class="result__snippet">Context propagation in Go servers.</div>
</div>
<div class="result">
  <a class="result__a" href="https://pkg.go.dev/context">context package</a>
  <div class="result__snippet">Package context defines the Context type.</div>
</div>
<div class="result">
  <a class="result__a">no href, skipped</a>
</div>
</body></html>`

func TestSearchParsesResults(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "go context" {
			t.Errorf("q param = %q, want %q", got, "go context")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(resultsPage))
	}))
	defer ts.Close()

	a := New("web-keyless", ts.URL)
	hits, err := a.Search(context.Background(), "go context", query.Constraints{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].URL != "https://go.dev/blog/context" {
		t.Errorf("redirect not unwrapped: %q", hits[0].URL)
	}
	if hits[0].Title != "Go Concurrency Patterns: Context" {
		t.Errorf("title = %q", hits[0].Title)
	}
	if hits[0].Excerpt != "Context propagation in Go servers." {
		t.Errorf("excerpt = %q", hits[0].Excerpt)
	}
	if hits[0].RawScore <= hits[1].RawScore {
		t.Errorf("scores should descend by position: %v then %v", hits[0].RawScore, hits[1].RawScore)
	}
}

func TestSearchTimeRangeParam(t *testing.T) {
	var df string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		df = r.URL.Query().Get("df")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer ts.Close()

	a := New("web-keyless", ts.URL)
	_, _ = a.Search(context.Background(), "q", query.Constraints{TimeRange: query.RangeWeek})
	if df != "w" {
		t.Errorf("df = %q, want w", df)
	}
}

func TestSearchLimit(t *testing.T) {
	page := "<html><body>"
	for i := 0; i < 10; i++ {
		page += `<div class="result"><a class="result__a" href="https://x.example/p">t</a></div>`
	}
	page += "</body></html>"

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(page))
	}))
	defer ts.Close()

	a := New("web-keyless", ts.URL, WithLimit(3))
	hits, err := a.Search(context.Background(), "q", query.Constraints{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 3 {
		t.Errorf("expected 3 hits with limit, got %d", len(hits))
	}
}

func TestSearchBlocked(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("blocked"))
	}))
	defer ts.Close()

	a := New("web-keyless", ts.URL)
	_, err := a.Search(context.Background(), "q", query.Constraints{})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := a.ClassifyError(err).Class; got != providers.ErrFatal {
		t.Errorf("expected ErrFatal for 403, got %s", got)
	}
}

func TestSearchUnreachable(t *testing.T) {
	a := New("web-keyless", "http://127.0.0.1:1")
	_, err := a.Search(context.Background(), "q", query.Constraints{})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := a.ClassifyError(err).Class; got != providers.ErrUnavailable {
		t.Errorf("expected ErrUnavailable, got %s", got)
	}
}

func TestResolveRedirectPassthrough(t *testing.T) {
	if got := resolveRedirect("https://direct.example/page"); got != "https://direct.example/page" {
		t.Errorf("direct link altered: %q", got)
	}
}
