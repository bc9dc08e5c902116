package lane

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fathomhq/fathom/internal/budget"
	"github.com/fathomhq/fathom/internal/health"
	"github.com/fathomhq/fathom/internal/providers"
	"github.com/fathomhq/fathom/internal/query"
	"github.com/fathomhq/fathom/internal/registry"
)

// stubSearcher returns scripted hits/errors per call.
type stubSearcher struct {
	id        string
	calls     int
	lastQuery string
	fn        func(call int, ctx context.Context) ([]providers.Hit, error)
}

func (s *stubSearcher) ID() string { return s.id }

func (s *stubSearcher) Search(ctx context.Context, q string, c query.Constraints) ([]providers.Hit, error) {
	s.calls++
	s.lastQuery = q
	return s.fn(s.calls, ctx)
}

func (s *stubSearcher) ClassifyError(err error) *providers.ClassifiedError {
	return providers.Classify(err)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQuery(t *testing.T) query.Query {
	t.Helper()
	q, err := query.New("test query", "simple", query.Constraints{}, "t1")
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func newEnv(t *testing.T) (*registry.Registry, *budget.Budget) {
	t.Helper()
	tr := health.NewTracker(health.DefaultConfig())
	reg := registry.New(tr)
	bud := budget.New(budget.DefaultTable(), query.ModeSimple)
	return reg, bud
}

func register(t *testing.T, reg *registry.Registry, id string, prio int, keyed bool, fn func(int, context.Context) ([]providers.Hit, error)) *stubSearcher {
	t.Helper()
	s := &stubSearcher{id: id, fn: fn}
	err := reg.Register(registry.Entry{ID: id, Lane: registry.LaneWeb, Priority: prio, Keyed: keyed, Searcher: s}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func okHits() []providers.Hit {
	return []providers.Hit{
		{URL: "https://a.example/one", Title: "One", Excerpt: "first", RawScore: 0.9},
		{URL: "https://b.example/two", Title: "Two", Excerpt: "second"},
	}
}

func TestRunFirstProviderSucceeds(t *testing.T) {
	reg, bud := newEnv(t)
	register(t, reg, "web-a", 0, true, func(int, context.Context) ([]providers.Hit, error) {
		return okHits(), nil
	})

	res := New(reg, testLogger()).Run(context.Background(), testQuery(t), bud, registry.LaneWeb)
	if res.Status != StatusOK {
		t.Fatalf("status = %s, want ok (%s)", res.Status, res.Err)
	}
	if res.ProviderUsed != "web-a" {
		t.Errorf("provider = %s", res.ProviderUsed)
	}
	if len(res.Sources) != 2 {
		t.Fatalf("sources = %d", len(res.Sources))
	}
	// Missing score filled with 1/(position+1).
	if res.Sources[1].RawScore != 0.5 {
		t.Errorf("filled score = %v, want 0.5", res.Sources[1].RawScore)
	}
	if res.Sources[0].KeyedFallback {
		t.Error("keyed provider should not flag keyed_fallback")
	}
	if res.Sources[0].Lanes[0] != registry.LaneWeb {
		t.Errorf("lane provenance = %v", res.Sources[0].Lanes)
	}
}

func TestRunFallbackAdvancesChain(t *testing.T) {
	reg, bud := newEnv(t)
	register(t, reg, "web-a", 0, true, func(int, context.Context) ([]providers.Hit, error) {
		return nil, &providers.StatusError{StatusCode: 503, Body: "down"}
	})
	register(t, reg, "web-keyless", 1, false, func(int, context.Context) ([]providers.Hit, error) {
		return okHits(), nil
	})

	var fallbacks []Fallback
	e := New(reg, testLogger(), WithFallbackFunc(func(f Fallback) { fallbacks = append(fallbacks, f) }))
	res := e.Run(context.Background(), testQuery(t), bud, registry.LaneWeb)

	if res.Status != StatusOK || res.ProviderUsed != "web-keyless" {
		t.Fatalf("status=%s provider=%s", res.Status, res.ProviderUsed)
	}
	if len(fallbacks) != 1 {
		t.Fatalf("fallbacks = %d", len(fallbacks))
	}
	if fallbacks[0].From != "web-a" || fallbacks[0].To != "web-keyless" || fallbacks[0].Reason != "unavailable" {
		t.Errorf("fallback = %+v", fallbacks[0])
	}
	// Keyless origin is flagged on every record.
	if !res.Sources[0].KeyedFallback {
		t.Error("keyless provider should flag keyed_fallback")
	}
	// Health degradation recorded for the failed provider.
	if reg.Tracker().GetStats("web-a").TotalErrors == 0 {
		t.Error("expected failure recorded against web-a")
	}
}

func TestRunCooledPrimaryEmitsFallback(t *testing.T) {
	reg, bud := newEnv(t)
	a := register(t, reg, "web-a", 0, true, func(int, context.Context) ([]providers.Hit, error) {
		return okHits(), nil
	})
	register(t, reg, "web-keyless", 100, false, func(int, context.Context) ([]providers.Hit, error) {
		return okHits(), nil
	})

	// Drive the keyed primary into cooldown before the lane runs.
	for i := 0; i < 5; i++ {
		reg.Tracker().RecordError("web-a", "boom")
	}

	var fallbacks []Fallback
	e := New(reg, testLogger(), WithFallbackFunc(func(f Fallback) { fallbacks = append(fallbacks, f) }))
	res := e.Run(context.Background(), testQuery(t), bud, registry.LaneWeb)

	if res.Status != StatusOK || res.ProviderUsed != "web-keyless" {
		t.Fatalf("status=%s provider=%s", res.Status, res.ProviderUsed)
	}
	if a.calls != 0 {
		t.Errorf("cooled primary was attempted %d times", a.calls)
	}
	// Starting mid-chain is still a visible degradation.
	if len(fallbacks) != 1 {
		t.Fatalf("fallbacks = %d, want 1", len(fallbacks))
	}
	if fallbacks[0].From != "web-a" || fallbacks[0].To != "web-keyless" || fallbacks[0].Reason != "unavailable" {
		t.Errorf("fallback = %+v", fallbacks[0])
	}
	if len(res.ChainTraversed) != 2 || res.ChainTraversed[0] != "web-a" {
		t.Errorf("traversed = %v, want skipped primary recorded", res.ChainTraversed)
	}
	if !res.Sources[0].KeyedFallback {
		t.Error("keyless provider should flag keyed_fallback")
	}
}

func TestRunAllKeyedCooledIsSkipped(t *testing.T) {
	reg, bud := newEnv(t)
	register(t, reg, "web-a", 0, true, func(int, context.Context) ([]providers.Hit, error) {
		return okHits(), nil
	})
	for i := 0; i < 5; i++ {
		reg.Tracker().RecordError("web-a", "boom")
	}

	res := New(reg, testLogger()).Run(context.Background(), testQuery(t), bud, registry.LaneWeb)
	if res.Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped", res.Status)
	}
}

func TestRunSearchesNormalizedText(t *testing.T) {
	reg, bud := newEnv(t)
	s := register(t, reg, "web-a", 0, true, func(int, context.Context) ([]providers.Hit, error) {
		return okHits(), nil
	})

	q, err := query.New("  Mixed   CASE Query ", "simple", query.Constraints{}, "t1")
	if err != nil {
		t.Fatal(err)
	}
	New(reg, testLogger()).Run(context.Background(), q, bud, registry.LaneWeb)

	if s.lastQuery != "mixed case query" {
		t.Errorf("searched %q, want the normalized text", s.lastQuery)
	}
}

func TestRunRateLimitedGoesToCooldown(t *testing.T) {
	reg, bud := newEnv(t)
	register(t, reg, "web-a", 0, true, func(int, context.Context) ([]providers.Hit, error) {
		return nil, &providers.StatusError{StatusCode: 429, Body: "slow down", RetryAfterSecs: 30}
	})
	register(t, reg, "web-b", 1, true, func(int, context.Context) ([]providers.Hit, error) {
		return okHits(), nil
	})

	res := New(reg, testLogger()).Run(context.Background(), testQuery(t), bud, registry.LaneWeb)
	if res.Status != StatusOK || res.ProviderUsed != "web-b" {
		t.Fatalf("status=%s provider=%s", res.Status, res.ProviderUsed)
	}
	if reg.Tracker().IsAvailable("web-a") {
		t.Error("rate limited provider should be cooling down")
	}
}

func TestRunTransientRetriesOnceThenAdvances(t *testing.T) {
	reg, bud := newEnv(t)
	a := register(t, reg, "web-a", 0, true, func(int, context.Context) ([]providers.Hit, error) {
		return nil, &providers.StatusError{StatusCode: 500, Body: "flaky"}
	})
	register(t, reg, "web-b", 1, true, func(int, context.Context) ([]providers.Hit, error) {
		return okHits(), nil
	})

	res := New(reg, testLogger()).Run(context.Background(), testQuery(t), bud, registry.LaneWeb)
	if res.Status != StatusOK || res.ProviderUsed != "web-b" {
		t.Fatalf("status=%s provider=%s", res.Status, res.ProviderUsed)
	}
	if a.calls != 2 {
		t.Errorf("transient error should get exactly one retry, calls = %d", a.calls)
	}
}

func TestRunTransientRetrySucceeds(t *testing.T) {
	reg, bud := newEnv(t)
	register(t, reg, "web-a", 0, true, func(call int, _ context.Context) ([]providers.Hit, error) {
		if call == 1 {
			return nil, &providers.StatusError{StatusCode: 500, Body: "flaky"}
		}
		return okHits(), nil
	})

	res := New(reg, testLogger()).Run(context.Background(), testQuery(t), bud, registry.LaneWeb)
	if res.Status != StatusOK || res.ProviderUsed != "web-a" {
		t.Fatalf("status=%s provider=%s err=%s", res.Status, res.ProviderUsed, res.Err)
	}
}

func TestRunChainExhaustedIsError(t *testing.T) {
	reg, bud := newEnv(t)
	register(t, reg, "web-a", 0, true, func(int, context.Context) ([]providers.Hit, error) {
		return nil, &providers.StatusError{StatusCode: 401, Body: "bad key"}
	})

	res := New(reg, testLogger()).Run(context.Background(), testQuery(t), bud, registry.LaneWeb)
	if res.Status != StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if res.Err == "" {
		t.Error("expected last error carried")
	}
}

func TestRunNoChainIsSkipped(t *testing.T) {
	reg, bud := newEnv(t)
	res := New(reg, testLogger()).Run(context.Background(), testQuery(t), bud, registry.LaneMarkets)
	if res.Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped", res.Status)
	}
}

func TestRunZeroHitsIsOK(t *testing.T) {
	reg, bud := newEnv(t)
	register(t, reg, "web-a", 0, true, func(int, context.Context) ([]providers.Hit, error) {
		return nil, nil
	})

	res := New(reg, testLogger()).Run(context.Background(), testQuery(t), bud, registry.LaneWeb)
	if res.Status != StatusOK {
		t.Fatalf("status = %s, want ok", res.Status)
	}
	if len(res.Sources) != 0 {
		t.Errorf("sources = %d, want 0", len(res.Sources))
	}
}

func TestRunDeadlinePartial(t *testing.T) {
	reg, _ := newEnv(t)
	register(t, reg, "web-a", 0, true, func(_ int, ctx context.Context) ([]providers.Hit, error) {
		// Return partial hits, then block until the lane deadline.
		<-ctx.Done()
		return okHits()[:1], ctx.Err()
	})

	// Tiny budget so the lane deadline fires fast.
	table := budget.Table{query.ModeSimple: {TotalMs: 300, RefinementMs: 10, RetrievalMs: 80, SynthesisMs: 100, PerLaneMs: 80, PerProviderMs: 80}}
	bud := budget.New(table, query.ModeSimple)

	res := New(reg, testLogger()).Run(context.Background(), testQuery(t), bud, registry.LaneWeb)
	if res.Status != StatusPartial {
		t.Fatalf("status = %s, want partial (err=%s)", res.Status, res.Err)
	}
	if len(res.Sources) != 1 {
		t.Errorf("sources = %d, want 1", len(res.Sources))
	}
}

func TestRunDeadlineTimeout(t *testing.T) {
	reg, _ := newEnv(t)
	register(t, reg, "web-a", 0, true, func(_ int, ctx context.Context) ([]providers.Hit, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	table := budget.Table{query.ModeSimple: {TotalMs: 300, RefinementMs: 10, RetrievalMs: 80, SynthesisMs: 100, PerLaneMs: 80, PerProviderMs: 80}}
	bud := budget.New(table, query.ModeSimple)

	res := New(reg, testLogger()).Run(context.Background(), testQuery(t), bud, registry.LaneWeb)
	if res.Status != StatusTimeout {
		t.Fatalf("status = %s, want timeout", res.Status)
	}
}

func TestRunUpdatesEmitted(t *testing.T) {
	reg, bud := newEnv(t)
	register(t, reg, "web-a", 0, true, func(int, context.Context) ([]providers.Hit, error) {
		return okHits(), nil
	})

	var updates []Update
	e := New(reg, testLogger(), WithUpdateFunc(func(u Update) { updates = append(updates, u) }))
	e.Run(context.Background(), testQuery(t), bud, registry.LaneWeb)

	if len(updates) != 2 {
		t.Fatalf("updates = %d, want running + terminal", len(updates))
	}
	if updates[0].Status != StatusRunning {
		t.Errorf("first update = %s", updates[0].Status)
	}
	if updates[1].Status != string(StatusOK) || updates[1].SourceCount != 2 {
		t.Errorf("terminal update = %+v", updates[1])
	}
	if updates[1].BudgetMs != int64(bud.Profile().PerLaneMs) {
		t.Errorf("budget ms = %d", updates[1].BudgetMs)
	}
}

func TestCanonicalizeDedupesInLane(t *testing.T) {
	reg, bud := newEnv(t)
	register(t, reg, "web-a", 0, true, func(int, context.Context) ([]providers.Hit, error) {
		return []providers.Hit{
			{URL: "https://A.example/page?utm_source=x", Title: "First", RawScore: 0.9},
			{URL: "https://a.example/page", Title: "Duplicate", RawScore: 0.8},
			{URL: "https://a.example/other", Title: "Other", RawScore: 0.7},
		}, nil
	})

	res := New(reg, testLogger()).Run(context.Background(), testQuery(t), bud, registry.LaneWeb)
	if len(res.Sources) != 2 {
		t.Fatalf("sources = %d, want 2 after dedupe", len(res.Sources))
	}
	// Earliest rank wins.
	if res.Sources[0].Title != "First" {
		t.Errorf("kept %q, want the earlier-ranked record", res.Sources[0].Title)
	}
}

func TestCanonicalizeDropsMalformed(t *testing.T) {
	reg, bud := newEnv(t)
	register(t, reg, "web-a", 0, true, func(int, context.Context) ([]providers.Hit, error) {
		return []providers.Hit{
			{URL: "https://a.example/good", Title: "Good"},
			{Title: string([]byte{0xff, 0xfe}), URL: "https://a.example/bad"},
		}, nil
	})

	res := New(reg, testLogger()).Run(context.Background(), testQuery(t), bud, registry.LaneWeb)
	if len(res.Sources) != 1 {
		t.Fatalf("sources = %d, want 1 after dropping malformed", len(res.Sources))
	}
}

func TestIsDeadline(t *testing.T) {
	if !IsDeadline(context.DeadlineExceeded) {
		t.Error("DeadlineExceeded should report true")
	}
	if IsDeadline(errors.New("other")) {
		t.Error("other errors should report false")
	}
}

func TestRunRespectsParentCancel(t *testing.T) {
	reg, bud := newEnv(t)
	register(t, reg, "web-a", 0, true, func(_ int, ctx context.Context) ([]providers.Hit, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := New(reg, testLogger()).Run(ctx, testQuery(t), bud, registry.LaneWeb)
	if time.Since(start) > time.Second {
		t.Error("cancel not honored promptly")
	}
	if res.Status == StatusOK {
		t.Errorf("status = %s", res.Status)
	}
}
