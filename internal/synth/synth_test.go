package synth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fathomhq/fathom/internal/fusion"
	"github.com/fathomhq/fathom/internal/providers"
	"github.com/fathomhq/fathom/internal/query"
	"github.com/fathomhq/fathom/internal/router"
	"github.com/fathomhq/fathom/internal/source"
)

type fakeCompleter struct {
	id     string
	stream func(ctx context.Context) (io.ReadCloser, error)
}

func (f *fakeCompleter) ID() string { return f.id }

func (f *fakeCompleter) StreamCompletion(ctx context.Context, model string, req providers.CompletionRequest) (io.ReadCloser, error) {
	return f.stream(ctx)
}

func (f *fakeCompleter) ParseFragment(data []byte) (string, bool, bool) {
	if string(data) == "[DONE]" {
		return "", true, false
	}
	var p struct {
		T string `json:"t"`
	}
	if json.Unmarshal(data, &p) != nil {
		return "", false, false
	}
	return p.T, false, true
}

func (f *fakeCompleter) ClassifyError(err error) *providers.ClassifiedError {
	return providers.Classify(err)
}

func frame(text string) string {
	b, _ := json.Marshal(struct {
		T string `json:"t"`
	}{T: text})
	return "data: " + string(b) + "\n\n"
}

func sseBody(frags ...string) string {
	var b strings.Builder
	for _, f := range frags {
		b.WriteString(frame(f))
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func staticStream(body string) func(context.Context) (io.ReadCloser, error) {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

type blockingBody struct {
	ch   chan struct{}
	once sync.Once
}

func newBlockingBody() *blockingBody { return &blockingBody{ch: make(chan struct{})} }

func (b *blockingBody) Read(p []byte) (int, error) {
	<-b.ch
	return 0, io.EOF
}

func (b *blockingBody) Close() error {
	b.once.Do(func() { close(b.ch) })
	return nil
}

type sinkCall struct {
	text    string
	markers []int
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (r *recordingSink) fn(text string, markers []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sinkCall{text: text, markers: markers})
	return nil
}

func (r *recordingSink) allMarkers() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, c := range r.calls {
		out = append(out, c.markers...)
	}
	return out
}

func (r *recordingSink) answer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, c := range r.calls {
		b.WriteString(c.text)
	}
	return b.String()
}

func testFused(n int) fusion.FusedContext {
	var fc fusion.FusedContext
	for i := 0; i < n; i++ {
		fc.Citable = append(fc.Citable, source.Record{
			SourceID: string(rune('a' + i)),
			Title:    "doc",
			Domain:   "example.com",
			Excerpt:  "excerpt",
		})
	}
	return fc
}

func testChain(ids ...string) []router.Model {
	var chain []router.Model
	for _, id := range ids {
		chain = append(chain, router.Model{ID: id, ProviderID: "prov-" + id, Enabled: true})
	}
	return chain
}

func newSynth(cfg Config, completers map[string]providers.Completer) *Synthesizer {
	src := func(providerID string) providers.Completer { return completers[providerID] }
	return New(src, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
}

func TestRunEmptyContextYieldsNoEvidenceAnswer(t *testing.T) {
	s := newSynth(Config{}, nil)
	sink := &recordingSink{}

	res, err := s.Run(context.Background(), query.Query{ID: "q1"}, fusion.FusedContext{}, testChain("m1"), sink.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Answer == "" || res.ModelID != "" {
		t.Errorf("result = %+v, want canned answer with no model", res)
	}
	if got := sink.allMarkers(); len(got) != 0 {
		t.Errorf("markers = %v, want none", got)
	}
}

func TestRunStreamsTokensWithCitations(t *testing.T) {
	body := sseBody("The answer [1]", " is here [2].")
	s := newSynth(Config{}, map[string]providers.Completer{
		"prov-m1": &fakeCompleter{id: "c1", stream: staticStream(body)},
	})
	sink := &recordingSink{}

	res, err := s.Run(context.Background(), query.Query{ID: "q1", RawText: "question"}, testFused(2), testChain("m1"), sink.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ModelID != "m1" || res.Truncated {
		t.Errorf("result = %+v", res)
	}
	if res.FirstTokenMs < 0 {
		t.Errorf("first token ms = %d", res.FirstTokenMs)
	}
	if got := sink.answer(); got != "The answer [1] is here [2]." {
		t.Errorf("answer = %q", got)
	}
	markers := sink.allMarkers()
	if len(markers) != 2 || markers[0] != 1 || markers[1] != 2 {
		t.Errorf("markers = %v, want [1 2]", markers)
	}
	if res.Answer != sink.answer() {
		t.Errorf("result answer %q != sink answer %q", res.Answer, sink.answer())
	}
}

func TestRunStripsOutOfRangeMarkers(t *testing.T) {
	body := sseBody("claim [7] holds [1].")
	s := newSynth(Config{}, map[string]providers.Completer{
		"prov-m1": &fakeCompleter{id: "c1", stream: staticStream(body)},
	})
	sink := &recordingSink{}

	if _, err := s.Run(context.Background(), query.Query{ID: "q1"}, testFused(2), testChain("m1"), sink.fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sink.answer(); got != "claim  holds [1]." {
		t.Errorf("answer = %q, want out-of-range marker stripped", got)
	}
	markers := sink.allMarkers()
	if len(markers) != 1 || markers[0] != 1 {
		t.Errorf("markers = %v, want [1]", markers)
	}
}

func TestRunMarkerSplitAcrossFragments(t *testing.T) {
	body := sseBody("see [", "2] for details.")
	s := newSynth(Config{}, map[string]providers.Completer{
		"prov-m1": &fakeCompleter{id: "c1", stream: staticStream(body)},
	})
	sink := &recordingSink{}

	if _, err := s.Run(context.Background(), query.Query{ID: "q1"}, testFused(2), testChain("m1"), sink.fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sink.answer(); got != "see [2] for details." {
		t.Errorf("answer = %q", got)
	}
	markers := sink.allMarkers()
	if len(markers) != 1 || markers[0] != 2 {
		t.Errorf("markers = %v, want [2]", markers)
	}
}

func TestRunAdvancesChainOnFirstTokenTimeout(t *testing.T) {
	stuck := newBlockingBody()
	s := newSynth(Config{FirstTokenTarget: 30 * time.Millisecond}, map[string]providers.Completer{
		"prov-slow": &fakeCompleter{id: "slow", stream: func(context.Context) (io.ReadCloser, error) {
			return stuck, nil
		}},
		"prov-fast": &fakeCompleter{id: "fast", stream: staticStream(sseBody("quick answer."))},
	})
	sink := &recordingSink{}

	res, err := s.Run(context.Background(), query.Query{ID: "q1"}, testFused(1), testChain("slow", "fast"), sink.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ModelID != "fast" {
		t.Errorf("model = %s, want fast", res.ModelID)
	}
	if len(res.ChainTraversed) != 2 {
		t.Errorf("chain traversed = %v, want both models attempted", res.ChainTraversed)
	}
	if got := sink.answer(); got != "quick answer." {
		t.Errorf("answer = %q", got)
	}
}

func TestRunAdvancesChainOnStreamError(t *testing.T) {
	s := newSynth(Config{}, map[string]providers.Completer{
		"prov-bad": &fakeCompleter{id: "bad", stream: func(context.Context) (io.ReadCloser, error) {
			return nil, errors.New("connect refused")
		}},
		"prov-ok": &fakeCompleter{id: "ok", stream: staticStream(sseBody("fallback answer."))},
	})
	sink := &recordingSink{}

	res, err := s.Run(context.Background(), query.Query{ID: "q1"}, testFused(1), testChain("bad", "ok"), sink.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ModelID != "ok" {
		t.Errorf("model = %s, want ok", res.ModelID)
	}
}

func TestRunChainExhausted(t *testing.T) {
	s := newSynth(Config{}, map[string]providers.Completer{
		"prov-m1": &fakeCompleter{id: "c1", stream: func(context.Context) (io.ReadCloser, error) {
			return nil, errors.New("down")
		}},
		"prov-m2": &fakeCompleter{id: "c2", stream: func(context.Context) (io.ReadCloser, error) {
			return nil, errors.New("also down")
		}},
	})
	sink := &recordingSink{}

	_, err := s.Run(context.Background(), query.Query{ID: "q1"}, testFused(1), testChain("m1", "m2"), sink.fn)
	if !errors.Is(err, ErrNoModelAvailable) {
		t.Fatalf("err = %v, want ErrNoModelAvailable", err)
	}
}

func TestRunDisagreementAcknowledged(t *testing.T) {
	fc := testFused(2)
	fc.Disagreements = []fusion.Disagreement{{SourceA: "a", SourceB: "b", Reason: "opposing negation"}}

	body := sseBody("one side says X [1].")
	s := newSynth(Config{}, map[string]providers.Completer{
		"prov-m1": &fakeCompleter{id: "c1", stream: staticStream(body)},
	})
	sink := &recordingSink{}

	res, err := s.Run(context.Background(), query.Query{ID: "q1"}, fc, testChain("m1"), sink.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Answer, "disagree") {
		t.Errorf("answer = %q, want disagreement acknowledgement", res.Answer)
	}
	markers := sink.allMarkers()
	seen := map[int]bool{}
	for _, m := range markers {
		seen[m] = true
	}
	if !seen[1] || !seen[2] {
		t.Errorf("markers = %v, want both sides cited", markers)
	}
}

func TestRunDisagreementAlreadyCited(t *testing.T) {
	fc := testFused(2)
	fc.Disagreements = []fusion.Disagreement{{SourceA: "a", SourceB: "b", Reason: "conflicting numbers"}}

	body := sseBody("sources [1] and [2] disagree on the figure.")
	s := newSynth(Config{}, map[string]providers.Completer{
		"prov-m1": &fakeCompleter{id: "c1", stream: staticStream(body)},
	})
	sink := &recordingSink{}

	res, err := s.Run(context.Background(), query.Query{ID: "q1"}, fc, testChain("m1"), sink.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(res.Answer, "Note: sources") {
		t.Errorf("answer = %q, should not append a second acknowledgement", res.Answer)
	}
}

func TestRunExpiredDeadlineTruncatesImmediately(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	s := newSynth(Config{}, map[string]providers.Completer{
		"prov-m1": &fakeCompleter{id: "c1", stream: staticStream(sseBody("never seen."))},
	})
	sink := &recordingSink{}

	res, err := s.Run(ctx, query.Query{ID: "q1"}, testFused(1), testChain("m1"), sink.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Truncated {
		t.Error("expected truncated result")
	}
	if len(sink.calls) != 0 {
		t.Errorf("sink calls = %d, want none", len(sink.calls))
	}
}

func TestRunSoftCancelFinishesSentence(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw, frame("First part"))
		time.Sleep(120 * time.Millisecond)
		_, _ = io.WriteString(pw, frame(", and the rest."))
		time.Sleep(50 * time.Millisecond)
		_ = pw.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	s := newSynth(Config{SoftCancelGrace: 300 * time.Millisecond}, map[string]providers.Completer{
		"prov-m1": &fakeCompleter{id: "c1", stream: func(context.Context) (io.ReadCloser, error) {
			return pr, nil
		}},
	})
	sink := &recordingSink{}

	res, err := s.Run(ctx, query.Query{ID: "q1"}, testFused(1), testChain("m1"), sink.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Truncated {
		t.Error("expected truncated result")
	}
	if got := sink.answer(); got != "First part, and the rest." {
		t.Errorf("answer = %q, want the sentence finished inside the grace window", got)
	}
}

func TestRunHardCancelStopsMidStream(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw, frame("partial text"))
		// No further writes; the reader stays blocked until cancellation
		// closes the body.
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s := newSynth(Config{FirstTokenTarget: 5 * time.Second}, map[string]providers.Completer{
		"prov-m1": &fakeCompleter{id: "c1", stream: func(context.Context) (io.ReadCloser, error) {
			return pr, nil
		}},
	})
	sink := &recordingSink{}

	done := make(chan struct{})
	var res Result
	var runErr error
	go func() {
		res, runErr = s.Run(ctx, query.Query{ID: "q1"}, testFused(1), testChain("m1"), sink.fn)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after hard cancel")
	}
	_ = pw.Close()
	if runErr != nil {
		t.Fatalf("unexpected error: %v", runErr)
	}
	if !res.Truncated {
		t.Error("expected truncated result")
	}
	if got := sink.answer(); got != "partial text" {
		t.Errorf("answer = %q", got)
	}
}

func TestMarkerScannerFeed(t *testing.T) {
	ms := &markerScanner{max: 3}

	text, cites := ms.feed("alpha [2] beta [9] gamma")
	if text != "alpha [2] beta  gamma" {
		t.Errorf("text = %q", text)
	}
	if len(cites) != 1 || cites[0] != 2 {
		t.Errorf("cites = %v", cites)
	}

	// Bracket followed by non-digits is plain text.
	text, _ = ms.feed("array[i] and [note] stay")
	if text != "array[i] and [note] stay" {
		t.Errorf("text = %q, want brackets preserved", text)
	}

	// [0] is not a valid marker.
	text, cites = ms.feed("zero [0] ref")
	if text != "zero  ref" || len(cites) != 0 {
		t.Errorf("text = %q cites = %v", text, cites)
	}
}

func TestMarkerScannerFlush(t *testing.T) {
	ms := &markerScanner{max: 3}
	text, _ := ms.feed("trailing [1")
	if text != "trailing " {
		t.Errorf("text = %q, want partial marker held back", text)
	}
	if got := ms.flush(); got != "[1" {
		t.Errorf("flush = %q", got)
	}
}

func TestBuildRequestNumbersSources(t *testing.T) {
	fc := testFused(2)
	fc.Citable[0].Title = "First Doc"
	fc.Citable[1].Title = "Second Doc"
	req := BuildRequest(query.Query{RawText: "what happened"}, fc, 512)

	if !strings.Contains(req.User, "[1] First Doc") || !strings.Contains(req.User, "[2] Second Doc") {
		t.Errorf("user prompt missing numbered sources:\n%s", req.User)
	}
	if req.MaxTokens != 512 {
		t.Errorf("max tokens = %d", req.MaxTokens)
	}
	if req.System == "" {
		t.Error("system prompt empty")
	}
}

func TestBuildRequestTruncatesExcerptOnRuneBoundary(t *testing.T) {
	fc := testFused(1)
	// A multi-byte rune straddles the truncation point.
	fc.Citable[0].Excerpt = strings.Repeat("a", maxExcerptChars-1) + strings.Repeat("é", 40)
	req := BuildRequest(query.Query{RawText: "q"}, fc, 512)

	if !utf8.ValidString(req.User) {
		t.Error("prompt contains invalid UTF-8 after truncation")
	}
	if strings.Contains(req.User, strings.Repeat("é", 40)) {
		t.Error("excerpt not truncated")
	}
}
