// Package synth streams a cited answer from the routed model chain. It walks
// the chain until a model produces a first token within the target window,
// validates citation markers against the citable bibliography, and enforces
// the soft-cancel grace on deadline expiry.
package synth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fathomhq/fathom/internal/fusion"
	"github.com/fathomhq/fathom/internal/providers"
	"github.com/fathomhq/fathom/internal/query"
	"github.com/fathomhq/fathom/internal/router"
)

// ErrNoModelAvailable is surfaced when every model in the chain failed before
// producing a token. Aliased so callers match one sentinel for both the
// router finding nothing and the chain burning down at stream time.
var ErrNoModelAvailable = router.ErrNoModelAvailable

// noEvidenceAnswer is the fixed response when fusion produced no citable
// sources. It carries no citation markers.
const noEvidenceAnswer = "I could not find any sources to answer this query. Try rephrasing it, or widening the time range or source selection."

// state tracks the streaming lifecycle for logging.
type state string

const (
	stateIdle         state = "idle"
	stateCallingModel state = "calling_model"
	stateStreaming    state = "streaming"
	stateDone         state = "done"
	stateError        state = "error"
)

// Config holds the synthesis knobs.
type Config struct {
	FirstTokenTarget time.Duration // advance the chain if no token arrives in time
	SoftCancelGrace  time.Duration // window to finish the current sentence past deadline
	MaxTokens        int
}

// DefaultConfig returns the standard synthesis settings.
func DefaultConfig() Config {
	return Config{
		FirstTokenTarget: 1500 * time.Millisecond,
		SoftCancelGrace:  250 * time.Millisecond,
		MaxTokens:        1024,
	}
}

// Result summarizes one synthesis run.
type Result struct {
	ModelID        string // model that produced the answer, empty when none streamed
	ProviderID     string
	ChainTraversed []string // model IDs attempted, in order
	Truncated      bool
	FirstTokenMs   int64
	Answer         string
}

// TokenSink receives each emitted text fragment together with the 1-based
// bibliography indexes of any citation markers it contains. A sink error
// aborts streaming; it is how a closed client stream propagates back.
type TokenSink func(text string, markers []int) error

// CompleterSource resolves a provider ID to its completion capability.
type CompleterSource func(providerID string) providers.Completer

// Synthesizer drives model streaming for one query at a time. It is
// stateless between runs and safe for concurrent use.
type Synthesizer struct {
	cfg        Config
	completers CompleterSource
	logger     *slog.Logger
}

// New creates a Synthesizer, filling zero-valued config fields with defaults.
func New(completers CompleterSource, logger *slog.Logger, cfg Config) *Synthesizer {
	def := DefaultConfig()
	if cfg.FirstTokenTarget <= 0 {
		cfg.FirstTokenTarget = def.FirstTokenTarget
	}
	if cfg.SoftCancelGrace <= 0 {
		cfg.SoftCancelGrace = def.SoftCancelGrace
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	return &Synthesizer{cfg: cfg, completers: completers, logger: logger}
}

// Run streams the answer for q grounded on fused, walking chain until a model
// delivers. ctx carries the synthesis deadline; its expiry truncates rather
// than fails. The only returned error is ErrNoModelAvailable (wrapped), after
// every chain entry failed without emitting a token.
func (s *Synthesizer) Run(ctx context.Context, q query.Query, fused fusion.FusedContext, chain []router.Model, sink TokenSink) (Result, error) {
	var res Result

	if fused.Empty() {
		if err := sink(noEvidenceAnswer, nil); err != nil {
			return res, nil
		}
		res.Answer = noEvidenceAnswer
		return res, nil
	}

	if ctx.Err() != nil {
		res.Truncated = true
		return res, nil
	}

	req := BuildRequest(q, fused, s.cfg.MaxTokens)

	var lastErr error
	for _, m := range chain {
		completer := s.completers(m.ProviderID)
		if completer == nil {
			continue
		}
		res.ChainTraversed = append(res.ChainTraversed, m.ID)
		s.transition(q.ID, stateIdle, stateCallingModel, m.ID)

		st := s.streamOne(ctx, completer, m.ID, req, fused, sink)
		if st.started || st.err == nil {
			res.ModelID = m.ID
			res.ProviderID = m.ProviderID
			res.Truncated = st.truncated
			res.FirstTokenMs = st.firstTokenMs
			res.Answer = st.answer
			s.transition(q.ID, stateStreaming, stateDone, m.ID)
			return res, nil
		}

		lastErr = st.err
		if ctx.Err() != nil {
			// Deadline burned the remaining chain; report a truncated empty
			// answer rather than a model error.
			res.Truncated = true
			return res, nil
		}
		s.logger.Warn("model failed before first token, advancing chain",
			slog.String("query_id", q.ID),
			slog.String("model", m.ID),
			slog.String("error", st.err.Error()),
		)
	}

	s.transition(q.ID, stateCallingModel, stateError, "")
	if lastErr == nil {
		return res, fmt.Errorf("%w: empty model chain", ErrNoModelAvailable)
	}
	return res, fmt.Errorf("%w: %v", ErrNoModelAvailable, lastErr)
}

// streamResult is the outcome of one model attempt.
type streamResult struct {
	started      bool // at least one token reached the sink
	truncated    bool
	firstTokenMs int64
	answer       string
	err          error
}

func (s *Synthesizer) streamOne(ctx context.Context, completer providers.Completer, model string, req providers.CompletionRequest, fused fusion.FusedContext, sink TokenSink) streamResult {
	start := time.Now()
	rc, err := completer.StreamCompletion(ctx, model, req)
	if err != nil {
		return streamResult{err: err}
	}
	defer func() { _ = rc.Close() }()

	var sawToken atomic.Bool
	ftTimer := time.AfterFunc(s.cfg.FirstTokenTarget, func() {
		if !sawToken.Load() {
			_ = rc.Close()
		}
	})
	defer ftTimer.Stop()

	// Cancellation watcher: a hard cancel closes the body immediately, a
	// deadline waits out the soft-cancel grace first so the read loop can
	// finish the current sentence.
	var hardStop atomic.Bool
	stop := make(chan struct{})
	var stopOnce sync.Once
	defer stopOnce.Do(func() { close(stop) })
	go func() {
		select {
		case <-stop:
			return
		case <-ctx.Done():
		}
		if errors.Is(context.Cause(ctx), context.Canceled) {
			hardStop.Store(true)
			_ = rc.Close()
			return
		}
		select {
		case <-time.After(s.cfg.SoftCancelGrace):
			hardStop.Store(true)
			_ = rc.Close()
		case <-stop:
		}
	}()

	ms := &markerScanner{max: len(fused.Citable)}
	var answer strings.Builder
	emitted := make(map[int]bool)
	st := streamResult{}

	emit := func(text string, markers []int) error {
		if text == "" && len(markers) == 0 {
			return nil
		}
		if err := sink(text, markers); err != nil {
			return err
		}
		answer.WriteString(text)
		for _, n := range markers {
			emitted[n] = true
		}
		if !st.started {
			st.started = true
			st.firstTokenMs = time.Since(start).Milliseconds()
		}
		return nil
	}

	completed := false
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	for scanner.Scan() {
		if hardStop.Load() {
			st.truncated = true
			break
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		frag, done, ok := completer.ParseFragment([]byte(payload))
		if ok {
			sawToken.Store(true)
			text, markers := ms.feed(frag)
			if err := emit(text, markers); err != nil {
				st.truncated = true
				st.answer = answer.String()
				return st
			}
		}
		if done {
			completed = true
			break
		}
		if ctx.Err() != nil && sentenceEnd(answer.String()) {
			st.truncated = true
			break
		}
	}

	if err := scanner.Err(); err != nil && !completed {
		switch {
		case st.started:
			// Mid-stream break after tokens reached the client: finish as
			// truncated rather than restarting on another model.
			st.truncated = true
		case hardStop.Load() || ctx.Err() != nil:
			st.truncated = true
		default:
			// No token within the target window or the stream broke on
			// arrival; either way the chain advances.
			st.err = fmt.Errorf("model %s: %w", model, err)
			return st
		}
	}
	if !completed && !st.truncated && !st.started {
		st.err = fmt.Errorf("model %s: %w", model, io.ErrUnexpectedEOF)
		return st
	}
	if !completed && !st.truncated {
		st.truncated = true
	}

	if tail := ms.flush(); tail != "" && !hardStop.Load() {
		_ = emit(tail, nil)
	}
	if completed && !hardStop.Load() {
		if text, markers, need := disagreementAck(fused, emitted); need {
			_ = emit(text, markers)
		}
	}
	st.answer = answer.String()
	return st
}

// disagreementAck builds the acknowledgement sentence when fusion flagged a
// disagreement and the model did not already cite both sides.
func disagreementAck(fused fusion.FusedContext, emitted map[int]bool) (string, []int, bool) {
	if len(fused.Disagreements) == 0 {
		return "", nil, false
	}
	idx := make(map[string]int, len(fused.Citable))
	for i, rec := range fused.Citable {
		idx[rec.SourceID] = i + 1
	}
	for _, d := range fused.Disagreements {
		a, okA := idx[d.SourceA]
		b, okB := idx[d.SourceB]
		if !okA || !okB {
			continue
		}
		if emitted[a] && emitted[b] {
			return "", nil, false // already acknowledged with both cited
		}
		text := fmt.Sprintf("\n\nNote: sources [%d] and [%d] disagree on this point.", a, b)
		return text, []int{a, b}, true
	}
	return "", nil, false
}

// sentenceEnd reports whether the accumulated answer stops at a sentence
// boundary, ignoring trailing whitespace.
func sentenceEnd(text string) bool {
	t := strings.TrimRight(text, " \t\n")
	if t == "" {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

func (s *Synthesizer) transition(queryID string, from, to state, model string) {
	s.logger.Debug("synthesis state",
		slog.String("query_id", queryID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("model", model),
	)
}
