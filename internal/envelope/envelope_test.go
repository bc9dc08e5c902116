package envelope

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestSendStampsSequenceAndTrace(t *testing.T) {
	s := NewStream("t-42", 8)
	ctx := context.Background()

	for _, k := range []Kind{KindLaneUpdate, KindSourcesFinalized, KindToken} {
		if err := s.Send(ctx, Event{Kind: k}); err != nil {
			t.Fatalf("Send(%s) error: %v", k, err)
		}
	}
	s.Close()

	var seq uint64
	for e := range s.Events() {
		seq++
		if e.Seq != seq {
			t.Errorf("seq = %d, want %d", e.Seq, seq)
		}
		if e.TraceID != "t-42" {
			t.Errorf("trace = %q", e.TraceID)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	}
	if seq != 3 {
		t.Errorf("received %d events, want 3", seq)
	}
}

func TestSendAfterTerminalIsDropped(t *testing.T) {
	s := NewStream("t", 8)
	ctx := context.Background()

	if err := s.Send(ctx, Event{Kind: KindDone, Done: &Done{}}); err != nil {
		t.Fatalf("Send(done) error: %v", err)
	}
	if !s.Terminated() {
		t.Error("Terminated() = false after done")
	}
	if err := s.Send(ctx, Event{Kind: KindToken, Token: &Token{Text: "late"}}); err != nil {
		t.Fatalf("Send after terminal error: %v", err)
	}
	if s.TrySend(Event{Kind: KindError, Error: &Error{Kind: "late"}}) {
		t.Error("TrySend accepted event after terminal")
	}
	s.Close()

	var got []Kind
	for e := range s.Events() {
		got = append(got, e.Kind)
	}
	if len(got) != 1 || got[0] != KindDone {
		t.Errorf("events = %v, want [done]", got)
	}
}

func TestSendBlocksUntilCancel(t *testing.T) {
	s := NewStream("t", 1)
	ctx := context.Background()

	if err := s.Send(ctx, Event{Kind: KindToken}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := s.Send(cctx, Event{Kind: KindToken}); err != context.DeadlineExceeded {
		t.Errorf("blocked Send() error = %v, want deadline exceeded", err)
	}
}

func TestTrySendDropsWhenFull(t *testing.T) {
	s := NewStream("t", 1)

	if !s.TrySend(Event{Kind: KindLaneUpdate}) {
		t.Fatal("first TrySend rejected")
	}
	if s.TrySend(Event{Kind: KindLaneUpdate}) {
		t.Error("TrySend accepted with full channel")
	}

	// Dropped events still consume sequence numbers: monotonic, not dense.
	if got := (<-s.Events()).Seq; got != 1 {
		t.Errorf("first seq = %d", got)
	}
	if !s.TrySend(Event{Kind: KindLaneUpdate}) {
		t.Fatal("TrySend rejected after drain")
	}
	if got := (<-s.Events()).Seq; got != 3 {
		t.Errorf("seq after drop = %d, want 3", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := NewStream("t", 1)
	s.Close()
	s.Close()
	if _, ok := <-s.Events(); ok {
		t.Error("channel not closed")
	}
}

func TestTerminal(t *testing.T) {
	if !(Event{Kind: KindDone}).Terminal() || !(Event{Kind: KindError}).Terminal() {
		t.Error("done/error not terminal")
	}
	if (Event{Kind: KindToken}).Terminal() {
		t.Error("token reported terminal")
	}
}

func TestEventJSONShape(t *testing.T) {
	e := Event{
		Seq:       7,
		TraceID:   "t-7",
		Kind:      KindToken,
		Timestamp: time.Now().UTC(),
		Token:     &Token{Text: "hi", Citations: []Citation{{MarkerIndex: 1, SourceID: "s1"}}},
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.JSON(), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"seq", "trace_id", "kind", "ts", "token"} {
		if _, ok := m[key]; !ok {
			t.Errorf("wire JSON missing %q", key)
		}
	}
	if _, ok := m["done"]; ok {
		t.Error("empty payload field serialized")
	}
}
