package circuitbreaker

import (
	"testing"
	"time"
)

func TestClosedAdmits(t *testing.T) {
	b := New()
	if !b.Allow() {
		t.Fatal("closed breaker must admit")
	}
	if b.CurrentState() != Closed {
		t.Fatalf("state = %s, want closed", b.CurrentState())
	}
}

func TestTripsAtThreshold(t *testing.T) {
	b := New(WithThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	if b.CurrentState() != Closed {
		t.Fatalf("state after 2 failures = %s", b.CurrentState())
	}
	if !b.Allow() {
		t.Fatal("must still admit below threshold")
	}

	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("state after 3 failures = %s, want open", b.CurrentState())
	}
	if b.Allow() {
		t.Fatal("open breaker must reject")
	}
}

func TestProbeAfterCooldown(t *testing.T) {
	now := time.Now()
	b := New(WithThreshold(1), WithCooldown(10*time.Second),
		WithNowFunc(func() time.Time { return now }))

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("rejects during cooldown")
	}

	now = now.Add(11 * time.Second)
	if !b.Allow() {
		t.Fatal("one probe admitted after cooldown")
	}
	if b.CurrentState() != HalfOpen {
		t.Fatalf("state = %s, want half-open", b.CurrentState())
	}
	if b.Allow() {
		t.Fatal("only one probe at a time")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	now := time.Now()
	b := New(WithThreshold(1), WithCooldown(5*time.Second),
		WithNowFunc(func() time.Time { return now }))

	b.RecordFailure()
	now = now.Add(6 * time.Second)
	if !b.Allow() {
		t.Fatal("probe admitted")
	}

	b.RecordSuccess()
	if b.CurrentState() != Closed {
		t.Fatalf("state = %s, want closed", b.CurrentState())
	}
	if !b.Allow() {
		t.Fatal("closed breaker must admit")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	now := time.Now()
	b := New(WithThreshold(1), WithCooldown(5*time.Second),
		WithNowFunc(func() time.Time { return now }))

	b.RecordFailure()
	now = now.Add(6 * time.Second)
	b.Allow() // half-open

	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("state = %s, want open", b.CurrentState())
	}
	if b.Allow() {
		t.Fatal("rejects right after reopening")
	}
}

func TestSuccessResetsFailureRun(t *testing.T) {
	b := New(WithThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	if b.CurrentState() != Closed {
		t.Fatalf("state = %s, run should have reset", b.CurrentState())
	}
	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("state = %s, want open", b.CurrentState())
	}
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []struct{ from, to State }
	now := time.Now()
	b := New(WithThreshold(1), WithCooldown(5*time.Second),
		WithNowFunc(func() time.Time { return now }),
		WithOnStateChange(func(from, to State) {
			transitions = append(transitions, struct{ from, to State }{from, to})
		}))

	b.RecordFailure()              // closed -> open
	now = now.Add(6 * time.Second) //
	b.Allow()                      // open -> half-open
	b.RecordSuccess()              // half-open -> closed

	want := []struct{ from, to State }{
		{Closed, Open},
		{Open, HalfOpen},
		{HalfOpen, Closed},
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %d, want %d", len(transitions), len(want))
	}
	for i, tr := range transitions {
		if tr != want[i] {
			t.Errorf("transition %d = %s->%s, want %s->%s", i, tr.from, tr.to, want[i].from, want[i].to)
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Closed:    "closed",
		Open:      "open",
		HalfOpen:  "half-open",
		State(99): "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestOptionsIgnoreNonPositive(t *testing.T) {
	b := New(WithThreshold(0), WithCooldown(0))
	if b.threshold != defaultThreshold {
		t.Errorf("threshold = %d, want default %d", b.threshold, defaultThreshold)
	}
	if b.cooldown != defaultCooldown {
		t.Errorf("cooldown = %v, want default %v", b.cooldown, defaultCooldown)
	}
}
