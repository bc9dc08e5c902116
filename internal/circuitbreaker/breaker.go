// Package circuitbreaker implements a goroutine-safe circuit breaker for the
// telemetry workflow dispatch path. When the workflow backend becomes
// unavailable the breaker trips after a run of consecutive failures and
// telemetry falls back to the direct store writer until a probe succeeds.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker's dispatch state.
type State int

const (
	// Closed is normal operation: records dispatch through the workflow.
	Closed State = iota
	// Open means dispatch is suspended; records take the fallback path.
	Open
	// HalfOpen admits a single probe to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold = 3
	defaultCooldown  = 30 * time.Second
)

// Breaker counts consecutive dispatch failures and moves between Closed,
// Open, and HalfOpen.
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	threshold     int
	cooldown      time.Duration
	openedAt      time.Time
	onStateChange func(from, to State)

	nowFunc func() time.Time // test clock
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive-failure count that trips the breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before probing.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers a transition callback. It runs with the
// breaker's mutex held and must not call back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// WithNowFunc overrides the clock. Used by tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(b *Breaker) { b.nowFunc = fn }
}

// New creates a Breaker in the Closed state.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:     Closed,
		threshold: defaultThreshold,
		cooldown:  defaultCooldown,
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the next record may dispatch through the workflow.
// Closed always admits. Open admits nothing until the cooldown elapses, then
// transitions to HalfOpen and admits exactly one probe. HalfOpen rejects
// while the probe is outstanding.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.nowFunc().After(b.openedAt.Add(b.cooldown)) {
			b.setState(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		return false
	default:
		return false
	}
}

// RecordSuccess resets the failure run; a successful HalfOpen probe closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == HalfOpen {
		b.setState(Closed)
	}
}

// RecordFailure extends the failure run. Closed trips to Open at the
// threshold; a failed HalfOpen probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case Closed:
		if b.failures >= b.threshold {
			b.setState(Open)
			b.openedAt = b.nowFunc()
		}
	case HalfOpen:
		b.setState(Open)
		b.openedAt = b.nowFunc()
	}
}

// CurrentState returns the breaker state without consulting the cooldown
// timer; use Allow for dispatch decisions.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState transitions and fires the callback. Caller holds b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
