// Package providers defines the capability contracts the lane executors and
// the synthesizer consume, plus the shared HTTP plumbing every adapter uses.
// Retrieval backends implement Searcher; LLM backends implement Completer.
package providers

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fathomhq/fathom/internal/query"
)

// Hit is the minimal unit a retrieval backend returns. Lane executors
// canonicalize hits into source records; adapters never do.
type Hit struct {
	URL       string    `json:"url"` // URL or opaque document key
	Title     string    `json:"title"`
	Excerpt   string    `json:"excerpt"`
	RawScore  float64   `json:"raw_score,omitempty"`
	Timestamp time.Time `json:"ts,omitempty"`
	Language  string    `json:"language,omitempty"`
}

// Searcher is the capability contract for retrieval backends. Search must
// honor ctx's deadline; partial hits alongside an error are acceptable.
type Searcher interface {
	ID() string
	Search(ctx context.Context, q string, c query.Constraints) ([]Hit, error)
	ClassifyError(err error) *ClassifiedError
}

// CompletionRequest is the provider-agnostic synthesis request. Adapters
// translate it into their wire format.
type CompletionRequest struct {
	System    string
	User      string
	MaxTokens int
}

// Completer is the capability contract for LLM backends. StreamCompletion
// returns the raw SSE body; the synthesizer feeds each data payload through
// ParseFragment. Cancellation via ctx must take effect promptly.
type Completer interface {
	ID() string
	StreamCompletion(ctx context.Context, model string, req CompletionRequest) (io.ReadCloser, error)
	// ParseFragment extracts the text delta from one SSE data payload.
	// ok=false means the payload carries no text (control frames, pings).
	ParseFragment(data []byte) (text string, done bool, ok bool)
	ClassifyError(err error) *ClassifiedError
}

// ErrorClass drives chain-advance and health decisions for provider errors.
type ErrorClass string

const (
	ErrRateLimited ErrorClass = "rate_limited" // backend throttled us
	ErrUnavailable ErrorClass = "unavailable"  // backend down or unreachable
	ErrTransient   ErrorClass = "transient"    // timeout or 5xx, worth one retry
	ErrFatal       ErrorClass = "fatal"        // bad request or auth, never retry
)

// Retryable reports whether the class should be retried on the next provider
// in the chain rather than treated as a permanent failure of the lane.
func (c ErrorClass) Retryable() bool {
	return c == ErrRateLimited || c == ErrUnavailable || c == ErrTransient
}

// ClassifiedError wraps a provider error with its routing classification.
type ClassifiedError struct {
	Err        error
	Class      ErrorClass
	RetryAfter int // seconds, when the backend reported one
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// StatusError captures an HTTP status code from a provider response.
// Used by adapters to return structured errors that ClassifyError can inspect.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records a Retry-After header value. Only the seconds form
// is recognized; HTTP-date values are ignored.
func (e *StatusError) ParseRetryAfter(v string) {
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
	}
}
