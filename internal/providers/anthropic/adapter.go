// Package anthropic adapts the Anthropic Messages API to the Completer
// contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/fathomhq/fathom/internal/providers"
)

// Adapter implements providers.Completer for Anthropic.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a new Anthropic adapter. A zero timeout defaults to 30s.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
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

func (a *Adapter) ID() string { return a.id }

// HealthEndpoint returns a URL for health probing. A GET to the messages
// endpoint returns 405 (Method Not Allowed) which proves reachability.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/messages"
}

// StreamCompletion sends a streaming messages request and returns the raw SSE
// response body.
func (a *Adapter) StreamCompletion(ctx context.Context, model string, req providers.CompletionRequest) (io.ReadCloser, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		// Anthropic requires max_tokens.
		maxTokens = 4096
	}
	payload := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"stream":     true,
		"messages": []map[string]string{
			{"role": "user", "content": req.User},
		},
	}
	if req.System != "" {
		payload["system"] = req.System
	}

	return providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, a.authHeaders())
}

// streamEvent is the subset of an Anthropic streaming event we consume.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// ParseFragment extracts the text delta from one SSE data payload. Only
// content_block_delta events carry text; message_stop terminates the stream.
func (a *Adapter) ParseFragment(data []byte) (string, bool, bool) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", false, false
	}
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta.Text == "" {
			return "", false, false
		}
		return ev.Delta.Text, false, true
	case "message_stop":
		return "", true, true
	}
	return "", false, false
}

func (a *Adapter) ClassifyError(err error) *providers.ClassifiedError {
	var se *providers.StatusError
	// 529 is Anthropic's overload status.
	if errors.As(err, &se) && se.StatusCode == 529 {
		ce := &providers.ClassifiedError{Err: err, Class: providers.ErrRateLimited}
		if se.RetryAfterSecs > 0 {
			ce.RetryAfter = se.RetryAfterSecs
		}
		return ce
	}
	return providers.Classify(err)
}

func (a *Adapter) authHeaders() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	}
}
