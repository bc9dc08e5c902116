// Package openai adapts OpenAI-compatible chat completion APIs to the
// Completer contract. Self-hosted gateways exposing the same wire format are
// configured through the same adapter with a different base URL.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fathomhq/fathom/internal/providers"
)

// Adapter implements providers.Completer for the OpenAI chat API.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a new OpenAI adapter. A zero timeout defaults to 30s.
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

// HealthEndpoint returns the models listing URL for health probing.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/models"
}

// StreamCompletion sends a streaming chat completion and returns the raw SSE
// response body.
func (a *Adapter) StreamCompletion(ctx context.Context, model string, req providers.CompletionRequest) (io.ReadCloser, error) {
	messages := []map[string]string{}
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.User})

	payload := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   true,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}

	return providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, a.authHeaders())
}

// streamChunk is the subset of an OpenAI streaming chunk we consume.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// ParseFragment extracts the text delta from one SSE data payload.
func (a *Adapter) ParseFragment(data []byte) (string, bool, bool) {
	if string(data) == "[DONE]" {
		return "", true, true
	}
	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil || len(chunk.Choices) == 0 {
		return "", false, false
	}
	c := chunk.Choices[0]
	if c.FinishReason != nil && *c.FinishReason != "" {
		return c.Delta.Content, true, true
	}
	if c.Delta.Content == "" {
		return "", false, false
	}
	return c.Delta.Content, false, true
}

func (a *Adapter) ClassifyError(err error) *providers.ClassifiedError {
	var se *providers.StatusError
	if errors.As(err, &se) && strings.Contains(se.Body, "context_length_exceeded") {
		return &providers.ClassifiedError{Err: err, Class: providers.ErrFatal}
	}
	return providers.Classify(err)
}

func (a *Adapter) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}
