package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/fathomhq/fathom/internal/envelope"
	"github.com/fathomhq/fathom/internal/providers"
	"github.com/fathomhq/fathom/internal/query"
)

// queryRequest is the POST /v1/query body.
type queryRequest struct {
	Query       string            `json:"query"`
	Mode        string            `json:"mode,omitempty"`
	Constraints query.Constraints `json:"constraints,omitempty"`
	TraceID     string            `json:"trace_id,omitempty"`
}

// QueryHandler accepts a query and streams its response envelope as SSE.
// Validation failures are rejected with a plain JSON 400 before any
// streaming begins; every later failure arrives inside the stream as a
// terminal error event.
func QueryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}

		traceID := req.TraceID
		if traceID == "" {
			traceID = middleware.GetReqID(r.Context())
		}

		q, err := query.New(req.Query, req.Mode, req.Constraints, traceID)
		if err != nil {
			if errors.Is(err, query.ErrValidation) {
				jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Trace-ID", q.TraceID)
		w.WriteHeader(http.StatusOK)

		// Inject the request ID into context for provider tracing.
		ctx := providers.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))

		stream := envelope.NewStream(q.TraceID, 0)
		go func() {
			d.Orchestrator.Handle(ctx, q, stream)
			stream.Close()
		}()

		// A client disconnect cancels ctx; the run winds down, the stream
		// closes, and the loop exits.
		for e := range stream.Events() {
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, e.JSON())
			flusher.Flush()
		}
	}
}
