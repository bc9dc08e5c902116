// Package httpapi exposes the query endpoint and the admin surface over
// HTTP. The query response is a Server-Sent Events stream carrying the
// response envelope, one event per SSE message.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fathomhq/fathom/internal/cache"
	"github.com/fathomhq/fathom/internal/envelope"
	"github.com/fathomhq/fathom/internal/events"
	"github.com/fathomhq/fathom/internal/health"
	"github.com/fathomhq/fathom/internal/metrics"
	"github.com/fathomhq/fathom/internal/query"
	"github.com/fathomhq/fathom/internal/registry"
	"github.com/fathomhq/fathom/internal/router"
	"github.com/fathomhq/fathom/internal/store"
)

// QueryRunner executes one query, writing the envelope onto the stream. It
// returns after the terminal event has been enqueued.
type QueryRunner interface {
	Handle(ctx context.Context, q query.Query, stream *envelope.Stream)
}

type Dependencies struct {
	Orchestrator QueryRunner
	Registry     *registry.Registry
	Router       *router.Router
	Metrics      *metrics.Registry
	Store        store.Store
	Health       *health.Tracker
	EventBus     *events.Bus
	Cache        *cache.Cache

	// AdminToken guards /admin/v1 when non-empty.
	AdminToken string

	// RateLimit, when set, wraps the query endpoint.
	RateLimit func(http.Handler) http.Handler
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		// Verify the system can actually serve a query.
		providerCount := len(d.Registry.Snapshot())
		modelCount := len(d.Router.ListModels())
		status := "ok"
		code := http.StatusOK
		if providerCount == 0 || modelCount == 0 {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"providers": providerCount,
			"models":    modelCount,
		})
	})

	r.Route("/v1", func(r chi.Router) {
		if d.RateLimit != nil {
			r.Use(d.RateLimit)
		}
		r.Post("/query", QueryHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		if d.AdminToken != "" {
			r.Use(AdminAuth(d.AdminToken))
		}
		r.Get("/health", HealthStatsHandler(d))
		r.Get("/providers", ProvidersHandler(d))
		r.Get("/models", ModelsHandler(d))
		r.Get("/telemetry", TelemetryHandler(d))
		r.Get("/cache", CacheStatsHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
