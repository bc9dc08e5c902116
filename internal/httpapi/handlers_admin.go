package httpapi

import (
	"net/http"
	"strconv"
)

// HealthStatsHandler returns per-provider health stats from the tracker.
func HealthStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"providers": d.Health.AllStats()})
	}
}

// ProvidersHandler returns the registry snapshot: every registered provider
// with its lane, priority, and current health state.
func ProvidersHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"providers": d.Registry.Snapshot()})
	}
}

// ModelsHandler returns the router's registered models.
func ModelsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"models": d.Router.ListModels()})
	}
}

// TelemetryHandler returns recent per-query telemetry records, newest first.
// Supports ?limit= and ?offset= pagination.
func TelemetryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			jsonError(w, "telemetry store not configured", http.StatusServiceUnavailable)
			return
		}
		limit := intQueryParam(r, "limit", 50)
		if limit > 500 {
			limit = 500
		}
		offset := intQueryParam(r, "offset", 0)

		recs, err := d.Store.ListTelemetry(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"records": recs,
			"count":   len(recs),
		})
	}
}

// CacheStatsHandler returns response cache counters.
func CacheStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Cache == nil {
			jsonError(w, "cache not configured", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, d.Cache.Stats())
	}
}

func intQueryParam(r *http.Request, name string, def int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
