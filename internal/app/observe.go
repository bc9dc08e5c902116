package app

import (
	"github.com/fathomhq/fathom/internal/events"
	"github.com/fathomhq/fathom/internal/metrics"
	"github.com/fathomhq/fathom/internal/telemetry"
)

// metricsSink feeds the Prometheus instruments from each telemetry record.
// It composes with the persistence sink via fanoutSink so the orchestrator
// still emits exactly once per request.
type metricsSink struct {
	m *metrics.Registry
}

func (s metricsSink) Emit(rec telemetry.Record) {
	outcome := "ok"
	switch {
	case rec.ErrorKind != "":
		outcome = rec.ErrorKind
	case rec.Model.Truncated:
		outcome = "truncated"
	}
	s.m.QueriesTotal.WithLabelValues(rec.Mode, outcome).Inc()
	s.m.QueryLatency.WithLabelValues(rec.Mode).Observe(float64(rec.TotalMs))

	for _, l := range rec.Lanes {
		s.m.LaneOutcomes.WithLabelValues(l.LaneID, l.Status).Inc()
		s.m.LaneLatency.WithLabelValues(l.LaneID).Observe(float64(l.ElapsedMs))
	}

	switch {
	case rec.Cache.Hit:
		s.m.CacheEvents.WithLabelValues("hit").Inc()
	case rec.Cache.Coalesced:
		s.m.CacheEvents.WithLabelValues("coalesced").Inc()
	default:
		s.m.CacheEvents.WithLabelValues("miss").Inc()
	}

	if rec.Model.FinalModel != "" && rec.Model.FirstTokenMs > 0 {
		s.m.FirstTokenMs.WithLabelValues(rec.Model.FinalModel).Observe(float64(rec.Model.FirstTokenMs))
	}
}

// fanoutSink emits one record to every sink in order.
type fanoutSink []telemetry.Sink

func (f fanoutSink) Emit(rec telemetry.Record) {
	for _, s := range f {
		s.Emit(rec)
	}
}

// watchProviderErrors counts lane fallbacks as provider errors, labelled by
// the classified reason that forced the chain advance. The returned stop
// function unsubscribes and ends the goroutine.
func watchProviderErrors(m *metrics.Registry, bus *events.Bus) (stop func()) {
	sub := bus.Subscribe(64)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case e := <-sub.C:
				if e.Type != events.EventLaneFallback {
					continue
				}
				m.ProviderErrors.WithLabelValues(e.FromProvider, e.Reason).Inc()
			}
		}
	}()
	return func() {
		bus.Unsubscribe(sub)
		close(done)
	}
}
