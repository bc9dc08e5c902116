package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.temporal.io/sdk/client"

	"github.com/fathomhq/fathom/internal/circuitbreaker"
	"github.com/fathomhq/fathom/internal/telemetry"
)

const dispatchTimeout = 5 * time.Second

// Starter is the slice of the Temporal client the dispatcher needs.
type Starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Dispatcher implements the telemetry writer contract by starting one
// workflow per record. Dispatch failures trip the breaker; while it is open
// every record goes to the fallback writer directly.
type Dispatcher struct {
	starter   Starter
	taskQueue string
	breaker   *circuitbreaker.Breaker
	fallback  telemetry.Writer
	logger    *slog.Logger
	dispatch  *prometheus.CounterVec // outcome: dispatched|failed|bypassed
}

// DispatcherOption configures optional Dispatcher behaviour.
type DispatcherOption func(*Dispatcher)

// WithDispatchCounter counts dispatch outcomes on the given counter vec,
// labelled dispatched, failed, or bypassed.
func WithDispatchCounter(c *prometheus.CounterVec) DispatcherOption {
	return func(d *Dispatcher) { d.dispatch = c }
}

// NewDispatcher creates a Dispatcher. fallback must not be nil.
func NewDispatcher(s Starter, taskQueue string, br *circuitbreaker.Breaker, fallback telemetry.Writer, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if br == nil {
		br = circuitbreaker.New()
	}
	d := &Dispatcher{
		starter:   s,
		taskQueue: taskQueue,
		breaker:   br,
		fallback:  fallback,
		logger:    logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) count(outcome string) {
	if d.dispatch != nil {
		d.dispatch.WithLabelValues(outcome).Inc()
	}
}

// Write dispatches the record through Temporal, or straight to the fallback
// when the breaker is open.
func (d *Dispatcher) Write(rec telemetry.Record) error {
	if d.starter == nil || !d.breaker.Allow() {
		d.count("bypassed")
		return d.fallback.Write(rec)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	_, err := d.starter.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "telemetry-" + rec.QueryID,
		TaskQueue: d.taskQueue,
	}, TelemetryWorkflow, rec)
	if err != nil {
		d.breaker.RecordFailure()
		d.count("failed")
		d.logger.Warn("telemetry workflow dispatch failed, writing directly",
			slog.String("query_id", rec.QueryID),
			slog.String("error", err.Error()),
			slog.String("breaker", d.breaker.CurrentState().String()),
		)
		return d.fallback.Write(rec)
	}
	d.breaker.RecordSuccess()
	d.count("dispatched")
	return nil
}
