// Package workflow runs telemetry persistence as a Temporal workflow:
// durable inserts with retries, decoupled from the request path. When the
// Temporal backend is down, the dispatcher's circuit breaker routes records
// straight to the store instead.
package workflow

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fathomhq/fathom/internal/events"
	"github.com/fathomhq/fathom/internal/store"
	"github.com/fathomhq/fathom/internal/telemetry"
)

const activityTimeout = 10 * time.Second

// Activities holds the side-effecting collaborators the workflow calls into.
type Activities struct {
	store store.Store
	bus   *events.Bus
}

// NewActivities creates the activity set. bus may be nil.
func NewActivities(st store.Store, bus *events.Bus) *Activities {
	return &Activities{store: st, bus: bus}
}

// PersistRecord inserts one telemetry record.
func (a *Activities) PersistRecord(ctx context.Context, rec telemetry.Record) error {
	return a.store.InsertTelemetry(ctx, rec)
}

// PublishRecorded announces the persisted record on the system event bus.
func (a *Activities) PublishRecorded(ctx context.Context, rec telemetry.Record) error {
	if a.bus != nil {
		a.bus.Publish(events.Event{
			Type:    events.EventTelemetryRecorded,
			QueryID: rec.QueryID,
			TraceID: rec.TraceID,
			Mode:    rec.Mode,
			TotalMs: float64(rec.TotalMs),
		})
	}
	return nil
}

// TelemetryWorkflow persists one record and announces it. The insert retries
// a few times inside the workflow; the publish is best-effort.
func TelemetryWorkflow(ctx workflow.Context, rec telemetry.Record) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: time.Second,
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	if err := workflow.ExecuteActivity(ctx, (*Activities).PersistRecord, rec).Get(ctx, nil); err != nil {
		return err
	}

	_ = workflow.ExecuteActivity(ctx, (*Activities).PublishRecorded, rec).Get(ctx, nil)
	return nil
}
