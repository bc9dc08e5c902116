// Package store persists telemetry records. Retention is short-lived by
// design; the table is an operational window, not an archive.
package store

import (
	"context"
	"time"

	"github.com/fathomhq/fathom/internal/telemetry"
)

// Store is the telemetry persistence interface.
type Store interface {
	Migrate(ctx context.Context) error
	InsertTelemetry(ctx context.Context, rec telemetry.Record) error
	ListTelemetry(ctx context.Context, limit, offset int) ([]telemetry.Record, error)
	// Prune deletes records older than cutoff and returns how many went.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// writeTimeout bounds a single record insert on the async sink's drain path.
const writeTimeout = 5 * time.Second

// RecordWriter adapts a Store to the telemetry writer contract.
type RecordWriter struct {
	Store Store
}

func (w RecordWriter) Write(rec telemetry.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return w.Store.InsertTelemetry(ctx, rec)
}
