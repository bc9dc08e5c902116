package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fathomhq/fathom/internal/telemetry"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS telemetry_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			query_id TEXT NOT NULL,
			trace_id TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			total_budget_ms INTEGER NOT NULL DEFAULT 0,
			total_ms INTEGER NOT NULL DEFAULT 0,
			refinement_ms INTEGER NOT NULL DEFAULT 0,
			retrieval_ms INTEGER NOT NULL DEFAULT 0,
			synthesis_ms INTEGER NOT NULL DEFAULT 0,
			lanes TEXT NOT NULL DEFAULT '[]',
			model_chain TEXT NOT NULL DEFAULT '[]',
			final_model TEXT NOT NULL DEFAULT '',
			first_token_ms INTEGER NOT NULL DEFAULT 0,
			truncated INTEGER NOT NULL DEFAULT 0,
			cache_hit INTEGER NOT NULL DEFAULT 0,
			cache_coalesced INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_timestamp ON telemetry_records(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_query ON telemetry_records(query_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) InsertTelemetry(ctx context.Context, rec telemetry.Record) error {
	lanes, err := json.Marshal(rec.Lanes)
	if err != nil {
		return fmt.Errorf("marshal lanes: %w", err)
	}
	chain, err := json.Marshal(rec.Model.ChainTraversed)
	if err != nil {
		return fmt.Errorf("marshal model chain: %w", err)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO telemetry_records (
			timestamp, query_id, trace_id, mode, total_budget_ms, total_ms,
			refinement_ms, retrieval_ms, synthesis_ms, lanes, model_chain,
			final_model, first_token_ms, truncated, cache_hit, cache_coalesced, error_kind
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano), rec.QueryID, rec.TraceID, rec.Mode,
		rec.TotalBudgetMs, rec.TotalMs,
		rec.Phases.RefinementMs, rec.Phases.RetrievalMs, rec.Phases.SynthesisMs,
		string(lanes), string(chain),
		rec.Model.FinalModel, rec.Model.FirstTokenMs, boolInt(rec.Model.Truncated),
		boolInt(rec.Cache.Hit), boolInt(rec.Cache.Coalesced), rec.ErrorKind)
	return err
}

func (s *SQLiteStore) ListTelemetry(ctx context.Context, limit, offset int) ([]telemetry.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, query_id, trace_id, mode, total_budget_ms, total_ms,
			refinement_ms, retrieval_ms, synthesis_ms, lanes, model_chain,
			final_model, first_token_ms, truncated, cache_hit, cache_coalesced, error_kind
		 FROM telemetry_records ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []telemetry.Record
	for rows.Next() {
		var rec telemetry.Record
		var ts, lanes, chain string
		var truncated, hit, coalesced int
		if err := rows.Scan(&ts, &rec.QueryID, &rec.TraceID, &rec.Mode,
			&rec.TotalBudgetMs, &rec.TotalMs,
			&rec.Phases.RefinementMs, &rec.Phases.RetrievalMs, &rec.Phases.SynthesisMs,
			&lanes, &chain, &rec.Model.FinalModel, &rec.Model.FirstTokenMs,
			&truncated, &hit, &coalesced, &rec.ErrorKind); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		_ = json.Unmarshal([]byte(lanes), &rec.Lanes)
		_ = json.Unmarshal([]byte(chain), &rec.Model.ChainTraversed)
		rec.Model.Truncated = truncated != 0
		rec.Cache.Hit = hit != 0
		rec.Cache.Coalesced = coalesced != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM telemetry_records WHERE timestamp < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StartRetention launches the pruning loop: every interval, records older
// than maxAge are deleted. The returned func stops the loop.
func (s *SQLiteStore) StartRetention(logger *slog.Logger, maxAge, interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := s.Prune(ctx, time.Now().Add(-maxAge))
				cancel()
				if err != nil {
					logger.Warn("telemetry prune failed", slog.String("error", err.Error()))
				} else if n > 0 {
					logger.Debug("telemetry pruned", slog.Int64("deleted", n))
				}
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
