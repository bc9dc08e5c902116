// Package telemetry defines the per-request record emitted after every
// response terminates, and the non-blocking sink contract it travels through.
package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LaneRecord captures one lane's outcome.
type LaneRecord struct {
	LaneID         string   `json:"lane_id"`
	ChainTraversed []string `json:"provider_chain_traversed"`
	KeyedFallback  bool     `json:"keyed_fallback"`
	Status         string   `json:"status"`
	ElapsedMs      int64    `json:"elapsed_ms"`
	BudgetMs       int64    `json:"budget_ms"`
	SourceCount    int      `json:"source_count"`
}

// ModelRecord captures the synthesis outcome.
type ModelRecord struct {
	ChainTraversed []string `json:"chain_traversed"`
	FinalModel     string   `json:"final_model,omitempty"`
	FirstTokenMs   int64    `json:"first_token_ms,omitempty"`
	Truncated      bool     `json:"truncated"`
}

// CacheRecord captures how the cache served the request.
type CacheRecord struct {
	Hit       bool `json:"hit"`
	Coalesced bool `json:"coalesced"`
}

// Phases breaks down elapsed time per pipeline phase.
type Phases struct {
	RefinementMs int64 `json:"refinement_ms"`
	RetrievalMs  int64 `json:"retrieval_ms"`
	SynthesisMs  int64 `json:"synthesis_ms"`
}

// Record is the full telemetry record for one request. Exactly one is
// emitted per request, on every outcome including errors.
type Record struct {
	Timestamp     time.Time    `json:"timestamp"`
	QueryID       string       `json:"query_id"`
	TraceID       string       `json:"trace_id,omitempty"`
	Mode          string       `json:"mode"`
	TotalBudgetMs int64        `json:"total_budget_ms"`
	TotalMs       int64        `json:"total_ms"`
	Phases        Phases       `json:"phase_elapsed_ms"`
	Lanes         []LaneRecord `json:"lanes"`
	Model         ModelRecord  `json:"model"`
	Cache         CacheRecord  `json:"cache"`
	ErrorKind     string       `json:"error_kind,omitempty"`
}

// Sink accepts telemetry records. Emit must never block the caller; a sink
// under pressure drops records rather than stalling the response path.
type Sink interface {
	Emit(rec Record)
}

// NopSink discards every record.
type NopSink struct{}

func (NopSink) Emit(Record) {}

// Writer persists records; the async sink drains into one.
type Writer interface {
	Write(rec Record) error
}

// AsyncSink decouples Emit from persistence with a bounded queue drained by
// one background goroutine. Overflow drops the record and counts it.
type AsyncSink struct {
	ch      chan Record
	logger  *slog.Logger
	dropped atomic.Uint64
	wg      sync.WaitGroup
	once    sync.Once
}

// NewAsyncSink starts the drain goroutine. bufSize <= 0 defaults to 256.
func NewAsyncSink(w Writer, logger *slog.Logger, bufSize int) *AsyncSink {
	if bufSize <= 0 {
		bufSize = 256
	}
	s := &AsyncSink{ch: make(chan Record, bufSize), logger: logger}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for rec := range s.ch {
			if err := w.Write(rec); err != nil {
				logger.Warn("telemetry write failed",
					slog.String("query_id", rec.QueryID),
					slog.String("error", err.Error()),
				)
			}
		}
	}()
	return s
}

func (s *AsyncSink) Emit(rec Record) {
	select {
	case s.ch <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of records lost to queue overflow.
func (s *AsyncSink) Dropped() uint64 { return s.dropped.Load() }

// Close drains the queue and stops the goroutine. Emit after Close panics;
// call during shutdown only.
func (s *AsyncSink) Close() {
	s.once.Do(func() {
		close(s.ch)
		s.wg.Wait()
	})
}
