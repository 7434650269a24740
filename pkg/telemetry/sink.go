// Package telemetry is the structured event substrate every stage emits
// into. Events are append-only; a slow or contended write holds the caller
// for at most emitTimeout and is then dropped.
package telemetry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/pkg/sqlitedb"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const emitTimeout = 5 * time.Second

// Sink is the contract every caller emits events through.
type Sink interface {
	Emit(ctx context.Context, ev model.Event)
	JobStarted(ctx context.Context, correlationID, jobID, sourceKind string)
	PhaseCompleted(ctx context.Context, correlationID string, phaseNumber int, phase string, metrics map[string]float64, metadata map[string]any)
	JobCompleted(ctx context.Context, correlationID, jobID string, metrics map[string]float64)
	IngestionComplete(ctx context.Context, correlationID, jobID string, metrics map[string]float64)
	JobFailed(ctx context.Context, correlationID, jobID, failedStage, errType, errMessage string, retryCount int)
	RetryAttempt(ctx context.Context, correlationID string, attemptNumber, maxAttempts int, reason string)
	Close() error
}

// SQLiteSink persists events to a local sqlite table. Every emit runs under
// a bounded per-call context against the shared pooled connection; it does
// not open a physical connection of its own. The pool holds one connection,
// so an emit that arrives while another is in flight waits for it, for at
// most emitTimeout.
type SQLiteSink struct {
	db      *sql.DB
	log     *slog.Logger
	enabled bool
}

// Open opens (creating if necessary) the sqlite-backed event store at dsn.
func Open(dsn string, log *slog.Logger) (*SQLiteSink, error) {
	db, err := sqlitedb.Open(dsn, migrationsFS, log)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return &SQLiteSink{db: db, log: log, enabled: true}, nil
}

// SetEnabled toggles emission for this sink; the server turns it off when
// ENVIRONMENT=test.
func (s *SQLiteSink) SetEnabled(enabled bool) { s.enabled = enabled }

func (s *SQLiteSink) Close() error { return s.db.Close() }

// Emit appends ev. Failures, including lock contention, are logged and
// dropped — never retried, never propagated to the caller.
func (s *SQLiteSink) Emit(ctx context.Context, ev model.Event) {
	if !s.enabled {
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Service == "" {
		ev.Service = model.ServiceName
	}

	metaJSON, err := json.Marshal(orEmptyMap(ev.Metadata))
	if err != nil {
		s.log.Warn("telemetry: marshal metadata failed", "err", err)
		return
	}
	metricsJSON, err := json.Marshal(orEmptyMetrics(ev.Metrics))
	if err != nil {
		s.log.Warn("telemetry: marshal metrics failed", "err", err)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()

	_, err = s.db.ExecContext(cctx, `
		INSERT INTO events (event_id, timestamp, service, event_type, severity, correlation_id, metadata, metrics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.Timestamp.Format(time.RFC3339), ev.Service, string(ev.EventType),
		string(ev.Severity), ev.CorrelationID, string(metaJSON), string(metricsJSON),
	)
	if err != nil {
		if isLockContention(err) {
			s.log.Warn("telemetry: event dropped, store contended", "event_type", ev.EventType)
			return
		}
		s.log.Warn("telemetry: emit failed", "event_type", ev.EventType, "err", err)
	}
}

func isLockContention(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func (s *SQLiteSink) JobStarted(ctx context.Context, correlationID, jobID, sourceKind string) {
	s.Emit(ctx, model.Event{
		EventType:     model.EventJobStarted,
		Severity:      model.SeverityInfo,
		CorrelationID: correlationID,
		Metadata:      map[string]any{"job_id": jobID, "source_kind": sourceKind},
	})
}

func (s *SQLiteSink) PhaseCompleted(ctx context.Context, correlationID string, phaseNumber int, phase string, metrics map[string]float64, metadata map[string]any) {
	md := map[string]any{"phase": phase, "phase_number": phaseNumber}
	for k, v := range metadata {
		md[k] = v
	}
	s.Emit(ctx, model.Event{
		EventType:     model.EventPhaseCompleted,
		Severity:      model.SeverityInfo,
		CorrelationID: correlationID,
		Metadata:      md,
		Metrics:       metrics,
	})
}

func (s *SQLiteSink) JobCompleted(ctx context.Context, correlationID, jobID string, metrics map[string]float64) {
	s.Emit(ctx, model.Event{
		EventType:     model.EventJobCompleted,
		Severity:      model.SeverityInfo,
		CorrelationID: correlationID,
		Metadata:      map[string]any{"job_id": jobID},
		Metrics:       metrics,
	})
}

// IngestionComplete is an alias of JobCompleted with a different event_type
// tag, kept so a sibling dashboard can filter on it separately.
func (s *SQLiteSink) IngestionComplete(ctx context.Context, correlationID, jobID string, metrics map[string]float64) {
	s.Emit(ctx, model.Event{
		EventType:     model.EventIngestionComplete,
		Severity:      model.SeverityInfo,
		CorrelationID: correlationID,
		Metadata:      map[string]any{"job_id": jobID},
		Metrics:       metrics,
	})
}

func (s *SQLiteSink) JobFailed(ctx context.Context, correlationID, jobID, failedStage, errType, errMessage string, retryCount int) {
	s.Emit(ctx, model.Event{
		EventType:     model.EventJobFailed,
		Severity:      model.SeverityError,
		CorrelationID: correlationID,
		Metadata: map[string]any{
			"job_id":       jobID,
			"failed_stage": failedStage,
			"error_type":   errType,
			"error_message": errMessage,
			"retry_count":  retryCount,
		},
	})
}

func (s *SQLiteSink) RetryAttempt(ctx context.Context, correlationID string, attemptNumber, maxAttempts int, reason string) {
	s.Emit(ctx, model.Event{
		EventType:     model.EventRetryAttempt,
		Severity:      model.SeverityWarning,
		CorrelationID: correlationID,
		Metadata: map[string]any{
			"attempt_number": attemptNumber,
			"max_attempts":   maxAttempts,
			"reason":         reason,
		},
	})
}

var _ Sink = (*SQLiteSink)(nil)

// NoopSink discards every event. Used in tests and as the server's fallback
// when the telemetry store cannot be opened.
type NoopSink struct{}

func (NoopSink) Emit(context.Context, model.Event)                                                     {}
func (NoopSink) JobStarted(context.Context, string, string, string)                                     {}
func (NoopSink) PhaseCompleted(context.Context, string, int, string, map[string]float64, map[string]any) {}
func (NoopSink) JobCompleted(context.Context, string, string, map[string]float64)                       {}
func (NoopSink) IngestionComplete(context.Context, string, string, map[string]float64)                  {}
func (NoopSink) JobFailed(context.Context, string, string, string, string, string, int)                 {}
func (NoopSink) RetryAttempt(context.Context, string, int, int, string)                                 {}
func (NoopSink) Close() error                                                                            { return nil }

var _ Sink = NoopSink{}
