// Package jobstore persists job records to sqlite, the same
// migrate-on-open discipline pkg/telemetry uses for its event table. Store
// satisfies both engine/orchestrator's narrow lifecycle-mutation contract
// and the broader CRUD/list/delete surface the HTTP API and executor need,
// so one concrete type serves every caller without an adapter shim.
package jobstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/pkg/rakeerr"
	"github.com/rake-ingest/rake/pkg/sqlitedb"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// Store is the sqlite-backed job store.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating and migrating if necessary) the sqlite-backed job
// store at dsn.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	db, err := sqlitedb.Open(dsn, migrationsFS, log)
	if err != nil {
		return nil, fmt.Errorf("jobstore: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: health probe: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Create inserts job. The job_id primary key enforces uniqueness.
func (s *Store) Create(ctx context.Context, job model.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}
	stagesJSON, err := json.Marshal(orEmptyStrings(job.StagesCompleted))
	if err != nil {
		return fmt.Errorf("jobstore: marshal stages_completed: %w", err)
	}
	paramsJSON, err := json.Marshal(orEmptyMap(job.SourceParams))
	if err != nil {
		return fmt.Errorf("jobstore: marshal source_params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			job_id, correlation_id, source_kind, status, tenant_id, created_at,
			error_message, stages_completed, source_params, cancellation_requested
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.CorrelationID, job.SourceKind, string(job.Status), job.TenantID,
		job.CreatedAt.Format(timeLayout), job.ErrorMessage, string(stagesJSON), string(paramsJSON),
		boolToInt(job.CancellationRequested),
	)
	if err != nil {
		return fmt.Errorf("jobstore: create job %s: %w", job.JobID, err)
	}
	return nil
}

// Get loads job_id or returns rakeerr.ErrJobNotFound.
func (s *Store) Get(ctx context.Context, jobID string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, rakeerr.New(rakeerr.KindValidation, rakeerr.ErrJobNotFound)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("jobstore: get job %s: %w", jobID, err)
	}
	return job, nil
}

// Update applies a partial patch to job_id's row. Only non-nil fields are
// changed; it is a no-op if job_id does not exist.
type Patch struct {
	Status                  *model.JobStatus
	CompletedAt             *time.Time
	DurationMS              *int64
	DocumentsStored         *int
	ChunksCreated           *int
	EmbeddingsGenerated     *int
	ErrorMessage            *string
	StagesCompleted         []string
	SourceParams            map[string]any
	CancellationRequested   *bool
}

func (s *Store) Update(ctx context.Context, jobID string, patch Patch) (model.Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return model.Job{}, err
	}

	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.CompletedAt != nil {
		job.CompletedAt = patch.CompletedAt
	}
	if patch.DurationMS != nil {
		job.DurationMS = patch.DurationMS
	}
	if patch.DocumentsStored != nil {
		job.DocumentsStored = patch.DocumentsStored
	}
	if patch.ChunksCreated != nil {
		job.ChunksCreated = patch.ChunksCreated
	}
	if patch.EmbeddingsGenerated != nil {
		job.EmbeddingsGenerated = patch.EmbeddingsGenerated
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	if patch.StagesCompleted != nil {
		job.StagesCompleted = patch.StagesCompleted
	}
	if patch.SourceParams != nil {
		job.SourceParams = patch.SourceParams
	}
	if patch.CancellationRequested != nil {
		job.CancellationRequested = *patch.CancellationRequested
	}

	if err := s.write(ctx, job); err != nil {
		return model.Job{}, err
	}
	return job, nil
}

func (s *Store) write(ctx context.Context, job model.Job) error {
	stagesJSON, err := json.Marshal(orEmptyStrings(job.StagesCompleted))
	if err != nil {
		return fmt.Errorf("jobstore: marshal stages_completed: %w", err)
	}
	paramsJSON, err := json.Marshal(orEmptyMap(job.SourceParams))
	if err != nil {
		return fmt.Errorf("jobstore: marshal source_params: %w", err)
	}

	var completedAt sql.NullString
	if job.CompletedAt != nil {
		completedAt = sql.NullString{String: job.CompletedAt.Format(timeLayout), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, completed_at = ?, duration_ms = ?, documents_stored = ?,
			chunks_created = ?, embeddings_generated = ?, error_message = ?,
			stages_completed = ?, source_params = ?, cancellation_requested = ?
		WHERE job_id = ?`,
		string(job.Status), completedAt, job.DurationMS, job.DocumentsStored,
		job.ChunksCreated, job.EmbeddingsGenerated, job.ErrorMessage,
		string(stagesJSON), string(paramsJSON), boolToInt(job.CancellationRequested),
		job.JobID,
	)
	if err != nil {
		return fmt.Errorf("jobstore: update job %s: %w", job.JobID, err)
	}
	return nil
}

// List returns jobs matching the optional tenant/status filters, ordered by
// created_at descending, one page at a time, alongside the total match
// count (ignoring pagination).
func (s *Store) List(ctx context.Context, tenant *string, status *model.JobStatus, page, pageSize int) ([]model.Job, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	where := ""
	args := []any{}
	if tenant != nil {
		where += " AND tenant_id = ?"
		args = append(args, *tenant)
	}
	if status != nil {
		where += " AND status = ?"
		args = append(args, string(*status))
	}
	if where != "" {
		where = "WHERE 1=1" + where
	}

	var total int
	countRow := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs `+where, args...)
	if err := countRow.Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("jobstore: count jobs: %w", err)
	}

	listArgs := append(append([]any{}, args...), pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, selectColumns+` `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("jobstore: list jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("jobstore: scan job row: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("jobstore: iterate job rows: %w", err)
	}
	return out, total, nil
}

// Delete removes job_id, reporting whether a row was actually deleted.
func (s *Store) Delete(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("jobstore: delete job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("jobstore: delete job %s: %w", jobID, err)
	}
	return n > 0, nil
}

// GetActive returns every job not in a terminal status, optionally scoped
// to a tenant. Used at startup to resume in-flight work.
func (s *Store) GetActive(ctx context.Context, tenant *string) ([]model.Job, error) {
	where := `WHERE status NOT IN (?, ?, ?)`
	args := []any{string(model.JobCompleted), string(model.JobFailed), string(model.JobCancelled)}
	if tenant != nil {
		where += ` AND tenant_id = ?`
		args = append(args, *tenant)
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+` `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore: get active jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore: scan active job row: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// --- narrow lifecycle mutators matching engine/orchestrator.JobStore ---

func (s *Store) MarkStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	_, err := s.Update(ctx, jobID, Patch{Status: &status})
	return err
}

func (s *Store) AppendStageCompleted(ctx context.Context, jobID string, stage string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	stages := append(append([]string{}, job.StagesCompleted...), stage)
	_, err = s.Update(ctx, jobID, Patch{StagesCompleted: stages})
	return err
}

func (s *Store) MarkCompleted(ctx context.Context, jobID string, documentsStored, chunksCreated, embeddingsGenerated int) error {
	now := time.Now().UTC()
	completed := model.JobCompleted
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	durationMS := now.Sub(job.CreatedAt).Milliseconds()
	_, err = s.Update(ctx, jobID, Patch{
		Status:              &completed,
		CompletedAt:         &now,
		DurationMS:          &durationMS,
		DocumentsStored:     &documentsStored,
		ChunksCreated:       &chunksCreated,
		EmbeddingsGenerated: &embeddingsGenerated,
	})
	return err
}

func (s *Store) MarkFailed(ctx context.Context, jobID string, failedStage string, jobErr error) error {
	now := time.Now().UTC()
	failed := model.JobFailed
	msg := fmt.Sprintf("%s: %s", failedStage, jobErr.Error())
	_, err := s.Update(ctx, jobID, Patch{
		Status:       &failed,
		CompletedAt:  &now,
		ErrorMessage: &msg,
	})
	return err
}

func (s *Store) MarkCancelled(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	cancelled := model.JobCancelled
	_, err := s.Update(ctx, jobID, Patch{Status: &cancelled, CompletedAt: &now})
	return err
}

// --- scanning helpers ---

const selectColumns = `SELECT
	job_id, correlation_id, source_kind, status, tenant_id, created_at,
	completed_at, duration_ms, documents_stored, chunks_created,
	embeddings_generated, error_message, stages_completed, source_params,
	cancellation_requested
	FROM jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.Job, error) {
	var (
		job                   model.Job
		status                string
		createdAt             string
		completedAt           sql.NullString
		durationMS            sql.NullInt64
		documentsStored       sql.NullInt64
		chunksCreated         sql.NullInt64
		embeddingsGenerated   sql.NullInt64
		stagesJSON            string
		paramsJSON            string
		cancellationRequested int
	)

	if err := row.Scan(
		&job.JobID, &job.CorrelationID, &job.SourceKind, &status, &job.TenantID, &createdAt,
		&completedAt, &durationMS, &documentsStored, &chunksCreated,
		&embeddingsGenerated, &job.ErrorMessage, &stagesJSON, &paramsJSON,
		&cancellationRequested,
	); err != nil {
		return model.Job{}, err
	}

	job.Status = model.JobStatus(status)
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		job.CreatedAt = t
	}
	if completedAt.Valid {
		if t, err := time.Parse(timeLayout, completedAt.String); err == nil {
			job.CompletedAt = &t
		}
	}
	if durationMS.Valid {
		v := durationMS.Int64
		job.DurationMS = &v
	}
	if documentsStored.Valid {
		v := int(documentsStored.Int64)
		job.DocumentsStored = &v
	}
	if chunksCreated.Valid {
		v := int(chunksCreated.Int64)
		job.ChunksCreated = &v
	}
	if embeddingsGenerated.Valid {
		v := int(embeddingsGenerated.Int64)
		job.EmbeddingsGenerated = &v
	}
	if stagesJSON != "" {
		_ = json.Unmarshal([]byte(stagesJSON), &job.StagesCompleted)
	}
	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &job.SourceParams)
	}
	job.CancellationRequested = cancellationRequested != 0

	return job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
