// Package api implements the HTTP surface for job submission and status
// (§4.12): net/http's method+pattern ServeMux, the teacher's pkg/mid
// middleware chain, and JWT bearer auth in the style
// krukmat-fenix/pkg/auth uses for HS256 tokens.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rake-ingest/rake/engine/executor"
	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/pkg/metrics"
	"github.com/rake-ingest/rake/pkg/mid"
)

// CorrelationIDHeader is echoed on every response, generated if the
// caller did not supply one.
const CorrelationIDHeader = "X-Correlation-ID"

// JobStore is the subset of engine/jobstore.Store the API needs.
type JobStore interface {
	Create(ctx context.Context, job model.Job) error
	Get(ctx context.Context, jobID string) (model.Job, error)
	List(ctx context.Context, tenant *string, status *model.JobStatus, page, pageSize int) ([]model.Job, int, error)
	Delete(ctx context.Context, jobID string) (bool, error)
}

// Submitter is the subset of engine/executor.Executor the API needs.
type Submitter interface {
	Submit(sub executor.Submission) error
}

// Config wires the server's runtime dependencies and environment flags.
type Config struct {
	Jobs        JobStore
	Executor    Submitter
	JWTSecret   []byte
	Environment string // "development" defaults unauthenticated callers to tenant "dev"
	CORSOrigin  string
	ServiceName string
	Metrics     *metrics.Registry // optional; nil skips GET /metrics
	Log         *slog.Logger
}

// NewHandler builds the full middleware-wrapped HTTP handler.
func NewHandler(cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &server{cfg: cfg, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/jobs", s.authenticate(s.handleCreateJob))
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.authenticate(s.handleGetJob))
	mux.HandleFunc("GET /api/v1/jobs", s.authenticate(s.handleListJobs))
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", s.authenticate(s.handleDeleteJob))
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = model.ServiceName
	}

	return mid.Chain(mid.CorrelationID(CorrelationIDHeader)(mux),
		mid.Recover(log),
		mid.Logger(log),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel(serviceName),
	)
}

type server struct {
	cfg Config
	log *slog.Logger
}

// --- auth ---

type tenantKey struct{}

type tenantClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// authenticate resolves the caller's tenant from a bearer JWT's tenant_id
// claim. In the development environment, a missing token defaults to
// tenant "dev" rather than failing closed.
func (s *server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if s.cfg.Environment == "development" {
				next(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, "dev")))
				return
			}
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims := &tenantClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.cfg.JWTSecret, nil
		})
		if err != nil || !parsed.Valid || claims.TenantID == "" {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, claims.TenantID)))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func tenantFrom(ctx context.Context) string {
	if t, ok := ctx.Value(tenantKey{}).(string); ok {
		return t
	}
	return ""
}

// --- handlers ---

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createJobRequest struct {
	SourceKind   string         `json:"source_kind"`
	SourceParams map[string]any `json:"source_params"`
}

type jobResponse struct {
	JobID                 string         `json:"job_id"`
	CorrelationID         string         `json:"correlation_id"`
	SourceKind            string         `json:"source_kind"`
	Status                string         `json:"status"`
	TenantID              string         `json:"tenant_id"`
	CreatedAt             time.Time      `json:"created_at"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty"`
	DurationMS            *int64         `json:"duration_ms,omitempty"`
	DocumentsStored       *int           `json:"documents_stored,omitempty"`
	ChunksCreated         *int           `json:"chunks_created,omitempty"`
	EmbeddingsGenerated   *int           `json:"embeddings_generated,omitempty"`
	ErrorMessage          string         `json:"error_message,omitempty"`
	StagesCompleted       []string       `json:"stages_completed"`
	SourceParams          map[string]any `json:"source_params,omitempty"`
	CancellationRequested bool           `json:"cancellation_requested"`
}

func toJobResponse(j model.Job) jobResponse {
	return jobResponse{
		JobID:                  j.JobID,
		CorrelationID:          j.CorrelationID,
		SourceKind:             j.SourceKind,
		Status:                 string(j.Status),
		TenantID:               j.TenantID,
		CreatedAt:              j.CreatedAt,
		CompletedAt:            j.CompletedAt,
		DurationMS:             j.DurationMS,
		DocumentsStored:        j.DocumentsStored,
		ChunksCreated:          j.ChunksCreated,
		EmbeddingsGenerated:    j.EmbeddingsGenerated,
		ErrorMessage:           j.ErrorMessage,
		StagesCompleted:        j.StagesCompleted,
		SourceParams:           j.SourceParams,
		CancellationRequested:  j.CancellationRequested,
	}
}

func (s *server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceKind == "" {
		writeError(w, http.StatusBadRequest, "source_kind is required")
		return
	}

	job := model.Job{
		JobID:         uuid.NewString(),
		CorrelationID: mid.CorrelationIDFromContext(r.Context()),
		SourceKind:    req.SourceKind,
		Status:        model.JobPending,
		TenantID:      tenantFrom(r.Context()),
		CreatedAt:     time.Now().UTC(),
		SourceParams:  req.SourceParams,
	}

	if err := s.cfg.Jobs.Create(r.Context(), job); err != nil {
		s.log.ErrorContext(r.Context(), "api: create job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}

	if err := s.cfg.Executor.Submit(executor.Submission{
		JobID:         job.JobID,
		SourceKind:    job.SourceKind,
		TenantID:      job.TenantID,
		CorrelationID: job.CorrelationID,
	}); err != nil {
		s.log.ErrorContext(r.Context(), "api: submit job failed", "job_id", job.JobID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not submit job")
		return
	}

	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.cfg.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.TenantID != "" && job.TenantID != tenantFrom(r.Context()) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	page, pageSize := paginationFrom(r)

	var statusFilter *model.JobStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := model.JobStatus(v)
		statusFilter = &st
	}

	jobs, total, err := s.cfg.Jobs.List(r.Context(), &tenant, statusFilter, page, pageSize)
	if err != nil {
		s.log.ErrorContext(r.Context(), "api: list jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list jobs")
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":      out,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.cfg.Jobs.Get(r.Context(), id)
	if err != nil || (job.TenantID != "" && job.TenantID != tenantFrom(r.Context())) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status == model.JobCompleted || job.Status == model.JobFailed {
		writeError(w, http.StatusConflict, "job is in a terminal state and cannot be deleted")
		return
	}

	deleted, err := s.cfg.Jobs.Delete(r.Context(), id)
	if err != nil {
		s.log.ErrorContext(r.Context(), "api: delete job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not delete job")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func paginationFrom(r *http.Request) (page, pageSize int) {
	page = 1
	pageSize = 20
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			page = n
		}
	}
	if v := q.Get("page_size"); v != "" {
		if n, err := parsePositiveInt(v); err == nil && n <= 100 {
			pageSize = n
		}
	}
	return page, pageSize
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
