// Package model defines the document lifecycle forms and the job and
// telemetry event records that flow through the pipeline.
package model

import "time"

// RawDocument is produced by Fetch and consumed by Clean.
type RawDocument struct {
	ID         string
	SourceKind string
	Content    string
	Metadata   map[string]any
	FetchedAt  time.Time
	TenantID   string
	URL        string
}

// CleanedDocument is produced by Clean and consumed by Chunk.
type CleanedDocument struct {
	ID         string
	SourceKind string
	TenantID   string
	Content    string
	WordCount  int
	CharCount  int
	Metadata   map[string]any
}

// Chunk is produced by Chunk and consumed by Embed.
type Chunk struct {
	ID         string
	DocumentID string
	Content    string
	Position   int
	TokenCount int
	StartChar  int
	EndChar    int
	Metadata   map[string]any
	TenantID   string
}

// Embedding is produced by Embed and consumed by Store.
type Embedding struct {
	ID       string
	ChunkID  string
	Vector   []float32
	Model    string
	Metadata map[string]any
	TenantID string
}

// StoredDocument summarizes what Store wrote for one document_id.
type StoredDocument struct {
	DocumentID      string
	SourceKind      string
	URL             string
	TenantID        string
	ChunkCount      int
	EmbeddingCount  int
	Status          string
	Acknowledgement map[string]any
}

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobFetching  JobStatus = "fetching"
	JobCleaning  JobStatus = "cleaning"
	JobChunking  JobStatus = "chunking"
	JobEmbedding JobStatus = "embedding"
	JobStoring   JobStatus = "storing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// StageOrder is the fixed sequence a job's stages_completed is a prefix of.
var StageOrder = []string{"fetch", "clean", "chunk", "embed", "store"}

// Job is one end-to-end pipeline run for one submission.
type Job struct {
	JobID                string
	CorrelationID        string
	SourceKind           string
	Status               JobStatus
	TenantID             string
	CreatedAt            time.Time
	CompletedAt          *time.Time
	DurationMS           *int64
	DocumentsStored      *int
	ChunksCreated        *int
	EmbeddingsGenerated  *int
	ErrorMessage         string
	StagesCompleted      []string
	SourceParams         map[string]any
	CancellationRequested bool
}

// EventType enumerates the telemetry event taxonomy.
type EventType string

const (
	EventJobStarted        EventType = "job_started"
	EventPhaseCompleted    EventType = "phase_completed"
	EventJobCompleted      EventType = "job_completed"
	EventIngestionComplete EventType = "ingestion_complete"
	EventJobFailed         EventType = "job_failed"
	EventRetryAttempt      EventType = "retry_attempt"
)

// Severity is the telemetry event severity.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is one append-only telemetry record.
type Event struct {
	EventID       string
	Timestamp     time.Time
	Service       string
	EventType     EventType
	Severity      Severity
	CorrelationID string
	Metadata      map[string]any
	Metrics       map[string]float64
}

// ServiceName is the constant telemetry "service" tag for this system.
const ServiceName = "rake"
