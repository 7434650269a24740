// Package orchestrator drives one job through the five pipeline stages
// (Fetch → Clean → Chunk → Embed → Store), persisting lifecycle state at
// every stage boundary and emitting telemetry the way engine/ingest's
// NewPipeline/TapStage composition does, generalized from a single fixed
// chain of types to a registry-resolved source and a job-scoped run.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rake-ingest/rake/engine/chunk"
	"github.com/rake-ingest/rake/engine/clean"
	"github.com/rake-ingest/rake/engine/lineage"
	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/engine/source"
	"github.com/rake-ingest/rake/engine/vectorstore"
	"github.com/rake-ingest/rake/pkg/embed"
	"github.com/rake-ingest/rake/pkg/rakeerr"
	"github.com/rake-ingest/rake/pkg/retry"
	"github.com/rake-ingest/rake/pkg/telemetry"
)

// JobStore is the subset of engine/jobstore's persistence contract the
// orchestrator needs: read the current record, and record lifecycle
// transitions as the job moves through stages.
type JobStore interface {
	Get(ctx context.Context, jobID string) (model.Job, error)
	MarkStatus(ctx context.Context, jobID string, status model.JobStatus) error
	AppendStageCompleted(ctx context.Context, jobID string, stage string) error
	MarkCompleted(ctx context.Context, jobID string, documentsStored, chunksCreated, embeddingsGenerated int) error
	MarkFailed(ctx context.Context, jobID string, failedStage string, err error) error
	MarkCancelled(ctx context.Context, jobID string) error
}

// Orchestrator wires the five stages and a job store into one runnable unit.
type Orchestrator struct {
	Sources      *source.Registry
	CleanOpts    clean.Options
	ChunkEngine  *chunk.Engine
	Embedder     embed.Provider
	VectorStore  *vectorstore.Store
	Lineage      *lineage.Writer
	LineageOn    bool
	Telemetry    telemetry.Sink
	FetchRetry   retry.Opts
	EmbedRetry   retry.Opts
	Jobs         JobStore
	Log          *slog.Logger
}

// Run executes jobID end to end. It is safe to call from a single executor
// worker; concurrent runs of the same job are the caller's responsibility
// to avoid.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("orchestrator: load job %s: %w", jobID, err)
	}

	log := o.Log
	if log == nil {
		log = slog.Default()
	}

	o.Telemetry.JobStarted(ctx, job.CorrelationID, job.JobID, job.SourceKind)
	start := time.Now()

	raw, err := o.runFetch(ctx, &job)
	if err != nil {
		return o.fail(ctx, &job, "fetch", err)
	}
	if o.cancelled(ctx, &job) {
		return nil
	}

	cleaned := o.runClean(ctx, &job, raw)
	if o.cancelled(ctx, &job) {
		return nil
	}

	chunks, err := o.runChunk(ctx, &job, cleaned)
	if err != nil {
		return o.fail(ctx, &job, "chunk", err)
	}
	if o.cancelled(ctx, &job) {
		return nil
	}

	embeddings, err := o.runEmbed(ctx, &job, chunks)
	if err != nil {
		return o.fail(ctx, &job, "embed", err)
	}
	if o.cancelled(ctx, &job) {
		return nil
	}

	stored, err := o.runStore(ctx, &job, chunks, embeddings)
	if err != nil {
		return o.fail(ctx, &job, "store", err)
	}

	documentsStored := len(stored)
	chunksCreated := len(chunks)
	embeddingsGenerated := len(embeddings)

	if err := o.Jobs.MarkCompleted(ctx, job.JobID, documentsStored, chunksCreated, embeddingsGenerated); err != nil {
		log.WarnContext(ctx, "orchestrator: mark completed failed", "job_id", job.JobID, "error", err)
	}

	o.Telemetry.JobCompleted(ctx, job.CorrelationID, job.JobID, map[string]float64{
		"documents_stored":     float64(documentsStored),
		"chunks_created":       float64(chunksCreated),
		"embeddings_generated": float64(embeddingsGenerated),
		"duration_ms":          float64(time.Since(start).Milliseconds()),
	})
	return nil
}

// cancelled checks CancellationRequested at a stage boundary (never
// mid-stage) and, if set, transitions the job to cancelled and reports
// true so the caller stops advancing.
func (o *Orchestrator) cancelled(ctx context.Context, job *model.Job) bool {
	current, err := o.Jobs.Get(ctx, job.JobID)
	if err != nil {
		return false
	}
	if !current.CancellationRequested {
		return false
	}
	if err := o.Jobs.MarkCancelled(ctx, job.JobID); err != nil {
		o.Log.WarnContext(ctx, "orchestrator: mark cancelled failed", "job_id", job.JobID, "error", err)
	}
	return true
}

func (o *Orchestrator) fail(ctx context.Context, job *model.Job, stage string, err error) error {
	if markErr := o.Jobs.MarkFailed(ctx, job.JobID, stage, err); markErr != nil {
		o.Log.WarnContext(ctx, "orchestrator: mark failed failed", "job_id", job.JobID, "error", markErr)
	}
	o.Telemetry.JobFailed(ctx, job.CorrelationID, job.JobID, stage, rakeerr.KindOf(err).String(), err.Error(), 0)
	return err
}

func (o *Orchestrator) runFetch(ctx context.Context, job *model.Job) ([]model.RawDocument, error) {
	if err := o.Jobs.MarkStatus(ctx, job.JobID, model.JobFetching); err != nil {
		return nil, err
	}
	adapter, err := o.Sources.Resolve(job.SourceKind)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	docs, err := source.FetchWithRetry(ctx, adapter, source.Params(job.SourceParams), o.FetchRetry, o.retryNotifier(job, "fetch"))
	if err != nil {
		return nil, err
	}

	totalBytes := 0
	for _, d := range docs {
		totalBytes += len(d.Content)
	}
	o.Telemetry.PhaseCompleted(ctx, job.CorrelationID, 1, "fetch", map[string]float64{
		"items_processed": float64(len(docs)),
		"total_bytes":     float64(totalBytes),
		"duration_ms":     float64(time.Since(start).Milliseconds()),
	}, nil)
	o.appendStage(ctx, job, "fetch")
	return docs, nil
}

func (o *Orchestrator) runClean(ctx context.Context, job *model.Job, raw []model.RawDocument) []model.CleanedDocument {
	_ = o.Jobs.MarkStatus(ctx, job.JobID, model.JobCleaning)
	stage := clean.Stage(o.Log, o.CleanOpts)

	start := time.Now()
	cleaned := make([]model.CleanedDocument, 0, len(raw))
	for _, doc := range raw {
		cleaned = append(cleaned, stage(ctx, doc))
	}

	o.Telemetry.PhaseCompleted(ctx, job.CorrelationID, 2, "clean", map[string]float64{
		"items_processed": float64(len(cleaned)),
		"duration_ms":     float64(time.Since(start).Milliseconds()),
	}, nil)
	o.appendStage(ctx, job, "clean")
	return cleaned
}

func (o *Orchestrator) runChunk(ctx context.Context, job *model.Job, cleaned []model.CleanedDocument) ([]model.Chunk, error) {
	if err := o.Jobs.MarkStatus(ctx, job.JobID, model.JobChunking); err != nil {
		return nil, err
	}
	start := time.Now()
	chunks, stats, err := o.ChunkEngine.ChunkAll(ctx, cleaned)
	if err != nil {
		return nil, rakeerr.New(rakeerr.KindStage, err)
	}

	o.Telemetry.PhaseCompleted(ctx, job.CorrelationID, 3, "chunk", map[string]float64{
		"items_processed": float64(stats.ChunkCount),
		"avg_chunk_size":  stats.AvgChunkSize,
		"duration_ms":     float64(time.Since(start).Milliseconds()),
	}, nil)
	o.appendStage(ctx, job, "chunk")
	return chunks, nil
}

func (o *Orchestrator) runEmbed(ctx context.Context, job *model.Job, chunks []model.Chunk) ([]model.Embedding, error) {
	if err := o.Jobs.MarkStatus(ctx, job.JobID, model.JobEmbedding); err != nil {
		return nil, err
	}
	start := time.Now()
	stage := embed.Stage(o.Embedder, o.EmbedRetry, o.retryNotifier(job, "embed"))
	embeddings, err := stage(ctx, chunks)
	if err != nil {
		return nil, err
	}

	o.Telemetry.PhaseCompleted(ctx, job.CorrelationID, 4, "embed", map[string]float64{
		"items_processed": float64(len(embeddings)),
		"duration_ms":     float64(time.Since(start).Milliseconds()),
	}, nil)
	o.appendStage(ctx, job, "embed")
	return embeddings, nil
}

func (o *Orchestrator) runStore(ctx context.Context, job *model.Job, chunks []model.Chunk, embeddings []model.Embedding) ([]model.StoredDocument, error) {
	if err := o.Jobs.MarkStatus(ctx, job.JobID, model.JobStoring); err != nil {
		return nil, err
	}
	start := time.Now()
	stage := vectorstore.Stage(o.VectorStore, job.SourceKind)
	stored, err := stage(ctx, chunks, embeddings)
	if err != nil {
		return nil, rakeerr.New(rakeerr.KindStorage, err)
	}

	if o.LineageOn && o.Lineage != nil {
		for _, doc := range stored {
			o.Lineage.RecordDocument(ctx, doc, chunks, embeddings)
		}
	}

	o.Telemetry.PhaseCompleted(ctx, job.CorrelationID, 5, "store", map[string]float64{
		"items_processed": float64(len(stored)),
		"duration_ms":     float64(time.Since(start).Milliseconds()),
	}, nil)
	o.appendStage(ctx, job, "store")
	return stored, nil
}

func (o *Orchestrator) appendStage(ctx context.Context, job *model.Job, stage string) {
	if err := o.Jobs.AppendStageCompleted(ctx, job.JobID, stage); err != nil {
		o.Log.WarnContext(ctx, "orchestrator: append stage completed failed", "job_id", job.JobID, "stage", stage, "error", err)
	}
}

func (o *Orchestrator) retryNotifier(job *model.Job, reason string) retry.Notifier {
	return func(attemptNumber, maxAttempts int, err error) {
		o.Telemetry.RetryAttempt(context.Background(), job.CorrelationID, attemptNumber, maxAttempts, reason)
	}
}
