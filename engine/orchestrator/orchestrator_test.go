package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/rake-ingest/rake/engine/chunk"
	"github.com/rake-ingest/rake/engine/clean"
	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/engine/source"
	"github.com/rake-ingest/rake/engine/vectorstore"
	"github.com/rake-ingest/rake/pkg/retry"
	"github.com/rake-ingest/rake/pkg/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fake job store ---

type fakeJobStore struct {
	mu    sync.Mutex
	jobs  map[string]model.Job
	calls []string
}

func newFakeJobStore(job model.Job) *fakeJobStore {
	return &fakeJobStore{jobs: map[string]model.Job{job.JobID: job}}
}

func (s *fakeJobStore) Get(_ context.Context, jobID string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return model.Job{}, errors.New("not found")
	}
	return j, nil
}

func (s *fakeJobStore) MarkStatus(_ context.Context, jobID string, status model.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	j.Status = status
	s.jobs[jobID] = j
	s.calls = append(s.calls, "status:"+string(status))
	return nil
}

func (s *fakeJobStore) AppendStageCompleted(_ context.Context, jobID string, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	j.StagesCompleted = append(j.StagesCompleted, stage)
	s.jobs[jobID] = j
	s.calls = append(s.calls, "stage:"+stage)
	return nil
}

func (s *fakeJobStore) MarkCompleted(_ context.Context, jobID string, documentsStored, chunksCreated, embeddingsGenerated int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	j.Status = model.JobCompleted
	j.DocumentsStored = &documentsStored
	j.ChunksCreated = &chunksCreated
	j.EmbeddingsGenerated = &embeddingsGenerated
	s.jobs[jobID] = j
	s.calls = append(s.calls, "completed")
	return nil
}

func (s *fakeJobStore) MarkFailed(_ context.Context, jobID string, failedStage string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	j.Status = model.JobFailed
	j.ErrorMessage = err.Error()
	s.jobs[jobID] = j
	s.calls = append(s.calls, "failed:"+failedStage)
	return nil
}

func (s *fakeJobStore) MarkCancelled(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	j.Status = model.JobCancelled
	s.jobs[jobID] = j
	s.calls = append(s.calls, "cancelled")
	return nil
}

// --- fake source adapter ---

type fakeAdapter struct {
	docs []model.RawDocument
	err  error
}

func (a *fakeAdapter) Kind() string                       { return "file_upload" }
func (a *fakeAdapter) Validate(source.Params) error        { return nil }
func (a *fakeAdapter) HealthCheck(context.Context) error   { return nil }
func (a *fakeAdapter) Close() error                        { return nil }
func (a *fakeAdapter) Fetch(context.Context, source.Params) ([]model.RawDocument, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.docs, nil
}

// --- fake embed provider ---

type fakeProvider struct{}

func (fakeProvider) Model() string      { return "fake-model" }
func (fakeProvider) Dimensions() int    { return 4 }
func (fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3, 0.4}
	}
	return out, nil
}

// --- fake qdrant clients ---

type fakePoints struct{}

func (fakePoints) Upsert(context.Context, *pb.UpsertPoints, ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	return &pb.PointsOperationResponse{}, nil
}
func (fakePoints) Delete(context.Context, *pb.DeletePoints, ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	return &pb.PointsOperationResponse{}, nil
}
func (fakePoints) Search(context.Context, *pb.SearchPoints, ...grpc.CallOption) (*pb.SearchResponse, error) {
	return &pb.SearchResponse{}, nil
}

type fakeCollections struct{}

func (fakeCollections) List(context.Context, *pb.ListCollectionsRequest, ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return &pb.ListCollectionsResponse{}, nil
}
func (fakeCollections) Create(context.Context, *pb.CreateCollection, ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return &pb.CollectionOperationResponse{}, nil
}
func (fakeCollections) Delete(context.Context, *pb.DeleteCollection, ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return &pb.CollectionOperationResponse{}, nil
}

func newTestOrchestrator(t *testing.T, adapter source.Adapter, jobs *fakeJobStore) *Orchestrator {
	t.Helper()
	registry := source.NewRegistry()
	registry.Register(adapter)

	chunkOpts := chunk.DefaultOptions()
	chunkOpts.MinChunkSize = 1
	engine, err := chunk.NewEngine(chunkOpts)
	if err != nil {
		t.Fatalf("new chunk engine: %v", err)
	}

	store := vectorstore.NewWithClients(fakePoints{}, fakeCollections{}, "docs")

	return &Orchestrator{
		Sources:     registry,
		CleanOpts:   clean.DefaultOptions(),
		ChunkEngine: engine,
		Embedder:    fakeProvider{},
		VectorStore: store,
		Telemetry:   telemetry.NoopSink{},
		FetchRetry:  retry.Opts{MaxAttempts: 1},
		EmbedRetry:  retry.Opts{MaxAttempts: 1},
		Jobs:        jobs,
		Log:         discardLogger(),
	}
}

func TestRunCompletesAllFiveStages(t *testing.T) {
	job := model.Job{JobID: "job-1", CorrelationID: "corr-1", SourceKind: "file_upload", Status: model.JobPending}
	jobs := newFakeJobStore(job)
	adapter := &fakeAdapter{docs: []model.RawDocument{
		{ID: "doc-1", SourceKind: "file_upload", Content: "This is a reasonably long test document with several words in it to survive the minimum content length check."},
	}}

	o := newTestOrchestrator(t, adapter, jobs)
	if err := o.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final, _ := jobs.Get(context.Background(), "job-1")
	if final.Status != model.JobCompleted {
		t.Fatalf("expected job completed, got %s", final.Status)
	}
	if final.DocumentsStored == nil || *final.DocumentsStored != 1 {
		t.Fatalf("expected 1 document stored, got %+v", final.DocumentsStored)
	}
	wantStages := []string{"fetch", "clean", "chunk", "embed", "store"}
	if len(final.StagesCompleted) != len(wantStages) {
		t.Fatalf("expected stages %v, got %v", wantStages, final.StagesCompleted)
	}
}

func TestRunMarksJobFailedOnFetchError(t *testing.T) {
	job := model.Job{JobID: "job-2", CorrelationID: "corr-2", SourceKind: "file_upload"}
	jobs := newFakeJobStore(job)
	adapter := &fakeAdapter{err: errors.New("boom")}

	o := newTestOrchestrator(t, adapter, jobs)
	if err := o.Run(context.Background(), "job-2"); err == nil {
		t.Fatalf("expected error")
	}

	final, _ := jobs.Get(context.Background(), "job-2")
	if final.Status != model.JobFailed {
		t.Fatalf("expected job failed, got %s", final.Status)
	}
}

func TestRunStopsAtBoundaryWhenCancellationRequested(t *testing.T) {
	job := model.Job{JobID: "job-3", CorrelationID: "corr-3", SourceKind: "file_upload", CancellationRequested: true}
	jobs := newFakeJobStore(job)
	adapter := &fakeAdapter{docs: []model.RawDocument{{ID: "doc-1", Content: "irrelevant content for a cancelled job that should never reach chunking or storage."}}}

	o := newTestOrchestrator(t, adapter, jobs)
	if err := o.Run(context.Background(), "job-3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final, _ := jobs.Get(context.Background(), "job-3")
	if final.Status != model.JobCancelled {
		t.Fatalf("expected job cancelled, got %s", final.Status)
	}
	for _, stage := range final.StagesCompleted {
		if stage == "chunk" || stage == "embed" || stage == "store" {
			t.Fatalf("expected cancellation to stop before %s", stage)
		}
	}
}
