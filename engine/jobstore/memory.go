package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/pkg/rakeerr"
)

// MemoryStore is the in-process fallback used when the sqlite store fails
// to open at startup (degraded mode, per §9.3) — same method set as Store,
// so callers never know which one they got.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]model.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]model.Job)}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Create(_ context.Context, job model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}
	m.jobs[job.JobID] = job
	return nil
}

func (m *MemoryStore) Get(_ context.Context, jobID string) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return model.Job{}, rakeerr.New(rakeerr.KindValidation, rakeerr.ErrJobNotFound)
	}
	return job, nil
}

func (m *MemoryStore) Update(_ context.Context, jobID string, patch Patch) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return model.Job{}, rakeerr.New(rakeerr.KindValidation, rakeerr.ErrJobNotFound)
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

	m.jobs[jobID] = job
	return job, nil
}

func (m *MemoryStore) List(_ context.Context, tenant *string, status *model.JobStatus, page, pageSize int) ([]model.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var matched []model.Job
	for _, job := range m.jobs {
		if tenant != nil && job.TenantID != *tenant {
			continue
		}
		if status != nil && job.Status != *status {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) Delete(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return false, nil
	}
	delete(m.jobs, jobID)
	return true, nil
}

func (m *MemoryStore) GetActive(_ context.Context, tenant *string) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Job
	for _, job := range m.jobs {
		if job.Status.Terminal() {
			continue
		}
		if tenant != nil && job.TenantID != *tenant {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MarkStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	_, err := m.Update(ctx, jobID, Patch{Status: &status})
	return err
}

func (m *MemoryStore) AppendStageCompleted(ctx context.Context, jobID string, stage string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return rakeerr.New(rakeerr.KindValidation, rakeerr.ErrJobNotFound)
	}
	stages := append(append([]string{}, job.StagesCompleted...), stage)
	_, err := m.Update(ctx, jobID, Patch{StagesCompleted: stages})
	return err
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, jobID string, documentsStored, chunksCreated, embeddingsGenerated int) error {
	now := time.Now().UTC()
	completed := model.JobCompleted
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return rakeerr.New(rakeerr.KindValidation, rakeerr.ErrJobNotFound)
	}
	durationMS := now.Sub(job.CreatedAt).Milliseconds()
	_, err := m.Update(ctx, jobID, Patch{
		Status:              &completed,
		CompletedAt:         &now,
		DurationMS:          &durationMS,
		DocumentsStored:     &documentsStored,
		ChunksCreated:       &chunksCreated,
		EmbeddingsGenerated: &embeddingsGenerated,
	})
	return err
}

func (m *MemoryStore) MarkFailed(ctx context.Context, jobID string, failedStage string, jobErr error) error {
	now := time.Now().UTC()
	failed := model.JobFailed
	msg := failedStage + ": " + jobErr.Error()
	_, err := m.Update(ctx, jobID, Patch{Status: &failed, CompletedAt: &now, ErrorMessage: &msg})
	return err
}

func (m *MemoryStore) MarkCancelled(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	cancelled := model.JobCancelled
	_, err := m.Update(ctx, jobID, Patch{Status: &cancelled, CompletedAt: &now})
	return err
}
