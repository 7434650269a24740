package jobstore

import (
	"context"
	"errors"
	"testing"

	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/pkg/rakeerr"
)

func TestMemoryStoreCreateGetUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, model.Job{JobID: "job-1", SourceKind: "file_upload"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.JobPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}

	status := model.JobChunking
	updated, err := store.Update(ctx, "job-1", Patch{Status: &status})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != model.JobChunking {
		t.Fatalf("expected chunking, got %s", updated.Status)
	}
}

func TestMemoryStoreGetMissingReturnsNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, rakeerr.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryStoreGetActiveExcludesTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, model.Job{JobID: "job-active", SourceKind: "file_upload", Status: model.JobEmbedding})
	store.Create(ctx, model.Job{JobID: "job-done", SourceKind: "file_upload", Status: model.JobFailed})

	active, err := store.GetActive(ctx, nil)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if len(active) != 1 || active[0].JobID != "job-active" {
		t.Fatalf("expected only job-active, got %+v", active)
	}
}

func TestMemoryStoreMarkCompletedAndFailed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, model.Job{JobID: "job-1", SourceKind: "file_upload"})

	if err := store.MarkCompleted(ctx, "job-1", 1, 2, 2); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	got, _ := store.Get(ctx, "job-1")
	if got.Status != model.JobCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	store.Create(ctx, model.Job{JobID: "job-2", SourceKind: "file_upload"})
	if err := store.MarkFailed(ctx, "job-2", "fetch", errors.New("timeout")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got2, _ := store.Get(ctx, "job-2")
	if got2.Status != model.JobFailed {
		t.Fatalf("expected failed, got %s", got2.Status)
	}
}
