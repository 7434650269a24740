package vectorstore

import (
	"context"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/rake-ingest/rake/engine/model"
)

func TestStageUpsertsAndGroupsByDocument(t *testing.T) {
	pts := &fakePoints{upsertResp: &pb.PointsOperationResponse{}}
	store := NewWithClients(pts, &fakeCollections{}, "docs")

	chunks := []model.Chunk{
		{ID: "c1", DocumentID: "doc-1", Content: "first chunk", Position: 0, TenantID: "t1"},
		{ID: "c2", DocumentID: "doc-1", Content: "second chunk", Position: 1, TenantID: "t1"},
		{ID: "c3", DocumentID: "doc-2", Content: "other doc chunk", Position: 0, TenantID: "t1"},
	}
	embeddings := []model.Embedding{
		{ID: "e1", ChunkID: "c1", Vector: []float32{0.1, 0.2}, Model: "text-embedding-3-small", TenantID: "t1"},
		{ID: "e2", ChunkID: "c2", Vector: []float32{0.3, 0.4}, Model: "text-embedding-3-small", TenantID: "t1"},
		{ID: "e3", ChunkID: "c3", Vector: []float32{0.5, 0.6}, Model: "text-embedding-3-small", TenantID: "t1"},
	}

	stage := Stage(store, "file_upload")
	stored, err := stage(context.Background(), chunks, embeddings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored documents, got %d", len(stored))
	}
	if pts.lastUpsert == nil || len(pts.lastUpsert.Points) != 3 {
		t.Fatalf("expected 3 points upserted, got %+v", pts.lastUpsert)
	}

	byID := make(map[string]model.StoredDocument)
	for _, d := range stored {
		byID[d.DocumentID] = d
	}
	if byID["doc-1"].ChunkCount != 2 || byID["doc-1"].EmbeddingCount != 2 {
		t.Fatalf("expected doc-1 to have 2 chunks and 2 embeddings, got %+v", byID["doc-1"])
	}
	if byID["doc-2"].ChunkCount != 1 || byID["doc-2"].EmbeddingCount != 1 {
		t.Fatalf("expected doc-2 to have 1 chunk and 1 embedding, got %+v", byID["doc-2"])
	}
}

func TestStageSkipsEmbeddingsWithNoMatchingChunk(t *testing.T) {
	pts := &fakePoints{upsertResp: &pb.PointsOperationResponse{}}
	store := NewWithClients(pts, &fakeCollections{}, "docs")

	chunks := []model.Chunk{{ID: "c1", DocumentID: "doc-1", Content: "only chunk"}}
	embeddings := []model.Embedding{
		{ID: "e1", ChunkID: "c1", Vector: []float32{0.1}},
		{ID: "e2", ChunkID: "missing", Vector: []float32{0.2}},
	}

	stage := Stage(store, "url_scrape")
	stored, err := stage(context.Background(), chunks, embeddings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stored) != 1 || stored[0].EmbeddingCount != 1 {
		t.Fatalf("expected exactly the matched embedding to count, got %+v", stored)
	}
	if len(pts.lastUpsert.Points) != 1 {
		t.Fatalf("expected 1 point upserted, got %d", len(pts.lastUpsert.Points))
	}
}

func TestStageNoEmbeddingsSkipsUpsert(t *testing.T) {
	pts := &fakePoints{}
	store := NewWithClients(pts, &fakeCollections{}, "docs")
	stage := Stage(store, "file_upload")

	stored, err := stage(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("expected no stored documents")
	}
	if pts.lastUpsert != nil {
		t.Fatalf("expected Upsert not to be called for an empty batch")
	}
}
