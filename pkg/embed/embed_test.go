package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rake-ingest/rake/pkg/rakeerr"
)

func TestEmbedBatchReturnsVectorsInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIEmbedReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		resp := openAIEmbedResp{}
		for i := range req.Input {
			vec := make([]float32, 1536)
			vec[0] = float32(i)
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: vec, Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "test-key", "text-embedding-3-small", 100)
	vectors, err := c.EmbedBatch(context.Background(), []string{"alpha", "beta", "gamma"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}
	for i, v := range vectors {
		if len(v) != 1536 {
			t.Fatalf("expected dimension 1536, got %d", len(v))
		}
		if v[0] != float32(i) {
			t.Fatalf("expected vectors to be returned in request order, index %d had marker %f", i, v[0])
		}
	}
}

func TestEmbedBatchRejectsWrongDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openAIEmbedResp{Data: []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{{Embedding: make([]float32, 8), Index: 0}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "test-key", "text-embedding-3-small", 100)
	_, err := c.EmbedBatch(context.Background(), []string{"alpha"})
	if err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
	if rakeerr.KindOf(err) != rakeerr.KindStage {
		t.Fatalf("expected KindStage, got %v", rakeerr.KindOf(err))
	}
}

func TestEmbedBatchClassifiesServerErrorsAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "test-key", "text-embedding-3-small", 100)
	_, err := c.EmbedBatch(context.Background(), []string{"alpha"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !rakeerr.Retriable(err) {
		t.Fatalf("expected a 503 response to be classified as retriable")
	}
}

func TestEmbedBatchEmptyInputReturnsNil(t *testing.T) {
	c := NewOpenAIClient("http://unused.invalid", "k", "text-embedding-3-small", 100)
	vectors, err := c.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors != nil {
		t.Fatalf("expected nil result for empty input")
	}
}

func TestDimensionsForKnownAndUnknownModels(t *testing.T) {
	small := NewOpenAIClient("", "k", "text-embedding-3-small", 100)
	if small.Dimensions() != 1536 {
		t.Fatalf("expected 1536 dimensions for small model, got %d", small.Dimensions())
	}
	large := NewOpenAIClient("", "k", "text-embedding-3-large", 100)
	if large.Dimensions() != 3072 {
		t.Fatalf("expected 3072 dimensions for large model, got %d", large.Dimensions())
	}
	unknown := NewOpenAIClient("", "k", "some-future-model", 100)
	if unknown.Dimensions() != 1536 {
		t.Fatalf("expected fallback dimension of 1536, got %d", unknown.Dimensions())
	}
}

func TestNewOpenAIClientClampsBatchSize(t *testing.T) {
	c := NewOpenAIClient("", "k", "", 5000)
	if c.BatchSize() != 100 {
		t.Fatalf("expected out-of-range batch size to clamp to default 100, got %d", c.BatchSize())
	}
}
