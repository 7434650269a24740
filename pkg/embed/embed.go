// Package embed defines the embedding provider boundary (Stage G) and one
// HTTP-based implementation targeting an OpenAI-compatible endpoint.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/rake-ingest/rake/pkg/rakeerr"
)

func newEmbeddingID() string { return uuid.NewString() }

// Provider turns text into vectors. The internal workings of whatever
// service backs it are out of scope; callers only need EmbedBatch.
type Provider interface {
	// EmbedBatch embeds texts in order and returns one vector per input.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Model identifies which model produced the vectors, for Embedding.Model.
	Model() string
	// Dimensions is the expected vector length for Model(), used to enforce
	// the post-condition named in the spec.
	Dimensions() int
}

// knownModelDimensions documents the vector sizes of the embedding models
// this client is expected to be pointed at.
var knownModelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIClient implements Provider against an OpenAI-compatible
// /v1/embeddings endpoint, the same plain-HTTP-POST-and-JSON-decode shape
// the corpus's own Ollama embedding client uses.
type OpenAIClient struct {
	baseURL   string
	apiKey    string
	model     string
	batchSize int
	client    *http.Client
}

// NewOpenAIClient builds a client from explicit config.
func NewOpenAIClient(baseURL, apiKey, model string, batchSize int) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if batchSize <= 0 || batchSize > 2048 {
		batchSize = 100
	}
	return &OpenAIClient{
		baseURL:   baseURL,
		apiKey:    apiKey,
		model:     model,
		batchSize: batchSize,
		client:    &http.Client{},
	}
}

// NewOpenAIClientFromEnv reads OPENAI_API_KEY, OPENAI_EMBEDDING_MODEL, and
// OPENAI_BATCH_SIZE, per §6's environment variable table.
func NewOpenAIClientFromEnv() *OpenAIClient {
	batchSize, _ := strconv.Atoi(os.Getenv("OPENAI_BATCH_SIZE"))
	return NewOpenAIClient("", os.Getenv("OPENAI_API_KEY"), os.Getenv("OPENAI_EMBEDDING_MODEL"), batchSize)
}

func (c *OpenAIClient) Model() string { return c.model }

func (c *OpenAIClient) Dimensions() int {
	if d, ok := knownModelDimensions[c.model]; ok {
		return d
	}
	return 1536
}

// BatchSize returns the configured request batch size, which the Embed
// stage uses to slice its chunk list into fixed-size groups before calling
// EmbedBatch.
func (c *OpenAIClient) BatchSize() int { return c.batchSize }

type openAIEmbedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// EmbedBatch posts texts to the embeddings endpoint and validates the
// returned vector dimension against Dimensions().
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(openAIEmbedReq{Model: c.model, Input: texts})
	if err != nil {
		return nil, rakeerr.New(rakeerr.KindStage, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, rakeerr.New(rakeerr.KindStage, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, rakeerr.New(rakeerr.KindTransientFetch, fmt.Errorf("embed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, rakeerr.New(rakeerr.KindTransientFetch, fmt.Errorf("embed: status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, rakeerr.New(rakeerr.KindPermanentFetch, fmt.Errorf("embed: status %d", resp.StatusCode))
	}

	var result openAIEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, rakeerr.New(rakeerr.KindPermanentFetch, fmt.Errorf("embed decode: %w", err))
	}
	if len(result.Data) != len(texts) {
		return nil, rakeerr.New(rakeerr.KindPermanentFetch, fmt.Errorf("embed: expected %d vectors, got %d", len(texts), len(result.Data)))
	}

	out := make([][]float32, len(texts))
	expectedDim := c.Dimensions()
	for _, item := range result.Data {
		if item.Index < 0 || item.Index >= len(out) {
			continue
		}
		if len(item.Embedding) != expectedDim {
			return nil, rakeerr.New(rakeerr.KindStage, fmt.Errorf("%w: got %d, want %d", rakeerr.ErrDimensionMismatch, len(item.Embedding), expectedDim))
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}

var _ Provider = (*OpenAIClient)(nil)
