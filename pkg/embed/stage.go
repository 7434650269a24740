package embed

import (
	"context"

	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/pkg/fn"
	"github.com/rake-ingest/rake/pkg/retry"
)

// Stage embeds chunks in batches of the provider's configured batch size,
// each batch submitted through the retry harness so a transient failure on
// one batch does not discard work already embedded in prior batches.
func Stage(provider Provider, opts retry.Opts, notify retry.Notifier) func(ctx context.Context, chunks []model.Chunk) ([]model.Embedding, error) {
	batchSize := 100
	if bs, ok := provider.(interface{ BatchSize() int }); ok {
		batchSize = bs.BatchSize()
	}

	return func(ctx context.Context, chunks []model.Chunk) ([]model.Embedding, error) {
		embeddings := make([]model.Embedding, 0, len(chunks))

		for start := 0; start < len(chunks); start += batchSize {
			end := start + batchSize
			if end > len(chunks) {
				end = len(chunks)
			}
			batch := chunks[start:end]

			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Content
			}

			result := retry.Run(ctx, opts, notify, func(ctx context.Context) fn.Result[[][]float32] {
				vectors, err := provider.EmbedBatch(ctx, texts)
				if err != nil {
					return fn.Err[[][]float32](err)
				}
				return fn.Ok(vectors)
			})

			vectors, err := result.Unwrap()
			if err != nil {
				return nil, err
			}

			for i, c := range batch {
				meta := make(map[string]any, len(c.Metadata)+3)
				for k, v := range c.Metadata {
					meta[k] = v
				}
				meta["document_id"] = c.DocumentID
				meta["chunk_position"] = c.Position
				meta["embedding_dimension"] = len(vectors[i])

				embeddings = append(embeddings, model.Embedding{
					ID:       newEmbeddingID(),
					ChunkID:  c.ID,
					Vector:   vectors[i],
					Model:    provider.Model(),
					TenantID: c.TenantID,
					Metadata: meta,
				})
			}
		}

		return embeddings, nil
	}
}
