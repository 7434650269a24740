package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/rake-ingest/rake/engine/model"
)

// Stage upserts every embedding into the vector store as one point per
// chunk, then groups the result by document_id and returns one
// StoredDocument summary per document. Chunks are matched to embeddings by
// ChunkID; an embedding with no matching chunk is skipped rather than
// failing the whole batch, since that can only happen if an earlier stage
// already dropped the chunk.
func Stage(store *Store, sourceKind string) func(ctx context.Context, chunks []model.Chunk, embeddings []model.Embedding) ([]model.StoredDocument, error) {
	return func(ctx context.Context, chunks []model.Chunk, embeddings []model.Embedding) ([]model.StoredDocument, error) {
		chunkByID := make(map[string]model.Chunk, len(chunks))
		for _, c := range chunks {
			chunkByID[c.ID] = c
		}

		points := make([]*pb.PointStruct, 0, len(embeddings))
		counts := make(map[string]*model.StoredDocument)

		for _, e := range embeddings {
			c, ok := chunkByID[e.ChunkID]
			if !ok {
				continue
			}

			payload := map[string]any{
				"content":     c.Content,
				"document_id": c.DocumentID,
				"source_kind": sourceKind,
				"position":    c.Position,
				"tenant_id":   c.TenantID,
			}
			points = append(points, &pb.PointStruct{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: e.ID}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: e.Vector}}},
				Payload: toQdrantPayload(payload),
			})

			doc, ok := counts[c.DocumentID]
			if !ok {
				doc = &model.StoredDocument{
					DocumentID: c.DocumentID,
					SourceKind: sourceKind,
					TenantID:   c.TenantID,
					Status:     "stored",
				}
				counts[c.DocumentID] = doc
			}
			doc.EmbeddingCount++
		}

		chunksPerDoc := make(map[string]int)
		for _, c := range chunks {
			chunksPerDoc[c.DocumentID]++
		}
		for id, doc := range counts {
			doc.ChunkCount = chunksPerDoc[id]
		}

		if err := store.upsertPoints(ctx, points); err != nil {
			return nil, fmt.Errorf("vectorstore: stage upsert: %w", err)
		}

		out := make([]model.StoredDocument, 0, len(counts))
		for _, doc := range counts {
			out = append(out, *doc)
		}
		return out, nil
	}
}

func (s *Store) upsertPoints(ctx context.Context, points []*pb.PointStruct) error {
	if len(points) == 0 {
		return nil
	}
	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vectorstore: upsert %d points: %w", len(points), err)
	}
	return nil
}

func toQdrantPayload(m map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(m))
	for k, v := range m {
		switch tv := v.(type) {
		case string:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case int64:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
		case float64:
			out[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
		case bool:
			out[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		default:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return out
}
