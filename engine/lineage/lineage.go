// Package lineage writes a supplemental provenance subgraph to Neo4j:
// Document —HAS_CHUNK→ Chunk —EMBEDDED_AS→ Embedding. It exists purely for
// cross-job provenance queries; nothing in the pipeline depends on it, and
// a write failure here never fails the Store stage.
package lineage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/pkg/repo"
)

// DocumentNode is the read-back shape of a Document node written by
// RecordDocument, for provenance lookups independent of the write path.
type DocumentNode struct {
	DocumentID string
	SourceKind string
	TenantID   string
}

// Writer records a document's chunk/embedding lineage into Neo4j.
type Writer struct {
	driver    neo4j.DriverWithContext
	log       *slog.Logger
	documents *repo.Neo4jRepo[DocumentNode, string]
}

// NewWriter builds a Writer over an already-open driver.
func NewWriter(driver neo4j.DriverWithContext, log *slog.Logger) *Writer {
	documents := repo.NewNeo4jRepo[DocumentNode, string](
		driver,
		"Document",
		func(rec *neo4j.Record) (DocumentNode, error) {
			n, ok := rec.Values[0].(neo4j.Node)
			if !ok {
				return DocumentNode{}, fmt.Errorf("lineage: unexpected record shape for Document node")
			}
			return DocumentNode{
				DocumentID: stringProp(n, "document_id"),
				SourceKind: stringProp(n, "source_kind"),
				TenantID:   stringProp(n, "tenant_id"),
			}, nil
		},
		repo.WithIDKey[DocumentNode, string]("document_id"),
	)
	return &Writer{driver: driver, log: log, documents: documents}
}

func stringProp(n neo4j.Node, key string) string {
	if v, ok := n.Props[key].(string); ok {
		return v
	}
	return ""
}

// GetDocument looks up a previously recorded Document node by id, for
// provenance queries that don't need the full chunk/embedding subgraph.
func (w *Writer) GetDocument(ctx context.Context, documentID string) (DocumentNode, error) {
	return w.documents.Get(ctx, documentID)
}

// Close closes the underlying driver.
func (w *Writer) Close(ctx context.Context) error {
	return w.driver.Close(ctx)
}

// RecordDocument upserts the Document node and a HAS_CHUNK/EMBEDDED_AS
// subgraph for every chunk that has a matching embedding. Failures are
// logged and swallowed: lineage is best-effort, per §4.8.
func (w *Writer) RecordDocument(ctx context.Context, doc model.StoredDocument, chunks []model.Chunk, embeddings []model.Embedding) {
	embByChunk := make(map[string]model.Embedding, len(embeddings))
	for _, e := range embeddings {
		embByChunk[e.ChunkID] = e
	}

	sess := w.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			`MERGE (d:Document {document_id: $document_id})
			 SET d.source_kind = $source_kind, d.tenant_id = $tenant_id`,
			map[string]any{
				"document_id": doc.DocumentID,
				"source_kind": doc.SourceKind,
				"tenant_id":   doc.TenantID,
			}); err != nil {
			return nil, err
		}

		for _, c := range chunks {
			if c.DocumentID != doc.DocumentID {
				continue
			}
			if _, err := tx.Run(ctx,
				`MATCH (d:Document {document_id: $document_id})
				 MERGE (c:Chunk {chunk_id: $chunk_id})
				 SET c.position = $position, c.token_count = $token_count
				 MERGE (d)-[:HAS_CHUNK]->(c)`,
				map[string]any{
					"document_id": doc.DocumentID,
					"chunk_id":    c.ID,
					"position":    c.Position,
					"token_count": c.TokenCount,
				}); err != nil {
				return nil, err
			}

			e, ok := embByChunk[c.ID]
			if !ok {
				continue
			}
			if _, err := tx.Run(ctx,
				`MATCH (c:Chunk {chunk_id: $chunk_id})
				 MERGE (e:Embedding {embedding_id: $embedding_id})
				 SET e.model = $model, e.dimensions = $dimensions
				 MERGE (c)-[:EMBEDDED_AS]->(e)`,
				map[string]any{
					"chunk_id":     c.ID,
					"embedding_id": e.ID,
					"model":        e.Model,
					"dimensions":   len(e.Vector),
				}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		w.log.WarnContext(ctx, "lineage write failed", "document_id", doc.DocumentID, "error", err)
	}
}
