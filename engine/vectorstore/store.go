// Package vectorstore is the sole owner of all Qdrant operations: it backs
// Stage H (Store), persisting chunk embeddings as points and serving k-NN
// search for downstream retrieval.
package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Store is a thin wrapper over the Qdrant gRPC clients, scoped to one
// collection per tenant-wide deployment.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// New dials Qdrant at addr and scopes all operations to collection.
func New(addr string, collection string) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: dial qdrant %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewWithClients builds a Store from already-constructed Qdrant clients,
// bypassing the gRPC dial. Used by tests to substitute fakes for points and
// collections.
func NewWithClients(points pb.PointsClient, collections pb.CollectionsClient, collection string) *Store {
	return &Store{points: points, collections: collections, collection: collection}
}

// Close closes the underlying gRPC connection, if one was dialed.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// EnsureCollection creates the collection, sized to dims, if it does not
// already exist.
func (s *Store) EnsureCollection(ctx context.Context, dims int) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vectorstore: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: create collection %s: %w", s.collection, err)
	}
	return nil
}

// DeleteCollection drops the collection entirely.
func (s *Store) DeleteCollection(ctx context.Context) error {
	_, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: s.collection})
	if err != nil {
		return fmt.Errorf("vectorstore: delete collection %s: %w", s.collection, err)
	}
	return nil
}

// DeleteByDocumentID removes every point belonging to document_id, used
// ahead of re-ingestion so a re-run job does not leave stale points behind.
func (s *Store) DeleteByDocumentID(ctx context.Context, documentID string) error {
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{fieldMatch("document_id", documentID)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: delete by document_id %s: %w", documentID, err)
	}
	return nil
}

// SearchResult is a single k-NN hit, with the payload fields the Store
// stage writes split back out.
type SearchResult struct {
	ID         string
	Score      float32
	Content    string
	DocumentID string
	SourceKind string
	Meta       map[string]string
}

// Search performs unfiltered k-NN similarity search.
func (s *Store) Search(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	return s.SearchFiltered(ctx, vector, topK, nil)
}

// SearchFiltered performs k-NN similarity search restricted to points whose
// payload matches every key/value pair in filters.
func (s *Store) SearchFiltered(ctx context.Context, vector []float32, topK int, filters map[string]string) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filters) > 0 {
		must := make([]*pb.Condition, 0, len(filters))
		for k, v := range filters {
			must = append(must, fieldMatch(k, v))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		sr := SearchResult{ID: r.GetId().GetUuid(), Score: r.GetScore(), Meta: make(map[string]string)}
		for k, v := range r.GetPayload() {
			sv := v.GetStringValue()
			switch k {
			case "content":
				sr.Content = sv
			case "document_id":
				sr.DocumentID = sv
			case "source_kind":
				sr.SourceKind = sv
			default:
				sr.Meta[k] = sv
			}
		}
		results[i] = sr
	}
	return results, nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}
