package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type mockResult struct {
	records []*neo4j.Record
	idx     int
}

func (m *mockResult) Next(ctx context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record {
	return m.records[m.idx-1]
}

type mockRunner struct {
	result  *mockResult
	err     error
	cyphers []string
}

func (m *mockRunner) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	m.cyphers = append(m.cyphers, cypher)
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockRunner) Close(ctx context.Context) error { return nil }

type entity struct {
	ID   string
	Name string
}

func makeRecord(id, name string) *neo4j.Record {
	return &neo4j.Record{
		Values: []any{map[string]any{"id": id, "name": name}},
		Keys:   []string{"n"},
	}
}

func newTestRepo(r *mockRunner) *Neo4jRepo[entity, string] {
	repo := NewNeo4jRepo[entity, string](
		nil, "Entity",
		func(rec *neo4j.Record) (entity, error) {
			if len(rec.Values) == 0 {
				return entity{}, errors.New("empty")
			}
			m, ok := rec.Values[0].(map[string]any)
			if !ok {
				return entity{}, errors.New("bad type")
			}
			return entity{ID: m["id"].(string), Name: m["name"].(string)}, nil
		},
	)
	repo.newSession = func(ctx context.Context) runner { return r }
	return repo
}

func TestGet_Success(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("1", "Alice")}}}
	repo := newTestRepo(r)

	e, err := repo.Get(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != "1" || e.Name != "Alice" {
		t.Fatalf("got %+v", e)
	}
}

func TestGet_NotFound(t *testing.T) {
	r := &mockRunner{result: &mockResult{}}
	repo := newTestRepo(r)
	_, err := repo.Get(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestGet_RunError(t *testing.T) {
	r := &mockRunner{err: errors.New("db down")}
	repo := newTestRepo(r)
	_, err := repo.Get(context.Background(), "x")
	if err == nil || err.Error() != "db down" {
		t.Fatalf("expected db down, got %v", err)
	}
}

func TestGetUsesConfiguredIDKey(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("1", "A")}}}
	repo := NewNeo4jRepo[entity, string](
		nil, "Vehicle",
		func(rec *neo4j.Record) (entity, error) {
			m := rec.Values[0].(map[string]any)
			return entity{ID: m["id"].(string), Name: m["name"].(string)}, nil
		},
		WithIDKey[entity, string]("vin"),
	)
	repo.newSession = func(ctx context.Context) runner { return r }

	repo.Get(context.Background(), "ABC")

	if len(r.cyphers) != 1 || r.cyphers[0] != "MATCH (n:Vehicle {vin: $id}) RETURN n" {
		t.Fatalf("got cyphers %v", r.cyphers)
	}
}

func TestSessionFallback(t *testing.T) {
	// When newSession is nil, session() calls driver.NewSession; that path is
	// exercised with a fake driver in full_coverage_test.go. This checks the nil default.
	repo := NewNeo4jRepo[entity, string](nil, "X", nil)
	if repo.newSession != nil {
		t.Fatal("newSession should be nil by default")
	}
}
