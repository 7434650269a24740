// Package repo defines the generic read-path repository interface used for
// provenance lookups. The ingestion pipeline itself never lists, creates,
// updates, or deletes through this interface — the Store stage talks to the
// vector store directly, and job records live in jobstore — so it stays
// narrow rather than carrying full CRUD for hypothetical callers.
package repo

import "context"

// Lookup is a generic get-by-id interface for read-path lookups.
type Lookup[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
}
