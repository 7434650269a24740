// Package source defines the common adapter contract and the five
// concrete source-kind adapters (file, SEC EDGAR, URL scrape, API fetch,
// database query).
package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/pkg/fn"
	"github.com/rake-ingest/rake/pkg/rakeerr"
	"github.com/rake-ingest/rake/pkg/retry"
)

// Params is the opaque key→value map of submission arguments for one job.
type Params map[string]any

func (p Params) str(key string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (p Params) intOr(key string, fallback int) int {
	if v, ok := p[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return fallback
}

func (p Params) boolOr(key string, fallback bool) bool {
	if v, ok := p[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// Adapter is the capability set every source kind implements, replacing the
// inheritance hierarchy of the original with an explicit interface plus a
// shared retry helper (FetchWithRetry below).
type Adapter interface {
	// Kind returns the adapter's source_kind tag.
	Kind() string
	// Validate checks params synchronously before any work begins.
	Validate(params Params) error
	// Fetch retrieves one or more RawDocuments. May block.
	Fetch(ctx context.Context, params Params) ([]model.RawDocument, error)
	// HealthCheck is a cheap liveness probe.
	HealthCheck(ctx context.Context) error
	// Close releases pooled resources (HTTP clients, DB pools).
	Close() error
}

// Registry maps source kinds to adapter instances.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds or replaces the adapter for its own Kind().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Resolve returns the adapter for kind, or an unsupported-kind error.
func (r *Registry) Resolve(kind string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, rakeerr.New(rakeerr.KindValidation, fmt.Errorf("%w: %q", rakeerr.ErrUnsupportedKind, kind))
	}
	return a, nil
}

// CloseAll closes every registered adapter, collecting the first error.
func (r *Registry) CloseAll() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var first error
	for _, a := range r.adapters {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RetryNotifier is invoked before each backoff sleep during FetchWithRetry.
type RetryNotifier = retry.Notifier

// FetchWithRetry applies the retry harness over adapter.Fetch using the
// transient-fetch error kind as the retriable predicate.
func FetchWithRetry(ctx context.Context, a Adapter, params Params, opts retry.Opts, notify RetryNotifier) ([]model.RawDocument, error) {
	result := retry.Run(ctx, opts, notify, func(ctx context.Context) fn.Result[[]model.RawDocument] {
		docs, err := a.Fetch(ctx, params)
		if err != nil {
			return fn.Err[[]model.RawDocument](err)
		}
		return fn.Ok(docs)
	})
	return result.Unwrap()
}
