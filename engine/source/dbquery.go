package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver

	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/pkg/rakeerr"
)

const dbQueryDefaultMaxRows = 10000
const dbQueryDefaultTimeout = 30 * time.Second

var forbiddenStatementKeywords = []string{"drop", "delete", "insert", "update", "truncate", "alter", "create", "grant", "revoke"}

// DbQueryConfig configures the database-query adapter.
type DbQueryConfig struct {
	MaxRows         int
	StatementTimeout time.Duration
}

func DefaultDbQueryConfig() DbQueryConfig {
	return DbQueryConfig{MaxRows: dbQueryDefaultMaxRows, StatementTimeout: dbQueryDefaultTimeout}
}

// DbQueryAdapter runs a read-only SELECT against postgresql, mysql, or
// sqlite and turns each row into one RawDocument. MySQL connection strings
// validate but cannot actually connect: no MySQL driver exists anywhere in
// the retrieved corpus to ground one on.
type DbQueryAdapter struct {
	cfg  DbQueryConfig
	mu   sync.Mutex
	pool map[string]*sql.DB
}

func NewDbQueryAdapter(cfg DbQueryConfig) *DbQueryAdapter {
	if cfg.MaxRows <= 0 || cfg.MaxRows > dbQueryDefaultMaxRows {
		cfg.MaxRows = dbQueryDefaultMaxRows
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = dbQueryDefaultTimeout
	}
	return &DbQueryAdapter{cfg: cfg, pool: make(map[string]*sql.DB)}
}

func (a *DbQueryAdapter) Kind() string { return "database_query" }

func dbDriverForScheme(dsn string) (driver string, err error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", nil
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql", nil
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "file:"):
		return "sqlite", nil
	default:
		return "", rakeerr.ErrBadConnString
	}
}

func isReadOnlySelect(query string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(query))
	if !strings.HasPrefix(trimmed, "select") && !strings.HasPrefix(trimmed, "with") {
		return false
	}
	for _, kw := range forbiddenStatementKeywords {
		if strings.Contains(trimmed, kw) {
			return false
		}
	}
	return true
}

func (a *DbQueryAdapter) Validate(params Params) error {
	dsn := params.str("connection_string")
	if dsn == "" {
		return rakeerr.New(rakeerr.KindValidation, rakeerr.NewValidation("connection_string", "", rakeerr.ErrMissingParam))
	}
	if _, err := dbDriverForScheme(dsn); err != nil {
		return rakeerr.New(rakeerr.KindValidation, rakeerr.NewValidation("connection_string", dsn, err))
	}
	query := params.str("query")
	if query == "" {
		return rakeerr.New(rakeerr.KindValidation, rakeerr.NewValidation("query", "", rakeerr.ErrMissingParam))
	}
	if !isReadOnlySelect(query) {
		return rakeerr.New(rakeerr.KindValidation, rakeerr.NewValidation("query", query, rakeerr.ErrNotReadOnly))
	}
	return nil
}

func (a *DbQueryAdapter) Fetch(ctx context.Context, params Params) ([]model.RawDocument, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	dsn := params.str("connection_string")
	driver, err := dbDriverForScheme(dsn)
	if err != nil {
		return nil, rakeerr.New(rakeerr.KindValidation, err)
	}
	if driver == "mysql" {
		return nil, rakeerr.New(rakeerr.KindPermanentFetch, fmt.Errorf("database_query: mysql is accepted for validation but has no driver wired"))
	}

	db, err := a.connFor(driver, dsn)
	if err != nil {
		return nil, rakeerr.New(rakeerr.KindTransientFetch, err)
	}

	maxRows := params.intOr("max_rows", a.cfg.MaxRows)
	if maxRows <= 0 || maxRows > a.cfg.MaxRows {
		maxRows = a.cfg.MaxRows
	}

	queryCtx, cancel := context.WithTimeout(ctx, a.cfg.StatementTimeout)
	defer cancel()

	rows, err := db.QueryContext(queryCtx, params.str("query"))
	if err != nil {
		return nil, rakeerr.New(rakeerr.KindTransientFetch, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, rakeerr.New(rakeerr.KindPermanentFetch, err)
	}

	var docs []model.RawDocument
	tenant := params.str("tenant_id")
	rowNum := 0
	for rows.Next() && rowNum < maxRows {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return docs, rakeerr.New(rakeerr.KindPermanentFetch, err)
		}

		record := make(map[string]any, len(cols))
		for i, col := range cols {
			record[col] = normalizeDBValue(values[i])
		}

		content := rowContent(record)
		if content == "" {
			rowNum++
			continue
		}
		docs = append(docs, model.RawDocument{
			ID:         fmt.Sprintf("row-%d", rowNum),
			SourceKind: a.Kind(),
			Content:    content,
			Metadata:   map[string]any{"row": record},
			FetchedAt:  time.Now().UTC(),
			TenantID:   tenant,
		})
		rowNum++
	}
	if err := rows.Err(); err != nil {
		return docs, rakeerr.New(rakeerr.KindTransientFetch, err)
	}

	if len(docs) == 0 {
		return nil, rakeerr.New(rakeerr.KindPermanentFetch, rakeerr.ErrEmptyContent)
	}
	return docs, nil
}

func normalizeDBValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

var rowContentFallbacks = []string{"content", "text", "body", "description"}

// rowContent picks a text column by name, falling back to a flattened
// "key: value" rendering of the whole row when no obvious text column exists.
func rowContent(record map[string]any) string {
	for _, key := range rowContentFallbacks {
		if v, ok := record[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	var parts []string
	for k, v := range record {
		if s, ok := v.(string); ok && s != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", k, s))
		}
	}
	return strings.Join(parts, "\n")
}

func (a *DbQueryAdapter) connFor(driver, dsn string) (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := driver + "|" + dsn
	if db, ok := a.pool[key]; ok {
		return db, nil
	}
	db, err := sql.Open(driver, stripDSNScheme(driver, dsn))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	a.pool[key] = db
	return db, nil
}

// stripDSNScheme removes the scheme prefix sqlite drivers don't expect,
// while leaving postgres DSNs as-is since pgx accepts the URL form directly.
func stripDSNScheme(driver, dsn string) string {
	if driver == "sqlite" {
		return strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite://"), "file:")
	}
	return dsn
}

func (a *DbQueryAdapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, db := range a.pool {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *DbQueryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var first error
	for _, db := range a.pool {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	a.pool = make(map[string]*sql.DB)
	return first
}

var _ Adapter = (*DbQueryAdapter)(nil)
