// Package sqlitedb opens the pure-Go modernc sqlite driver and applies
// embedded golang-migrate migrations. Shared by the job store and the
// telemetry sink, the only two components in this system that need a
// relational table.
package sqlitedb

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// modernc pure-Go SQLite driver, registers itself as "sqlite".
	_ "modernc.org/sqlite"
)

// Open opens dsn with the modernc driver, applies every *.sql file under the
// given embedded migrations filesystem, and returns the ready-to-use handle.
// SQLite allows only one writer at a time, so the pool is capped at one
// open connection — the same discipline the corpus's own sqlite wiring uses.
func Open(dsn string, migrations fs.FS, log *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate0(db, migrations, log); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate0(db *sql.DB, migrations fs.FS, log *slog.Logger) error {
	src, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("sqlitedb: migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlitedb: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("sqlitedb: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlitedb: apply migrations: %w", err)
	}
	log.Info("sqlite migrations applied")
	return nil
}
