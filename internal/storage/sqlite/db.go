// Package sqlite implements storage.Store using SQLite via modernc.org/sqlite.
//
// Connections are split into a single-writer handle and a multi-reader pool;
// SQLite serializes writers anyway, and a single write connection avoids
// SQLITE_BUSY churn under load.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements storage.Store.
type Store struct {
	write *sql.DB // single-writer connection
	read  *sql.DB // multi-reader pool
}

// New opens a SQLite database, runs migrations, and returns a Store.
func New(dsn string) (*Store, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	// :memory: databases need shared cache so both pools see the same data.
	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("sqlite: open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("sqlite: migrations: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

// runMigrations applies the embedded SQL migrations using goose.
// fs.Sub strips the "migrations/" prefix so goose sees files at the FS root.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both database handles.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

// ── shared helpers ───────────────────────────────────────────────────────────

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
