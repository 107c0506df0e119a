// CLAUDE:SUMMARY Opens SQLite databases with pragmas carried in the DSN so every pooled connection gets them, plus an in-memory helper for tests.
// Package dbopen opens the embedded SQLite store used for local runs, tests
// and the observability database.
//
// Pragmas are passed as modernc _pragma DSN parameters, so they hold on
// every connection database/sql opens, not only the first:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
//	db, err := dbopen.Open("data/flow.db", dbopen.WithMkdirAll(), dbopen.WithSchema(store.Schema))
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

const driverName = "sqlite"

type options struct {
	pragmas  map[string]string
	mkdirAll bool
	schemas  []string
}

// Option customises Open.
type Option func(*options)

// WithPragma sets an extra pragma, or overrides a default one.
func WithPragma(name, value string) Option {
	return func(o *options) { o.pragmas[name] = value }
}

// WithBusyTimeout sets busy_timeout in milliseconds.
func WithBusyTimeout(ms int) Option { return WithPragma("busy_timeout", strconv.Itoa(ms)) }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(o *options) { o.mkdirAll = true } }

// WithSchema queues DDL run after the database is reachable. Schemas must be
// idempotent (CREATE ... IF NOT EXISTS).
func WithSchema(ddl string) Option { return func(o *options) { o.schemas = append(o.schemas, ddl) } }

// pragmaOrder keeps the DSN stable; foreign_keys must precede the schema.
var pragmaOrder = []string{"foreign_keys", "journal_mode", "busy_timeout", "synchronous"}

// dsn returns the driver DSN for path with the pragmas applied.
func (o *options) dsn(path string) string {
	q := url.Values{}
	seen := make(map[string]bool, len(o.pragmas))
	for _, name := range pragmaOrder {
		if v, ok := o.pragmas[name]; ok {
			q.Add("_pragma", name+"("+v+")")
			seen[name] = true
		}
	}
	for name, v := range o.pragmas {
		if !seen[name] {
			q.Add("_pragma", name+"("+v+")")
		}
	}
	return path + "?" + q.Encode()
}

// Open opens (creating if needed) the SQLite database at path and applies
// the queued schemas.
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := &options{pragmas: map[string]string{
		"foreign_keys": "1",
		"journal_mode": "WAL",
		"busy_timeout": "10000",
		"synchronous":  "NORMAL",
	}}
	for _, fn := range opts {
		fn(o)
	}

	if o.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: create directory for %s: %w", path, err)
		}
	}

	db, err := sql.Open(driverName, o.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("dbopen: %s: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: %s: %w", path, err)
	}
	for i, ddl := range o.schemas {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: %s: schema %d: %w", path, i, err)
		}
	}
	return db, nil
}

// OpenMemory opens a private in-memory database closed with the test.
// Every connection to ":memory:" is its own database; Open limits the pool
// to one connection.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
