// Package store implements the Metadata Store: the relational system of
// record for filesystem entries, directory statistics, the trash can,
// cache index, RBAC tables, vaults, and sync policies (spec §3, §4).
//
// It is backed by modernc.org/sqlite, a pure-Go SQLite driver, so the
// daemon stays cgo-free — the teacher repo has no relational store of its
// own, so this package is grounded on perkeep's sqlite schema/migration
// conventions instead (pkg/sorted/sqlite/dbschema.go).
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
)

// Store wraps the sqlite connection and exposes the query surface used by
// every other subsystem. It intentionally collapses what the original
// implementation split across two namespaces of free functions into one
// cohesive type issuing parameterized SQL on a shared *sql.DB.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and applies
// any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, vherrors.New(vherrors.CodeFatal, "failed to open metadata store").
			WithComponent("store").WithCause(err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms.

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, vherrors.New(vherrors.CodeFatal, "failed to enable foreign keys").WithCause(err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, vherrors.New(vherrors.CodeFatal, "failed to enable WAL mode").WithCause(err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, vherrors.New(vherrors.CodeFatal, "failed to migrate metadata store").
			WithComponent("store").WithCause(err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the underlying database connection is reachable, for the
// daemon's health monitor.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// RowScanner abstracts *sql.Row and *sql.Rows behind the one method every
// decode helper needs, so row-to-entity mapping is written once per type
// regardless of whether the caller fetched one row or many.
type RowScanner interface {
	Scan(dest ...interface{}) error
}

func wrapNotFound(err error, component, what string) error {
	if err == sql.ErrNoRows {
		return vherrors.New(vherrors.CodeNotFound, what+" not found").WithComponent(component)
	}
	return vherrors.New(vherrors.CodeIOError, "metadata store query failed").
		WithComponent(component).WithCause(err)
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any returned error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return vherrors.New(vherrors.CodeIOError, "failed to begin transaction").
			WithComponent("store").WithCause(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return vherrors.New(vherrors.CodeIOError, "failed to commit transaction").
			WithComponent("store").WithCause(err)
	}
	return nil
}

// unixNow is a tiny indirection so tests can fix the clock without the
// package reaching for time.Now() in a dozen call sites.
var unixNow = func() int64 {
	return time.Now().Unix()
}

func fmtErr(component, op string, err error) error {
	return vherrors.New(vherrors.CodeIOError, fmt.Sprintf("%s failed", op)).
		WithComponent(component).WithOperation(op).WithCause(err)
}
