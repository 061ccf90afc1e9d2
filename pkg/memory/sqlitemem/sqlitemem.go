// Package sqlitemem implements the guarded-write memory contract over a
// SQLite database.
//
// Bindings live in a single two-column table (address BLOB primary key, word
// BLOB). The guarded write runs inside one transaction, which makes the
// guard check and the binding batch a single linearizable operation; batch
// reads post-join their results so the output preserves input order and
// unbound addresses come back as nil rather than being skipped.
package sqlitemem

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/keyfold/findex/pkg/memory"
)

// DefaultTable is the table name used when [Options.Table] is empty.
const DefaultTable = "findex_memory"

// sqliteBusyTimeout is the time SQLite waits when the database is locked.
// After this, operations return SQLITE_BUSY.
const sqliteBusyTimeout = 10000 // milliseconds

// batchReadChunk caps the number of bound parameters per SELECT so large
// batch reads stay under SQLITE_MAX_VARIABLE_NUMBER.
const batchReadChunk = 512

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options configures [Open].
type Options struct {
	// Path is the SQLite database file. Required.
	Path string

	// Table is the bindings table, created if absent. Defaults to
	// [DefaultTable]. The name is interpolated into SQL and therefore
	// restricted to [A-Za-z0-9_].
	Table string
}

// Memory is a [memory.Memory] backed by a SQLite table.
//
// Safe for concurrent use: the connection pool is pinned to a single
// connection so per-connection PRAGMAs apply consistently, and every guarded
// write runs in its own IMMEDIATE transaction, which also serializes writers
// from other processes sharing the database file.
type Memory struct {
	db    *sql.DB
	table string
}

// Open opens (creating if needed) the bindings table at opts.Path.
func Open(ctx context.Context, opts Options) (*Memory, error) {
	if opts.Path == "" {
		return nil, errors.New("sqlitemem: path is empty")
	}

	table := opts.Table
	if table == "" {
		table = DefaultTable
	}

	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("sqlitemem: invalid table name %q", table)
	}

	db, err := sql.Open("sqlite3", opts.Path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Ensure per-connection PRAGMAs apply consistently.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		CREATE TABLE IF NOT EXISTS %s (
			a BLOB PRIMARY KEY,
			w BLOB NOT NULL
		);
	`, sqliteBusyTimeout, table))
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Memory{db: db, table: table}, nil
}

// BatchRead implements [memory.Memory].
func (s *Memory) BatchRead(ctx context.Context, addresses []memory.Address) ([][]byte, error) {
	found := make(map[memory.Address][]byte, len(addresses))

	// SELECT return order is undefined and misses are silently absent, so
	// results are collected into a map and re-emitted in input order.
	for start := 0; start < len(addresses); start += batchReadChunk {
		end := min(start+batchReadChunk, len(addresses))

		err := s.readChunk(ctx, addresses[start:end], found)
		if err != nil {
			return nil, err
		}
	}

	out := make([][]byte, len(addresses))
	for i, a := range addresses {
		if w, ok := found[a]; ok {
			out[i] = bytes.Clone(w)
		}
	}

	return out, nil
}

func (s *Memory) readChunk(ctx context.Context, addresses []memory.Address, found map[memory.Address][]byte) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(addresses)), ",")
	args := make([]any, len(addresses))

	for i, a := range addresses {
		args[i] = a[:]
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT a, w FROM %s WHERE a IN (%s)", s.table, placeholders), args...)
	if err != nil {
		return fmt.Errorf("batch read: %w", err)
	}

	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var a, w []byte

		err = rows.Scan(&a, &w)
		if err != nil {
			return fmt.Errorf("batch read scan: %w", err)
		}

		if len(a) != memory.AddressLength {
			return fmt.Errorf("batch read: address column holds %d bytes, want %d", len(a), memory.AddressLength)
		}

		found[memory.Address(a)] = bytes.Clone(w)
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("batch read rows: %w", err)
	}

	return nil
}

// GuardedWrite implements [memory.Memory].
//
// The guard check and the binding upserts share one IMMEDIATE transaction, so
// concurrent guarded writes to the same guard address serialize on the
// database write lock.
func (s *Memory) GuardedWrite(ctx context.Context, guard memory.Guard, bindings []memory.Binding) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin guarded write: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	var cur []byte

	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT w FROM %s WHERE a = ?", s.table), guard.Address[:]).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read guard: %w", err)
	}

	bound := !errors.Is(err, sql.ErrNoRows)

	if guardMatches(cur, bound, guard.Expected) {
		// Sequential upserts make duplicate addresses resolve to the
		// last occurrence.
		for _, b := range bindings {
			_, err = tx.ExecContext(ctx,
				fmt.Sprintf("INSERT OR REPLACE INTO %s (a, w) VALUES (?, ?)", s.table),
				b.Address[:], b.Word)
			if err != nil {
				return nil, fmt.Errorf("write binding: %w", err)
			}
		}
	}

	err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("commit guarded write: %w", err)
	}

	if !bound {
		return nil, nil
	}

	return cur, nil
}

// Clear drops every binding. Intended for tests and examples.
func (s *Memory) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table))
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *Memory) Close() error {
	return s.db.Close()
}

func guardMatches(cur []byte, bound bool, expected []byte) bool {
	if !bound || expected == nil {
		return !bound && expected == nil
	}

	return bytes.Equal(cur, expected)
}
