// Package sqlitestore implements the cache storage contract on an embedded
// SQLite database, using the pure-Go driver so no cgo is needed. Entries and
// aliases live in two tables; ":memory:" works as a path for tests.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/reqcache/reqcache/pkg/store"
)

// Store is a SQLite-backed cache store.
type Store struct {
	db *sql.DB
}

// New opens (and if needed creates) the database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS responses (
			key TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			stored_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS aliases (
			alias TEXT PRIMARY KEY,
			canonical TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS stored_at_idx ON responses (stored_at)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) (*store.Entry, bool, error) {
	var payload []byte
	var storedAt int64

	err := s.db.QueryRowContext(ctx,
		"SELECT payload, stored_at FROM responses WHERE key = ?", key,
	).Scan(&payload, &storedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &store.StorageError{Op: "get", Key: key, Err: err}
	}

	return &store.Entry{
		Payload:  payload,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}, true, nil
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, key string, entry *store.Entry) error {
	if entry == nil {
		return &store.StorageError{Op: "put", Key: key, Err: fmt.Errorf("entry cannot be nil")}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO responses (key, payload, stored_at) VALUES (?, ?, ?)",
		key, entry.Payload, entry.StoredAt.UnixMilli())
	if err != nil {
		return &store.StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM responses WHERE key = ?", key)
	if err != nil {
		return &store.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// AddAlias implements store.Store.
func (s *Store) AddAlias(ctx context.Context, alias, canonical string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO aliases (alias, canonical) VALUES (?, ?)",
		alias, canonical)
	if err != nil {
		return &store.StorageError{Op: "add_alias", Key: alias, Err: err}
	}
	return nil
}

// ResolveAlias implements store.Store.
func (s *Store) ResolveAlias(ctx context.Context, key string) (string, error) {
	var canonical string
	err := s.db.QueryRowContext(ctx,
		"SELECT canonical FROM aliases WHERE alias = ?", key,
	).Scan(&canonical)
	if err == sql.ErrNoRows {
		return key, nil
	}
	if err != nil {
		return "", &store.StorageError{Op: "resolve_alias", Key: key, Err: err}
	}
	return canonical, nil
}

// Clear implements store.Store.
func (s *Store) Clear(ctx context.Context) error {
	for _, stmt := range []string{"DELETE FROM responses", "DELETE FROM aliases"} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &store.StorageError{Op: "clear", Err: err}
		}
	}
	return nil
}

// Keys implements store.Store.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM responses ORDER BY key")
	if err != nil {
		return nil, &store.StorageError{Op: "keys", Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, &store.StorageError{Op: "keys", Err: err}
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "keys", Err: err}
	}
	return keys, nil
}
