// Package pebblestore implements the cache storage contract on Pebble, an
// embedded ordered key-value store. Entries sit under the "r:" prefix and
// aliases under "a:", so key iteration comes out naturally sorted.
package pebblestore

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"

	"github.com/reqcache/reqcache/pkg/store"
)

const (
	entryPrefix = "r:"
	aliasPrefix = "a:"
)

// Store is a Pebble-backed cache store.
type Store struct {
	db *pebble.DB
}

// New opens (and if needed creates) the Pebble database at path.
func New(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, key string) (*store.Entry, bool, error) {
	data, closer, err := s.db.Get([]byte(entryPrefix + key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &store.StorageError{Op: "get", Key: key, Err: err}
	}

	entry, err := store.UnmarshalEntry(data)
	closer.Close()
	if err != nil {
		return nil, false, &store.StorageError{Op: "get", Key: key, Err: err}
	}
	return entry, true, nil
}

// Put implements store.Store.
func (s *Store) Put(_ context.Context, key string, entry *store.Entry) error {
	data, err := store.MarshalEntry(entry)
	if err != nil {
		return &store.StorageError{Op: "put", Key: key, Err: err}
	}
	if err := s.db.Set([]byte(entryPrefix+key), data, pebble.Sync); err != nil {
		return &store.StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	// Pebble deletes are blind writes, so an absent key is naturally fine.
	if err := s.db.Delete([]byte(entryPrefix+key), pebble.Sync); err != nil {
		return &store.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// AddAlias implements store.Store.
func (s *Store) AddAlias(_ context.Context, alias, canonical string) error {
	if err := s.db.Set([]byte(aliasPrefix+alias), []byte(canonical), pebble.Sync); err != nil {
		return &store.StorageError{Op: "add_alias", Key: alias, Err: err}
	}
	return nil
}

// ResolveAlias implements store.Store.
func (s *Store) ResolveAlias(_ context.Context, key string) (string, error) {
	data, closer, err := s.db.Get([]byte(aliasPrefix + key))
	if err == pebble.ErrNotFound {
		return key, nil
	}
	if err != nil {
		return "", &store.StorageError{Op: "resolve_alias", Key: key, Err: err}
	}

	canonical := string(data)
	closer.Close()
	return canonical, nil
}

// Clear implements store.Store.
func (s *Store) Clear(_ context.Context) error {
	for _, prefix := range []string{entryPrefix, aliasPrefix} {
		lower, upper := prefixBounds(prefix)
		if err := s.db.DeleteRange(lower, upper, pebble.Sync); err != nil {
			return &store.StorageError{Op: "clear", Err: err}
		}
	}
	return nil
}

// Keys implements store.Store.
func (s *Store) Keys(_ context.Context) ([]string, error) {
	lower, upper := prefixBounds(entryPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, &store.StorageError{Op: "keys", Err: err}
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, strings.TrimPrefix(string(iter.Key()), entryPrefix))
	}
	if err := iter.Error(); err != nil {
		return nil, &store.StorageError{Op: "keys", Err: err}
	}
	return keys, nil
}

// prefixBounds returns [lower, upper) covering every key with the prefix.
func prefixBounds(prefix string) ([]byte, []byte) {
	lower := []byte(prefix)
	upper := make([]byte, len(lower))
	copy(upper, lower)
	upper[len(upper)-1]++
	return lower, upper
}
