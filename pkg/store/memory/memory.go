// Package memory provides an in-process cache backend bounded by an LRU
// entry limit. Eviction shows up to callers as plain absence, the same as
// any other reason an entry is gone.
package memory

import (
	"context"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/reqcache/reqcache/pkg/store"
)

// DefaultCapacity is the entry limit used when none is given.
const DefaultCapacity = 8192

// Store is an in-memory backend. Entries live in a thread-safe LRU;
// aliases live in a plain map guarded by a mutex.
type Store struct {
	entries *lru.Cache[string, *store.Entry]

	mu      sync.RWMutex
	aliases map[string]string
}

// New creates an in-memory store holding at most capacity entries.
// A capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// lru.New only fails for non-positive sizes, which we just excluded.
	entries, err := lru.New[string, *store.Entry](capacity)
	if err != nil {
		panic(err)
	}
	return &Store{
		entries: entries,
		aliases: make(map[string]string),
	}
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, key string) (*store.Entry, bool, error) {
	entry, ok := s.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	return entry, true, nil
}

// Put implements store.Store.
func (s *Store) Put(_ context.Context, key string, entry *store.Entry) error {
	s.entries.Add(key, entry)
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	s.entries.Remove(key)
	return nil
}

// AddAlias implements store.Store.
func (s *Store) AddAlias(_ context.Context, alias, canonical string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[alias] = canonical
	return nil
}

// ResolveAlias implements store.Store.
func (s *Store) ResolveAlias(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if canonical, ok := s.aliases[key]; ok {
		return canonical, nil
	}
	return key, nil
}

// Clear implements store.Store.
func (s *Store) Clear(_ context.Context) error {
	s.entries.Purge()
	s.mu.Lock()
	s.aliases = make(map[string]string)
	s.mu.Unlock()
	return nil
}

// Keys implements store.Store.
func (s *Store) Keys(_ context.Context) ([]string, error) {
	keys := s.entries.Keys()
	sort.Strings(keys)
	return keys, nil
}
