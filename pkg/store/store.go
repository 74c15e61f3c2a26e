// Package store defines the storage contract shared by all cache backends.
//
// A backend is an ordered key-value mapping from cache key to entry, plus a
// side table of alias keys for redirect chains. Payloads are opaque bytes;
// interpreting them is the caller's business. Absence of a key is a normal
// result, never an error. Backend failures surface as *StorageError so
// callers can tell "not stored" apart from "storage broken".
//
// Implementations must be safe for concurrent use by multiple callers
// sharing one backend; the resolution policy for concurrent writes to the
// same key is last-put-wins.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one stored exchange: the serialized response payload and the
// time it was stored, used for freshness checks.
type Entry struct {
	Payload  []byte    `json:"payload"`
	StoredAt time.Time `json:"stored_at"`
}

// Store is the contract every cache backend satisfies.
type Store interface {
	// Get returns the entry for key. Absence is reported via ok=false
	// with a nil error; a non-nil error always means backend failure.
	Get(ctx context.Context, key string) (entry *Entry, ok bool, err error)

	// Put upserts the entry for key, overwriting any existing one.
	Put(ctx context.Context, key string, entry *Entry) error

	// Delete removes the entry for key. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// AddAlias records alias as an alternate key for canonical.
	AddAlias(ctx context.Context, alias, canonical string) error

	// ResolveAlias returns the canonical key for key, or key itself
	// when no alias is registered.
	ResolveAlias(ctx context.Context, key string) (string, error)

	// Clear drops all entries and aliases.
	Clear(ctx context.Context) error

	// Keys lists all entry keys in sorted order. Intended for
	// maintenance and inspection, not the request hot path.
	Keys(ctx context.Context) ([]string, error)
}

// StorageError wraps a backend failure with the operation and key involved.
type StorageError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s failed for key %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// MarshalEntry encodes an entry for backends that store opaque bytes.
func MarshalEntry(entry *Entry) ([]byte, error) {
	if entry == nil {
		return nil, fmt.Errorf("entry cannot be nil")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}
	return data, nil
}

// UnmarshalEntry decodes an entry previously encoded with MarshalEntry.
func UnmarshalEntry(data []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return &entry, nil
}
