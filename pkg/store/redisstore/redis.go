// Package redisstore implements the cache storage contract on Redis.
//
// All keys live under a configurable namespace so several caches can share
// one Redis instance: entries under <ns>:responses:<key>, aliases under
// <ns>:aliases:<key>. An optional server-side TTL lets Redis expire entries
// on its own; callers still perform their own freshness checks, so the TTL
// is purely an optimization that turns into ordinary absence.
package redisstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reqcache/reqcache/pkg/store"
)

// DefaultNamespace prefixes all keys when no namespace is given.
const DefaultNamespace = "reqcache"

// Store is a Redis-backed cache store.
type Store struct {
	client    *redis.Client
	namespace string
	serverTTL time.Duration
}

// New creates a Redis store. A serverTTL of 0 disables server-side expiry.
func New(client *redis.Client, namespace string, serverTTL time.Duration) *Store {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Store{
		client:    client,
		namespace: namespace,
		serverTTL: serverTTL,
	}
}

func (s *Store) entryKey(key string) string {
	return s.namespace + ":responses:" + key
}

func (s *Store) aliasKey(key string) string {
	return s.namespace + ":aliases:" + key
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) (*store.Entry, bool, error) {
	data, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &store.StorageError{Op: "get", Key: key, Err: err}
	}

	entry, err := store.UnmarshalEntry(data)
	if err != nil {
		return nil, false, &store.StorageError{Op: "get", Key: key, Err: err}
	}
	return entry, true, nil
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, key string, entry *store.Entry) error {
	data, err := store.MarshalEntry(entry)
	if err != nil {
		return &store.StorageError{Op: "put", Key: key, Err: err}
	}
	if err := s.client.Set(ctx, s.entryKey(key), data, s.serverTTL).Err(); err != nil {
		return &store.StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.entryKey(key)).Err(); err != nil {
		return &store.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// AddAlias implements store.Store.
func (s *Store) AddAlias(ctx context.Context, alias, canonical string) error {
	if err := s.client.Set(ctx, s.aliasKey(alias), canonical, s.serverTTL).Err(); err != nil {
		return &store.StorageError{Op: "add_alias", Key: alias, Err: err}
	}
	return nil
}

// ResolveAlias implements store.Store.
func (s *Store) ResolveAlias(ctx context.Context, key string) (string, error) {
	canonical, err := s.client.Get(ctx, s.aliasKey(key)).Result()
	if err == redis.Nil {
		return key, nil
	}
	if err != nil {
		return "", &store.StorageError{Op: "resolve_alias", Key: key, Err: err}
	}
	return canonical, nil
}

// Clear implements store.Store.
func (s *Store) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.namespace+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return &store.StorageError{Op: "clear", Err: err}
		}
	}
	if err := iter.Err(); err != nil {
		return &store.StorageError{Op: "clear", Err: err}
	}
	return nil
}

// Keys implements store.Store.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	prefix := s.namespace + ":responses:"

	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, &store.StorageError{Op: "keys", Err: err}
	}

	sort.Strings(keys)
	return keys, nil
}
