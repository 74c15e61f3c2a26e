package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reqcache/reqcache/pkg/cachekey"
	"github.com/reqcache/reqcache/pkg/policy"
	"github.com/reqcache/reqcache/pkg/store"
)

// Config holds the session configuration.
type Config struct {
	// Store is the cache backend. Required.
	Store store.Store

	// Transport performs uncached exchanges. Required.
	Transport Transport

	// DefaultExpiration is how long cached entries stay fresh when no
	// override matches. Zero or negative means entries never expire.
	DefaultExpiration time.Duration

	// AllowedMethods limits which methods are cached at all; other
	// methods pass straight through. Default: GET.
	AllowedMethods []string

	// AllowedStatuses limits which response statuses are stored.
	// Default: 200.
	AllowedStatuses []int

	// IgnoredParams are query parameter names excluded from key
	// derivation. Default: "token".
	IgnoredParams []string
}

// DefaultConfig returns a safe configuration over the given store and
// transport: GET-only caching, 200-only storage, "token" ignored, entries
// never expiring until a default expiration is chosen.
func DefaultConfig(st store.Store, transport Transport) Config {
	return Config{
		Store:           st,
		Transport:       transport,
		AllowedMethods:  []string{http.MethodGet},
		AllowedStatuses: []int{http.StatusOK},
		IgnoredParams:   []string{"token"},
	}
}

// Session dispatches requests through the cache: it derives the canonical
// key, consults the store, applies expiration and throttle policies, and
// falls back to the transport on a miss.
//
// A Session performs no internal locking for its mutable configuration
// (policy rules, ignored parameters, the disabled flag); callers invoking
// those concurrently must serialize access themselves. The store it talks
// to is expected to be concurrency-safe.
type Session struct {
	store     store.Store
	transport Transport
	policies  *policy.Table
	ignored   cachekey.IgnoredParams

	allowedMethods  map[string]struct{}
	allowedStatuses map[int]struct{}

	disabled bool
	logger   zerolog.Logger

	// Injection points for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a Session from cfg.
func New(cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	statuses := cfg.AllowedStatuses
	if len(statuses) == 0 {
		statuses = []int{http.StatusOK}
	}

	defaultExpiration := -1.0
	if cfg.DefaultExpiration > 0 {
		defaultExpiration = cfg.DefaultExpiration.Seconds()
	}

	s := &Session{
		store:           cfg.Store,
		transport:       cfg.Transport,
		policies:        policy.NewTable(defaultExpiration),
		ignored:         cachekey.NewIgnoredParams(cfg.IgnoredParams...),
		allowedMethods:  make(map[string]struct{}, len(methods)),
		allowedStatuses: make(map[int]struct{}, len(statuses)),
		logger:          log.With().Str("component", "session").Logger(),
		now:             time.Now,
		sleep:           time.Sleep,
	}
	for _, m := range methods {
		s.allowedMethods[m] = struct{}{}
	}
	for _, code := range statuses {
		s.allowedStatuses[code] = struct{}{}
	}

	return s, nil
}

// Do dispatches one logical request through the cache.
//
// Responses served from the cache carry FromCache=true. Transport errors
// propagate unchanged. Storage failures propagate as *store.StorageError
// and are never demoted to a miss; when the initial lookup fails, the
// transport is not invoked at all.
func (s *Session) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", cachekey.ErrMalformedRequest)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("%w: empty method", cachekey.ErrMalformedRequest)
	}

	if s.disabled {
		passthroughs.WithLabelValues("disabled").Inc()
		return s.passthrough(ctx, req)
	}
	if _, ok := s.allowedMethods[req.Method]; !ok {
		passthroughs.WithLabelValues("method").Inc()
		return s.passthrough(ctx, req)
	}

	key, err := cachekey.Derive(req.Method, req.URL, req.Body, s.ignored)
	if err != nil {
		return nil, err
	}

	canonical, err := s.store.ResolveAlias(ctx, key)
	if err != nil {
		storageErrors.WithLabelValues("alias").Inc()
		return nil, fmt.Errorf("resolve alias: %w", err)
	}

	lookupKey := canonical
	entry, ok, err := s.store.Get(ctx, canonical)
	if err != nil {
		storageErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("cache get: %w", err)
	}

	// An alias can outlive its canonical entry, for example when an
	// expired redirect target was dropped and the origin later answers
	// the aliased URL directly. A direct entry then takes priority over
	// the stale alias.
	if !ok && canonical != key {
		entry, ok, err = s.store.Get(ctx, key)
		if err != nil {
			storageErrors.WithLabelValues("get").Inc()
			return nil, fmt.Errorf("cache get: %w", err)
		}
		lookupKey = key
	}

	if ok {
		fresh, age, limit := s.freshness(req.URL, entry)
		if fresh {
			resp, err := decodeResponse(entry.Payload)
			if err != nil {
				return nil, fmt.Errorf("cache entry for key %s: %w", lookupKey, err)
			}
			resp.FromCache = true
			cacheHits.Inc()
			s.logger.Debug().
				Str("url", req.URL).
				Str("key", lookupKey).
				Dur("age", age).
				Msg("Serving response from cache")
			return resp, nil
		}

		// Stale entry: drop it and fall through to a fresh fetch.
		if err := s.store.Delete(ctx, lookupKey); err != nil {
			storageErrors.WithLabelValues("delete").Inc()
			return nil, fmt.Errorf("delete expired entry: %w", err)
		}
		cacheMisses.WithLabelValues("expired").Inc()
		s.logger.Debug().
			Str("url", req.URL).
			Dur("age", age).
			Dur("limit", limit).
			Msg("Cache entry expired")
	} else {
		cacheMisses.WithLabelValues("absent").Inc()
	}

	return s.fetchAndStore(ctx, req, key)
}

// passthrough forwards the request without touching the cache.
func (s *Session) passthrough(ctx context.Context, req *Request) (*Response, error) {
	resp, err := s.transport.Perform(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.FromCache = false
	return resp, nil
}

// freshness reports whether entry may still be served for url, along with
// its age and the resolved expiration for logging. With no override and no
// default expiration, entries are always fresh.
func (s *Session) freshness(url string, entry *store.Entry) (fresh bool, age, limit time.Duration) {
	seconds, ok := s.policies.Resolve(policy.Expiration, url)
	if !ok {
		return true, 0, 0
	}
	age = s.now().Sub(entry.StoredAt)
	limit = time.Duration(seconds * float64(time.Second))
	return age <= limit, age, limit
}

// fetchAndStore runs the miss path: throttle, perform, persist, alias.
func (s *Session) fetchAndStore(ctx context.Context, req *Request, key string) (*Response, error) {
	s.waitForThrottle(req.URL)

	resp, err := s.transport.Perform(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.FromCache = false

	if _, cacheable := s.allowedStatuses[resp.StatusCode]; !cacheable {
		return resp, nil
	}

	// The entry is stored under the final request's key so that a direct
	// request for the redirect target hits the same entry; every
	// intermediate hop is aliased to it.
	storeKey, err := s.finalKey(req, resp, key)
	if err != nil {
		return nil, err
	}

	payload, err := encodeResponse(resp)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, storeKey, &store.Entry{Payload: payload, StoredAt: s.now()}); err != nil {
		storageErrors.WithLabelValues("put").Inc()
		return nil, fmt.Errorf("cache put: %w", err)
	}

	for _, hop := range resp.History {
		hopKey, err := cachekey.Derive(hop.Method, hop.URL, hop.Body, s.ignored)
		if err != nil {
			return nil, err
		}
		if hopKey == storeKey {
			continue
		}
		if err := s.store.AddAlias(ctx, hopKey, storeKey); err != nil {
			storageErrors.WithLabelValues("alias").Inc()
			return nil, fmt.Errorf("add alias: %w", err)
		}
	}

	s.logger.Debug().
		Str("url", req.URL).
		Str("key", storeKey).
		Int("status", resp.StatusCode).
		Int("redirects", len(resp.History)).
		Msg("Cached response")

	return resp, nil
}

// finalKey derives the key of the final request after redirects, falling
// back to the original key when the response carries no final request.
func (s *Session) finalKey(req *Request, resp *Response, key string) (string, error) {
	final := resp.Request
	if final == nil || len(resp.History) == 0 {
		return key, nil
	}
	body := final.Body
	if body == nil && final.URL == req.URL {
		body = req.Body
	}
	return cachekey.Derive(final.Method, final.URL, body, s.ignored)
}

// waitForThrottle sleeps 1/rate seconds when a throttle rule matches the
// URL. This is a single fixed delay per request, not a token bucket; it
// blocks the calling goroutine on purpose.
func (s *Session) waitForThrottle(url string) {
	rate, ok := s.policies.Resolve(policy.Throttle, url)
	if !ok || rate <= 0 {
		return
	}
	wait := time.Duration(float64(time.Second) / rate)
	throttleWait.Observe(wait.Seconds())
	s.logger.Debug().
		Str("url", url).
		Float64("rate", rate).
		Dur("wait", wait).
		Msg("Throttling request")
	s.sleep(wait)
}

// SetExpirationOverride registers an expiration override for the URL's
// host and path prefix. The override must lie in [0, DefaultExpiration];
// without a configured default expiration it is a no-op. Out-of-range
// values fail with policy.ErrInvalidValue.
func (s *Session) SetExpirationOverride(rawURL string, d time.Duration) (time.Duration, error) {
	accepted, err := s.policies.SetRule(policy.Expiration, rawURL, d.Seconds())
	if err != nil {
		return 0, err
	}
	return time.Duration(accepted * float64(time.Second)), nil
}

// SetThrottle registers a throttle rate in requests per second for the
// URL's host and path prefix. Rates outside [0, policy.MaxThrottleRate]
// fail with policy.ErrInvalidValue.
func (s *Session) SetThrottle(rawURL string, perSecond float64) (float64, error) {
	return s.policies.SetRule(policy.Throttle, rawURL, perSecond)
}

// IgnoreParams adds query parameter names to the set excluded from key
// derivation.
func (s *Session) IgnoreParams(names ...string) {
	s.ignored.Add(names...)
}

// CacheDisabled runs fn with caching disabled, re-enabling it on every
// exit path, including a panic inside fn.
func (s *Session) CacheDisabled(fn func() error) error {
	s.disabled = true
	defer func() { s.disabled = false }()
	return fn()
}

// ClearCache drops all stored entries and aliases.
func (s *Session) ClearCache(ctx context.Context) error {
	return s.store.Clear(ctx)
}

// DeleteURL removes the entry cached for a GET request to rawURL.
func (s *Session) DeleteURL(ctx context.Context, rawURL string) error {
	key, err := cachekey.Derive(http.MethodGet, rawURL, nil, s.ignored)
	if err != nil {
		return err
	}
	canonical, err := s.store.ResolveAlias(ctx, key)
	if err != nil {
		return fmt.Errorf("resolve alias: %w", err)
	}
	if err := s.store.Delete(ctx, canonical); err != nil {
		return err
	}
	if canonical != key {
		return s.store.Delete(ctx, key)
	}
	return nil
}

// HasURL reports whether an entry is cached for a GET request to rawURL.
// Freshness is not checked; a stale entry still counts as present.
func (s *Session) HasURL(ctx context.Context, rawURL string) (bool, error) {
	key, err := cachekey.Derive(http.MethodGet, rawURL, nil, s.ignored)
	if err != nil {
		return false, err
	}
	canonical, err := s.store.ResolveAlias(ctx, key)
	if err != nil {
		return false, fmt.Errorf("resolve alias: %w", err)
	}
	_, ok, err := s.store.Get(ctx, canonical)
	if err != nil {
		return false, fmt.Errorf("cache get: %w", err)
	}
	if !ok && canonical != key {
		_, ok, err = s.store.Get(ctx, key)
		if err != nil {
			return false, fmt.Errorf("cache get: %w", err)
		}
	}
	return ok, nil
}

// Store returns the underlying cache store (for maintenance and tests).
func (s *Session) Store() store.Store {
	return s.store
}
