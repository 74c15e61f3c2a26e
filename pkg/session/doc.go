// Package session provides transparent caching for outbound HTTP-style
// requests.
//
// A Session intercepts each request, decides whether a stored response may
// satisfy it, and otherwise performs the request through its Transport and
// stores the result. The pieces it coordinates:
//
//   - canonical cache keys (pkg/cachekey): method, URL and body hashed with
//     query parameters normalized and an ignorable-parameter set applied
//   - per-host prefix policies (pkg/policy): expiration overrides and
//     throttle rates, longest prefix wins
//   - pluggable storage (pkg/store): memory, SQLite, Redis or Pebble
//   - redirect aliasing: every hop of a redirect chain resolves to the
//     entry stored for the final request
//
// # Basic Usage
//
//	sess, err := session.New(session.DefaultConfig(
//		memory.New(0),
//		session.NewHTTPTransport(nil),
//	))
//	if err != nil {
//		return err
//	}
//
//	resp, err := sess.Do(ctx, &session.Request{
//		Method: "GET",
//		URL:    "https://api.example.com/items?page=1",
//	})
//	if err != nil {
//		return err
//	}
//	if resp.FromCache {
//		// served without touching the network
//	}
//
// # Policies
//
//	// Entries default to Config.DefaultExpiration; narrow it per prefix.
//	sess.SetExpirationOverride("https://api.example.com/volatile", 30*time.Second)
//
//	// At most 2 fetches per second below this prefix.
//	sess.SetThrottle("https://api.example.com/search", 2.0)
//
// Policy prefix matching is lexical, so a rule for /api also governs
// /api2/foo.
//
// # Failure semantics
//
// Transport errors pass through unchanged; the Session itself never
// retries. Wrap the transport in a RetryTransport to retry transient
// origin failures. Backend failures surface as *store.StorageError rather
// than being treated as misses. A missing or expired entry is not an
// error; it is the normal miss branch.
//
// # Concurrency
//
// Do is synchronous and performs no internal parallelism; the throttle
// delay is a blocking sleep. Mutating calls (SetThrottle, IgnoreParams,
// CacheDisabled) are not safe for concurrent use with Do; callers that
// need that must serialize access. Stores, by contrast, may be shared
// between many sessions.
//
// # Metrics
//
// The package exports Prometheus metrics:
//
//   - reqcache_hits_total - responses served from cache
//   - reqcache_misses_total{reason} - misses by reason (absent, expired)
//   - reqcache_passthrough_total{reason} - uncached requests
//   - reqcache_storage_errors_total{operation} - backend failures
//   - reqcache_throttle_wait_seconds - throttle delay histogram
//   - reqcache_retries_total - retry attempts (RetryTransport)
//   - reqcache_retry_backoff_seconds - backoff before each retry
//   - reqcache_retry_exhausted_total - requests that exhausted retries
package session
