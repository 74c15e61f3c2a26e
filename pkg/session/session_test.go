package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/reqcache/reqcache/pkg/cachekey"
	"github.com/reqcache/reqcache/pkg/policy"
	"github.com/reqcache/reqcache/pkg/store"
	"github.com/reqcache/reqcache/pkg/store/memory"
)

// fakeTransport serves scripted responses and records its invocations.
type fakeTransport struct {
	calls   int
	lastReq *Request
	respond func(req *Request) (*Response, error)
}

func (f *fakeTransport) Perform(_ context.Context, req *Request) (*Response, error) {
	f.calls++
	f.lastReq = req
	if f.respond != nil {
		return f.respond(req)
	}
	return &Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       []byte("body for " + req.URL),
	}, nil
}

func newTestSession(t *testing.T, cfg Config) (*Session, *fakeTransport) {
	t.Helper()

	transport := &fakeTransport{}
	if cfg.Transport == nil {
		cfg.Transport = transport
	} else {
		transport = cfg.Transport.(*fakeTransport)
	}
	if cfg.Store == nil {
		cfg.Store = memory.New(0)
	}

	sess, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return sess, transport
}

func get(url string) *Request {
	return &Request{Method: http.MethodGet, URL: url}
}

func TestDo_MissThenHit(t *testing.T) {
	ctx := context.Background()
	sess, transport := newTestSession(t, Config{DefaultExpiration: time.Minute})

	first, err := sess.Do(ctx, get("http://example.com/api/items"))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if first.FromCache {
		t.Errorf("first response FromCache = true, want false")
	}

	second, err := sess.Do(ctx, get("http://example.com/api/items"))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !second.FromCache {
		t.Errorf("second response FromCache = false, want true")
	}
	if string(second.Body) != string(first.Body) {
		t.Errorf("cached body = %q, want %q", second.Body, first.Body)
	}
	if transport.calls != 1 {
		t.Errorf("transport calls = %d, want 1", transport.calls)
	}
}

func TestDo_IgnoredParamsShareEntry(t *testing.T) {
	ctx := context.Background()
	sess, transport := newTestSession(t, Config{DefaultExpiration: time.Minute})
	sess.IgnoreParams("session")

	if _, err := sess.Do(ctx, get("http://example.com/api?page=1&token=a&session=1")); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp, err := sess.Do(ctx, get("http://example.com/api?session=2&page=1&token=b"))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if !resp.FromCache {
		t.Errorf("FromCache = false, want hit despite ignored-param differences")
	}
	if transport.calls != 1 {
		t.Errorf("transport calls = %d, want 1", transport.calls)
	}
}

func TestDo_ExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	sess, transport := newTestSession(t, Config{DefaultExpiration: time.Hour})
	if _, err := sess.SetExpirationOverride("http://example.com/api", 10*time.Second); err != nil {
		t.Fatalf("SetExpirationOverride() error = %v", err)
	}

	t0 := time.Now()
	sess.now = func() time.Time { return t0 }
	if _, err := sess.Do(ctx, get("http://example.com/api/x")); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	// Just inside the expiration window: still fresh.
	sess.now = func() time.Time { return t0.Add(10*time.Second - time.Millisecond) }
	resp, err := sess.Do(ctx, get("http://example.com/api/x"))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !resp.FromCache {
		t.Errorf("FromCache = false just before expiry, want true")
	}
	if transport.calls != 1 {
		t.Errorf("transport calls = %d, want 1", transport.calls)
	}

	// Just past the window: stale, entry dropped, transport hit again.
	sess.now = func() time.Time { return t0.Add(10*time.Second + time.Millisecond) }
	resp, err = sess.Do(ctx, get("http://example.com/api/x"))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.FromCache {
		t.Errorf("FromCache = true past expiry, want false")
	}
	if transport.calls != 2 {
		t.Errorf("transport calls = %d, want 2", transport.calls)
	}
}

func TestDo_NoExpirationMeansAlwaysFresh(t *testing.T) {
	ctx := context.Background()
	sess, transport := newTestSession(t, Config{})

	t0 := time.Now()
	sess.now = func() time.Time { return t0 }
	if _, err := sess.Do(ctx, get("http://example.com/api")); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	sess.now = func() time.Time { return t0.Add(1000 * time.Hour) }
	resp, err := sess.Do(ctx, get("http://example.com/api"))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !resp.FromCache {
		t.Errorf("FromCache = false, want entries to never expire without a default")
	}
	if transport.calls != 1 {
		t.Errorf("transport calls = %d, want 1", transport.calls)
	}
}

func TestDo_ThrottleDelaysFetch(t *testing.T) {
	ctx := context.Background()
	sess, transport := newTestSession(t, Config{})

	var waits []time.Duration
	sleptBeforeFetch := true
	sess.sleep = func(d time.Duration) {
		waits = append(waits, d)
		if len(waits) > transport.calls+1 {
			sleptBeforeFetch = false
		}
	}

	if _, err := sess.SetThrottle("http://example.com/api", 2.0); err != nil {
		t.Fatalf("SetThrottle() error = %v", err)
	}

	// Two distinct URLs below the throttled prefix: two misses, two waits.
	if _, err := sess.Do(ctx, get("http://example.com/api/x?a=1")); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if _, err := sess.Do(ctx, get("http://example.com/api/x?a=2")); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if len(waits) != 2 {
		t.Fatalf("throttle waits = %d, want 2", len(waits))
	}
	for i, wait := range waits {
		if wait < 500*time.Millisecond {
			t.Errorf("wait[%d] = %v, want at least 500ms for rate 2.0", i, wait)
		}
	}
	if !sleptBeforeFetch {
		t.Errorf("throttle wait happened after the transport call")
	}

	// Unthrottled host is not delayed.
	waits = nil
	if _, err := sess.Do(ctx, get("http://other.com/api")); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if len(waits) != 0 {
		t.Errorf("throttle waits for unthrottled host = %d, want 0", len(waits))
	}
}

func TestDo_HitSkipsThrottle(t *testing.T) {
	ctx := context.Background()
	sess, _ := newTestSession(t, Config{})

	var waits int
	sess.sleep = func(time.Duration) { waits++ }

	if _, err := sess.SetThrottle("http://example.com/", 1.0); err != nil {
		t.Fatalf("SetThrottle() error = %v", err)
	}

	sess.Do(ctx, get("http://example.com/api"))
	sess.Do(ctx, get("http://example.com/api"))

	if waits != 1 {
		t.Errorf("throttle waits = %d, want 1 (hits are not throttled)", waits)
	}
}

func TestDo_RedirectAliasing(t *testing.T) {
	ctx := context.Background()

	transport := &fakeTransport{
		respond: func(req *Request) (*Response, error) {
			return &Response{
				StatusCode: http.StatusOK,
				Body:       []byte("final body"),
				Request:    get("http://example.com/c"),
				History: []*Request{
					get("http://example.com/a"),
					get("http://example.com/b"),
				},
			}, nil
		},
	}
	sess, _ := newTestSession(t, Config{Transport: transport, DefaultExpiration: time.Minute})

	if _, err := sess.Do(ctx, get("http://example.com/a")); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if transport.calls != 1 {
		t.Fatalf("transport calls = %d, want 1", transport.calls)
	}

	// Every hop, and the final URL itself, must now be a cache hit on the
	// same stored entry.
	for _, url := range []string{
		"http://example.com/a",
		"http://example.com/b",
		"http://example.com/c",
	} {
		resp, err := sess.Do(ctx, get(url))
		if err != nil {
			t.Fatalf("Do(%s) error = %v", url, err)
		}
		if !resp.FromCache {
			t.Errorf("Do(%s) FromCache = false, want true", url)
		}
		if string(resp.Body) != "final body" {
			t.Errorf("Do(%s) body = %q, want %q", url, resp.Body, "final body")
		}
	}
	if transport.calls != 1 {
		t.Errorf("transport calls = %d, want 1 after aliased hits", transport.calls)
	}

	// Only one entry exists; the hops are aliases, not copies.
	keys, err := sess.Store().Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("stored entries = %d, want 1", len(keys))
	}
}

func TestDo_AliasOutlivesExpiredEntry(t *testing.T) {
	ctx := context.Background()

	// First the origin redirects /start to /final; later it answers
	// /start directly. The alias written for the redirect must not shadow
	// the entry stored for the direct answer.
	redirecting := true
	transport := &fakeTransport{
		respond: func(req *Request) (*Response, error) {
			if redirecting {
				return &Response{
					StatusCode: http.StatusOK,
					Body:       []byte("via redirect"),
					Request:    get("http://example.com/final"),
					History:    []*Request{get("http://example.com/start")},
				}, nil
			}
			return &Response{StatusCode: http.StatusOK, Body: []byte("direct")}, nil
		},
	}
	sess, _ := newTestSession(t, Config{Transport: transport, DefaultExpiration: time.Minute})

	t0 := time.Now()
	sess.now = func() time.Time { return t0 }
	if _, err := sess.Do(ctx, get("http://example.com/start")); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	// The redirect target expires and the origin stops redirecting.
	sess.now = func() time.Time { return t0.Add(2 * time.Minute) }
	redirecting = false

	resp, err := sess.Do(ctx, get("http://example.com/start"))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.FromCache {
		t.Errorf("FromCache = true for the refetch, want false")
	}
	if transport.calls != 2 {
		t.Fatalf("transport calls = %d, want 2", transport.calls)
	}

	// The refetched entry is served from cache despite the stale alias.
	resp, err = sess.Do(ctx, get("http://example.com/start"))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !resp.FromCache {
		t.Errorf("FromCache = false after refetch, want true")
	}
	if string(resp.Body) != "direct" {
		t.Errorf("body = %q, want %q", resp.Body, "direct")
	}
	if transport.calls != 2 {
		t.Errorf("transport calls = %d, want 2 after cached hit", transport.calls)
	}

	if ok, err := sess.HasURL(ctx, "http://example.com/start"); err != nil || !ok {
		t.Errorf("HasURL() = %v, %v; want true, nil", ok, err)
	}
	if err := sess.DeleteURL(ctx, "http://example.com/start"); err != nil {
		t.Fatalf("DeleteURL() error = %v", err)
	}
	if ok, _ := sess.HasURL(ctx, "http://example.com/start"); ok {
		t.Errorf("HasURL() = true after DeleteURL()")
	}
}

func TestDo_TransportErrorPropagates(t *testing.T) {
	ctx := context.Background()
	wantErr := errors.New("connection refused")
	transport := &fakeTransport{
		respond: func(*Request) (*Response, error) { return nil, wantErr },
	}
	sess, _ := newTestSession(t, Config{Transport: transport})

	_, err := sess.Do(ctx, get("http://example.com/api"))
	if !errors.Is(err, wantErr) {
		t.Errorf("Do() error = %v, want transport error unchanged", err)
	}
}

// failingStore wraps a working store and fails selected operations.
type failingStore struct {
	store.Store
	failGet bool
	failPut bool
}

func (f *failingStore) Get(ctx context.Context, key string) (*store.Entry, bool, error) {
	if f.failGet {
		return nil, false, &store.StorageError{Op: "get", Key: key, Err: errors.New("backend down")}
	}
	return f.Store.Get(ctx, key)
}

func (f *failingStore) Put(ctx context.Context, key string, entry *store.Entry) error {
	if f.failPut {
		return &store.StorageError{Op: "put", Key: key, Err: errors.New("backend down")}
	}
	return f.Store.Put(ctx, key, entry)
}

func TestDo_StorageFailureOnGet(t *testing.T) {
	ctx := context.Background()
	sess, transport := newTestSession(t, Config{
		Store: &failingStore{Store: memory.New(0), failGet: true},
	})

	_, err := sess.Do(ctx, get("http://example.com/api"))

	var storageErr *store.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("Do() error = %v, want *store.StorageError", err)
	}
	if transport.calls != 0 {
		t.Errorf("transport calls = %d, want 0 when the lookup fails", transport.calls)
	}
}

func TestDo_StorageFailureOnPut(t *testing.T) {
	ctx := context.Background()
	sess, transport := newTestSession(t, Config{
		Store: &failingStore{Store: memory.New(0), failPut: true},
	})

	_, err := sess.Do(ctx, get("http://example.com/api"))

	var storageErr *store.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("Do() error = %v, want *store.StorageError", err)
	}
	if transport.calls != 1 {
		t.Errorf("transport calls = %d, want 1", transport.calls)
	}
}

func TestDo_DisallowedMethodPassesThrough(t *testing.T) {
	ctx := context.Background()
	sess, transport := newTestSession(t, Config{})

	resp, err := sess.Do(ctx, &Request{Method: http.MethodPost, URL: "http://example.com/api", Body: []byte("x")})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.FromCache {
		t.Errorf("FromCache = true for uncacheable method")
	}

	// Nothing was stored.
	keys, _ := sess.Store().Keys(ctx)
	if len(keys) != 0 {
		t.Errorf("stored entries = %d, want 0", len(keys))
	}
	if transport.calls != 1 {
		t.Errorf("transport calls = %d, want 1", transport.calls)
	}
}

func TestDo_DisallowedStatusNotStored(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{
		respond: func(req *Request) (*Response, error) {
			return &Response{StatusCode: http.StatusNotFound, Body: []byte("nope")}, nil
		},
	}
	sess, _ := newTestSession(t, Config{Transport: transport})

	resp, err := sess.Do(ctx, get("http://example.com/missing"))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	sess.Do(ctx, get("http://example.com/missing"))
	if transport.calls != 2 {
		t.Errorf("transport calls = %d, want 2 (404 responses are not cached)", transport.calls)
	}
}

func TestCacheDisabled(t *testing.T) {
	ctx := context.Background()
	sess, transport := newTestSession(t, Config{})

	// Warm the cache, then bypass it inside the disabled scope.
	sess.Do(ctx, get("http://example.com/api"))

	err := sess.CacheDisabled(func() error {
		resp, err := sess.Do(ctx, get("http://example.com/api"))
		if err != nil {
			return err
		}
		if resp.FromCache {
			t.Errorf("FromCache = true inside disabled scope")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("CacheDisabled() error = %v", err)
	}
	if transport.calls != 2 {
		t.Errorf("transport calls = %d, want 2", transport.calls)
	}

	// Re-enabled afterwards: back to serving from cache.
	resp, _ := sess.Do(ctx, get("http://example.com/api"))
	if !resp.FromCache {
		t.Errorf("FromCache = false after disabled scope ended")
	}
}

func TestCacheDisabled_ReenablesOnPanic(t *testing.T) {
	ctx := context.Background()
	sess, _ := newTestSession(t, Config{})
	sess.Do(ctx, get("http://example.com/api"))

	func() {
		defer func() { recover() }()
		sess.CacheDisabled(func() error { panic("boom") })
	}()

	resp, err := sess.Do(ctx, get("http://example.com/api"))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !resp.FromCache {
		t.Errorf("cache still disabled after panic inside CacheDisabled")
	}
}

func TestDo_MalformedRequest(t *testing.T) {
	ctx := context.Background()
	sess, _ := newTestSession(t, Config{})

	tests := []struct {
		name string
		req  *Request
	}{
		{name: "nil request", req: nil},
		{name: "no scheme", req: get("example.com/api")},
		{name: "empty method", req: &Request{URL: "http://example.com/"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sess.Do(ctx, tt.req)
			if !errors.Is(err, cachekey.ErrMalformedRequest) {
				t.Errorf("Do() error = %v, want ErrMalformedRequest", err)
			}
		})
	}
}

func TestPolicyRegistration_InvalidValues(t *testing.T) {
	sess, _ := newTestSession(t, Config{DefaultExpiration: 300 * time.Second})

	if _, err := sess.SetExpirationOverride("http://example.com/api", -time.Second); !errors.Is(err, policy.ErrInvalidValue) {
		t.Errorf("negative override error = %v, want ErrInvalidValue", err)
	}
	if _, err := sess.SetExpirationOverride("http://example.com/api", 301*time.Second); !errors.Is(err, policy.ErrInvalidValue) {
		t.Errorf("above-default override error = %v, want ErrInvalidValue", err)
	}
	if _, err := sess.SetThrottle("http://example.com/api", 1001); !errors.Is(err, policy.ErrInvalidValue) {
		t.Errorf("throttle 1001 error = %v, want ErrInvalidValue", err)
	}

	if got, err := sess.SetExpirationOverride("http://example.com/api", 30*time.Second); err != nil || got != 30*time.Second {
		t.Errorf("SetExpirationOverride() = %v, %v; want 30s, nil", got, err)
	}
	if got, err := sess.SetThrottle("http://example.com/api", 2.5); err != nil || got != 2.5 {
		t.Errorf("SetThrottle() = %v, %v; want 2.5, nil", got, err)
	}
}

func TestConvenienceHelpers(t *testing.T) {
	ctx := context.Background()
	sess, _ := newTestSession(t, Config{})

	url := "http://example.com/api/items?page=1"
	sess.Do(ctx, get(url))

	ok, err := sess.HasURL(ctx, url)
	if err != nil || !ok {
		t.Fatalf("HasURL() = %v, %v; want true, nil", ok, err)
	}

	if err := sess.DeleteURL(ctx, url); err != nil {
		t.Fatalf("DeleteURL() error = %v", err)
	}
	if ok, _ := sess.HasURL(ctx, url); ok {
		t.Errorf("HasURL() = true after DeleteURL()")
	}

	sess.Do(ctx, get(url))
	if err := sess.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache() error = %v", err)
	}
	if ok, _ := sess.HasURL(ctx, url); ok {
		t.Errorf("HasURL() = true after ClearCache()")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Transport: &fakeTransport{}}); err == nil {
		t.Errorf("New() without store: error = nil, want error")
	}
	if _, err := New(Config{Store: memory.New(0)}); err == nil {
		t.Errorf("New() without transport: error = nil, want error")
	}
}

func ExampleSession_Do() {
	sess, _ := New(DefaultConfig(memory.New(0), &fakeTransport{}))
	resp, _ := sess.Do(context.Background(), &Request{Method: "GET", URL: "http://example.com/items"})
	fmt.Println(resp.FromCache)
	// Output: false
}
