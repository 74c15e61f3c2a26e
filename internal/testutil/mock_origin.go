// Package testutil provides a configurable mock origin server for tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockOrigin is an HTTP origin whose routes and redirect chains can be
// scripted per test. It counts every request it serves so tests can assert
// how often the cache actually reached the network.
type MockOrigin struct {
	server *httptest.Server

	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
	total    int
}

// NewMockOrigin starts a mock origin server.
func NewMockOrigin() *MockOrigin {
	m := &MockOrigin{
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.total++
		m.hits[r.URL.Path]++
		handler := m.handlers[r.URL.Path]
		m.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "response for %s", r.URL.Path)
	}))

	return m
}

// URL returns the origin's base URL.
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// Close shuts the origin down.
func (m *MockOrigin) Close() {
	m.server.Close()
}

// Handle installs a handler for path.
func (m *MockOrigin) Handle(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// Redirect makes path answer with a 302 to target.
func (m *MockOrigin) Redirect(path, target string) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target, http.StatusFound)
	})
}

// RedirectChain wires paths so each one redirects to the next; the last
// path serves body with status 200.
func (m *MockOrigin) RedirectChain(body string, paths ...string) {
	for i := 0; i < len(paths)-1; i++ {
		m.Redirect(paths[i], paths[i+1])
	}
	last := paths[len(paths)-1]
	m.Handle(last, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})
}

// RequestCount returns the total number of requests served.
func (m *MockOrigin) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// PathCount returns how many requests path has served.
func (m *MockOrigin) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hits[path]
}

// Reset clears all counters.
func (m *MockOrigin) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = 0
	m.hits = make(map[string]int)
}
