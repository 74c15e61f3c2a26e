// Command cacheproxy is a small caching reverse proxy: it forwards every
// request to a fixed upstream through a caching session, so repeated GETs
// are served from the configured backend instead of the network.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/reqcache/reqcache/pkg/logging"
	"github.com/reqcache/reqcache/pkg/session"
	"github.com/reqcache/reqcache/pkg/store"
	"github.com/reqcache/reqcache/pkg/store/memory"
	"github.com/reqcache/reqcache/pkg/store/pebblestore"
	"github.com/reqcache/reqcache/pkg/store/redisstore"
	"github.com/reqcache/reqcache/pkg/store/sqlitestore"
)

func main() {
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "") != "",
		Output: os.Stderr,
	})

	upstream := os.Getenv("UPSTREAM")
	if upstream == "" {
		logger.Fatal().Msg("UPSTREAM is required, e.g. UPSTREAM=https://api.example.com")
	}

	expiration, err := time.ParseDuration(getEnv("DEFAULT_EXPIRATION", "5m"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid DEFAULT_EXPIRATION")
	}

	backend := getEnv("BACKEND", "memory")
	st, cleanup, err := openStore(backend)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", backend).Msg("Failed to open cache backend")
	}
	if cleanup != nil {
		defer cleanup()
	}

	var transport session.Transport = session.NewHTTPTransport(&http.Client{Timeout: 30 * time.Second})
	if getEnv("RETRY", "") != "" {
		transport = session.NewRetryTransport(transport, session.DefaultRetryConfig())
	}

	sess, err := session.New(session.Config{
		Store:             st,
		Transport:         transport,
		DefaultExpiration: expiration,
		IgnoredParams:     []string{"token"},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create session")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	r.NotFound(proxyHandler(sess, upstream))

	addr := getEnv("LISTEN_ADDR", ":8080")
	logger.Info().
		Str("addr", addr).
		Str("upstream", upstream).
		Str("backend", backend).
		Dur("default_expiration", expiration).
		Msg("Starting cache proxy")

	if err := http.ListenAndServe(addr, r); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

// openStore builds the cache backend selected by name.
func openStore(backend string) (store.Store, func(), error) {
	switch backend {
	case "memory":
		return memory.New(0), nil, nil
	case "sqlite":
		s, err := sqlitestore.New(getEnv("SQLITE_PATH", "./cacheproxy.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "pebble":
		s, err := pebblestore.New(getEnv("PEBBLE_PATH", "./cacheproxy-pebble"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: getEnv("REDIS_URL", "localhost:6379")})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		return redisstore.New(client, getEnv("REDIS_NAMESPACE", "cacheproxy"), 0), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (memory, sqlite, pebble, redis)", backend)
	}
}

// proxyHandler forwards the incoming request to the upstream through the
// caching session and relays the response.
func proxyHandler(sess *session.Session, upstream string) http.HandlerFunc {
	logger := logging.NewLogger("proxy")

	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		url := upstream + r.URL.Path
		if r.URL.RawQuery != "" {
			url += "?" + r.URL.RawQuery
		}

		resp, err := sess.Do(r.Context(), &session.Request{
			Method: r.Method,
			URL:    url,
			Header: r.Header.Clone(),
			Body:   body,
		})
		if err != nil {
			logger.Error().Err(err).Str("url", url).Msg("Upstream request failed")
			http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
			return
		}

		for name, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		if resp.FromCache {
			w.Header().Set("X-Cache", "HIT")
		} else {
			w.Header().Set("X-Cache", "MISS")
		}
		w.WriteHeader(resp.StatusCode)

		if _, err := w.Write(resp.Body); err != nil {
			logger.Warn().Err(err).Msg("Failed to write response body")
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
