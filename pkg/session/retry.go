package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reqcache_retries_total",
		Help: "Total number of retry attempts against the origin",
	})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reqcache_retry_backoff_seconds",
		Help:    "Backoff duration before each retry attempt",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	retryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reqcache_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted",
	})
)

// ErrRetryExhausted is returned when all retry attempts have failed.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// RetryConfig holds the configuration for the retrying transport.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the backoff before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryTransport wraps another Transport and retries failed requests with
// exponential backoff and jitter. Transport errors and 5xx responses are
// retried; any other response is returned as-is.
type RetryTransport struct {
	next   Transport
	config RetryConfig
}

// NewRetryTransport wraps next with retry behavior. A zero MaxAttempts
// falls back to DefaultRetryConfig.
func NewRetryTransport(next Transport, config RetryConfig) *RetryTransport {
	if config.MaxAttempts <= 0 {
		config = DefaultRetryConfig()
	}
	return &RetryTransport{next: next, config: config}
}

// Perform implements Transport.
func (t *RetryTransport) Perform(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	backoff := t.config.InitialBackoff

	for attempt := 1; attempt <= t.config.MaxAttempts; attempt++ {
		resp, err := t.next.Perform(ctx, req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("origin returned status %d", resp.StatusCode)
		}

		if attempt >= t.config.MaxAttempts {
			break
		}

		retriesTotal.Inc()

		// ±20% jitter to avoid synchronized retries.
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		retryBackoffSeconds.Observe(jitter.Seconds())

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * t.config.BackoffMultiplier)
		if backoff > t.config.MaxBackoff {
			backoff = t.config.MaxBackoff
		}
	}

	retryExhaustedTotal.Inc()
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, t.config.MaxAttempts, lastErr)
}

// retryableStatus reports whether a response status warrants a retry.
// Server-side failures are transient; everything else is taken at face value.
func retryableStatus(status int) bool {
	return status >= http.StatusInternalServerError
}
