// Package policy holds per-host URL-prefix rules for cache expiration
// overrides and request throttling.
//
// Rules are registered for a (host, path-prefix) pair and resolved by the
// longest prefix that matches the request path. Matching is purely lexical:
// a rule for /api also matches /api2/foo. This mirrors the behavior callers
// have come to rely on and is intentionally not path-segment aware.
package policy

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
)

// Kind selects one of the two independent rule tables.
type Kind int

const (
	// Expiration rules override the default expiration, in seconds.
	Expiration Kind = iota

	// Throttle rules set a maximum request rate, in requests per second.
	Throttle
)

// MaxThrottleRate is the upper bound for throttle rules, in requests/second.
const MaxThrottleRate = 1000

// ErrInvalidValue indicates a rule value outside its valid domain.
// Values are rejected, never clamped.
var ErrInvalidValue = errors.New("policy value out of range")

type rule struct {
	prefix string
	value  float64
}

// Table keeps the expiration-override and throttle rule sets plus the
// process-wide default expiration. It is not safe for concurrent mutation;
// callers that share a Table across goroutines must serialize access.
type Table struct {
	defaultExpiration float64
	hasDefault        bool

	expiration map[string][]rule
	throttle   map[string][]rule
}

// NewTable creates a Table with a default expiration in seconds.
// A negative defaultExpiration means entries never expire by default,
// in which case expiration overrides are not accepted.
func NewTable(defaultExpiration float64) *Table {
	t := &Table{
		expiration: make(map[string][]rule),
		throttle:   make(map[string][]rule),
	}
	if defaultExpiration >= 0 {
		t.defaultExpiration = defaultExpiration
		t.hasDefault = true
	}
	return t
}

// DefaultExpiration returns the default expiration in seconds and whether
// one is configured at all.
func (t *Table) DefaultExpiration() (float64, bool) {
	return t.defaultExpiration, t.hasDefault
}

// SetRule registers value for the host and path of rawURL, replacing any
// existing rule with the same exact prefix. The host's rules are kept
// sorted by descending prefix length so the most specific rule wins.
//
// Expiration values must lie in [0, default expiration]; registering an
// expiration override without a configured default is a no-op. Throttle
// values must lie in [0, MaxThrottleRate]. Out-of-domain values fail with
// ErrInvalidValue.
func (t *Table) SetRule(kind Kind, rawURL string, value float64) (float64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("parse policy url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return 0, fmt.Errorf("policy url %q has no host", rawURL)
	}

	var rules map[string][]rule
	switch kind {
	case Expiration:
		if !t.hasDefault {
			// Without a default there is nothing to override.
			return 0, nil
		}
		if value < 0 || value > t.defaultExpiration {
			return 0, fmt.Errorf("%w: expiration %v not in [0, %v]", ErrInvalidValue, value, t.defaultExpiration)
		}
		rules = t.expiration
	case Throttle:
		if value < 0 || value > MaxThrottleRate {
			return 0, fmt.Errorf("%w: throttle %v not in [0, %d]", ErrInvalidValue, value, MaxThrottleRate)
		}
		rules = t.throttle
	default:
		return 0, fmt.Errorf("unknown policy kind %d", kind)
	}

	t.insert(rules, u.Host, u.Path, value)
	return value, nil
}

// insert replaces the rule with the same prefix or appends a new one, then
// re-sorts by descending prefix length.
func (t *Table) insert(rules map[string][]rule, host, prefix string, value float64) {
	list := rules[host]

	replaced := false
	for i := range list {
		if list[i].prefix == prefix {
			list[i].value = value
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, rule{prefix: prefix, value: value})
	}

	sort.SliceStable(list, func(i, j int) bool {
		return len(list[i].prefix) > len(list[j].prefix)
	})
	rules[host] = list
}

// Resolve returns the value governing rawURL for the given kind.
//
// The first rule (longest prefix) whose prefix is a lexical prefix of the
// request path wins. With no matching rule, expiration falls back to the
// default expiration (ok is false when none is configured, meaning entries
// never expire) and throttle resolves to no throttle (ok false).
func (t *Table) Resolve(kind Kind, rawURL string) (value float64, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		u = &url.URL{}
	}

	var rules map[string][]rule
	switch kind {
	case Expiration:
		rules = t.expiration
	case Throttle:
		rules = t.throttle
	default:
		return 0, false
	}

	for _, r := range rules[u.Host] {
		if hasPrefix(u.Path, r.prefix) {
			return r.value, true
		}
	}

	if kind == Expiration && t.hasDefault {
		return t.defaultExpiration, true
	}
	return 0, false
}

func hasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}
