// Package cachekey derives canonical cache keys from request descriptions.
//
// A key depends on the method, scheme, host, path, fragment, the sorted
// non-ignored query parameters and the request body. Header values and any
// parameter in the ignored set never influence the key, so two requests that
// differ only in those produce the same key.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrMalformedRequest indicates the request cannot be turned into a key
// because the method is empty or the URL is not parseable into
// scheme/host/path/query.
var ErrMalformedRequest = errors.New("malformed request")

// IgnoredParams is a set of query parameter names (lower-cased) that are
// stripped before key derivation.
type IgnoredParams map[string]struct{}

// NewIgnoredParams builds an ignored-parameter set from names.
// Names are matched case-insensitively.
func NewIgnoredParams(names ...string) IgnoredParams {
	set := make(IgnoredParams, len(names))
	set.Add(names...)
	return set
}

// Add appends names to the set.
func (p IgnoredParams) Add(names ...string) {
	for _, name := range names {
		p[strings.ToLower(name)] = struct{}{}
	}
}

// Contains reports whether name is in the set.
func (p IgnoredParams) Contains(name string) bool {
	_, ok := p[strings.ToLower(name)]
	return ok
}

// Derive computes the canonical cache key for a request.
//
// The derivation is deterministic: query parameters are sorted by name (and
// by value within a name) before hashing, so parameter order on the wire
// never changes the key. Parameters whose name is in ignored are dropped
// entirely.
//
// The hash input is the ordered components concatenated with no separators.
// Other clients deriving keys for a shared store use the same byte layout,
// so it must stay stable even though delimited hashing would look tidier.
func Derive(method, rawURL string, body []byte, ignored IgnoredParams) (string, error) {
	if method == "" {
		return "", fmt.Errorf("%w: empty method", ErrMalformedRequest)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: url %q missing scheme or host", ErrMalformedRequest, rawURL)
	}

	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte(u.Scheme))
	h.Write([]byte(u.Host))
	h.Write([]byte(u.Path))
	h.Write([]byte(u.Fragment))

	for _, pair := range normalizeQuery(u.RawQuery, ignored) {
		h.Write([]byte(pair.name))
		h.Write([]byte(pair.value))
	}

	if len(body) > 0 {
		h.Write(body)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

type queryPair struct {
	name  string
	value string
}

// normalizeQuery parses a raw query string into sorted (name, value) pairs
// with ignored names removed. Malformed fragments of the query are skipped
// rather than failing the whole derivation.
func normalizeQuery(rawQuery string, ignored IgnoredParams) []queryPair {
	if rawQuery == "" {
		return nil
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil && len(values) == 0 {
		return nil
	}

	pairs := make([]queryPair, 0, len(values))
	for name, vs := range values {
		if ignored.Contains(name) {
			continue
		}
		for _, v := range vs {
			pairs = append(pairs, queryPair{name: name, value: v})
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].name != pairs[j].name {
			return pairs[i].name < pairs[j].name
		}
		return pairs[i].value < pairs[j].value
	})

	return pairs
}
