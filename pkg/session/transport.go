package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Request describes one outbound request. The body is held as bytes so it
// can be hashed into the cache key and replayed by transports.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the result of one logical exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Request is the final request that produced this response, after
	// any redirects. Nil means the original request was final.
	Request *Request

	// History holds the intermediate requests of a redirect chain,
	// oldest first. Empty when no redirect happened.
	History []*Request

	// FromCache reports whether this response was served from the cache.
	FromCache bool
}

// Transport performs an uncached exchange. Implementations handle their own
// timeouts and redirects; the caching layer passes transport errors through
// unchanged and never retries.
type Transport interface {
	Perform(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport performs requests with a net/http client and reconstructs
// the redirect history from the response's request chain.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport wraps client, falling back to http.DefaultClient.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{Client: client}
}

// Perform implements Transport.
func (t *HTTPTransport) Perform(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	httpResp, err := t.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       respBody,
		Request: &Request{
			Method: httpResp.Request.Method,
			URL:    httpResp.Request.URL.String(),
		},
	}

	// net/http links each redirect hop through Request.Response; walk the
	// chain back to the first request, oldest hop first.
	var hops []*Request
	for prev := httpResp.Request.Response; prev != nil; prev = prev.Request.Response {
		hops = append([]*Request{{
			Method: prev.Request.Method,
			URL:    prev.Request.URL.String(),
		}}, hops...)
	}
	resp.History = hops

	return resp, nil
}
