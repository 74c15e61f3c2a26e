package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// payloadVersion identifies the serialized response layout. Bump it when
// the envelope changes shape; decoding rejects versions it does not know.
const payloadVersion = 1

// ErrInvalidPayload indicates a stored payload that cannot be decoded,
// typically a corrupt entry or one written by an incompatible version.
var ErrInvalidPayload = errors.New("invalid cache payload")

// payloadEnvelope is the versioned wire form of a cached response. It
// replaces language-specific object serialization so that stored entries
// are inspectable and portable across implementations.
type payloadEnvelope struct {
	Version    int          `json:"version"`
	StatusCode int          `json:"status_code"`
	Header     http.Header  `json:"header,omitempty"`
	Body       []byte       `json:"body,omitempty"`
	History    []historyHop `json:"history,omitempty"`
	Final      *historyHop  `json:"final,omitempty"`
}

type historyHop struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// encodeResponse serializes a response for storage.
func encodeResponse(resp *Response) ([]byte, error) {
	env := payloadEnvelope{
		Version:    payloadVersion,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}
	if resp.Request != nil {
		env.Final = &historyHop{Method: resp.Request.Method, URL: resp.Request.URL}
	}
	for _, hop := range resp.History {
		env.History = append(env.History, historyHop{Method: hop.Method, URL: hop.URL})
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode response payload: %w", err)
	}
	return data, nil
}

// decodeResponse deserializes a stored payload back into a response.
func decodeResponse(data []byte) (*Response, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Version != payloadVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, env.Version)
	}

	resp := &Response{
		StatusCode: env.StatusCode,
		Header:     env.Header,
		Body:       env.Body,
	}
	if env.Final != nil {
		resp.Request = &Request{Method: env.Final.Method, URL: env.Final.URL}
	}
	for _, hop := range env.History {
		resp.History = append(resp.History, &Request{Method: hop.Method, URL: hop.URL})
	}
	return resp, nil
}
