package models

import (
	"net/http"
	"strings"
	"time"
)

// MockRequest is the protocol-neutral view of an inbound request
type MockRequest struct {
	ID         string              `json:"id"`
	Protocol   Protocol            `json:"protocol"`
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Query      map[string][]string `json:"query,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
	SourceIP   string              `json:"sourceIp"`
	Metadata   map[string]string   `json:"metadata,omitempty"`
	ReceivedAt time.Time           `json:"receivedAt"`
}

// QueryValue returns the first value of a query parameter
func (r *MockRequest) QueryValue(key string) (string, bool) {
	if vals, ok := r.Query[key]; ok && len(vals) > 0 {
		return vals[0], true
	}
	return "", false
}

// HeaderValue returns the first value of a header. Names are case-insensitive.
func (r *MockRequest) HeaderValue(key string) (string, bool) {
	if vals, ok := r.Headers[http.CanonicalHeaderKey(key)]; ok && len(vals) > 0 {
		return vals[0], true
	}
	for k, vals := range r.Headers {
		if strings.EqualFold(k, key) && len(vals) > 0 {
			return vals[0], true
		}
	}
	return "", false
}

// FlatHeaders returns the first value of every header
func (r *MockRequest) FlatHeaders() map[string]string {
	return flatten(r.Headers)
}

// FlatQuery returns the first value of every query parameter
func (r *MockRequest) FlatQuery() map[string]string {
	return flatten(r.Query)
}

func flatten(m map[string][]string) map[string]string {
	result := make(map[string]string, len(m))
	for k, vals := range m {
		if len(vals) > 0 {
			result[k] = vals[0]
		}
	}
	return result
}

// MockResponse is the synthesized outbound response. Repeated carries
// headers that go out as one line per value, such as Set-Cookie; a key in
// Repeated replaces the same key in Headers on the wire.
type MockResponse struct {
	StatusCode int                 `json:"statusCode"`
	Headers    map[string]string   `json:"headers,omitempty"`
	Repeated   map[string][]string `json:"repeatedHeaders,omitempty"`
	Body       []byte              `json:"body,omitempty"`
}
