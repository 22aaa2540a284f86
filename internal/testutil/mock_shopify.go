// Package testutil provides testing utilities for the Shopify backup client.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// APIVersion is the version segment used in mock URLs.
const APIVersion = "2024-10"

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// GraphQLRequest is a decoded GraphQL request body.
type GraphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// MockShopify is a configurable mock Admin API server for testing.
type MockShopify struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	RequestsByPath    map[string]int
	GraphQLRequests   []GraphQLRequest
	RESTQueries       []string
	LastRequestHeader http.Header
}

// NewMockShopify creates a new mock Admin API server.
func NewMockShopify() *MockShopify {
	mock := &MockShopify{
		handlers:       make(map[string]func(w http.ResponseWriter, r *http.Request)),
		RequestsByPath: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/admin/api/"+APIVersion)

		mock.mu.Lock()
		mock.RequestCount++
		mock.RequestsByPath[path]++
		mock.LastRequestHeader = r.Header.Clone()
		if path == "/graphql.json" {
			body, _ := io.ReadAll(r.Body)
			var gql GraphQLRequest
			_ = json.Unmarshal(body, &gql)
			mock.GraphQLRequests = append(mock.GraphQLRequests, gql)
			r.Body = io.NopCloser(strings.NewReader(string(body)))
		} else if r.Method == http.MethodGet {
			mock.RESTQueries = append(mock.RESTQueries, r.URL.RawQuery)
		}
		handler, exists := mock.handlers[path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		http.NotFound(w, r)
	}))

	return mock
}

// URL returns the server root URL.
func (m *MockShopify) URL() string {
	return m.server.URL
}

// BaseURL returns the Admin API root to configure a client with.
func (m *MockShopify) BaseURL() string {
	return m.server.URL + "/admin/api/" + APIVersion
}

// Client returns an HTTP client for the mock server.
func (m *MockShopify) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockShopify) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockShopify) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.RequestsByPath = make(map[string]int)
	m.GraphQLRequests = nil
	m.RESTQueries = nil
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a path relative to the Admin API root
// (e.g. "/graphql.json") or, for download URLs, relative to the server root.
func (m *MockShopify) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockShopify) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, ResponseHandler(resp))
}

// SetResponses serves resps in order, repeating the last one.
func (m *MockShopify) SetResponses(path string, resps ...MockResponse) {
	var mu sync.Mutex
	next := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := resps[next]
		if next < len(resps)-1 {
			next++
		}
		mu.Unlock()
		ResponseHandler(resp)(w, r)
	})
}

// ResponseHandler writes resp.
func ResponseHandler(resp MockResponse) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	}
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockShopify) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to one path.
func (m *MockShopify) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestsByPath[path]
}

// GetGraphQLRequests returns the GraphQL request bodies received so far.
func (m *MockShopify) GetGraphQLRequests() []GraphQLRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]GraphQLRequest, len(m.GraphQLRequests))
	copy(out, m.GraphQLRequests)
	return out
}

// GetRESTQueries returns the raw query strings of REST GETs received so far.
func (m *MockShopify) GetRESTQueries() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.RESTQueries))
	copy(out, m.RESTQueries)
	return out
}

// NewGraphQLResponse creates a 200 OK GraphQL response with the given data JSON.
func NewGraphQLResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"data":` + data + `}`,
	}
}

// NewGraphQLErrorResponse creates a 200 OK GraphQL response carrying top-level errors.
func NewGraphQLErrorResponse(messages ...string) MockResponse {
	errs := make([]map[string]string, 0, len(messages))
	for _, msg := range messages {
		errs = append(errs, map[string]string{"message": msg})
	}
	body, _ := json.Marshal(map[string]any{"data": nil, "errors": errs})
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
	}
}

// NewThrottledResponse creates Shopify's GraphQL THROTTLED response.
func NewThrottledResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body: `{"errors":[{"message":"Throttled","extensions":{"code":"THROTTLED","documentation":"https://shopify.dev/api/usage/rate-limits"}}],` +
			`"extensions":{"cost":{"requestedQueryCost":12,"actualQueryCost":null,"throttleStatus":{"maximumAvailable":1000.0,"currentlyAvailable":3,"restoreRate":50.0}}}}`,
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"errors":"Exceeded 2 calls per second for api client. Reduce request rates to resume uninterrupted service."}`,
		Headers: map[string]string{
			"Retry-After":                   retryAfter,
			"X-Shopify-Shop-Api-Call-Limit": "40/40",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"errors":"Internal Server Error"}`,
	}
}

// NewRESTPageResponse creates a REST page with an optional rel="next" link.
func NewRESTPageResponse(body, nextURL string) MockResponse {
	headers := map[string]string{
		"X-Shopify-Shop-Api-Call-Limit": "1/40",
	}
	if nextURL != "" {
		headers["Link"] = `<` + nextURL + `>; rel="next"`
	}
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    headers,
	}
}
