// Package client provides the Shopify Admin API transport (GraphQL and REST)
// and the resilient request executor that wraps every remote call with rate
// limiting, error classification and exponential backoff.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/shop-backup/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for Admin API requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopify_requests_total",
		Help: "Total Admin API requests by kind and status",
	}, []string{"kind", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shopify_request_duration_seconds",
		Help:    "Admin API request duration in seconds by kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"kind"})
)

// DefaultAPIVersion is the Admin API version used when none is configured.
const DefaultAPIVersion = "2024-10"

// maxErrorBody bounds how much of an error response body is kept in messages.
const maxErrorBody = 512

// Client is the Shopify Admin API transport. It performs exactly one HTTP
// call per method invocation; retries belong to the Executor.
type Client struct {
	httpClient *http.Client
	config     Config
	baseURL    string
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Shop is the shop handle ("my-shop") or domain ("my-shop.myshopify.com").
	Shop string

	// AccessToken is the Admin API access token.
	AccessToken string

	// APIVersion is the dated Admin API version, e.g. "2024-10".
	APIVersion string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout for a single HTTP call.
	Timeout time.Duration

	// BaseURL overrides the derived "https://<shop>/admin/api/<version>" (tests, proxies).
	BaseURL string

	// Limiter, when set, is fed the call-limit state reported by responses.
	Limiter *ratelimit.Limiter
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(shop, accessToken string) Config {
	return Config{
		Shop:        shop,
		AccessToken: accessToken,
		APIVersion:  DefaultAPIVersion,
		UserAgent:   "shop-backup/0.1.0",
		Timeout:     30 * time.Second,
	}
}

// New creates a new Admin API client.
func New(cfg Config) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		if cfg.Shop == "" {
			return nil, fmt.Errorf("shop is required")
		}
		baseURL = "https://" + ShopDomain(cfg.Shop) + "/admin/api/" + cfg.APIVersion
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config:  cfg,
		baseURL: baseURL,
		logger:  log.With().Str("component", "shopify-client").Logger(),
	}, nil
}

// ShopDomain normalises a shop handle into its myshopify.com domain.
func ShopDomain(shop string) string {
	shop = strings.TrimSpace(shop)
	shop = strings.TrimPrefix(shop, "https://")
	shop = strings.TrimPrefix(shop, "http://")
	shop = strings.TrimRight(shop, "/")
	if !strings.Contains(shop, ".") {
		shop += ".myshopify.com"
	}
	return shop
}

// BaseURL returns the Admin API root all paths are resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GraphQLError is one entry of a GraphQL "errors" array.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Code returns extensions.code, or "".
func (e GraphQLError) Code() string {
	code, _ := e.Extensions["code"].(string)
	return code
}

// GraphQLResponse is a decoded GraphQL response envelope.
type GraphQLResponse struct {
	Data       json.RawMessage `json:"data"`
	Errors     []GraphQLError  `json:"errors,omitempty"`
	Extensions *Extensions     `json:"extensions,omitempty"`
}

// Extensions carries Shopify's query cost report.
type Extensions struct {
	Cost *QueryCost `json:"cost,omitempty"`
}

// QueryCost is the "extensions.cost" block.
type QueryCost struct {
	RequestedQueryCost float64 `json:"requestedQueryCost"`
	ActualQueryCost    float64 `json:"actualQueryCost"`
	ThrottleStatus     struct {
		MaximumAvailable   float64 `json:"maximumAvailable"`
		CurrentlyAvailable float64 `json:"currentlyAvailable"`
		RestoreRate        float64 `json:"restoreRate"`
	} `json:"throttleStatus"`
}

// ErrorMessages returns the messages of all GraphQL errors.
func (r *GraphQLResponse) ErrorMessages() []string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

// GraphQL posts a query with variables to the Admin GraphQL endpoint.
//
// HTTP failures come back as *TransportError. Throttled GraphQL errors, which
// Shopify reports with status 200, are also turned into a *TransportError so
// the executor can retry them. Any other GraphQL errors are left in the
// response for the caller to interpret.
func (c *Client) GraphQL(ctx context.Context, query string, variables map[string]any) (*GraphQLResponse, error) {
	body, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return nil, fmt.Errorf("encode graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql.json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, "graphql")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out GraphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}

	if cost := out.cost(); cost != nil && c.config.Limiter != nil {
		ts := cost.ThrottleStatus
		c.config.Limiter.Observe(ratelimit.FromThrottleStatus(ts.MaximumAvailable, ts.CurrentlyAvailable, ts.RestoreRate, time.Now()))
	}

	for _, gqlErr := range out.Errors {
		if gqlErr.Code() == "THROTTLED" || throttledPattern.MatchString(gqlErr.Message) {
			return nil, &TransportError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Message:    "Throttled: " + gqlErr.Message,
			}
		}
	}

	return &out, nil
}

func (r *GraphQLResponse) cost() *QueryCost {
	if r.Extensions == nil {
		return nil
	}
	return r.Extensions.Cost
}

// PageLink is one pagination link from a REST Link header.
type PageLink struct {
	URL   string
	Query url.Values
}

// PageInfo holds the REST continuation links. NextPage is nil on the last page.
type PageInfo struct {
	NextPage     *PageLink
	PreviousPage *PageLink
}

// RESTResponse is a successful REST GET.
type RESTResponse struct {
	StatusCode int
	Body       json.RawMessage
	PageInfo   *PageInfo
}

// Get performs a GET against a REST resource path such as "pages.json".
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*RESTResponse, error) {
	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.do(req, "rest")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if limit := resp.Header.Get(ratelimit.HeaderCallLimit); limit != "" && c.config.Limiter != nil {
		if state, err := ratelimit.ParseCallLimit(limit, time.Now()); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to parse call limit header")
		} else {
			c.config.Limiter.Observe(state)
		}
	}

	return &RESTResponse{
		StatusCode: resp.StatusCode,
		Body:       body,
		PageInfo:   ParseLinkHeader(resp.Header.Get("Link")),
	}, nil
}

// do sends req with auth headers and turns non-2xx responses into *TransportError.
func (c *Client) do(req *http.Request, kind string) (*http.Response, error) {
	req.Header.Set("X-Shopify-Access-Token", c.config.AccessToken)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(kind).Observe(time.Since(startTime).Seconds())
	}()

	c.logger.Debug().
		Str("kind", kind).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Msg("Executing Admin API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(kind, "network_error").Inc()
		return nil, fmt.Errorf("%s request: %w", kind, err)
	}
	requestsTotal.WithLabelValues(kind, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		c.logger.Warn().
			Str("kind", kind).
			Int("status", resp.StatusCode).
			Msg("Admin API request error")

		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    strings.TrimSpace(resp.Status + " " + string(snippet)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return resp, nil
}

// ParseRetryAfter parses a Retry-After header given in (possibly fractional)
// seconds. HTTP-date values and garbage yield zero.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// ParseLinkHeader extracts rel="next" and rel="previous" links.
// Returns nil when the header carries neither.
func ParseLinkHeader(header string) *PageInfo {
	if strings.TrimSpace(header) == "" {
		return nil
	}

	info := &PageInfo{}
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}

		raw := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(raw, "<") || !strings.HasSuffix(raw, ">") {
			continue
		}
		u, err := url.Parse(raw[1 : len(raw)-1])
		if err != nil {
			continue
		}
		link := &PageLink{URL: u.String(), Query: u.Query()}

		for _, attr := range segments[1:] {
			key, val, ok := strings.Cut(strings.TrimSpace(attr), "=")
			if !ok || strings.TrimSpace(key) != "rel" {
				continue
			}
			switch strings.Trim(strings.TrimSpace(val), `"`) {
			case "next":
				info.NextPage = link
			case "previous", "prev":
				info.PreviousPage = link
			}
		}
	}

	if info.NextPage == nil && info.PreviousPage == nil {
		return nil
	}
	return info
}

// DefaultDownloadHeaderTimeout bounds the wait for a result file's response
// headers. The body itself is bounded only by the caller's context.
const DefaultDownloadHeaderTimeout = 60 * time.Second

// NewDownloadClient returns an HTTP client for bulk result files. Unlike the
// API client it has no overall timeout, since result files can take minutes
// to stream; only the response headers are time-limited.
func NewDownloadClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = DefaultDownloadHeaderTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
