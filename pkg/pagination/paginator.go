package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/shop-backup/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "shopify_pages_fetched_total",
	Help: "Total number of listing pages fetched",
})

// DefaultPageSize is the largest page the REST Admin API serves.
const DefaultPageSize = 250

// Page is one fetched page.
type Page struct {
	Items []json.RawMessage

	// Next is the query for the following page; empty on the last page.
	Next url.Values
}

// PageFunc fetches the page addressed by query.
type PageFunc func(ctx context.Context, query url.Values) (*Page, error)

// Config holds paginator configuration
type Config struct {
	// PageSize is sent as "limit" on the first request.
	PageSize int

	// Policy is the retry policy for every page request.
	Policy client.RetryPolicy

	// ProgressEvery logs progress every N pages (0 disables).
	ProgressEvery int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		PageSize:      DefaultPageSize,
		Policy:        client.DefaultRetryPolicy(),
		ProgressEvery: 50,
	}
}

// Paginator fetches every page of a listing.
type Paginator struct {
	exec   *client.Executor
	config Config
	logger zerolog.Logger
}

// New creates a paginator running requests through exec.
func New(exec *client.Executor, config Config) *Paginator {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.Policy.MaxRetries == 0 && config.Policy.BaseDelay == 0 {
		config.Policy = client.DefaultRetryPolicy()
	}
	return &Paginator{
		exec:   exec,
		config: config,
		logger: log.With().Str("component", "paginator").Logger(),
	}
}

// FetchAll returns the items of every page in order.
func (p *Paginator) FetchAll(ctx context.Context, fn PageFunc, filters url.Values) ([]json.RawMessage, error) {
	items := make([]json.RawMessage, 0)
	err := p.FetchEach(ctx, fn, filters, func(page []json.RawMessage) error {
		items = append(items, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// FetchEach calls onPage once per page instead of accumulating, so memory
// stays bounded by one page. It stops at the first page without a
// continuation, or at the first error from fn or onPage.
func (p *Paginator) FetchEach(ctx context.Context, fn PageFunc, filters url.Values, onPage func([]json.RawMessage) error) error {
	start := time.Now()

	query := url.Values{}
	for k, v := range filters {
		query[k] = append([]string(nil), v...)
	}
	query.Set("limit", strconv.Itoa(p.config.PageSize))

	pages, total := 0, 0
	for {
		page, err := client.Call(ctx, p.exec, p.config.Policy, func(ctx context.Context) (*Page, error) {
			return fn(ctx, query)
		})
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", pages+1, err)
		}

		pages++
		total += len(page.Items)
		pagesFetchedTotal.Inc()

		p.logger.Debug().
			Int("page", pages).
			Int("items", len(page.Items)).
			Bool("has_next", len(page.Next) > 0).
			Msg("Fetched page")

		if err := onPage(page.Items); err != nil {
			return fmt.Errorf("handle page %d: %w", pages, err)
		}

		if p.config.ProgressEvery > 0 && pages%p.config.ProgressEvery == 0 {
			p.logger.Info().
				Int("pages", pages).
				Int("items", total).
				Msg("Fetch progress")
		}

		if len(page.Next) == 0 {
			break
		}
		query = page.Next
	}

	p.logger.Info().
		Int("pages", pages).
		Int("items", total).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return nil
}

// Getter is the REST side of client.Client.
type Getter interface {
	Get(ctx context.Context, path string, query url.Values) (*client.RESTResponse, error)
}

// RESTPages adapts a REST listing into a PageFunc. key names the array in the
// response body, e.g. "pages" for pages.json.
func RESTPages(g Getter, path, key string) PageFunc {
	return func(ctx context.Context, query url.Values) (*Page, error) {
		resp, err := g.Get(ctx, path, query)
		if err != nil {
			return nil, err
		}

		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(resp.Body, &envelope); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}

		page := &Page{Items: make([]json.RawMessage, 0)}
		if raw, ok := envelope[key]; ok {
			if err := json.Unmarshal(raw, &page.Items); err != nil {
				return nil, fmt.Errorf("decode %s[%q]: %w", path, key, err)
			}
		}

		if resp.PageInfo != nil && resp.PageInfo.NextPage != nil {
			page.Next = resp.PageInfo.NextPage.Query
		}
		return page, nil
	}
}
