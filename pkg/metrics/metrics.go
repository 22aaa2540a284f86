// Package metrics exposes the Prometheus registry used by the backup tool.
// Metrics are defined with promauto next to the code that records them
// (client, ratelimit, pagination, bulk); this package documents them and
// exports them at the end of a run.
package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry is the registerer every package records into.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads back what Registry collected.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// Prefix is shared by every metric of this module.
const Prefix = "shopify_"

// WriteTextfile writes all metrics of this module in the text exposition
// format, for the node_exporter textfile collector. The file is replaced
// atomically.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Filtered(Gatherer)); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Filtered returns a gatherer limited to metrics carrying Prefix.
func Filtered(g prometheus.Gatherer) prometheus.Gatherer {
	return prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		families, err := g.Gather()
		if err != nil {
			return nil, err
		}
		out := families[:0]
		for _, mf := range families {
			if strings.HasPrefix(mf.GetName(), Prefix) {
				out = append(out, mf)
			}
		}
		return out, nil
	})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - shopify_requests_total{kind, status} (Counter): Admin API calls by kind (graphql, rest) and HTTP status
//   - shopify_request_duration_seconds{kind} (Histogram): call duration by kind
//
// Retry Metrics (pkg/client):
//   - shopify_retries_total{error_class} (Counter): retries by class (status, network, throttled)
//   - shopify_retry_backoff_seconds{error_class} (Histogram): backoff waits by class
//   - shopify_retry_exhausted_total{error_class} (Counter): calls that hit the retry ceiling
//
// Rate Limit Metrics (pkg/ratelimit):
//   - shopify_rate_limit_wait_seconds (Histogram): time spent waiting for a call slot
//   - shopify_call_limit_used_ratio (Gauge): last reported fraction of the call bucket in use
//
// Bulk Metrics (pkg/bulk):
//   - shopify_bulk_polls_total{status} (Counter): status polls by reported status
//   - shopify_bulk_jobs_total{outcome} (Counter): exports by outcome (completed, failed, abandoned, ...)
//
// Pagination Metrics (pkg/pagination):
//   - shopify_pages_fetched_total (Counter): listing pages fetched
//
// Example Prometheus Queries:
//
//   # Failed bulk exports in the last day
//   sum(increase(shopify_bulk_jobs_total{outcome!="completed"}[1d]))
//
//   # Throttling pressure
//   rate(shopify_retries_total{error_class="throttled"}[1h])
//
//   # P95 Admin API latency
//   histogram_quantile(0.95, rate(shopify_request_duration_seconds_bucket[1h]))
