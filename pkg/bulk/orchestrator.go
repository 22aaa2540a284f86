package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/shop-backup/pkg/client"
	"github.com/Sternrassler/shop-backup/pkg/clock"
	"github.com/Sternrassler/shop-backup/pkg/jsonl"
	"github.com/Sternrassler/shop-backup/pkg/reconstruct"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for bulk operations.
var (
	bulkPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopify_bulk_polls_total",
		Help: "Total bulk operation status polls by reported status",
	}, []string{"status"})

	bulkJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopify_bulk_jobs_total",
		Help: "Total bulk exports by outcome",
	}, []string{"outcome"})
)

const (
	// DefaultPollInterval is the wait between two status polls.
	DefaultPollInterval = 1 * time.Second

	// DefaultPollTimeout bounds how long a job may take from the first poll.
	DefaultPollTimeout = 10 * time.Minute

	// cancelTimeout bounds the best-effort cancel after an abandoned poll.
	cancelTimeout = 15 * time.Second
)

// GraphQLDoer is the GraphQL side of client.Client.
type GraphQLDoer interface {
	GraphQL(ctx context.Context, query string, variables map[string]any) (*client.GraphQLResponse, error)
}

// HTTPDoer fetches result files. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PollOptions controls Poll. Zero values select the defaults.
type PollOptions struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultPollTimeout
	}
	return o
}

// Config holds the orchestrator configuration.
type Config struct {
	// Policy is the retry policy for submit, poll and cancel calls.
	Policy client.RetryPolicy

	// Clock drives poll sleeps and the poll timeout. Defaults to the wall clock.
	Clock clock.Clock

	// Lock, when set, is held for the duration of every Export.
	Lock JobLock
}

// Orchestrator runs bulk operations through the request executor.
type Orchestrator struct {
	gql    GraphQLDoer
	http   HTTPDoer
	exec   *client.Executor
	config Config
	logger zerolog.Logger

	// mu serialises Export; the platform allows one job at a time.
	mu sync.Mutex
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(gql GraphQLDoer, httpDoer HTTPDoer, exec *client.Executor, config Config) *Orchestrator {
	if config.Clock == nil {
		config.Clock = clock.Real{}
	}
	if config.Policy.MaxRetries == 0 && config.Policy.BaseDelay == 0 {
		config.Policy = client.DefaultRetryPolicy()
	}
	return &Orchestrator{
		gql:    gql,
		http:   httpDoer,
		exec:   exec,
		config: config,
		logger: log.With().Str("component", "bulk-orchestrator").Logger(),
	}
}

// graphql runs one GraphQL call through the executor and decodes data into out.
// Non-throttle GraphQL errors become a *ProtocolError.
func (o *Orchestrator) graphql(ctx context.Context, query string, variables map[string]any, out any) error {
	resp, err := client.Call(ctx, o.exec, o.config.Policy, func(ctx context.Context) (*client.GraphQLResponse, error) {
		return o.gql.GraphQL(ctx, query, variables)
	})
	if err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		return &ProtocolError{Messages: resp.ErrorMessages()}
	}
	if len(resp.Data) == 0 {
		return &ProtocolError{Messages: []string{"response carried no data"}}
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode graphql data: %w", err)
	}
	return nil
}

// mutationJob maps a mutation payload to its job or error.
func mutationJob(p *mutationPayload) (*Job, error) {
	if p != nil && len(p.UserErrors) > 0 {
		return nil, &ValidationError{Errors: p.UserErrors}
	}
	if p == nil || p.BulkOperation == nil {
		return nil, ErrSubmissionFailed
	}
	return p.BulkOperation.job()
}

// Submit starts a bulk query and returns the job id.
func (o *Orchestrator) Submit(ctx context.Context, query string) (string, error) {
	var data runQueryData
	if err := o.graphql(ctx, runQueryMutation, map[string]any{"query": query}, &data); err != nil {
		return "", fmt.Errorf("submit bulk operation: %w", err)
	}

	job, err := mutationJob(data.Payload)
	if err != nil {
		return "", fmt.Errorf("submit bulk operation: %w", err)
	}

	o.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Msg("Bulk operation submitted")

	return job.ID, nil
}

// Cancel requests cancellation of a running job.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*Job, error) {
	var data cancelData
	if err := o.graphql(ctx, cancelMutation, map[string]any{"id": jobID}, &data); err != nil {
		return nil, fmt.Errorf("cancel bulk operation %s: %w", jobID, err)
	}

	job, err := mutationJob(data.Payload)
	if err != nil {
		return nil, fmt.Errorf("cancel bulk operation %s: %w", jobID, err)
	}

	o.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Msg("Bulk operation cancel requested")

	return job, nil
}

// Current returns the app's current bulk query operation.
func (o *Orchestrator) Current(ctx context.Context) (*Job, error) {
	var data currentOperationData
	if err := o.graphql(ctx, currentOperationQuery, nil, &data); err != nil {
		return nil, err
	}
	if data.Operation == nil {
		return nil, ErrNoActiveJob
	}
	return data.Operation.job()
}

func aborted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrPollingAborted, context.Cause(ctx))
}

// Poll waits for the job to reach a terminal status.
//
// The status lookup is "the current operation", not a lookup by id; jobID is
// only compared against what comes back. COMPLETED returns the job; FAILED,
// CANCELED and EXPIRED return a *JobFailure. The timeout is measured from the
// start of polling on the configured clock. Cancelling ctx stops polling with
// an error matching ErrPollingAborted.
func (o *Orchestrator) Poll(ctx context.Context, jobID string, opts PollOptions) (*Job, error) {
	opts = opts.withDefaults()
	clk := o.config.Clock

	if ctx.Err() != nil {
		return nil, aborted(ctx)
	}

	start := clk.Now()
	var last Status

	for polls := 1; ; polls++ {
		if ctx.Err() != nil {
			return nil, aborted(ctx)
		}
		if elapsed := clk.Now().Sub(start); elapsed >= opts.Timeout {
			o.logger.Warn().
				Str("job_id", jobID).
				Dur("elapsed", elapsed).
				Int("polls", polls-1).
				Msg("Bulk operation polling timed out")
			return nil, fmt.Errorf("%w: job %s after %s", ErrPollingTimeout, jobID, elapsed)
		}

		job, err := o.Current(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, aborted(ctx)
			}
			return nil, fmt.Errorf("poll bulk operation %s: %w", jobID, err)
		}
		bulkPollsTotal.WithLabelValues(string(job.Status)).Inc()

		if jobID != "" && job.ID != jobID {
			o.logger.Warn().
				Str("job_id", jobID).
				Str("current_job_id", job.ID).
				Msg("Current bulk operation differs from the polled job")
		}

		if job.Status != last {
			o.logger.Info().
				Str("job_id", job.ID).
				Str("status", string(job.Status)).
				Int64("objects", job.ObjectCount).
				Msg("Bulk operation status")
			last = job.Status
		}

		switch {
		case job.Status == StatusCompleted:
			return job, nil
		case job.Status.IsFailure():
			return nil, &JobFailure{JobID: job.ID, Status: job.Status, ErrorCode: job.ErrorCode}
		}

		o.logger.Debug().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Int("poll", polls).
			Dur("delay", opts.Interval).
			Msg("Bulk operation still running")

		if err := clk.Sleep(ctx, opts.Interval); err != nil {
			return nil, aborted(ctx)
		}
	}
}

// Download fetches the job's result file. A job without a result URL yields
// nil data and no request.
func (o *Orchestrator) Download(ctx context.Context, job *Job) ([]byte, error) {
	if !job.HasResults() {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *job.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status := resp.Status
		if status == "" {
			status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		}
		return nil, &DownloadError{StatusCode: resp.StatusCode, Status: status}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read bulk result: %w", err)
	}

	o.logger.Debug().
		Str("job_id", job.ID).
		Int("bytes", len(data)).
		Msg("Bulk result downloaded")

	return data, nil
}

// ExportRequest describes one bulk export.
type ExportRequest struct {
	Query    string
	RootType string
	Schema   reconstruct.Schema
	Poll     PollOptions
}

// Export runs submit, poll, download, parse and reconstruct for one query.
// Only one Export runs at a time per orchestrator, and per identity when a
// JobLock is configured. A job abandoned by timeout or cancellation is
// cancelled on the platform on a best-effort basis.
func (o *Orchestrator) Export(ctx context.Context, req ExportRequest) ([]reconstruct.Entity, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.config.Lock != nil {
		unlock, err := o.config.Lock.Acquire(ctx)
		if err != nil {
			bulkJobsTotal.WithLabelValues("locked").Inc()
			return nil, err
		}
		defer unlock()
	}

	start := o.config.Clock.Now()

	jobID, err := o.Submit(ctx, req.Query)
	if err != nil {
		bulkJobsTotal.WithLabelValues("submit_error").Inc()
		return nil, err
	}

	job, err := o.Poll(ctx, jobID, req.Poll)
	if err != nil {
		switch {
		case errors.Is(err, ErrPollingTimeout), errors.Is(err, ErrPollingAborted):
			o.abandon(ctx, jobID)
			bulkJobsTotal.WithLabelValues("abandoned").Inc()
		case errors.Is(err, ErrJobFailed):
			bulkJobsTotal.WithLabelValues("failed").Inc()
		default:
			bulkJobsTotal.WithLabelValues("poll_error").Inc()
		}
		return nil, err
	}

	data, err := o.Download(ctx, job)
	if err != nil {
		bulkJobsTotal.WithLabelValues("download_error").Inc()
		return nil, err
	}

	records, err := jsonl.Parse(data)
	if err != nil {
		bulkJobsTotal.WithLabelValues("parse_error").Inc()
		return nil, fmt.Errorf("parse bulk result of %s: %w", job.ID, err)
	}

	entities := reconstruct.Reconstruct(records, req.RootType, req.Schema)
	bulkJobsTotal.WithLabelValues("completed").Inc()

	o.logger.Info().
		Str("job_id", job.ID).
		Int("records", len(records)).
		Int("entities", len(entities)).
		Dur("duration", o.config.Clock.Now().Sub(start)).
		Msg("Bulk export complete")

	return entities, nil
}

// abandon cancels a job we stopped waiting for. Failures are only logged.
func (o *Orchestrator) abandon(ctx context.Context, jobID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()

	if _, err := o.Cancel(cctx, jobID); err != nil {
		o.logger.Warn().
			Err(err).
			Str("job_id", jobID).
			Msg("Failed to cancel abandoned bulk operation")
	}
}
