// Package bulk drives Shopify bulk operations: submit a query, poll the
// platform until the job is done, download the JSONL result and rebuild the
// nested entities from it.
//
// Shopify allows one bulk query per app and shop at a time. The Orchestrator
// never runs two jobs concurrently; a JobLock extends that guarantee across
// processes sharing the same credentials.
package bulk

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Status is the wire status of a bulk operation.
type Status string

// Bulk operation statuses.
const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
	StatusCanceling Status = "CANCELING"
	StatusExpired   Status = "EXPIRED"
)

// ErrUnknownStatus is returned for status values outside the known set.
var ErrUnknownStatus = errors.New("unknown bulk operation status")

// ParseStatus validates a wire status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusCreated, StatusRunning, StatusCompleted, StatusFailed,
		StatusCanceled, StatusCanceling, StatusExpired:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// IsTerminal reports whether the job will not change any more.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// IsFailure reports whether s is a terminal status without results.
func (s Status) IsFailure() bool {
	return s.IsTerminal() && s != StatusCompleted
}

// ErrorCode explains a FAILED job.
type ErrorCode string

// Known error codes.
const (
	ErrorCodeAccessDenied        ErrorCode = "ACCESS_DENIED"
	ErrorCodeInternalServerError ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrorCodeTimeout             ErrorCode = "TIMEOUT"
)

// Job is a bulk operation as reported by the platform.
type Job struct {
	ID          string
	Status      Status
	ErrorCode   ErrorCode
	ObjectCount int64
	FileSize    int64

	// URL is nil when the job matched no objects.
	URL            *string
	PartialDataURL *string

	CreatedAt   time.Time
	CompletedAt *time.Time
	Query       string
}

// HasResults reports whether there is a result file to download.
func (j *Job) HasResults() bool {
	return j != nil && j.URL != nil && *j.URL != ""
}

// wireJob is the BulkOperation GraphQL object. objectCount and fileSize are
// UnsignedInt64 scalars and arrive as strings.
type wireJob struct {
	ID             string      `json:"id"`
	Status         string      `json:"status"`
	ErrorCode      *string     `json:"errorCode"`
	ObjectCount    json.Number `json:"objectCount"`
	FileSize       json.Number `json:"fileSize"`
	URL            *string     `json:"url"`
	PartialDataURL *string     `json:"partialDataUrl"`
	CreatedAt      time.Time   `json:"createdAt"`
	CompletedAt    *time.Time  `json:"completedAt"`
	Query          string      `json:"query"`
}

func (w *wireJob) job() (*Job, error) {
	status, err := ParseStatus(w.Status)
	if err != nil {
		return nil, err
	}

	objects, err := parseCount(w.ObjectCount)
	if err != nil {
		return nil, fmt.Errorf("objectCount: %w", err)
	}
	size, err := parseCount(w.FileSize)
	if err != nil {
		return nil, fmt.Errorf("fileSize: %w", err)
	}

	j := &Job{
		ID:             w.ID,
		Status:         status,
		ObjectCount:    objects,
		FileSize:       size,
		URL:            w.URL,
		PartialDataURL: w.PartialDataURL,
		CreatedAt:      w.CreatedAt,
		CompletedAt:    w.CompletedAt,
		Query:          w.Query,
	}
	if w.ErrorCode != nil {
		j.ErrorCode = ErrorCode(*w.ErrorCode)
	}
	return j, nil
}

func parseCount(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	return strconv.ParseInt(string(n), 10, 64)
}
