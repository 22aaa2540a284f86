package bulk

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSubmissionFailed is returned when the platform accepted the mutation
	// but returned neither a job nor user errors.
	ErrSubmissionFailed = errors.New("bulk operation submission failed")

	// ErrJobFailed is matched by every *JobFailure.
	ErrJobFailed = errors.New("bulk operation failed")

	// ErrPollingTimeout is returned when the job did not finish in time.
	ErrPollingTimeout = errors.New("bulk operation polling timed out")

	// ErrPollingAborted is returned when the caller's context ends polling.
	ErrPollingAborted = errors.New("bulk operation polling aborted")

	// ErrNoActiveJob is returned when the platform reports no current operation.
	ErrNoActiveJob = errors.New("no current bulk operation")

	// ErrJobActive is returned when another job holds the job lock.
	ErrJobActive = errors.New("another bulk operation is active")
)

// FieldError is one user error from a bulk mutation.
type FieldError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
	Code    string   `json:"code,omitempty"`
}

func (f FieldError) String() string {
	if len(f.Field) == 0 {
		return f.Message
	}
	return strings.Join(f.Field, ".") + ": " + f.Message
}

// ValidationError lists the user errors of a rejected submission.
type ValidationError struct {
	Errors []FieldError
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.String())
	}
	return "bulk operation rejected: " + strings.Join(parts, "; ")
}

// ProtocolError carries the top-level GraphQL errors of a response.
type ProtocolError struct {
	Messages []string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return "graphql errors: " + strings.Join(e.Messages, "; ")
}

// JobFailure is a job that ended in FAILED, CANCELED or EXPIRED.
type JobFailure struct {
	JobID     string
	Status    Status
	ErrorCode ErrorCode
}

// Error implements the error interface.
func (e *JobFailure) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("bulk operation %s %s (%s)", e.JobID, strings.ToLower(string(e.Status)), e.ErrorCode)
	}
	return fmt.Sprintf("bulk operation %s %s", e.JobID, strings.ToLower(string(e.Status)))
}

// Is makes errors.Is(err, ErrJobFailed) true.
func (e *JobFailure) Is(target error) bool {
	return target == ErrJobFailed
}

// DownloadError is a non-2xx response for a result file.
type DownloadError struct {
	StatusCode int
	Status     string
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	return "download bulk result: HTTP " + e.Status
}
