package bulk

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"CREATED", "RUNNING", "COMPLETED", "FAILED", "CANCELED", "CANCELING", "EXPIRED"} {
		got, err := ParseStatus(s)
		if err != nil || string(got) != s {
			t.Errorf("ParseStatus(%q) = %q, %v", s, got, err)
		}
	}

	for _, s := range []string{"", "running", "PAUSED"} {
		if _, err := ParseStatus(s); !errors.Is(err, ErrUnknownStatus) {
			t.Errorf("ParseStatus(%q) error = %v, want ErrUnknownStatus", s, err)
		}
	}
}

func TestStatus_Classes(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
		failure  bool
	}{
		{StatusCreated, false, false},
		{StatusRunning, false, false},
		{StatusCanceling, false, false},
		{StatusCompleted, true, false},
		{StatusFailed, true, true},
		{StatusCanceled, true, true},
		{StatusExpired, true, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
		if got := tt.status.IsFailure(); got != tt.failure {
			t.Errorf("%s.IsFailure() = %v, want %v", tt.status, got, tt.failure)
		}
	}
}

func TestWireJob_Counts(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		objects int64
		wantErr bool
	}{
		{name: "string count", body: `{"id":"x","status":"COMPLETED","objectCount":"0"}`, objects: 0},
		{name: "large count", body: `{"id":"x","status":"COMPLETED","objectCount":"9007199254740993"}`, objects: 9007199254740993},
		{name: "numeric count", body: `{"id":"x","status":"RUNNING","objectCount":17}`, objects: 17},
		{name: "missing count", body: `{"id":"x","status":"CREATED"}`, objects: 0},
		{name: "bad status", body: `{"id":"x","status":"NOPE"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w wireJob
			if err := json.Unmarshal([]byte(tt.body), &w); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			job, err := w.job()
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("job() error = %v", err)
			}
			if job.ObjectCount != tt.objects {
				t.Errorf("ObjectCount = %d, want %d", job.ObjectCount, tt.objects)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	failure := &JobFailure{JobID: "gid://shopify/BulkOperation/1", Status: StatusFailed, ErrorCode: ErrorCodeAccessDenied}
	if got := failure.Error(); got != "bulk operation gid://shopify/BulkOperation/1 failed (ACCESS_DENIED)" {
		t.Errorf("JobFailure.Error() = %q", got)
	}

	de := &DownloadError{StatusCode: 404, Status: "404 Not Found"}
	if got := de.Error(); got != "download bulk result: HTTP 404 Not Found" {
		t.Errorf("DownloadError.Error() = %q", got)
	}

	ve := &ValidationError{Errors: []FieldError{{Field: []string{"query"}, Message: "bad"}, {Message: "busy"}}}
	if got := ve.Error(); got != "bulk operation rejected: query: bad; busy" {
		t.Errorf("ValidationError.Error() = %q", got)
	}
}
