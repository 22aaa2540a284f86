// Package jsonl decodes the line-delimited JSON files produced by bulk
// operations. Each non-blank line is one object; blank lines are skipped.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

const (
	// IDField holds the record's global id.
	IDField = "id"

	// ParentIDField references the owning record's id.
	ParentIDField = "__parentId"
)

// maxLineSize bounds a single record. Bulk results embed full objects,
// metafield values included, so lines can get long.
const maxLineSize = 16 << 20

// Record is one decoded line.
type Record map[string]any

// ID returns the record's id, or "".
func (r Record) ID() string {
	id, _ := r[IDField].(string)
	return id
}

// ParentID returns the record's parent reference, or "" for roots.
func (r Record) ParentID() string {
	id, _ := r[ParentIDField].(string)
	return id
}

// ParseError reports the first line that failed to decode.
type ParseError struct {
	Line int // 1-indexed
	Err  error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("jsonl: line %d: %v", e.Line, e.Err)
}

// Unwrap returns the decode error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse decodes data into records in line order. Empty or whitespace-only
// input yields an empty, non-nil slice.
func Parse(data []byte) ([]Record, error) {
	records := make([]Record, 0)
	err := Decode(bytes.NewReader(data), func(r Record) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Decode streams records from r to fn. It stops at the first decode error,
// read error, or error returned by fn.
func Decode(r io.Reader, fn func(Record) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return &ParseError{Line: line, Err: err}
		}
		if rec == nil {
			return &ParseError{Line: line, Err: fmt.Errorf("expected object, got %s", text)}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("jsonl: read line %d: %w", line+1, err)
	}
	return nil
}
