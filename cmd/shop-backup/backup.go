package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Sternrassler/shop-backup/pkg/bulk"
	"github.com/Sternrassler/shop-backup/pkg/pagination"
	"github.com/rs/zerolog"
)

// resourceError records why one resource could not be backed up.
type resourceError struct {
	Resource string
	Err      error
}

func (e *resourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Resource, e.Err)
}

func (e *resourceError) Unwrap() error {
	return e.Err
}

// result summarises one resource.
type result struct {
	Resource string
	Records  int
	File     string
	Duration time.Duration
	Err      error
}

// backup exports resources into outDir.
type backup struct {
	orch   *bulk.Orchestrator
	pager  *pagination.Paginator
	rest   pagination.Getter
	poll   bulk.PollOptions
	outDir string
	logger zerolog.Logger
}

// run exports every resource, continuing past failures. The returned error
// joins one *resourceError per failed resource.
func (b *backup) run(ctx context.Context, targets []resource) ([]result, error) {
	if err := os.MkdirAll(b.outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var (
		results []result
		errs    []error
	)
	for _, r := range targets {
		if ctx.Err() != nil {
			err := &resourceError{Resource: r.Name, Err: ctx.Err()}
			results = append(results, result{Resource: r.Name, Err: err})
			errs = append(errs, err)
			continue
		}

		start := time.Now()
		logger := b.logger.With().Str("resource", r.Name).Logger()
		logger.Info().Msg("Exporting resource")

		res := result{Resource: r.Name, File: filepath.Join(b.outDir, r.Name+".json")}
		if r.isBulk() {
			res.Records, res.Err = b.exportBulk(ctx, r, res.File)
		} else {
			res.Records, res.Err = b.exportListing(ctx, r, res.File)
		}
		res.Duration = time.Since(start)

		if res.Err != nil {
			logger.Error().
				Err(res.Err).
				Dur("duration", res.Duration).
				Msg("Resource export failed")
			res.Err = &resourceError{Resource: r.Name, Err: res.Err}
			errs = append(errs, res.Err)
		} else {
			logger.Info().
				Int("records", res.Records).
				Str("file", res.File).
				Dur("duration", res.Duration).
				Msg("Resource exported")
		}
		results = append(results, res)
	}

	return results, errors.Join(errs...)
}

func (b *backup) exportBulk(ctx context.Context, r resource, path string) (int, error) {
	entities, err := b.orch.Export(ctx, bulk.ExportRequest{
		Query:    r.Query,
		RootType: r.RootType,
		Schema:   r.Schema,
		Poll:     b.poll,
	})
	if err != nil {
		return 0, err
	}

	return len(entities), writeFileAtomic(path, func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entities)
	})
}

// exportListing streams pages into a JSON array so only one page is held in
// memory at a time.
func (b *backup) exportListing(ctx context.Context, r resource, path string) (int, error) {
	count := 0
	err := writeFileAtomic(path, func(w *bufio.Writer) error {
		if _, err := w.WriteString("["); err != nil {
			return err
		}
		err := b.pager.FetchEach(ctx, pagination.RESTPages(b.rest, r.Path, r.Key), r.Filters, func(items []json.RawMessage) error {
			for _, item := range items {
				if count > 0 {
					if err := w.WriteByte(','); err != nil {
						return err
					}
				}
				if _, err := w.WriteString("\n  "); err != nil {
					return err
				}
				if _, err := w.Write(item); err != nil {
					return err
				}
				count++
			}
			return nil
		})
		if err != nil {
			return err
		}
		if count > 0 {
			_, err = w.WriteString("\n]\n")
		} else {
			_, err = w.WriteString("]\n")
		}
		return err
	})
	return count, err
}

// writeFileAtomic writes through a temp file and renames it into place, so an
// interrupted run never leaves a truncated backup behind.
func writeFileAtomic(path string, write func(w *bufio.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := write(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
