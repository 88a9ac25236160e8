// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package extraction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/netSkope/crm-bulk-extractor/internal/config"
	"github.com/netSkope/crm-bulk-extractor/internal/exporter"
	"github.com/netSkope/crm-bulk-extractor/internal/filter"
	"github.com/netSkope/crm-bulk-extractor/internal/s3"
	"github.com/netSkope/crm-bulk-extractor/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Uploader copies page files to object storage.
// This allows mocking in tests.
type Uploader interface {
	UploadFileWithRetry(ctx context.Context, filePath, key string) error
	URI(key string) string
}

// Recorder persists one row per exported page.
type Recorder interface {
	RecordPage(ctx context.Context, rec store.PageRecord) error
}

// Deps are the collaborators of a run. Uploader and Ledger are optional.
type Deps struct {
	Exporter          *exporter.Exporter
	Uploader          Uploader
	S3Prefix          string
	Ledger            Recorder
	DestinationFolder string
	MaxParallel       int
	Logger            *zap.Logger
	// Now resolves relative dates in filters. Defaults to time.Now.
	Now func() time.Time
}

// Outcome is the result of one module export.
type Outcome struct {
	Module   string
	Folder   string
	Result   *exporter.Result
	S3Keys   []string // per page, empty without an uploader
	Duration time.Duration
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// JobFromExport builds the exporter job of a configured export.
// Page files go to <dest>/<module>.
func JobFromExport(exp config.Export, dest string, now func() time.Time) (exporter.Job, error) {
	job := exporter.Job{
		Module:            exp.Module,
		DestinationFolder: filepath.Join(dest, exp.Module),
		FileNamePrefix:    exp.FileNamePrefix,
		Fields:            exp.Fields,
	}
	opts := []filter.Option{}
	if now != nil {
		opts = append(opts, filter.WithNow(now))
	}

	switch {
	case len(exp.Filter) > 0:
		node, err := filter.Build(exp.Filter, opts...)
		if err != nil {
			return job, fmt.Errorf("failed to build filter for %s: %w", exp.Module, err)
		}
		job.Filter = node
	case exp.FilterFile != "":
		data, err := os.ReadFile(exp.FilterFile)
		if err != nil {
			return job, fmt.Errorf("failed to read filter file: %w", err)
		}
		node, err := filter.Parse(data, opts...)
		if err != nil {
			return job, fmt.Errorf("failed to parse filter file %s: %w", exp.FilterFile, err)
		}
		job.Filter = node
	}
	return job, nil
}

// ProcessExports runs the configured exports with at most deps.MaxParallel in flight.
// Outcomes are returned in configuration order. The first failure cancels the
// remaining exports and is returned.
func ProcessExports(ctx context.Context, runID string, exports []config.Export, deps Deps) ([]Outcome, error) {
	if deps.Exporter == nil {
		return nil, fmt.Errorf("exporter is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("run_id", runID))

	jobs := make([]exporter.Job, len(exports))
	for i, exp := range exports {
		job, err := JobFromExport(exp, deps.DestinationFolder, deps.Now)
		if err != nil {
			return nil, err
		}
		jobs[i] = job
	}

	maxParallel := deps.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	outcomes := make([]Outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	logger.Info("Starting extraction run",
		zap.Int("exports", len(jobs)),
		zap.Int("max_parallel", maxParallel))

	for i, job := range jobs {
		g.Go(func() error {
			out, err := processExport(gctx, runID, job, deps, logger)
			if err != nil {
				return err
			}
			outcomes[i] = *out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Info("All exports processed", zap.Int("exports", len(outcomes)))
	return outcomes, nil
}

// processExport downloads every page of one module, then uploads and records each page.
func processExport(ctx context.Context, runID string, job exporter.Job, deps Deps, logger *zap.Logger) (*Outcome, error) {
	start := time.Now()
	result, err := deps.Exporter.DownloadAllPages(ctx, job)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Module: job.Module, Folder: job.DestinationFolder, Result: result}

	for _, page := range result.Pages {
		var key string
		if deps.Uploader != nil {
			key = s3.Key(deps.S3Prefix, runID, job.Module, page.Path)
			if err := deps.Uploader.UploadFileWithRetry(ctx, page.Path, key); err != nil {
				return nil, fmt.Errorf("failed to upload page %d of %s: %w", page.Page, job.Module, err)
			}
			out.S3Keys = append(out.S3Keys, key)
		}

		if deps.Ledger != nil {
			rec := store.PageRecord{
				RunID:      runID,
				Module:     job.Module,
				Page:       page.Page,
				JobID:      page.JobID,
				FilePath:   page.Path,
				S3Key:      key,
				RowCount:   page.RowCount,
				FieldNames: page.FieldNames,
			}
			if err := deps.Ledger.RecordPage(ctx, rec); err != nil {
				return nil, fmt.Errorf("failed to record page %d of %s: %w", page.Page, job.Module, err)
			}
		}
	}

	out.Duration = time.Since(start)
	logger.Info("Export processed",
		zap.String("module", job.Module),
		zap.Int("pages", len(result.Pages)),
		zap.Int("rows", result.Rows()),
		zap.Int("uploaded", len(out.S3Keys)),
		zap.Duration("duration", out.Duration))
	return out, nil
}

// URIs returns the s3:// locations of an outcome's page files.
func (o *Outcome) URIs(u Uploader) []string {
	uris := make([]string, 0, len(o.S3Keys))
	for _, k := range o.S3Keys {
		uris = append(uris, u.URI(k))
	}
	return uris
}
