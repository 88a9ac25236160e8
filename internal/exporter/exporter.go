// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package exporter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/netSkope/crm-bulk-extractor/internal/bulkread"
	"github.com/netSkope/crm-bulk-extractor/internal/filter"
	"github.com/netSkope/crm-bulk-extractor/internal/metrics"
	"github.com/netSkope/crm-bulk-extractor/internal/unpack"
	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is the wait between two status polls of a job.
	DefaultPollInterval = 8 * time.Second
	// DefaultMaxPollWait bounds how long a single page may stay incomplete.
	DefaultMaxPollWait = 2 * time.Hour
)

// API is the subset of the bulk-read client the exporter needs.
// This allows mocking in tests.
type API interface {
	CreateJob(ctx context.Context, req bulkread.CreateJobRequest) (*bulkread.JobDetail, error)
	GetJob(ctx context.Context, jobID string) (*bulkread.JobDetail, error)
	DownloadResult(ctx context.Context, jobID string) (*bulkread.ResultFile, error)
}

// Exporter downloads every page of a module export, one bulk-read job per page.
type Exporter struct {
	api    API
	logger *zap.Logger

	// PollInterval is the wait between status polls. Zero or less uses DefaultPollInterval.
	PollInterval time.Duration
	// MaxPollWait bounds the total wait for one job. Zero waits forever.
	MaxPollWait time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewExporter creates an exporter with the default poll interval and wait bound.
func NewExporter(api API, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		api:          api,
		logger:       logger,
		PollInterval: DefaultPollInterval,
		MaxPollWait:  DefaultMaxPollWait,
		sleep:        sleepContext,
	}
}

func (e *Exporter) pollInterval() time.Duration {
	if e.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return e.PollInterval
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DownloadAllPages exports job page by page until the server reports no more
// records. Every page file is left in job.DestinationFolder without its header
// row. The returned field names are those of the last page.
// Any failure aborts the export; a new call starts again at page 1.
func (e *Exporter) DownloadAllPages(ctx context.Context, job Job) (*Result, error) {
	if job.Module == "" {
		return nil, &ExportError{Module: job.Module, Page: 1, Stage: StageCreate, Err: errors.New("module name is required")}
	}
	if job.DestinationFolder == "" {
		return nil, &ExportError{Module: job.Module, Page: 1, Stage: StageCreate, Err: errors.New("destination folder is required")}
	}

	unpacker := unpack.NewUnpacker(job.FileNamePrefix, e.logger)
	criteria := filter.ToCriteria(job.Filter)
	result := &Result{}
	start := time.Now()

	e.logger.Info("Starting bulk export",
		zap.String("module", job.Module),
		zap.Strings("fields", job.Fields),
		zap.Int("filter_depth", filter.Depth(job.Filter)),
		zap.String("destination", job.DestinationFolder))

	for page := 1; ; page++ {
		cycle := &pageCycle{Page: page, State: StateCreated, MoreRecords: true}
		pageStart := time.Now()

		pf, err := e.runPage(ctx, job, criteria, cycle, unpacker)
		if err != nil {
			metrics.Exports.WithLabelValues(job.Module, "failed").Inc()
			e.logger.Error("Bulk export failed",
				zap.String("module", job.Module),
				zap.Int("page", page),
				zap.String("job_id", cycle.ServerJobID),
				zap.String("state", cycle.State.String()),
				zap.Error(err))
			return nil, err
		}

		if result.FieldNames != nil && !slices.Equal(result.FieldNames, pf.FieldNames) {
			e.logger.Warn("Field names differ between pages, keeping the latest",
				zap.String("module", job.Module),
				zap.Int("page", page),
				zap.Strings("previous", result.FieldNames),
				zap.Strings("current", pf.FieldNames))
		}
		result.FieldNames = pf.FieldNames
		result.Pages = append(result.Pages, *pf)

		metrics.PagesExported.WithLabelValues(job.Module).Inc()
		metrics.RowsExported.WithLabelValues(job.Module).Add(float64(pf.RowCount))
		metrics.PageDuration.WithLabelValues(job.Module).Observe(time.Since(pageStart).Seconds())

		e.logger.Info("Exported page",
			zap.String("module", job.Module),
			zap.Int("page", page),
			zap.String("job_id", pf.JobID),
			zap.String("file", pf.Path),
			zap.Int("rows", pf.RowCount),
			zap.Bool("more_records", cycle.MoreRecords))

		if !cycle.MoreRecords {
			break
		}
	}

	metrics.Exports.WithLabelValues(job.Module, "completed").Inc()
	e.logger.Info("Bulk export completed",
		zap.String("module", job.Module),
		zap.Int("pages", len(result.Pages)),
		zap.Int("rows", result.Rows()),
		zap.Duration("duration", time.Since(start)))

	return result, nil
}

// runPage drives one page through create, poll and download.
func (e *Exporter) runPage(ctx context.Context, job Job, criteria *bulkread.Criteria, cycle *pageCycle, unpacker *unpack.Unpacker) (*PageFile, error) {
	fail := func(stage Stage, err error) error {
		if ferr := cycle.fire(eventError); ferr != nil {
			e.logger.Debug("State already failed", zap.Error(ferr))
		}
		return &ExportError{Module: job.Module, Page: cycle.Page, Stage: stage, Err: err}
	}

	req := bulkread.CreateJobRequest{
		Query: bulkread.Query{
			Module:   job.Module,
			Fields:   job.Fields,
			Page:     cycle.Page,
			Criteria: criteria,
		},
		FileType: bulkread.FileTypeCSV,
	}
	created, err := e.api.CreateJob(ctx, req)
	if err != nil {
		return nil, fail(StageCreate, err)
	}
	cycle.ServerJobID = created.ID
	if err := cycle.fire(eventSubmitted); err != nil {
		return nil, fail(StageCreate, err)
	}
	metrics.JobsCreated.WithLabelValues(job.Module).Inc()

	e.logger.Debug("Created bulk read job",
		zap.String("module", job.Module),
		zap.Int("page", cycle.Page),
		zap.String("job_id", cycle.ServerJobID),
		zap.String("state", string(created.State)))

	detail, err := e.poll(ctx, job.Module, cycle)
	if err != nil {
		return nil, fail(StagePoll, err)
	}
	if detail.Result != nil && detail.Result.MoreRecords != nil {
		cycle.MoreRecords = *detail.Result.MoreRecords
	}

	file, err := e.api.DownloadResult(ctx, cycle.ServerJobID)
	if err != nil {
		return nil, fail(StageDownload, err)
	}
	defer file.Body.Close()

	unpacked, err := unpacker.Unpack(file.Body, job.DestinationFolder)
	if err != nil {
		return nil, fail(StageUnpack, err)
	}

	return &PageFile{
		Page:       cycle.Page,
		JobID:      cycle.ServerJobID,
		Path:       unpacked.Path,
		RowCount:   unpacked.RowCount,
		FieldNames: unpacked.FieldNames,
	}, nil
}

// poll fetches the job until it completes. A 204/304 reply counts as not ready.
func (e *Exporter) poll(ctx context.Context, module string, cycle *pageCycle) (*bulkread.JobDetail, error) {
	interval := e.pollInterval()
	var waited time.Duration
	for attempt := 1; ; attempt++ {
		detail, err := e.api.GetJob(ctx, cycle.ServerJobID)
		state := "no_content"
		switch {
		case errors.Is(err, bulkread.ErrNoContent):
		case err != nil:
			return nil, err
		default:
			state = string(detail.State.Normalize())
		}
		metrics.JobPolls.WithLabelValues(module, state).Inc()

		e.logger.Debug("Polled bulk read job",
			zap.String("module", module),
			zap.Int("page", cycle.Page),
			zap.String("job_id", cycle.ServerJobID),
			zap.Int("attempt", attempt),
			zap.String("state", state))

		if err == nil {
			if detail.State.Completed() {
				if ferr := cycle.fire(eventReady); ferr != nil {
					return nil, ferr
				}
				return detail, nil
			}
			if detail.State.Failed() {
				return nil, fmt.Errorf("%w: job %s reported %s", ErrJobFailed, cycle.ServerJobID, detail.State)
			}
		}
		if ferr := cycle.fire(eventPending); ferr != nil {
			return nil, ferr
		}

		if e.MaxPollWait > 0 && waited >= e.MaxPollWait {
			return nil, fmt.Errorf("%w: job %s still %s after %s", ErrPollTimeout, cycle.ServerJobID, state, waited)
		}
		if err := e.sleep(ctx, interval); err != nil {
			return nil, fmt.Errorf("polling cancelled: %w", err)
		}
		waited += interval
	}
}
