// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package exporter

import (
	"errors"
	"fmt"

	"github.com/netSkope/crm-bulk-extractor/internal/filter"
)

// Job identifies one module export. It does not change while pages are fetched.
type Job struct {
	Module            string
	DestinationFolder string
	// FileNamePrefix names the temporary archive of each page.
	FileNamePrefix string
	// Fields limits the exported columns. Empty exports every field.
	Fields []string
	// Filter is optional.
	Filter filter.Node
}

// PageFile is one unpacked page on local storage.
type PageFile struct {
	Page       int
	JobID      string
	Path       string
	RowCount   int
	FieldNames []string
}

// Result is the outcome of a complete export.
type Result struct {
	// FieldNames is the header of the last page.
	FieldNames []string
	Pages      []PageFile
}

// Rows returns the number of data rows over all pages.
func (r *Result) Rows() int {
	n := 0
	for _, p := range r.Pages {
		n += p.RowCount
	}
	return n
}

// Stage names the step of a page cycle that failed.
type Stage string

const (
	StageCreate   Stage = "create"
	StagePoll     Stage = "poll"
	StageDownload Stage = "download"
	StageUnpack   Stage = "unpack"
)

var (
	// ErrExportFailed is matched by every error returned from DownloadAllPages.
	ErrExportFailed = errors.New("export failed")
	// ErrPollTimeout is the cause when a job does not complete within MaxPollWait.
	ErrPollTimeout = errors.New("job did not complete in time")
	// ErrJobFailed is the cause when the server reports the job as failed.
	ErrJobFailed = errors.New("job failed on server")
)

// ExportError wraps the cause of a failed export with its location.
type ExportError struct {
	Module string
	Page   int
	Stage  Stage
	Err    error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("%s: module %s page %d %s: %v", ErrExportFailed, e.Module, e.Page, e.Stage, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrExportFailed) hold for every ExportError.
func (e *ExportError) Is(target error) bool { return target == ErrExportFailed }

// JobState is the client-side lifecycle of one page cycle.
type JobState int

const (
	StateCreated JobState = iota
	StatePolling
	StateCompleted
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("JobState(%d)", int(s))
}

type event int

const (
	eventSubmitted event = iota
	eventPending
	eventReady
	eventError
)

// transition returns the next state or an error for an event the state does not accept.
func transition(s JobState, ev event) (JobState, error) {
	switch {
	case ev == eventError && s != StateFailed:
		return StateFailed, nil
	case s == StateCreated && ev == eventSubmitted:
		return StatePolling, nil
	case s == StatePolling && ev == eventPending:
		return StatePolling, nil
	case s == StatePolling && ev == eventReady:
		return StateCompleted, nil
	}
	return s, fmt.Errorf("illegal transition from %s on event %d", s, ev)
}

// pageCycle is the per-page state of one create, poll and download round.
type pageCycle struct {
	Page        int
	State       JobState
	ServerJobID string
	MoreRecords bool
}

func (c *pageCycle) fire(ev event) error {
	next, err := transition(c.State, ev)
	if err != nil {
		return err
	}
	c.State = next
	return nil
}
