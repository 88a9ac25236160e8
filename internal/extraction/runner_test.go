// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/netSkope/crm-bulk-extractor/internal/bulkread"
	"github.com/netSkope/crm-bulk-extractor/internal/config"
	"github.com/netSkope/crm-bulk-extractor/internal/exporter"
	"github.com/netSkope/crm-bulk-extractor/internal/filter"
	"github.com/netSkope/crm-bulk-extractor/internal/store"
	"go.uber.org/zap/zaptest"
)

// moduleAPI completes every job on the first poll. Job ids are "<module>:<page>".
type moduleAPI struct {
	mu      sync.Mutex
	pages   map[string]int // pages per module
	fail    map[string]error
	creates []bulkread.CreateJobRequest
}

func (m *moduleAPI) CreateJob(_ context.Context, req bulkread.CreateJobRequest) (*bulkread.JobDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates = append(m.creates, req)
	if err := m.fail[req.Query.Module]; err != nil {
		return nil, err
	}
	return &bulkread.JobDetail{ID: fmt.Sprintf("%s:%d", req.Query.Module, req.Query.Page), State: bulkread.StateAdded}, nil
}

func (m *moduleAPI) GetJob(_ context.Context, id string) (*bulkread.JobDetail, error) {
	module, page := splitID(id)
	more := page < m.pages[module]
	return &bulkread.JobDetail{
		ID:     id,
		State:  bulkread.StateCompleted,
		Result: &bulkread.Result{Page: page, MoreRecords: &more},
	}, nil
}

func (m *moduleAPI) DownloadResult(_ context.Context, id string) (*bulkread.ResultFile, error) {
	module, page := splitID(id)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(fmt.Sprintf("%s_%d.csv", strings.ToLower(module), page))
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(w, "Id,Name\n%d,%s\n", page, module)
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &bulkread.ResultFile{Name: id + ".zip", Body: io.NopCloser(&buf)}, nil
}

func splitID(id string) (string, int) {
	i := strings.LastIndex(id, ":")
	var page int
	fmt.Sscanf(id[i+1:], "%d", &page)
	return id[:i], page
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeUploader) UploadFileWithRetry(_ context.Context, filePath, key string) error {
	if _, err := os.Stat(filePath); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeUploader) URI(key string) string { return "s3://bucket/" + key }

type fakeLedger struct {
	mu      sync.Mutex
	records []store.PageRecord
}

func (f *fakeLedger) RecordPage(_ context.Context, rec store.PageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func TestProcessExports(t *testing.T) {
	api := &moduleAPI{pages: map[string]int{"Leads": 2, "Deals": 1}}
	up := &fakeUploader{}
	ledger := &fakeLedger{}
	dest := t.TempDir()

	deps := Deps{
		Exporter:          exporter.NewExporter(api, zaptest.NewLogger(t)),
		Uploader:          up,
		S3Prefix:          "crm",
		Ledger:            ledger,
		DestinationFolder: dest,
		MaxParallel:       2,
		Logger:            zaptest.NewLogger(t),
	}
	exports := []config.Export{
		{Module: "Leads", FileNamePrefix: "leads"},
		{Module: "Deals", FileNamePrefix: "deals", Fields: []string{"Id", "Name"}},
	}

	outcomes, err := ProcessExports(context.Background(), "run-1", exports, deps)
	if err != nil {
		t.Fatalf("ProcessExports() error = %v", err)
	}
	if len(outcomes) != 2 || outcomes[0].Module != "Leads" || outcomes[1].Module != "Deals" {
		t.Fatalf("outcomes not in configuration order: %+v", outcomes)
	}

	leads := outcomes[0]
	if len(leads.Result.Pages) != 2 {
		t.Fatalf("Leads pages = %d, want 2", len(leads.Result.Pages))
	}
	if leads.Folder != filepath.Join(dest, "Leads") {
		t.Errorf("Leads folder = %s", leads.Folder)
	}
	wantKeys := []string{"crm/run-1/Leads/leads_1.csv", "crm/run-1/Leads/leads_2.csv"}
	if diff := cmp.Diff(wantKeys, leads.S3Keys); diff != "" {
		t.Errorf("Leads keys mismatch (-want +got):\n%s", diff)
	}
	if got := leads.URIs(up); got[0] != "s3://bucket/crm/run-1/Leads/leads_1.csv" {
		t.Errorf("URIs() = %v", got)
	}

	data, err := os.ReadFile(filepath.Join(dest, "Deals", "deals_1.csv"))
	if err != nil {
		t.Fatalf("failed to read page file: %v", err)
	}
	if string(data) != "1,Deals\n" {
		t.Errorf("page content = %q", data)
	}

	if len(ledger.records) != 3 {
		t.Fatalf("ledger records = %d, want 3", len(ledger.records))
	}
	for _, r := range ledger.records {
		if r.RunID != "run-1" || r.S3Key == "" || r.RowCount != 1 {
			t.Errorf("unexpected ledger record %+v", r)
		}
		if diff := cmp.Diff([]string{"Id", "Name"}, r.FieldNames); diff != "" {
			t.Errorf("field names mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestProcessExports_FailureIsReturned(t *testing.T) {
	cause := &bulkread.APIError{Code: "INVALID_MODULE", Message: "the module name given seems to be invalid"}
	api := &moduleAPI{
		pages: map[string]int{"Leads": 1},
		fail:  map[string]error{"Unknown": cause},
	}
	deps := Deps{
		Exporter:          exporter.NewExporter(api, zaptest.NewLogger(t)),
		DestinationFolder: t.TempDir(),
		MaxParallel:       1,
		Logger:            zaptest.NewLogger(t),
	}

	_, err := ProcessExports(context.Background(), NewRunID(), []config.Export{{Module: "Unknown"}, {Module: "Leads"}}, deps)
	if !errors.Is(err, exporter.ErrExportFailed) {
		t.Fatalf("error = %v, want ErrExportFailed", err)
	}
	var apiErr *bulkread.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "INVALID_MODULE" {
		t.Errorf("error = %v, want APIError INVALID_MODULE", err)
	}
}

func TestProcessExports_UploadFailure(t *testing.T) {
	api := &moduleAPI{pages: map[string]int{"Leads": 1}}
	deps := Deps{
		Exporter:          exporter.NewExporter(api, zaptest.NewLogger(t)),
		Uploader:          &fakeUploader{err: errors.New("AccessDenied")},
		DestinationFolder: t.TempDir(),
		Logger:            zaptest.NewLogger(t),
	}
	_, err := ProcessExports(context.Background(), "run-1", []config.Export{{Module: "Leads"}}, deps)
	if err == nil || !strings.Contains(err.Error(), "AccessDenied") {
		t.Errorf("error = %v, want upload failure", err)
	}
}

func TestJobFromExport_Filters(t *testing.T) {
	now := func() time.Time { return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC) }

	inline := config.Export{
		Module: "Leads",
		Filter: map[string]any{
			"field_name": "Lead_Source",
			"comparator": "equal",
			"value":      "Web",
		},
	}
	job, err := JobFromExport(inline, "/data", now)
	if err != nil {
		t.Fatalf("JobFromExport() error = %v", err)
	}
	if job.DestinationFolder != filepath.Join("/data", "Leads") {
		t.Errorf("destination = %s", job.DestinationFolder)
	}
	c, ok := job.Filter.(*filter.Criterion)
	if !ok || c.Field() != "Lead_Source" {
		t.Errorf("filter = %v", job.Filter)
	}

	path := filepath.Join(t.TempDir(), "filter.yaml")
	doc := "group_operator: and\ngroup:\n  - field_name: Modified_Time\n    comparator: greater_than\n    value: \"2024-01-01 00:00:00\"\n    parse_date: true\n  - field_name: Status\n    comparator: in\n    value: [Open, Won]\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("failed to write filter file: %v", err)
	}
	job, err = JobFromExport(config.Export{Module: "Deals", FilterFile: path}, "/data", now)
	if err != nil {
		t.Fatalf("JobFromExport() error = %v", err)
	}
	if g, ok := job.Filter.(*filter.Group); !ok || len(g.Children()) != 2 {
		t.Errorf("filter = %v", job.Filter)
	}

	bad := config.Export{Module: "Leads", Filter: map[string]any{"field_name": "x"}}
	if _, err := JobFromExport(bad, "/data", now); !errors.Is(err, filter.ErrInvalidDeclaration) {
		t.Errorf("error = %v, want ErrInvalidDeclaration", err)
	}
	if _, err := JobFromExport(config.Export{Module: "Leads", FilterFile: "/missing.yaml"}, "/data", now); err == nil {
		t.Error("expected error for missing filter file")
	}
}

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("NewRunID() = %q is not a uuid: %v", id, err)
	}
	if id == NewRunID() {
		t.Error("NewRunID() returned the same id twice")
	}
}
