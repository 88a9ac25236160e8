// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package bulkread

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewClient(server.URL, server.Client(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "/relative/only"} {
		if _, err := NewClient(u, nil, nil); err == nil {
			t.Errorf("NewClient(%q) expected error", u)
		}
	}
}

func TestCreateJob(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/crm/bulk/v2/read" {
			t.Errorf("Expected /crm/bulk/v2/read, got %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %s", ct)
		}

		var req CreateJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Query.Module != "Leads" || req.Query.Page != 2 || req.FileType != "csv" {
			t.Errorf("unexpected request %+v", req)
		}
		if req.Query.Criteria == nil || req.Query.Criteria.APIName != "Lead_Source" {
			t.Errorf("criteria not sent: %+v", req.Query.Criteria)
		}

		writeJSON(w, http.StatusCreated, `{"data":[{"status":"success","code":"ADDED_SUCCESSFULLY",
			"message":"Added successfully.","details":{"id":2883756000003143001,"operation":"read",
			"state":"ADDED","created_time":"2024-03-15T10:00:00+00:00"}}],"info":{}}`)
	})

	job, err := c.CreateJob(context.Background(), CreateJobRequest{Query: Query{
		Module:   "Leads",
		Page:     2,
		Criteria: &Criteria{APIName: "Lead_Source", Comparator: "equal", Value: "Web"},
	}})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if job.ID != "2883756000003143001" {
		t.Errorf("ID = %s, want 2883756000003143001", job.ID)
	}
	if job.State != StateAdded || job.Operation != "read" {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestCreateJob_BusinessErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{
			name:     "error in data element",
			status:   http.StatusBadRequest,
			body:     `{"data":[{"status":"error","code":"INVALID_DATA","message":"invalid field","details":{"api_name":"Foo"}}]}`,
			wantCode: "INVALID_DATA",
		},
		{
			name:     "top level error",
			status:   http.StatusBadRequest,
			body:     `{"status":"error","code":"INVALID_MODULE","message":"the module name given seems to be invalid","details":{}}`,
			wantCode: "INVALID_MODULE",
		},
		{
			name:     "unauthorized without body",
			status:   http.StatusUnauthorized,
			body:     ``,
			wantCode: "Unauthorized",
		},
		{
			name:     "non-success status with 200",
			status:   http.StatusOK,
			body:     `{"data":[{"status":"error","code":"LIMIT_EXCEEDED","message":"too many jobs","details":{}}]}`,
			wantCode: "LIMIT_EXCEEDED",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			_, err := c.CreateJob(context.Background(), CreateJobRequest{Query: Query{Module: "Leads", Page: 1}})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("CreateJob() error = %v, want *APIError", err)
			}
			if apiErr.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", apiErr.Code, tt.wantCode)
			}
			if apiErr.HTTPStatus != tt.status {
				t.Errorf("HTTPStatus = %d, want %d", apiErr.HTTPStatus, tt.status)
			}
			if IsTransportError(err) {
				t.Error("business error must not be a transport error")
			}
		})
	}
}

func TestCreateJob_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c, err := NewClient(url, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	_, err = c.CreateJob(context.Background(), CreateJobRequest{Query: Query{Module: "Leads", Page: 1}})
	if !IsTransportError(err) {
		t.Fatalf("CreateJob() error = %v, want transport error", err)
	}
	if IsBusinessError(err) {
		t.Error("transport error must not be a business error")
	}
}

func TestGetJob(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/crm/bulk/v2/read/111" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, http.StatusOK, `{"data":[{"id":"111","operation":"read","state":"COMPLETED",
			"query":{"module":"Leads","page":1},
			"result":{"page":1,"count":3,"download_url":"/crm/bulk/v2/read/111/result","per_page":200000,"more_records":false},
			"created_by":{"id":2883756000000113001,"name":"Patricia Boyle"},
			"created_time":"2024-03-15T10:00:00+00:00","file_type":"csv"}]}`)
	})

	job, err := c.GetJob(context.Background(), "111")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if !job.State.Completed() {
		t.Errorf("State = %s, want completed", job.State)
	}
	if job.Result == nil || job.Result.MoreRecords == nil || *job.Result.MoreRecords {
		t.Errorf("Result = %+v, want more_records false", job.Result)
	}
	if job.Result.Count != 3 {
		t.Errorf("Count = %d, want 3", job.Result.Count)
	}
	if job.CreatedBy == nil || job.CreatedBy.ID != "2883756000000113001" {
		t.Errorf("CreatedBy = %+v", job.CreatedBy)
	}
}

func TestGetJob_NoContent(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusNotModified} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		if _, err := c.GetJob(context.Background(), "111"); !errors.Is(err, ErrNoContent) {
			t.Errorf("status %d: error = %v, want ErrNoContent", status, err)
		}
	}
}

func TestGetJob_MalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"data":[`)
	})
	_, err := c.GetJob(context.Background(), "111")
	if !IsTransportError(err) {
		t.Errorf("error = %v, want transport error", err)
	}
}

func TestDownloadResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/crm/bulk/v2/read/111/result" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="111.zip"`)
		io.WriteString(w, "PK-archive-bytes")
	})

	file, err := c.DownloadResult(context.Background(), "111")
	if err != nil {
		t.Fatalf("DownloadResult() error = %v", err)
	}
	defer file.Body.Close()
	data, _ := io.ReadAll(file.Body)
	if file.Name != "111.zip" || string(data) != "PK-archive-bytes" {
		t.Errorf("got %s %q", file.Name, data)
	}
}

func TestDownloadResult_Errors(t *testing.T) {
	t.Run("no content", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		if _, err := c.DownloadResult(context.Background(), "111"); !errors.Is(err, ErrNoContent) {
			t.Errorf("error = %v, want ErrNoContent", err)
		}
	})
	t.Run("json error body", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, `{"status":"error","code":"RESOURCE_NOT_FOUND","message":"job not found","details":{}}`)
		})
		_, err := c.DownloadResult(context.Background(), "111")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "RESOURCE_NOT_FOUND" {
			t.Errorf("error = %v, want RESOURCE_NOT_FOUND", err)
		}
	})
	t.Run("json instead of archive", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"data":[]}`)
		})
		_, err := c.DownloadResult(context.Background(), "111")
		if !IsBusinessError(err) {
			t.Errorf("error = %v, want business error", err)
		}
	})
}

func TestState(t *testing.T) {
	tests := []struct {
		in                State
		completed, failed bool
	}{
		{"COMPLETED", true, false},
		{"completed", true, false},
		{"IN PROGRESS", false, false},
		{"IN_PROGRESS", false, false},
		{"FAILURE", false, true},
		{"failed", false, true},
		{"QUEUED", false, false},
	}
	for _, tt := range tests {
		if got := tt.in.Completed(); got != tt.completed {
			t.Errorf("%q.Completed() = %v", tt.in, got)
		}
		if got := tt.in.Failed(); got != tt.failed {
			t.Errorf("%q.Failed() = %v", tt.in, got)
		}
	}
	if StateInProgress != State("IN_PROGRESS").Normalize() {
		t.Error("IN_PROGRESS should normalize to IN PROGRESS")
	}
}

func TestLookupDataCenter(t *testing.T) {
	dc, err := LookupDataCenter(" eu ")
	if err != nil {
		t.Fatalf("LookupDataCenter() error = %v", err)
	}
	want := DataCenter{Code: "EU", APIURL: "https://www.zohoapis.eu", AccountsURL: "https://accounts.zoho.eu"}
	if diff := cmp.Diff(want, dc); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if _, err := LookupDataCenter("MARS"); err == nil {
		t.Error("expected error for unknown data center")
	}
}
