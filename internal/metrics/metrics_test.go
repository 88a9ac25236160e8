// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(RowsExported.WithLabelValues("Metrics_Test"))
	RowsExported.WithLabelValues("Metrics_Test").Add(42)
	if got := testutil.ToFloat64(RowsExported.WithLabelValues("Metrics_Test")) - before; got != 42 {
		t.Errorf("rows delta = %v, want 42", got)
	}
}

func TestPush(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		path = r.Method + " " + r.URL.Path
		body = string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	JobsCreated.WithLabelValues("Leads").Inc()
	if err := Push(srv.URL, "crm-bulk-extractor", "run-1"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "PUT /metrics/job/crm-bulk-extractor/run_id/run-1" {
		t.Errorf("request = %q", path)
	}
	if body == "" {
		t.Error("expected metrics in request body")
	}
}

func TestPush_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := Push(srv.URL, "crm-bulk-extractor", "run-1"); err == nil {
		t.Error("expected error from failing pushgateway")
	}
}
