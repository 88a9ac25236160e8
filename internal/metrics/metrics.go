// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

var (
	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkread_jobs_created_total",
		Help: "Bulk-read jobs created, one per page.",
	}, []string{"module"})

	JobPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkread_job_polls_total",
		Help: "Job status polls by reported state.",
	}, []string{"module", "state"})

	PagesExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkread_pages_exported_total",
		Help: "Pages downloaded and unpacked.",
	}, []string{"module"})

	RowsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkread_rows_exported_total",
		Help: "Data rows written to page files.",
	}, []string{"module"})

	Exports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkread_exports_total",
		Help: "Module exports by outcome.",
	}, []string{"module", "status"}) // status: completed, failed

	PageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulkread_page_duration_seconds",
		Help:    "Time from job creation to unpacked page file.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"module"})
)

// StartMetricsServer exposes /metrics on addr in the background.
func StartMetricsServer(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("Metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
}

// Push sends the default registry to a Prometheus Pushgateway, grouped by run id.
func Push(url, job, runID string) error {
	err := push.New(url, job).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("run_id", runID).
		Push()
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
