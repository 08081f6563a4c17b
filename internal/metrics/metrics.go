// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "pbs_gestor_"

// Outcome labels for Batches.
const (
	OutcomeCommitted = "committed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

var (
	LinesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "lines_read_total",
		Help: "Complete accounting log lines handed to the parser",
	})

	RecordsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "records_skipped_total",
		Help: "Records parsed but intentionally not stored, such as license records",
	})

	Rejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "rejects_total",
		Help: "Lines that failed to parse, grouped by error kind",
	}, []string{"kind"})

	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "batches_total",
		Help: "Batch write attempts grouped by outcome",
	}, []string{"outcome"})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    prefix + "batch_write_seconds",
		Help:    "Time taken to commit one batch",
		Buckets: prometheus.DefBuckets,
	})

	CommittedOffset = promauto.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "committed_offset_bytes",
		Help: "Last committed byte offset in the current file",
	})

	LagBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "lag_bytes",
		Help: "Bytes in the current file not yet committed",
	})

	Rollovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "rollovers_total",
		Help: "Day rollovers performed while tailing",
	})

	ViewRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "view_rebuilds_total",
		Help: "Times the pivot views were dropped and recreated",
	})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "api_requests_total",
		Help: "Status API requests by route pattern and status code",
	}, []string{"route", "code"})

	APIPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "api_panics_total",
		Help: "Status API handlers that panicked",
	})
)
