// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

// Package metrics exposes Prometheus instrumentation for the ingest API
// and the stream worker: request latency, ingest outcomes, batch flush
// performance, stream backlog, and dead-letter volume.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP Metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_active_requests",
			Help: "Current number of in-flight HTTP requests",
		},
	)

	// Ingest Metrics
	IngestAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_events_accepted_total",
			Help: "Total number of events accepted for processing",
		},
	)

	IngestDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_events_duplicate_total",
			Help: "Total number of events rejected as duplicates within the dedup window",
		},
	)

	IngestRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_rejected_total",
			Help: "Total number of events rejected before reaching the stream",
		},
		[]string{"reason"}, // "validation", "stream_error", "dedup_error"
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_batch_size",
			Help:    "Number of events per batch ingest request",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Worker Metrics
	WorkerBatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_batch_flush_duration_seconds",
			Help:    "Duration of a worker batch flush (bulk insert plus ack)",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerBatchFlushSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_batch_flush_size",
			Help:    "Number of events per worker batch flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		},
	)

	WorkerEventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_events_processed_total",
			Help: "Total number of events durably stored and acknowledged",
		},
	)

	WorkerFlushErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_flush_errors_total",
			Help: "Total number of failed batch flushes",
		},
	)

	WorkerClaimedEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_claimed_entries_total",
			Help: "Total number of stale pending entries reclaimed from dead consumers",
		},
	)

	StreamPendingEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_pending_entries",
			Help: "Current number of unacknowledged entries in the consumer group",
		},
	)

	StreamLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_length",
			Help: "Current number of entries in the event stream",
		},
	)

	// DLQ Metrics
	DLQEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_entries_total",
			Help: "Total number of events written to the dead letter queue",
		},
		[]string{"reason"}, // "poison", "insert_failed", "max_retries"
	)

	// Circuit Breaker Metrics
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "event_store_breaker_state",
			Help: "Event store circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).
		Observe(duration.Seconds())
}

// TrackActiveRequest adjusts the in-flight request gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		HTTPActiveRequests.Inc()
	} else {
		HTTPActiveRequests.Dec()
	}
}

// RecordIngest records the outcome of a single event ingest.
func RecordIngest(accepted, duplicate bool) {
	switch {
	case duplicate:
		IngestDuplicates.Inc()
	case accepted:
		IngestAccepted.Inc()
	}
}

// RecordIngestRejection records an event rejected before the stream.
func RecordIngestRejection(reason string) {
	IngestRejected.WithLabelValues(reason).Inc()
}

// RecordBatchFlush records a completed worker flush.
func RecordBatchFlush(size int, duration time.Duration, err error) {
	if err != nil {
		WorkerFlushErrors.Inc()
		return
	}
	WorkerBatchFlushDuration.Observe(duration.Seconds())
	WorkerBatchFlushSize.Observe(float64(size))
	WorkerEventsProcessed.Add(float64(size))
}

// RecordClaimedEntries records reclaimed stale pending entries.
func RecordClaimedEntries(n int) {
	if n > 0 {
		WorkerClaimedEntries.Add(float64(n))
	}
}

// RecordDLQEntry records an event dead-lettered for the given reason.
func RecordDLQEntry(reason string) {
	DLQEntries.WithLabelValues(reason).Inc()
}

// UpdateStreamGauges refreshes the stream depth gauges.
func UpdateStreamGauges(length, pending int64) {
	StreamLength.Set(float64(length))
	StreamPendingEntries.Set(float64(pending))
}
