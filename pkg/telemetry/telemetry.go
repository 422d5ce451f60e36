// Package telemetry exposes the module's prometheus collectors and a small
// request-timing middleware. Collectors register on the default registry and
// are served by the /metrics endpoint.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsApplied counts realtime events applied to the page store, by
	// source table.
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabsync_events_applied_total",
		Help: "Realtime events applied to the page store.",
	}, []string{"table"})

	// EventsDropped counts events that were not applied, by reason
	// (unknown_table, decode, enrichment, queue_full, subscriber_full).
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabsync_events_dropped_total",
		Help: "Realtime events dropped before application.",
	}, []string{"reason"})

	// EventsUnmatched counts update events whose target record was not in
	// any loaded page. Those events are silently skipped; the counter keeps
	// the staleness observable.
	EventsUnmatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabsync_events_unmatched_total",
		Help: "Update events targeting records outside the loaded pages.",
	})

	// Rollbacks counts optimistic mutations rolled back after a failed
	// write.
	Rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabsync_optimistic_rollbacks_total",
		Help: "Optimistic mutations rolled back after a write failure.",
	})

	// PagesFetched counts historical pages successfully fetched.
	PagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabsync_pages_fetched_total",
		Help: "Historical pages fetched into the page store.",
	})

	// FetchRetries counts transient fetch failures that were retried.
	FetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabsync_fetch_retries_total",
		Help: "Transient historical fetch failures that were retried.",
	})

	// SweepOrphans gauges attachments whose parent message is still missing
	// after the last reconciliation sweep.
	SweepOrphans = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabsync_sweep_orphan_attachments",
		Help: "Attachments with no parent message after the last sweep.",
	})

	// SweepReattached counts attachments re-announced by the sweep once
	// their parent message appeared.
	SweepReattached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabsync_sweep_reattached_total",
		Help: "Attachments re-announced after their parent message arrived.",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collabsync_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})
)

// Middleware records request timing on the default registry.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		requestDuration.WithLabelValues(r.Method, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
