// Package metrics exposes Prometheus counters for the job lifecycle.
//
// Metrics:
//
//	studyflow_uploads_total{outcome}         started, succeeded, failed, cancelled
//	studyflow_upload_bytes_total             bytes streamed to the create endpoint
//	studyflow_snapshots_total{result}        applied, unchanged, dropped
//	studyflow_channel_reconnects_total       reconnect attempts scheduled
//	studyflow_channels_open                  push channels currently open
//	studyflow_results_fetches_total{outcome} fetched, not_found, error
//
// Each Collector owns its own registry so several can coexist in one process.
// All methods are safe on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values.
const (
	OutcomeStarted   = "started"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"

	SnapshotApplied   = "applied"
	SnapshotUnchanged = "unchanged"
	SnapshotDropped   = "dropped"

	ResultsFetched  = "fetched"
	ResultsNotFound = "not_found"
	ResultsError    = "error"
)

// Collector holds the lifecycle metrics.
type Collector struct {
	registry *prometheus.Registry

	uploads      *prometheus.CounterVec
	uploadBytes  prometheus.Counter
	snapshots    *prometheus.CounterVec
	reconnects   prometheus.Counter
	channelsOpen prometheus.Gauge
	results      *prometheus.CounterVec
}

// NewCollector creates a collector with a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyflow_uploads_total",
			Help: "Upload attempts by outcome",
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studyflow_upload_bytes_total",
			Help: "Bytes streamed to the job creation endpoint",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyflow_snapshots_total",
			Help: "Push channel snapshots by result",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studyflow_channel_reconnects_total",
			Help: "Push channel reconnect attempts scheduled",
		}),
		channelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "studyflow_channels_open",
			Help: "Push channels currently open",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyflow_results_fetches_total",
			Help: "Results fetches by outcome",
		}, []string{"outcome"}),
	}

	c.registry.MustRegister(
		c.uploads,
		c.uploadBytes,
		c.snapshots,
		c.reconnects,
		c.channelsOpen,
		c.results,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordUpload counts an upload outcome.
func (c *Collector) RecordUpload(outcome string) {
	if c == nil {
		return
	}
	c.uploads.WithLabelValues(outcome).Inc()
}

// AddUploadBytes adds streamed bytes.
func (c *Collector) AddUploadBytes(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.uploadBytes.Add(float64(n))
}

// RecordSnapshot counts one inbound snapshot.
func (c *Collector) RecordSnapshot(result string) {
	if c == nil {
		return
	}
	c.snapshots.WithLabelValues(result).Inc()
}

// RecordReconnect counts a scheduled reconnect.
func (c *Collector) RecordReconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// ChannelOpened increments the open channel gauge.
func (c *Collector) ChannelOpened() {
	if c == nil {
		return
	}
	c.channelsOpen.Inc()
}

// ChannelClosed decrements the open channel gauge.
func (c *Collector) ChannelClosed() {
	if c == nil {
		return
	}
	c.channelsOpen.Dec()
}

// RecordResults counts a results fetch outcome.
func (c *Collector) RecordResults(outcome string) {
	if c == nil {
		return
	}
	c.results.WithLabelValues(outcome).Inc()
}
