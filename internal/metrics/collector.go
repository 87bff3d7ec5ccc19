// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates all service metrics.
type Collector struct {
	registry *prometheus.Registry

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Image operations
	imageCreatesTotal *prometheus.CounterVec
	editsTotal        *prometheus.CounterVec
	editDuration      *prometheus.HistogramVec

	// Materialization workflow
	workflowStepsTotal *prometheus.CounterVec
	workflowRetries    prometheus.Counter

	// Transcription
	transcriptTurnsTotal   *prometheus.CounterVec
	transcriptTurnsDropped prometheus.Counter
	liveStreamsOpen        prometheus.Gauge
}

// NewCollector creates a collector with its own registry so tests can
// instantiate it freely.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{registry: registry}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.imageCreatesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_creates_total",
			Help:      "Total number of image creation requests",
		},
		[]string{"status"},
	)

	c.editsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edits_total",
			Help:      "Total number of edit requests",
		},
		[]string{"source", "status"}, // source: http, speech
	)

	c.editDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "edit_duration_seconds",
			Help:      "End-to-end edit duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	c.workflowStepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Total materialization workflow step executions",
		},
		[]string{"step", "status"},
	)

	c.workflowRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_retries_total",
			Help:      "Total materialization step retries",
		},
	)

	c.transcriptTurnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_turns_total",
			Help:      "Total completed transcript turns",
		},
		[]string{"outcome"}, // dispatched, dropped, empty
	)

	c.transcriptTurnsDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_turns_dropped_total",
			Help:      "Transcript turns discarded because an edit was in flight",
		},
	)

	c.liveStreamsOpen = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_streams_open",
			Help:      "Currently open upstream transcription streams",
		},
	)

	return c
}

// Handler returns the /metrics HTTP handler for this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordImageCreate records one image creation attempt.
func (c *Collector) RecordImageCreate(status string) {
	c.imageCreatesTotal.WithLabelValues(status).Inc()
}

// RecordEdit records one edit attempt and its duration.
func (c *Collector) RecordEdit(source, status string, duration time.Duration) {
	c.editsTotal.WithLabelValues(source, status).Inc()
	c.editDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordWorkflowStep records one workflow step execution.
func (c *Collector) RecordWorkflowStep(step, status string) {
	c.workflowStepsTotal.WithLabelValues(step, status).Inc()
}

// RecordWorkflowRetry records one step retry.
func (c *Collector) RecordWorkflowRetry() {
	c.workflowRetries.Inc()
}

// RecordTranscriptTurn records the outcome of one completed turn.
func (c *Collector) RecordTranscriptTurn(outcome string) {
	c.transcriptTurnsTotal.WithLabelValues(outcome).Inc()
	if outcome == "dropped" {
		c.transcriptTurnsDropped.Inc()
	}
}

// LiveStreamOpened tracks a newly opened upstream transcription stream.
func (c *Collector) LiveStreamOpened() { c.liveStreamsOpen.Inc() }

// LiveStreamClosed tracks a closed upstream transcription stream.
func (c *Collector) LiveStreamClosed() { c.liveStreamsOpen.Dec() }
