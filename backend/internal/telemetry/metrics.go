// Package telemetry holds the prometheus collectors for the persistence
// adapter, ingestion and the HTTP API. Collectors live on a private registry
// so tests and multiple servers in one process do not collide.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "layergraph"

// Metrics is safe to use as a nil pointer; every recorder is then a no-op
type Metrics struct {
	registry *prometheus.Registry

	// operationDuration measures adapter operations.
	// Labels: operation (store, retrieve, delete, ...), status (success, error)
	operationDuration *prometheus.HistogramVec

	// recordsWritten counts store writes by record kind.
	// Labels: kind (graph, layer, node, edge, relationship)
	recordsWritten *prometheus.CounterVec

	// recordsSkipped counts malformed records dropped during retrieval.
	// Labels: kind
	recordsSkipped *prometheus.CounterVec

	// recordsIngested counts records fed into a layered graph.
	// Labels: source (github, stream, llm), kind (node, edge)
	recordsIngested *prometheus.CounterVec

	// httpRequests counts API requests.
	// Labels: method, route, status
	httpRequests *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "operation_duration_seconds",
			Help:      "Persistence adapter operation latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation", "status"}),
		recordsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "records_written_total",
			Help:      "Records written to the graph store",
		}, []string{"kind"}),
		recordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "records_skipped_total",
			Help:      "Malformed records skipped while retrieving a graph",
		}, []string{"kind"}),
		recordsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Records added to layered graphs by ingestion",
		}, []string{"source", "kind"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP API requests",
		}, []string{"method", "route", "status"}),
	}
}

// Registry exposes the underlying registry for tests and custom exporters
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveOperation records the latency of an adapter operation started at start
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}

func (m *Metrics) RecordWritten(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsWritten.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) RecordSkipped(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsSkipped.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) RecordIngested(source, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsIngested.WithLabelValues(source, kind).Add(float64(n))
}

func (m *Metrics) RecordRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
