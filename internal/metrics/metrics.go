// Package metrics exposes Prometheus instrumentation for the redline workflow.
package metrics

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/svcerror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace      = "fieldops"
	outcomeSuccess = "success"
)

// Recorder counts and times workflow operations.
type Recorder struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

// NewRecorder builds a Recorder on a private registry that also carries the Go and process collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redline",
		Name:      "operations_total",
		Help:      "Redline workflow operations by outcome.",
	}, []string{"operation", "outcome"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "redline",
		Name:      "operation_duration_seconds",
		Help:      "Latency of redline workflow operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
	registry.MustRegister(
		operations,
		durations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Recorder{registry: registry, operations: operations, durations: durations}
}

// ObserveOperation records one finished operation. A nil err counts as success,
// otherwise the outcome is the service error kind.
func (r *Recorder) ObserveOperation(operation string, err error, elapsed time.Duration) {
	outcome := outcomeSuccess
	if err != nil {
		outcome = string(svcerror.KindOf(err))
	}
	r.operations.WithLabelValues(operation, outcome).Inc()
	r.durations.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
