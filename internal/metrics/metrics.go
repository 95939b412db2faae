// Package metrics exposes Prometheus collectors for the relay service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	relayRequestsTotal        *prometheus.CounterVec
	relayFetchDurationSeconds prometheus.Histogram
	relayActiveWorkers        prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		relayRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_requests_total",
				Help: "Total number of processed fetch attempts, labeled by media kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		relayFetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_fetch_duration_seconds",
				Help:    "Histogram of content fetch latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		relayActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProcessed increments the attempt counter for a media kind and
// outcome. Failed attempts carry no kind; they are labeled "none".
func ObserveProcessed(kind string, outcome string) {
	if relayRequestsTotal == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	relayRequestsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveFetchDuration records one fetch latency sample.
func ObserveFetchDuration(d time.Duration) {
	if relayFetchDurationSeconds == nil {
		return
	}
	relayFetchDurationSeconds.Observe(d.Seconds())
}

// WorkerStarted marks a worker as busy.
func WorkerStarted() {
	if relayActiveWorkers == nil {
		return
	}
	relayActiveWorkers.Inc()
}

// WorkerFinished marks a worker as idle again.
func WorkerFinished() {
	if relayActiveWorkers == nil {
		return
	}
	relayActiveWorkers.Dec()
}
