// Package metrics registers the Prometheus collectors shared by the gateway
// and the workers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsSubmitted counts jobs created by the gateway.
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "moderation_jobs_submitted_total",
			Help: "Moderation jobs accepted by the gateway",
		},
	)

	// JobTransitions counts committed state changes.
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_job_transitions_total",
			Help: "Committed moderation job state transitions",
		},
		[]string{"from", "to"},
	)

	// ClassifierDuration tracks classifier call latency by outcome.
	ClassifierDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moderation_classifier_duration_seconds",
			Help:    "Classifier call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"classifier", "outcome"},
	)

	// WorkersBusy is the number of workers currently holding a job.
	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "moderation_workers_busy",
			Help: "Workers currently processing a job",
		},
	)

	// SweeperRecovered counts jobs the sweeper put back in circulation.
	SweeperRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_sweeper_recovered_total",
			Help: "Jobs recovered by the sweeper by reason",
		},
		[]string{"reason"},
	)

	// HTTPRequests counts gateway requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_http_requests_total",
			Help: "Gateway HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPDuration tracks gateway request latency.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moderation_http_request_duration_seconds",
			Help:    "Gateway HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// HTTPPanics counts handler panics caught by the gateway.
	HTTPPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_http_panics_total",
			Help: "Gateway handler panics by route",
		},
		[]string{"route"},
	)
)

// ObserveTransition records a committed from → to transition.
func ObserveTransition(from, to string) {
	JobTransitions.WithLabelValues(from, to).Inc()
}

// ObserveClassify records the duration of one classifier call.
func ObserveClassify(classifier, outcome string, d time.Duration) {
	ClassifierDuration.WithLabelValues(classifier, outcome).Observe(d.Seconds())
}

// ObserveHTTP records one served request.
func ObserveHTTP(method, route string, status int, d time.Duration) {
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer returns a standalone server exposing /metrics, used by the
// worker binary which has no other HTTP surface.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}
