package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics tracks the synchronization pipeline end to end.
type PipelineMetrics struct {
	accountsSynced     *prometheus.CounterVec
	batchDuration      prometheus.Histogram
	queueJobs          *prometheus.CounterVec
	consentTransitions *prometheus.CounterVec
	eventsDeferred     prometheus.Counter
	httpRequests       *prometheus.CounterVec
	httpLatency        *prometheus.HistogramVec
}

var (
	pipelineOnce     sync.Once
	pipelineRegistry *PipelineMetrics
)

// Pipeline returns the lazily-initialised pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	pipelineOnce.Do(func() {
		pipelineRegistry = &PipelineMetrics{
			accountsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "receptor",
				Subsystem: "sync",
				Name:      "accounts_total",
				Help:      "Count of account synchronizations segmented by outcome.",
			}, []string{"outcome"}),
			batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "receptor",
				Subsystem: "sync",
				Name:      "batch_duration_seconds",
				Help:      "Wall time of one processed batch.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			}),
			queueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "receptor",
				Subsystem: "queue",
				Name:      "jobs_total",
				Help:      "Count of queue jobs reaching a status.",
			}, []string{"status"}),
			consentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "receptor",
				Subsystem: "consent",
				Name:      "transitions_total",
				Help:      "Count of consent status transitions by target status.",
			}, []string{"status"}),
			eventsDeferred: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "receptor",
				Subsystem: "events",
				Name:      "deferred_total",
				Help:      "Count of events that fell back to the outbox.",
			}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "receptor",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Count of inbound HTTP requests by route and status class.",
			}, []string{"method", "route", "status"}),
			httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "receptor",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency of inbound HTTP requests by route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			pipelineRegistry.accountsSynced,
			pipelineRegistry.batchDuration,
			pipelineRegistry.queueJobs,
			pipelineRegistry.consentTransitions,
			pipelineRegistry.eventsDeferred,
			pipelineRegistry.httpRequests,
			pipelineRegistry.httpLatency,
		)
	})
	return pipelineRegistry
}

// RecordAccountSync increments the per-outcome sync counter.
func (m *PipelineMetrics) RecordAccountSync(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.accountsSynced.WithLabelValues(outcome).Inc()
}

// ObserveBatchDuration records one batch's wall time.
func (m *PipelineMetrics) ObserveBatchDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}

// RecordQueueJob increments the per-status job counter.
func (m *PipelineMetrics) RecordQueueJob(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.queueJobs.WithLabelValues(strings.ToUpper(status)).Inc()
}

// RecordConsentTransition increments the transition counter for the target
// status.
func (m *PipelineMetrics) RecordConsentTransition(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.consentTransitions.WithLabelValues(strings.ToUpper(status)).Inc()
}

// RecordEventDeferred counts an outbox fallback.
func (m *PipelineMetrics) RecordEventDeferred() {
	if m == nil {
		return
	}
	m.eventsDeferred.Inc()
}

// RecordHTTPRequest counts one handled request.
func (m *PipelineMetrics) RecordHTTPRequest(method, route string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.httpRequests.WithLabelValues(method, route, class).Inc()
	m.httpLatency.WithLabelValues(route).Observe(latency.Seconds())
}
