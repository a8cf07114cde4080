// Package metrics holds the Prometheus collectors shared by the engine and worker processes.
//
// All recording methods are safe on a nil *Metrics so packages can be exercised without a registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blockflow"

type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	jobsEnqueued    *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	jobsClaimed     prometheus.Counter
	jobsReaped      prometheus.Counter
	jobDuration     prometheus.Histogram
	cleanupDeleted  prometheus.Counter
	syncActive      prometheus.Gauge
	syncRejected    *prometheus.CounterVec
	webhookRequests *prometheus.CounterVec
	streamClients   prometheus.Gauge
	blockDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by service, method and status.",
		}, []string{"service", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method"}),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Async jobs admitted, by trigger type.",
		}, []string{"trigger"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Async jobs that reached a terminal status.",
		}, []string{"status"}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Async jobs claimed by workers.",
		}),
		jobsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reaped_total",
			Help:      "Processing jobs failed by the lease reaper.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from claim to terminal status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600, 1800},
		}),
		cleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cleanup_deleted_total",
			Help:      "Job rows removed by the retention sweep.",
		}),
		syncActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_executions_active",
			Help:      "Synchronous executions currently running.",
		}),
		syncRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_executions_rejected_total",
			Help:      "Synchronous executions rejected at admission.",
		}, []string{"reason"}),
		webhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Inbound webhook requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "execution_stream_clients",
			Help:      "Connected execution stream clients.",
		}),
		blockDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "block_duration_seconds",
			Help:      "Block evaluation latency by block type and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "outcome"}),
	}
	reg.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.jobsEnqueued,
		m.jobsFinished,
		m.jobsClaimed,
		m.jobsReaped,
		m.jobDuration,
		m.cleanupDeleted,
		m.syncActive,
		m.syncRejected,
		m.webhookRequests,
		m.streamClients,
		m.blockDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(service, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(service, method).Observe(d.Seconds())
}

func (m *Metrics) JobEnqueued(trigger string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(trigger).Inc()
}

func (m *Metrics) JobFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
	if d > 0 {
		m.jobDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) JobClaimed() {
	if m == nil {
		return
	}
	m.jobsClaimed.Inc()
}

func (m *Metrics) JobsReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobsReaped.Add(float64(n))
}

func (m *Metrics) CleanupDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupDeleted.Add(float64(n))
}

func (m *Metrics) SetSyncActive(n int) {
	if m == nil {
		return
	}
	m.syncActive.Set(float64(n))
}

func (m *Metrics) SyncRejected(reason string) {
	if m == nil {
		return
	}
	m.syncRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) WebhookRequest(provider, outcome string) {
	if m == nil {
		return
	}
	if provider == "" {
		provider = "unknown"
	}
	m.webhookRequests.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) StreamClientDelta(delta int) {
	if m == nil {
		return
	}
	m.streamClients.Add(float64(delta))
}

func (m *Metrics) ObserveBlock(blockType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.blockDuration.WithLabelValues(blockType, outcome).Observe(d.Seconds())
}
