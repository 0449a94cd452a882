// Package metrics exposes Prometheus collectors for notifyd. Every method is
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notifyd"

// Result labels.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

type Metrics struct {
	reg *prometheus.Registry

	connsLive     prometheus.Gauge
	connsAdmitted prometheus.Counter
	connsRejected *prometheus.CounterVec
	connsEvicted  prometheus.Counter
	fanout        *prometheus.CounterVec
	botSends      *prometheus.CounterVec
	jobsScheduled prometheus.Counter
	jobsFired     *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		connsLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_live",
			Help: "Current number of authenticated receiver connections.",
		}),
		connsAdmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_admitted_total",
			Help: "Connections that passed the handshake.",
		}),
		connsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_rejected_total",
			Help: "Handshakes rejected, by reason.",
		}, []string{"reason"}),
		connsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_evicted_total",
			Help: "Connections evicted by the liveness probe.",
		}),
		fanout: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fanout_deliveries_total",
			Help: "Per-connection frame deliveries, by result.",
		}, []string{"result"}),
		botSends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bot_sends_total",
			Help: "Bot messages sent, by result.",
		}, []string{"result"}),
		jobsScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_scheduled_total",
			Help: "Delayed notifications submitted to the queue.",
		}),
		jobsFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_fired_total",
			Help: "Queue jobs processed, by result.",
		}, []string{"result"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Producer API requests.",
		}, []string{"path", "method", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "Producer API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
	}
}

// Handler serves the private registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Gatherer is exposed for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.reg }

func (m *Metrics) SetLive(n int) {
	if m == nil {
		return
	}
	m.connsLive.Set(float64(n))
}

func (m *Metrics) ConnAdmitted() {
	if m == nil {
		return
	}
	m.connsAdmitted.Inc()
}

func (m *Metrics) ConnRejected(reason string) {
	if m == nil {
		return
	}
	m.connsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConnEvicted() {
	if m == nil {
		return
	}
	m.connsEvicted.Inc()
}

func (m *Metrics) Fanout(delivered, failed int) {
	if m == nil {
		return
	}
	m.fanout.WithLabelValues(ResultOK).Add(float64(delivered))
	m.fanout.WithLabelValues(ResultFailed).Add(float64(failed))
}

func (m *Metrics) BotSend(ok bool) {
	if m == nil {
		return
	}
	m.botSends.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) JobScheduled() {
	if m == nil {
		return
	}
	m.jobsScheduled.Inc()
}

func (m *Metrics) JobFired(ok bool) {
	if m == nil {
		return
	}
	m.jobsFired.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) HTTPRequest(path, method string, status int, took time.Duration) {
	if m == nil {
		return
	}
	s := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(path, method, s).Inc()
	m.httpDuration.WithLabelValues(path, method, s).Observe(took.Seconds())
}

func result(ok bool) string {
	if ok {
		return ResultOK
	}
	return ResultFailed
}
