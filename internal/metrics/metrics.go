// Package metrics exposes Prometheus collectors for sessions, requests and
// transport connections.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agterm"

// Metrics holds every collector on its own registry, so several instances can
// coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	SessionsLive     prometheus.Gauge
	SessionsStarted  *prometheus.CounterVec
	SessionsFinished *prometheus.CounterVec
	SessionDuration  *prometheus.HistogramVec
	SessionsRejected *prometheus.CounterVec
	OutputBytes      prometheus.Counter

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	HTTPRequests  *prometheus.CounterVec
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Sessions that have not reached a terminal state.",
		}),
		SessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions created, by tool.",
		}, []string{"tool"}),
		SessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Sessions that reached a terminal state, by state.",
		}, []string{"state"}),
		SessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time from creation to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"state"}),
		SessionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Session creations refused, by reason.",
		}, []string{"reason"}),
		OutputBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Bytes read from session processes.",
		}),

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Dispatched requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Dispatcher handling time by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Websocket messages by direction.",
		}, []string{"direction"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionStarted(tool string) {
	if m == nil {
		return
	}
	if tool == "" {
		tool = "command"
	}
	m.SessionsStarted.WithLabelValues(tool).Inc()
	m.SessionsLive.Inc()
}

func (m *Metrics) SessionFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsLive.Dec()
	m.SessionsFinished.WithLabelValues(state).Inc()
	m.SessionDuration.WithLabelValues(state).Observe(d.Seconds())
}

func (m *Metrics) SessionRejected(reason string) {
	if m == nil {
		return
	}
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) OutputRead(n int) {
	if m == nil {
		return
	}
	m.OutputBytes.Add(float64(n))
}

func (m *Metrics) RequestHandled(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(kind, outcome).Inc()
	m.RequestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

func (m *Metrics) Message(direction string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction).Inc()
}

// Middleware counts HTTP requests by method and response status.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
