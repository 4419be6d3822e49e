// Package metrics exposes Prometheus counters for the confirmation lifecycle and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sms-confirmation/internal/confirmable/domain"
	"sms-confirmation/internal/notify"
)

const namespace = "sms_confirmation"

// Recorder implements service.Recorder on Prometheus collectors.
type Recorder struct {
	registry *prometheus.Registry

	tokensIssued      *prometheus.CounterVec
	confirmations     *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	httpRequestsInFly prometheus.Gauge
}

// New registers every collector on a fresh registry, plus the Go and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Confirmation tokens minted, by identity class.",
		}, []string{"class"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Successful confirmations, by identity class and whether a phone change was confirmed.",
		}, []string{"class", "reconfirmation"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Recoverable failures, by identity class, operation and error kind.",
		}, []string{"class", "operation", "kind"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "SMS notifications handed to the gateway, by class, message kind and result.",
		}, []string{"class", "kind", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpRequestsInFly: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
	}
	reg.MustRegister(
		r.tokensIssued, r.confirmations, r.rejections, r.notifications,
		r.httpRequests, r.httpDuration, r.httpRequestsInFly,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// TokenIssued counts a minted token.
func (r *Recorder) TokenIssued(class string) {
	r.tokensIssued.WithLabelValues(class).Inc()
}

// Confirmed counts a successful confirmation.
func (r *Recorder) Confirmed(class string, reconfirmation bool) {
	r.confirmations.WithLabelValues(class, strconv.FormatBool(reconfirmation)).Inc()
}

// Rejected counts a recoverable failure.
func (r *Recorder) Rejected(class, operation string, kind domain.ErrorKind) {
	r.rejections.WithLabelValues(class, operation, string(kind)).Inc()
}

// NotificationSent counts a gateway call and its result.
func (r *Recorder) NotificationSent(class string, kind notify.Kind, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.notifications.WithLabelValues(class, string(kind), result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency labelled by the chi route pattern.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		r.httpRequestsInFly.Inc()
		defer r.httpRequestsInFly.Dec()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)

		route := "unknown"
		if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		r.httpRequests.WithLabelValues(req.Method, route, strconv.Itoa(sw.status)).Inc()
		r.httpDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}
