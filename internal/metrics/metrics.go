// Package metrics exposes Prometheus counters for the session lifecycle.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tradedesk/authserver/types"
)

const namespace = "authserver"

// Collector owns a private registry. A nil *Collector is a no-op.
type Collector struct {
	registry        *prometheus.Registry
	sessionsOpened  *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	loginAttempts   *prometheus.CounterVec
	guardRejections *prometheus.CounterVec
	publishFailures prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions opened, by login method.",
		}, []string{"method"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by close reason.",
		}, []string{"reason"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of closed sessions.",
			Buckets:   []float64{60, 300, 900, 1800, 3600, 4 * 3600, 8 * 3600, 24 * 3600},
		}, []string{"reason"}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts, by method and outcome code.",
		}, []string{"method", "outcome"}),
		guardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_rejections_total",
			Help:      "Guarded requests rejected, by error code.",
		}, []string{"code"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_failures_total",
			Help:      "Session events that could not be published.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.sessionsOpened,
		c.sessionsClosed,
		c.sessionDuration,
		c.loginAttempts,
		c.guardRejections,
		c.publishFailures,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) SessionOpened(_ context.Context, rec types.SessionRecord) {
	if c == nil {
		return
	}
	c.sessionsOpened.WithLabelValues(string(rec.Method)).Inc()
}

func (c *Collector) SessionClosed(_ context.Context, rec types.SessionRecord) {
	if c == nil {
		return
	}
	reason := string(rec.CloseReason)
	c.sessionsClosed.WithLabelValues(reason).Inc()
	if rec.DurationSeconds != nil {
		c.sessionDuration.WithLabelValues(reason).Observe(*rec.DurationSeconds)
	}
}

// LoginAttempt records a login outcome; outcome is "ok" or an error code.
func (c *Collector) LoginAttempt(method types.LoginMethod, outcome string) {
	if c == nil {
		return
	}
	c.loginAttempts.WithLabelValues(string(method), outcome).Inc()
}

func (c *Collector) GuardRejected(code string) {
	if c == nil {
		return
	}
	c.guardRejections.WithLabelValues(code).Inc()
}

func (c *Collector) PublishFailed() {
	if c == nil {
		return
	}
	c.publishFailures.Inc()
}

// Middleware records request counts and latency labelled by chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
