// Package metrics exposes Prometheus counters for session admission and token verification.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a dedicated registry. All methods are safe on a nil receiver so callers
// can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	logins          *prometheus.CounterVec
	heartbeats      *prometheus.CounterVec
	revocations     *prometheus.CounterVec
	verifications   *prometheus.CounterVec
	jwksFetches     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them, plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessions_login_total",
			Help: "Login attempts by outcome (ok, limit_exceeded, revoked, rejected).",
		}, []string{"status"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessions_heartbeat_total",
			Help: "Heartbeats by whether the caller was told its session is revoked.",
		}, []string{"revoked"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessions_revoked_total",
			Help: "Sessions revoked, by reason (evict, logout, revoke_all).",
		}, []string{"reason"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_verifications_total",
			Help: "Bearer token verifications by result (ok or rejection cause).",
		}, []string{"result"}),
		jwksFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jwks_fetch_total",
			Help: "Discovery and key set fetches by document kind and result.",
		}, []string{"kind", "result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.logins,
		m.heartbeats,
		m.revocations,
		m.verifications,
		m.jwksFetches,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveLogin(status string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveHeartbeat(revoked bool) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(strconv.FormatBool(revoked)).Inc()
}

// ObserveRevocations adds n revoked sessions under reason. n <= 0 is ignored.
func (m *Metrics) ObserveRevocations(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.revocations.WithLabelValues(reason).Add(float64(n))
}

// ObserveVerification has the shape of security.WithResultObserver's callback.
func (m *Metrics) ObserveVerification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

// TrackKeySetAge exports fetchedAt as jwks_last_fetch_timestamp_seconds (0 until the first fetch).
// Call it at most once per Metrics.
func (m *Metrics) TrackKeySetAge(fetchedAt func() time.Time) {
	if m == nil || fetchedAt == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "jwks_last_fetch_timestamp_seconds",
		Help: "Unix time of the last successful signing key set fetch.",
	}, func() float64 {
		t := fetchedAt()
		if t.IsZero() {
			return 0
		}
		return float64(t.UnixNano()) / 1e9
	}))
}

// ObserveJWKSFetch has the shape of security.FetchObserver.
func (m *Metrics) ObserveJWKSFetch(kind, result string) {
	if m == nil {
		return
	}
	m.jwksFetches.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
