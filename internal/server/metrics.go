package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the Prometheus collectors for one Server. Each Server has
// its own registry so tests can build many servers in one process.
type metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	uploads         *prometheus.CounterVec
	uploadBytes     *prometheus.CounterVec
	deletes         *prometheus.CounterVec
	logins          *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	reconciled      prometheus.Counter
}

func newMetrics(storageMode string) *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portfolio_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_uploads_total",
			Help: "Upload attempts by kind and result.",
		}, []string{"kind", "result"}),
		uploadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_upload_bytes_total",
			Help: "Bytes stored by upload kind.",
		}, []string{"kind"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_deletes_total",
			Help: "Deleted files by kind.",
		}, []string{"kind"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_login_attempts_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by endpoint class.",
		}, []string{"class"}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portfolio_catalog_rows_reconciled_total",
			Help: "Catalog rows removed because their object was missing.",
		}),
	}

	storageInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "portfolio_storage_info",
		Help:        "Active storage backend.",
		ConstLabels: prometheus.Labels{"mode": storageMode},
	})
	storageInfo.Set(1)

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.uploads,
		m.uploadBytes,
		m.deletes,
		m.logins,
		m.rateLimited,
		m.reconciled,
		storageInfo,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeRequest(method, route string, status int, d time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *metrics) recordUpload(kind string, bytes int64, err error) {
	if err != nil {
		m.uploads.WithLabelValues(kind, "error").Inc()
		return
	}
	m.uploads.WithLabelValues(kind, "ok").Inc()
	m.uploadBytes.WithLabelValues(kind).Add(float64(bytes))
}

func (m *metrics) recordLogin(result string) {
	m.logins.WithLabelValues(result).Inc()
}
