package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is a no-op recorder.
type Metrics struct {
	registry prometheus.Gatherer

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec
	apiErrorsTotal       *prometheus.CounterVec

	analysesTotal         *prometheus.CounterVec
	riskScore             *prometheus.HistogramVec
	rateLimitDecisions    *prometheus.CounterVec
	alertsTotal           *prometheus.CounterVec
	securityEventsTotal   *prometheus.CounterVec
	retentionDeletedTotal *prometheus.CounterVec
	streamClients         prometheus.Gauge
}

// NewMetrics registers the metrics on reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		registry: gatherer,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authrisk_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authrisk_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "authrisk_http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
			[]string{"method", "endpoint"},
		),
		apiErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authrisk_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"endpoint", "error_type"},
		),
		analysesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authrisk_analyses_total",
				Help: "Risk analyses by kind and decision outcome",
			},
			[]string{"kind", "outcome"},
		),
		riskScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authrisk_risk_score",
				Help:    "Normalized risk score distribution",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
			[]string{"kind"},
		),
		rateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authrisk_ratelimit_decisions_total",
				Help: "Rate limiter decisions",
			},
			[]string{"result"},
		),
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authrisk_alerts_total",
				Help: "Alert deliveries by result",
			},
			[]string{"result"},
		),
		securityEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authrisk_security_events_total",
				Help: "Security events recorded by type and severity",
			},
			[]string{"type", "severity"},
		),
		retentionDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authrisk_retention_deleted_total",
				Help: "Records removed by retention cleanup",
			},
			[]string{"kind"},
		),
		streamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authrisk_alert_stream_clients",
				Help: "Number of connected alert stream clients",
			},
		),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestsInFlight,
		m.apiErrorsTotal,
		m.analysesTotal,
		m.riskScore,
		m.rateLimitDecisions,
		m.alertsTotal,
		m.securityEventsTotal,
		m.retentionDeletedTotal,
		m.streamClients,
	)

	return m
}

// MetricsMiddleware creates a Prometheus metrics middleware
func (m *Metrics) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
		defer m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()

		c.Next()

		status := c.Writer.Status()
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())

		if status >= 400 {
			errorType := "client_error"
			if status >= 500 {
				errorType = "server_error"
			}
			m.apiErrorsTotal.WithLabelValues(path, errorType).Inc()
		}
	}
}

// Handler serves the registry this Metrics was registered on
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAnalysis counts one analysis and observes its score
func (m *Metrics) RecordAnalysis(kind, outcome string, score float64) {
	if m == nil {
		return
	}
	m.analysesTotal.WithLabelValues(kind, outcome).Inc()
	m.riskScore.WithLabelValues(kind).Observe(score)
}

// RecordRateLimit counts an allowed, denied or error decision
func (m *Metrics) RecordRateLimit(result string) {
	if m == nil {
		return
	}
	m.rateLimitDecisions.WithLabelValues(result).Inc()
}

// RecordAlert counts an alert delivery result
func (m *Metrics) RecordAlert(result string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(result).Inc()
}

// RecordSecurityEvent counts a persisted security event
func (m *Metrics) RecordSecurityEvent(eventType, severity string) {
	if m == nil {
		return
	}
	m.securityEventsTotal.WithLabelValues(eventType, severity).Inc()
}

// RecordRetention counts records removed by retention cleanup
func (m *Metrics) RecordRetention(kind string, deleted int64) {
	if m == nil || deleted <= 0 {
		return
	}
	m.retentionDeletedTotal.WithLabelValues(kind).Add(float64(deleted))
}

// SetStreamClients sets the number of connected alert stream clients
func (m *Metrics) SetStreamClients(count int) {
	if m == nil {
		return
	}
	m.streamClients.Set(float64(count))
}
