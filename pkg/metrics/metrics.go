package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mogin_http_request_duration_seconds",
		Help:    "Duration of handled HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
	HTTPRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mogin_http_requests_in_flight",
		Help: "Number of HTTP requests currently being served",
	})
	MailSendSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mogin_mail_send_success_total",
		Help: "Total number of mails sent successfully",
	}, []string{"host"})
	MailSendFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mogin_mail_send_failure_total",
		Help: "Total number of mails that could not be sent",
	}, []string{"host"})
	AuditEventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mogin_audit_events_emitted_total",
		Help: "Total number of audit events written to a sink",
	}, []string{"sink"})
	AuditEventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mogin_audit_events_dropped_total",
		Help: "Total number of audit events dropped before reaching a sink",
	}, []string{"sink", "reason"})
	AuditEventsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mogin_audit_events_failed_total",
		Help: "Total number of audit events a sink failed to write",
	}, []string{"sink"})
	AuditSinkConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mogin_audit_sink_connected",
		Help: "Whether the audit sink considers itself connected (1) or not (0)",
	}, []string{"sink"})
	AuditSinkLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mogin_audit_sink_write_duration_seconds",
		Help:    "Duration of audit sink writes",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(HTTPRequestsInFlight)
	prometheus.MustRegister(MailSendSuccess)
	prometheus.MustRegister(MailSendFailure)
	prometheus.MustRegister(AuditEventsEmitted)
	prometheus.MustRegister(AuditEventsDropped)
	prometheus.MustRegister(AuditEventsFailed)
	prometheus.MustRegister(AuditSinkConnected)
	prometheus.MustRegister(AuditSinkLatency)
}

// Handler returns an http.Handler exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RequestMetrics returns a middleware recording request durations and the
// in-flight gauge. The route template is used as the path label to keep
// cardinality bounded; unmatched routes fall back to a constant.
func RequestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		c.Next()
		HTTPRequestsInFlight.Dec()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}
