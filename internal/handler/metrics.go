package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_records_appended_total",
		Help: "Total audit records appended by payload kind.",
	}, []string{"kind"})

	ledgerConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_append_conflicts_total",
		Help: "Total conditional writes that lost a race and were retried.",
	})

	ledgerVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_verifications_total",
		Help: "Total chain verifications by result.",
	}, []string{"result"})

	ledgerIntegrityAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_integrity_alerts_total",
		Help: "Chains that turned from verified to failed, by failure reason.",
	}, []string{"reason"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		ledgerRequestsTotal.WithLabelValues(method, path, status).Inc()
		ledgerRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend counts a committed record.
func RecordAppend(kind ledger.PayloadKind) {
	ledgerAppendsTotal.WithLabelValues(string(kind)).Inc()
}

// RecordConflict counts a lost conditional write. It matches
// ledger.ConflictRecorder.
func RecordConflict(string) {
	ledgerConflictsTotal.Inc()
}

// RecordVerification counts a verification outcome, labelled "verified" or
// with the failure reason.
func RecordVerification(res *ledger.Result) {
	if res == nil {
		return
	}
	if res.Verified {
		ledgerVerificationsTotal.WithLabelValues("verified").Inc()
		return
	}
	reason := "unknown"
	if res.Failure != nil {
		reason = string(res.Failure.Reason)
	}
	ledgerVerificationsTotal.WithLabelValues(reason).Inc()
}

// RecordIntegrityAlert counts a chain that stopped verifying. It matches
// sweeper.AlertFunc.
func RecordIntegrityAlert(_ context.Context, res *ledger.Result) {
	if res == nil || res.Failure == nil {
		return
	}
	ledgerIntegrityAlertsTotal.WithLabelValues(string(res.Failure.Reason)).Inc()
}
