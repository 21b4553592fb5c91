package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/doorman-gateway/accounting/internal/reset"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ConsumeTotal *prometheus.CounterVec
	ConsumeUnits *prometheus.CounterVec

	ResetRunsTotal     prometheus.Counter
	ResetRunDuration   prometheus.Histogram
	ResetRunFailures   prometheus.Counter
	ResetCohortSkips   prometheus.Counter
	BalancesResetTotal *prometheus.CounterVec
}

// New registers every collector, plus the Go and process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_accounting_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "doorman_accounting_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		ConsumeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_accounting_consume_total",
				Help: "Consume attempts by outcome",
			},
			[]string{"kind", "group_id", "outcome"},
		),
		ConsumeUnits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_accounting_consumed_units_total",
				Help: "Units subtracted by successful consume calls",
			},
			[]string{"kind", "group_id"},
		),
		ResetRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "doorman_accounting_reset_runs_total",
				Help: "Completed reset scheduler passes",
			},
		),
		ResetRunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "doorman_accounting_reset_run_duration_seconds",
				Help:    "Reset scheduler pass duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		ResetRunFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "doorman_accounting_reset_failures_total",
				Help: "Balances whose scheduled reset failed",
			},
		),
		ResetCohortSkips: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "doorman_accounting_reset_cohort_skips_total",
				Help: "Cohorts skipped because another instance held the lease",
			},
		),
		BalancesResetTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_accounting_balances_reset_total",
				Help: "Balances restored to their tier quota",
			},
			[]string{"kind"},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
}

// Middleware records request counts and latency by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := c.Writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// UnknownGroup labels consume attempts whose group id was never resolved.
const UnknownGroup = "unknown"

// consumeGroupLabel keeps the group_id label bounded to groups that exist.
func consumeGroupLabel(groupID, outcome string) string {
	if groupID == "" {
		return UnknownGroup
	}
	switch outcome {
	case "ok", "InsufficientBalance":
		return groupID
	}
	return UnknownGroup
}

// ObserveConsume records one consume attempt.
func (m *Metrics) ObserveConsume(kind, groupID, outcome string, amount int64) {
	groupID = consumeGroupLabel(groupID, outcome)
	m.ConsumeTotal.WithLabelValues(kind, groupID, outcome).Inc()
	if outcome == "ok" && amount > 0 {
		m.ConsumeUnits.WithLabelValues(kind, groupID).Add(float64(amount))
	}
}

// ObserveResetRun records one scheduler pass.
func (m *Metrics) ObserveResetRun(duration time.Duration, summary reset.Summary) {
	m.ResetRunsTotal.Inc()
	m.ResetRunDuration.Observe(duration.Seconds())
	if summary.Failed > 0 {
		m.ResetRunFailures.Add(float64(summary.Failed))
	}
	if summary.Leased > 0 {
		m.ResetCohortSkips.Add(float64(summary.Leased))
	}
}

// ObserveReset records balances restored for a kind.
func (m *Metrics) ObserveReset(kind string, count int) {
	if count > 0 {
		m.BalancesResetTotal.WithLabelValues(kind).Add(float64(count))
	}
}
