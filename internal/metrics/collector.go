package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector manages Prometheus metrics for the revenue core
type Collector struct {
	logger *slog.Logger

	// Occupancy ledger metrics
	deltasAccepted *prometheus.CounterVec
	deltasRejected *prometheus.CounterVec

	// Pricing metrics
	quotesTotal prometheus.Counter
	surgeQuotes prometheus.Counter

	// Overstay metrics
	overstayAssessments prometheus.Counter
	overstayFeesTotal   prometheus.Counter

	// Fraud metrics
	casesOpened      prometheus.Counter
	casesResolved    prometheus.Counter
	casesEscalated   prometheus.Counter
	lateTransactions prometheus.Counter
	casesWatching    prometheus.Gauge
	sweepDuration    prometheus.Histogram

	// Notification metrics
	notificationsSent   *prometheus.CounterVec
	notificationsFailed *prometheus.CounterVec

	// Kafka metrics
	eventsProcessed *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates and registers all metrics
func NewCollector(logger *slog.Logger) *Collector {
	c := &Collector{logger: logger}

	c.deltasAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_core_occupancy_deltas_accepted_total",
			Help: "Total number of accepted occupancy deltas",
		},
		[]string{"lot_id"},
	)

	c.deltasRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_core_occupancy_deltas_rejected_total",
			Help: "Total number of rejected occupancy deltas",
		},
		[]string{"lot_id", "reason"},
	)

	c.quotesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revenue_core_quotes_total",
			Help: "Total number of price quotes resolved",
		},
	)

	c.surgeQuotes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revenue_core_quotes_surge_total",
			Help: "Total number of quotes with a surge multiplier applied",
		},
	)

	c.overstayAssessments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revenue_core_overstay_assessments_total",
			Help: "Total number of overstay fee assessments",
		},
	)

	c.overstayFeesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revenue_core_overstay_fees_minor_units_total",
			Help: "Total overstay fees assessed in minor currency units",
		},
	)

	c.casesOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revenue_core_fraud_cases_opened_total",
			Help: "Total number of fraud cases opened",
		},
	)

	c.casesResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revenue_core_fraud_cases_resolved_total",
			Help: "Total number of fraud cases resolved by a payment",
		},
	)

	c.casesEscalated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revenue_core_fraud_cases_escalated_total",
			Help: "Total number of fraud cases escalated to alerts",
		},
	)

	c.lateTransactions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revenue_core_fraud_late_transactions_total",
			Help: "Total number of transactions observed after escalation",
		},
	)

	c.casesWatching = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "revenue_core_fraud_cases_watching",
			Help: "Number of fraud cases currently in the watching state",
		},
	)

	c.sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revenue_core_fraud_sweep_duration_seconds",
			Help:    "Duration of fraud deadline sweeps",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	c.notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_core_notifications_sent_total",
			Help: "Total number of notifications sent",
		},
		[]string{"channel"},
	)

	c.notificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_core_notifications_failed_total",
			Help: "Total number of notification deliveries that failed",
		},
		[]string{"channel"},
	)

	c.eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_core_events_processed_total",
			Help: "Total number of Kafka events processed",
		},
		[]string{"topic", "result"},
	)

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_core_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "revenue_core_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	return c
}

func (c *Collector) DeltaAccepted(lotID string) {
	c.deltasAccepted.WithLabelValues(lotID).Inc()
}

func (c *Collector) DeltaRejected(lotID, reason string) {
	c.deltasRejected.WithLabelValues(lotID, reason).Inc()
}

func (c *Collector) QuoteResolved(isSurge bool) {
	c.quotesTotal.Inc()
	if isSurge {
		c.surgeQuotes.Inc()
	}
}

func (c *Collector) OverstayAssessed(fee int64) {
	c.overstayAssessments.Inc()
	c.overstayFeesTotal.Add(float64(fee))
}

func (c *Collector) CaseOpened()    { c.casesOpened.Inc() }
func (c *Collector) CaseResolved()  { c.casesResolved.Inc() }
func (c *Collector) CaseEscalated() { c.casesEscalated.Inc() }
func (c *Collector) LateTransaction() {
	c.lateTransactions.Inc()
}

func (c *Collector) SetWatchingCases(n int) {
	c.casesWatching.Set(float64(n))
}

func (c *Collector) ObserveSweep(d time.Duration) {
	c.sweepDuration.Observe(d.Seconds())
}

func (c *Collector) NotificationSent(channel string) {
	c.notificationsSent.WithLabelValues(channel).Inc()
}

func (c *Collector) NotificationFailed(channel string) {
	c.notificationsFailed.WithLabelValues(channel).Inc()
}

func (c *Collector) EventProcessed(topic, result string) {
	c.eventsProcessed.WithLabelValues(topic, result).Inc()
}

func (c *Collector) HTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// CollectSnapshot refreshes gauge metrics from a stats source. Run
// periodically by the scheduler.
func (c *Collector) CollectSnapshot(ctx context.Context, watching func(context.Context) (int, error)) {
	if watching == nil {
		return
	}
	n, err := watching(ctx)
	if err != nil {
		c.logger.Error("Failed to collect watching case count", "error", err)
		return
	}
	c.SetWatchingCases(n)
}
