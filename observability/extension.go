// Package observability provides a Prometheus metrics extension for
// Chartable. Register it as a plugin to count webhook deliveries and credit
// outcomes, and use its middleware to time HTTP requests.
package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/plugin"
	"github.com/xraph/chartable/project"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin            = (*MetricsExtension)(nil)
	_ plugin.OnWebhookReceived = (*MetricsExtension)(nil)
	_ plugin.OnWebhookRejected = (*MetricsExtension)(nil)
	_ plugin.OnCreditApplied   = (*MetricsExtension)(nil)
	_ plugin.OnCreditDuplicate = (*MetricsExtension)(nil)
	_ plugin.OnCreditFailed    = (*MetricsExtension)(nil)
	_ plugin.OnHistoryAppended = (*MetricsExtension)(nil)
)

const namespace = "chartable"

// MetricsExtension records ledger and HTTP metrics.
type MetricsExtension struct {
	gatherer prometheus.Gatherer

	webhooksReceived *prometheus.CounterVec
	webhooksRejected *prometheus.CounterVec
	creditOutcomes   *prometheus.CounterVec
	creditsGranted   prometheus.Counter
	historyAppended  *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

// NewMetricsExtension registers collectors with reg. Pass a fresh
// registry in tests; registering twice on the same registry panics.
func NewMetricsExtension(reg *prometheus.Registry) *MetricsExtension {
	m := &MetricsExtension{
		gatherer: reg,
		webhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "received_total",
			Help:      "Verified webhook deliveries by event type.",
		}, []string{"event_type"}),
		webhooksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "rejected_total",
			Help:      "Refused webhook deliveries by reason.",
		}, []string{"reason"}),
		creditOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credit",
			Name:      "grants_total",
			Help:      "Credit grants by outcome (applied, duplicate, failed).",
		}, []string{"outcome"}),
		creditsGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credit",
			Name:      "credits_granted_total",
			Help:      "Sum of credits added to balances.",
		}),
		historyAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "project",
			Name:      "history_appended_total",
			Help:      "History entries stored by update type.",
		}, []string{"update_type"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.webhooksReceived,
		m.webhooksRejected,
		m.creditOutcomes,
		m.creditsGranted,
		m.historyAppended,
		m.requestDuration,
	)
	return m
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (m *MetricsExtension) OnWebhookReceived(_ context.Context, _, eventType string) error {
	m.webhooksReceived.WithLabelValues(eventType).Inc()
	return nil
}

// OnWebhookRejected implements plugin.OnWebhookRejected.
func (m *MetricsExtension) OnWebhookRejected(_ context.Context, reason string, _ error) error {
	m.webhooksRejected.WithLabelValues(reason).Inc()
	return nil
}

// OnCreditApplied implements plugin.OnCreditApplied.
func (m *MetricsExtension) OnCreditApplied(_ context.Context, ev *credit.ProcessedEvent) error {
	m.creditOutcomes.WithLabelValues("applied").Inc()
	m.creditsGranted.Add(float64(ev.Amount.Int64()))
	return nil
}

// OnCreditDuplicate implements plugin.OnCreditDuplicate.
func (m *MetricsExtension) OnCreditDuplicate(context.Context, string, id.UserID) error {
	m.creditOutcomes.WithLabelValues("duplicate").Inc()
	return nil
}

// OnCreditFailed implements plugin.OnCreditFailed.
func (m *MetricsExtension) OnCreditFailed(context.Context, credit.Grant, error) error {
	m.creditOutcomes.WithLabelValues("failed").Inc()
	return nil
}

// OnHistoryAppended implements plugin.OnHistoryAppended.
func (m *MetricsExtension) OnHistoryAppended(_ context.Context, _ id.ProjectID, entry *project.HistoryEntry) error {
	m.historyAppended.WithLabelValues(string(entry.UpdateType)).Inc()
	return nil
}

// ObserveRequest records one HTTP request. Route must be the route
// pattern, not the raw path, to keep label cardinality bounded.
func (m *MetricsExtension) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *MetricsExtension) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
