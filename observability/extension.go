// Package observability provides a metrics extension for Tally that records
// lifecycle event counts via a pluggable MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/murphlabs/tally/plugin"
	"github.com/murphlabs/tally/settlement"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                = (*MetricsExtension)(nil)
	_ plugin.OnInit                = (*MetricsExtension)(nil)
	_ plugin.OnSessionAuthorized   = (*MetricsExtension)(nil)
	_ plugin.OnSessionActivated    = (*MetricsExtension)(nil)
	_ plugin.OnSessionSettled      = (*MetricsExtension)(nil)
	_ plugin.OnSessionCancelled    = (*MetricsExtension)(nil)
	_ plugin.OnCheckpointCompleted = (*MetricsExtension)(nil)
	_ plugin.OnPayoutFailed        = (*MetricsExtension)(nil)
	_ plugin.OnPayoutRecovered     = (*MetricsExtension)(nil)
	_ plugin.OnProgressFlushed     = (*MetricsExtension)(nil)
	_ plugin.OnReviewClassified    = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a Tally plugin to automatically track metering metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Session metrics
	SessionAuthorized Counter
	SessionActivated  Counter
	SessionSettled    Counter
	SessionCancelled  Counter

	// Settlement metrics
	ChargedAmount  Histogram
	RefundedAmount Histogram
	BillableSecs   Histogram

	// Payout metrics
	PayoutFailures  Counter
	PayoutRecovered Counter

	// Progress metrics
	ProgressFlushed      Counter
	ProgressBatchSize    Histogram
	ProgressFlushLatency Histogram

	// Engagement metrics
	CheckpointsCompleted Counter
	ReviewsClassified    Counter

	// Error metrics
	StoreErrors  Counter
	PluginErrors Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Session metrics
		SessionAuthorized: factory.Counter("tally.session.authorized"),
		SessionActivated:  factory.Counter("tally.session.activated"),
		SessionSettled:    factory.Counter("tally.session.settled"),
		SessionCancelled:  factory.Counter("tally.session.cancelled"),

		// Settlement metrics
		ChargedAmount:  factory.Histogram("tally.settlement.charged_amount"),
		RefundedAmount: factory.Histogram("tally.settlement.refunded_amount"),
		BillableSecs:   factory.Histogram("tally.settlement.billable_seconds"),

		// Payout metrics
		PayoutFailures:  factory.Counter("tally.payout.failures"),
		PayoutRecovered: factory.Counter("tally.payout.recovered"),

		// Progress metrics
		ProgressFlushed:      factory.Counter("tally.progress.flushed"),
		ProgressBatchSize:    factory.Histogram("tally.progress.batch.size"),
		ProgressFlushLatency: factory.Histogram("tally.progress.flush.latency_ms"),

		// Engagement metrics
		CheckpointsCompleted: factory.Counter("tally.checkpoint.completed"),
		ReviewsClassified:    factory.Counter("tally.review.classified"),

		// Error metrics
		StoreErrors:  factory.Counter("tally.store.errors"),
		PluginErrors: factory.Counter("tally.plugin.errors"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	return nil
}

// ──────────────────────────────────────────────────
// Session lifecycle hooks
// ──────────────────────────────────────────────────

// OnSessionAuthorized implements plugin.OnSessionAuthorized.
func (m *MetricsExtension) OnSessionAuthorized(_ context.Context, _ interface{}) error {
	m.SessionAuthorized.Inc()
	return nil
}

// OnSessionActivated implements plugin.OnSessionActivated.
func (m *MetricsExtension) OnSessionActivated(_ context.Context, _ interface{}) error {
	m.SessionActivated.Inc()
	return nil
}

// OnSessionSettled implements plugin.OnSessionSettled.
func (m *MetricsExtension) OnSessionSettled(_ context.Context, _, record interface{}) error {
	m.SessionSettled.Inc()
	if rec, ok := record.(*settlement.Record); ok {
		m.ChargedAmount.Observe(float64(rec.AmountCharged.Amount))
		m.RefundedAmount.Observe(float64(rec.AmountRefunded.Amount))
		m.BillableSecs.Observe(float64(rec.BillableSeconds))
	}
	return nil
}

// OnSessionCancelled implements plugin.OnSessionCancelled.
func (m *MetricsExtension) OnSessionCancelled(_ context.Context, _ interface{}) error {
	m.SessionCancelled.Inc()
	return nil
}

// OnCheckpointCompleted implements plugin.OnCheckpointCompleted.
func (m *MetricsExtension) OnCheckpointCompleted(_ context.Context, _ interface{}, _ int) error {
	m.CheckpointsCompleted.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Payout hooks
// ──────────────────────────────────────────────────

// OnPayoutFailed implements plugin.OnPayoutFailed.
func (m *MetricsExtension) OnPayoutFailed(_ context.Context, _ interface{}, _ error) error {
	m.PayoutFailures.Inc()
	return nil
}

// OnPayoutRecovered implements plugin.OnPayoutRecovered.
func (m *MetricsExtension) OnPayoutRecovered(_ context.Context, _ interface{}) error {
	m.PayoutRecovered.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Progress and review hooks
// ──────────────────────────────────────────────────

// OnProgressFlushed implements plugin.OnProgressFlushed.
func (m *MetricsExtension) OnProgressFlushed(_ context.Context, count int, elapsed time.Duration) error {
	m.ProgressFlushed.Inc()
	m.ProgressBatchSize.Observe(float64(count))
	m.ProgressFlushLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// OnReviewClassified implements plugin.OnReviewClassified.
func (m *MetricsExtension) OnReviewClassified(_ context.Context, _ interface{}) error {
	m.ReviewsClassified.Inc()
	return nil
}
