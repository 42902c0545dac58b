// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters (labelled by group)
	WatchCycles      *prometheus.CounterVec
	RepliesRelayed   *prometheus.CounterVec
	RepliesSkipped   *prometheus.CounterVec // label reason: malformed
	SourceFailures   *prometheus.CounterVec
	SinkFailures     *prometheus.CounterVec
	AdminAlerts      *prometheus.CounterVec // label condition
	ExpansionFetches prometheus.Counter
	TruncatedFetches prometheus.Counter

	// Histograms (seconds)
	CycleDuration prometheus.Observer
	FetchDuration prometheus.Observer

	// Gauges
	WatermarkGauge   *prometheus.GaugeVec
	ActiveGroupGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		WatchCycles = promauto.NewCounterVec(prometheus.CounterOpts{Name: "threadwatch_cycles_total", Help: "Number of watch cycles run"}, []string{"group"})
		RepliesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "threadwatch_replies_relayed_total", Help: "Number of replies delivered to the chat sink"}, []string{"group"})
		RepliesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "threadwatch_replies_skipped_total", Help: "Number of replies skipped before delivery"}, []string{"group", "reason"})
		SourceFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "threadwatch_source_failures_total", Help: "Number of cycles that failed contacting the content source"}, []string{"group"})
		SinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "threadwatch_sink_failures_total", Help: "Number of failed chat sink deliveries"}, []string{"group"})
		AdminAlerts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "threadwatch_admin_alerts_total", Help: "Number of administrative notifications raised"}, []string{"condition"})
		ExpansionFetches = promauto.NewCounter(prometheus.CounterOpts{Name: "threadwatch_expansion_requests_total", Help: "Number of load-more requests issued while expanding threads"})
		TruncatedFetches = promauto.NewCounter(prometheus.CounterOpts{Name: "threadwatch_truncated_fetches_total", Help: "Number of thread fetches stopped by the expansion cap"})
		CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "threadwatch_cycle_duration_seconds", Help: "Watch cycle duration seconds", Buckets: prometheus.DefBuckets})
		FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "threadwatch_fetch_duration_seconds", Help: "Thread fetch duration seconds", Buckets: prometheus.DefBuckets})
		WatermarkGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "threadwatch_watermark_unix", Help: "Current watermark (unix seconds) per group"}, []string{"group"})
		ActiveGroupGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "threadwatch_active_groups", Help: "Number of running group loops"})
	})
}

// IncCycle counts one watch cycle for group.
func IncCycle(group string) {
	if WatchCycles != nil {
		WatchCycles.WithLabelValues(group).Inc()
	}
}

// IncRelayed counts one delivered reply.
func IncRelayed(group string) {
	if RepliesRelayed != nil {
		RepliesRelayed.WithLabelValues(group).Inc()
	}
}

// IncSkipped counts n replies dropped before delivery.
func IncSkipped(group, reason string, n int) {
	if RepliesSkipped != nil {
		RepliesSkipped.WithLabelValues(group, reason).Add(float64(n))
	}
}

func IncSourceFailure(group string) {
	if SourceFailures != nil {
		SourceFailures.WithLabelValues(group).Inc()
	}
}

func IncSinkFailure(group string) {
	if SinkFailures != nil {
		SinkFailures.WithLabelValues(group).Inc()
	}
}

func IncAdminAlert(condition string) {
	if AdminAlerts != nil {
		AdminAlerts.WithLabelValues(condition).Inc()
	}
}

func IncExpansionFetch() {
	if ExpansionFetches != nil {
		ExpansionFetches.Inc()
	}
}

func IncTruncatedFetch() {
	if TruncatedFetches != nil {
		TruncatedFetches.Inc()
	}
}

// SetWatermark records the current watermark of group.
func SetWatermark(group string, ts int64) {
	if WatermarkGauge != nil {
		WatermarkGauge.WithLabelValues(group).Set(float64(ts))
	}
}

// AddActiveGroups adjusts the running loop gauge by delta.
func AddActiveGroups(delta int) {
	if ActiveGroupGauge != nil {
		ActiveGroupGauge.Add(float64(delta))
	}
}

// ObserveCycle records the duration of one watch cycle.
func ObserveCycle(d time.Duration) {
	if CycleDuration != nil {
		CycleDuration.Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
