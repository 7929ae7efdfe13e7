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

	// Counters
	MessagesIngested prometheus.Counter
	MessagesDeduped  prometheus.Counter
	Reconnects       *prometheus.CounterVec

	// Histograms (seconds)
	HistoryFetchDuration prometheus.Observer

	// Gauges
	ConnectionsActiveGauge prometheus.Gauge
	RosterSizeGauge        *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_ingested_total", Help: "Chat messages fed into the merge (live and backfill)"})
		MessagesDeduped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_deduped_total", Help: "Incoming messages collapsed into an existing entry"})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_reconnects_total", Help: "Reconnects scheduled after socket close/error"}, []string{"channel"})
		HistoryFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_history_fetch_duration_seconds", Help: "History backfill fetch duration seconds", Buckets: prometheus.DefBuckets})
		ConnectionsActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_connections_active", Help: "Currently running channel connections"})
		RosterSizeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chat_roster_participants", Help: "Known participants per channel"}, []string{"channel"})
	})
}

// IncConnectionsActive bumps the live connection gauge.
func IncConnectionsActive() {
	if ConnectionsActiveGauge != nil {
		ConnectionsActiveGauge.Inc()
	}
}

// DecConnectionsActive drops the live connection gauge.
func DecConnectionsActive() {
	if ConnectionsActiveGauge != nil {
		ConnectionsActiveGauge.Dec()
	}
}

// IncReconnects counts a scheduled reconnect for a channel.
func IncReconnects(channel string) {
	if Reconnects != nil {
		Reconnects.WithLabelValues(channel).Inc()
	}
}

// AddMessagesIngested counts messages fed into the merge.
func AddMessagesIngested(n int) {
	if MessagesIngested != nil && n > 0 {
		MessagesIngested.Add(float64(n))
	}
}

// AddMessagesDeduped counts messages collapsed into existing entries.
func AddMessagesDeduped(n int) {
	if MessagesDeduped != nil && n > 0 {
		MessagesDeduped.Add(float64(n))
	}
}

// SetRosterSize records the current participant count for a channel.
func SetRosterSize(channel string, n int) {
	if RosterSizeGauge != nil {
		RosterSizeGauge.WithLabelValues(channel).Set(float64(n))
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

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
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
