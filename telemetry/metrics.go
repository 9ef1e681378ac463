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
	SegmentsRelayed    prometheus.Counter
	SegmentsFailed     prometheus.Counter
	ReconnectCounter   prometheus.Counter
	CompletionRequests prometheus.Counter
	CompletionFailures prometheus.Counter
	PanelNotifications prometheus.Counter

	// Histograms (seconds)
	RelayDuration      prometheus.Observer
	CompletionDuration prometheus.Observer

	// Gauges
	NotificationQueueDepth prometheus.Gauge
	PresenceGauge          prometheus.Gauge // 1=broadcast live, 0=absent
	RecordingGauge         prometheus.Gauge // 1=capture session recording
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SegmentsRelayed = promauto.NewCounter(prometheus.CounterOpts{Name: "spacetap_segments_relayed_total", Help: "Number of capture segments relayed to the backend"})
		SegmentsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "spacetap_segments_failed_total", Help: "Number of capture segment relays that failed"})
		ReconnectCounter = promauto.NewCounter(prometheus.CounterOpts{Name: "spacetap_reconnect_attempts_total", Help: "Number of channel connection attempts"})
		CompletionRequests = promauto.NewCounter(prometheus.CounterOpts{Name: "spacetap_completion_requests_total", Help: "Number of AI completion requests"})
		CompletionFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "spacetap_completion_failures_total", Help: "Number of AI completion requests that failed"})
		PanelNotifications = promauto.NewCounter(prometheus.CounterOpts{Name: "spacetap_panel_notifications_total", Help: "Number of notifications delivered to a panel"})
		RelayDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "spacetap_relay_duration_seconds", Help: "Segment relay duration seconds", Buckets: prometheus.DefBuckets})
		CompletionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "spacetap_completion_duration_seconds", Help: "AI completion duration seconds", Buckets: prometheus.DefBuckets})
		NotificationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "spacetap_notification_queue_depth", Help: "Pending panel notifications awaiting delivery"})
		PresenceGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "spacetap_broadcast_live", Help: "Live broadcast present=1 absent=0"})
		RecordingGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "spacetap_recording_active", Help: "Capture session recording=1 idle=0"})
	})
}

// IncReconnectAttempts counts a connection attempt; safe before Init.
func IncReconnectAttempts() {
	if ReconnectCounter != nil {
		ReconnectCounter.Inc()
	}
}

// SetQueueDepth records the current pending-notification count.
func SetQueueDepth(n int) {
	if NotificationQueueDepth != nil {
		NotificationQueueDepth.Set(float64(n))
	}
}

// SetPresence sets the broadcast presence gauge.
func SetPresence(live bool) {
	if PresenceGauge != nil {
		if live {
			PresenceGauge.Set(1)
		} else {
			PresenceGauge.Set(0)
		}
	}
}

// SetRecording sets the capture activity gauge.
func SetRecording(active bool) {
	if RecordingGauge != nil {
		if active {
			RecordingGauge.Set(1)
		} else {
			RecordingGauge.Set(0)
		}
	}
}

// ObserveRelay records one segment relay outcome.
func ObserveRelay(d time.Duration, err error) {
	if err != nil {
		if SegmentsFailed != nil {
			SegmentsFailed.Inc()
		}
		return
	}
	if SegmentsRelayed != nil {
		SegmentsRelayed.Inc()
	}
	if RelayDuration != nil {
		RelayDuration.Observe(d.Seconds())
	}
}

// ObserveCompletion records one AI completion outcome.
func ObserveCompletion(d time.Duration, err error) {
	if CompletionRequests != nil {
		CompletionRequests.Inc()
	}
	if err != nil {
		if CompletionFailures != nil {
			CompletionFailures.Inc()
		}
		return
	}
	if CompletionDuration != nil {
		CompletionDuration.Observe(d.Seconds())
	}
}

// IncPanelNotification counts a delivered panel notification; safe before Init.
func IncPanelNotification() {
	if PanelNotifications != nil {
		PanelNotifications.Inc()
	}
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
