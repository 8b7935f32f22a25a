package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 远程 API 调用延迟（秒）
	APICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrowchat_api_call_duration_seconds",
			Help:    "Remote API call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"collaborator", "operation", "status"},
	)

	// 里程碑对账写入次数，source: pull / push / capture / action
	ReconcileApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowchat_reconcile_applied_total",
			Help: "Milestone replacements applied to local state",
		},
		[]string{"source"},
	)

	// 被丢弃的对账写入（跨会话、过期响应）
	ReconcileDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowchat_reconcile_dropped_total",
			Help: "Milestone updates dropped as out of scope or stale",
		},
		[]string{"source", "reason"},
	)

	// 支付回跳处理结果
	PaymentReturnCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowchat_payment_return_total",
			Help: "Payment gateway return-trips by outcome",
		},
		[]string{"outcome"}, // success, failed, duplicate, ignored
	)

	// 推送通道重连次数
	RealtimeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrowchat_realtime_reconnects_total",
			Help: "Realtime channel reconnect attempts",
		},
	)

	// 推送通道收到的事件
	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowchat_realtime_events_total",
			Help: "Realtime events received by type",
		},
		[]string{"type"},
	)
)

// RecordAPICall 记录远程调用延迟
func RecordAPICall(collaborator, operation, status string, duration time.Duration) {
	APICallDuration.WithLabelValues(collaborator, operation, status).Observe(duration.Seconds())
}

func IncReconcileApplied(source string) {
	ReconcileApplied.WithLabelValues(source).Inc()
}

func IncReconcileDropped(source, reason string) {
	ReconcileDropped.WithLabelValues(source, reason).Inc()
}

func IncPaymentReturn(outcome string) {
	PaymentReturnCount.WithLabelValues(outcome).Inc()
}

func IncRealtimeEvent(eventType string) {
	RealtimeEvents.WithLabelValues(eventType).Inc()
}
