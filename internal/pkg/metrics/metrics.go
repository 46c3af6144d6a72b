// Package metrics holds the Prometheus collectors for bot traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Messages 按意图统计处理的消息
	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_messages_total",
			Help: "Inbound messages handled, by resolved intent.",
		},
		[]string{"intent"},
	)

	QuotaRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_quota_rejections_total",
			Help: "Turns refused because the daily quota was exhausted, by plan.",
		},
		[]string{"plan"},
	)

	// LLMRequests result: ok | error | rate_limited | blackout
	LLMRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_llm_requests_total",
			Help: "Language generation attempts by result.",
		},
		[]string{"result"},
	)

	BroadcastPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_broadcast_pushes_total",
			Help: "Broadcast push attempts by occasion and result.",
		},
		[]string{"occasion", "result"},
	)

	StoreFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_store_fallback_total",
			Help: "Store operations served from the in-memory fallback, by operation.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(Messages, QuotaRejections, LLMRequests, BroadcastPushes, StoreFallbacks)
}

// ObserveFallback 作为 kv.FallbackStore 的降级回调
func ObserveFallback(op string, _ error) {
	StoreFallbacks.WithLabelValues(op).Inc()
}
