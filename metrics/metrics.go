package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the accounting client layer
var (
	ToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_tool_calls_total",
			Help: "Total number of dispatched accounting operations",
		},
		[]string{"operation", "outcome"},
	)
	ToolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_tool_call_duration_milliseconds",
			Help:    "Dispatched accounting operation duration in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"operation"},
	)
	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_rate_limit_retries_total",
			Help: "Total number of retries after a 429 response",
		},
		[]string{"window"},
	)
	RateLimitWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_rate_limit_waits_total",
			Help: "Total number of calls delayed by the rate limit governor",
		},
	)
	RateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_rate_limit_rejections_total",
			Help: "Total number of calls failed fast because the rate limit wait was too long",
		},
	)
	RateLimitRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_rate_limit_remaining",
			Help: "Last observed remaining calls per connection and window",
		},
		[]string{"connection_id", "window"},
	)
	SlotWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_slot_waits_total",
			Help: "Total number of calls that waited for a concurrency slot",
		},
	)
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_token_refreshes_total",
			Help: "Total number of access token refreshes by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(ToolCalls)
	prometheus.MustRegister(ToolCallDuration)
	prometheus.MustRegister(Retries)
	prometheus.MustRegister(RateLimitWaits)
	prometheus.MustRegister(RateLimitRejections)
	prometheus.MustRegister(RateLimitRemaining)
	prometheus.MustRegister(SlotWaits)
	prometheus.MustRegister(TokenRefreshes)
}
