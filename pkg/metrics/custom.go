package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RateLimitBlockTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "papertrader",
			Name:      "ratelimit_block_total",
			Help:      "Total number of rate limit blocks.",
		},
		[]string{"scope", "reason"},
	)

	CBRejectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "papertrader",
			Name:      "circuitbreaker_reject_total",
			Help:      "Total number of circuit breaker rejections.",
		},
		[]string{"name", "reason"},
	)

	CBState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "papertrader",
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state (0 closed / 1 half_open / 2 open).",
		},
		[]string{"name"},
	)
)

// MustRegister 只在 main 里调用一次；测试不注册，避免重复注册 panic
func MustRegister() {
	prometheus.MustRegister(RateLimitBlockTotal, CBRejectTotal, CBState)
}
