package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "papertrader",
		Name:      "trades_total",
		Help:      "Committed ledger mutations by side.",
	}, []string{"side"})

	TradeRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "papertrader",
		Name:      "trade_reject_total",
		Help:      "Rejected buy/sell requests by reason code.",
	}, []string{"side", "code"})

	LedgerTxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "papertrader",
		Name:      "ledger_tx_duration_seconds",
		Help:      "Ledger transaction latency including lock wait.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"op", "status"})

	QuoteFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "papertrader",
		Name:      "quote_fetch_duration_seconds",
		Help:      "Upstream quote fetch latency.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"status"})

	FeedsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "papertrader",
		Name:      "feeds_active",
		Help:      "Symbol feeds with at least one subscriber.",
	})
	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "papertrader",
		Name:      "feed_subscribers",
		Help:      "Total (connection, symbol) subscriptions.",
	})
	FeedFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "papertrader",
		Name:      "feed_fetch_errors_total",
		Help:      "Failed poll ticks by feed kind.",
	}, []string{"feed"}) // symbol/aggregate；topic 来自用户输入，不做 label
	FeedPushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "papertrader",
		Name:      "feed_push_total",
		Help:      "Push events handed to sinks.",
	}, []string{"kind"}) // quote/batch/error

	CacheHitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "papertrader",
		Name:      "cache_lookup_total",
		Help:      "Portfolio cache lookups by result.",
	}, []string{"result"}) // hit/miss/error
)
