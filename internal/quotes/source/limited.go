package source

import (
	"context"

	"golang.org/x/time/rate"
	"papertrader.com/pkg/metrics"
)

// Limited 限制打到上游的 QPS，拿不到令牌就等到 ctx 结束
type Limited struct {
	next    Source
	limiter *rate.Limiter
}

func NewLimited(next Source, qps float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(qps), burst)}
}

func (l *Limited) Fetch(ctx context.Context, symbol string) (Quote, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		metrics.RateLimitBlockTotal.WithLabelValues("quote_source", "wait").Inc()
		return Quote{}, unavailable(symbol, err)
	}
	return l.next.Fetch(ctx, symbol)
}
