package source

import (
	"context"
	"errors"

	"papertrader.com/pkg/ratelimit"
)

// Breaker 熔断装饰器：上游连续失败时快速返回 QuoteUnavailable
type Breaker struct {
	next Source
	name string
	m    *ratelimit.Manager
}

func NewBreaker(next Source, name string, rule ratelimit.Rule) *Breaker {
	m := ratelimit.NewManager(rule, nil, ratelimit.WithClassifier(breakerSuccess))
	return &Breaker{next: next, name: name, m: m}
}

func (b *Breaker) Fetch(ctx context.Context, symbol string) (Quote, error) {
	return ratelimit.Execute(b.m, b.name, func() (Quote, error) {
		return b.next.Fetch(ctx, symbol)
	})
}

// 查无此标的、参数错误、调用方自己取消，都不代表上游不健康
func breakerSuccess(err error) bool {
	if errors.Is(err, ErrUnknownSymbol) || errors.Is(err, context.Canceled) {
		return true
	}
	return ratelimit.IsSuccessfulForBreaker(err)
}
