package gateway

import (
	"context"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"papertrader.com/internal/quotes/source"
	"papertrader.com/pkg/logger"
)

const (
	QuoteTopicPrefix = "quote:"
	TradeTopicPrefix = "trade:"
)

// QuotePublisher 把每次轮询结果按股票代码发到 broker，作为 feed 的观察者挂上
type QuotePublisher struct {
	broker Broker
}

func NewQuotePublisher(b Broker) *QuotePublisher {
	return &QuotePublisher{broker: b}
}

func (p *QuotePublisher) OnTick(ctx context.Context, topic string, quotes []source.Quote) {
	for i := range quotes {
		q := quotes[i]
		payload, err := json.Marshal(q)
		if err != nil {
			continue
		}
		if err := p.broker.Publish(ctx, QuoteTopicPrefix+q.Symbol, payload); err != nil {
			logger.Warn(ctx, "broker publish failed",
				zap.String("feed", topic), zap.String("symbol", q.Symbol), zap.Error(err))
		}
	}
}
