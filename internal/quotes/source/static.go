package source

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticSource 固定价格，本地跑和测试用
type StaticSource struct {
	mu       sync.RWMutex
	prices   map[string]decimal.Decimal
	currency string
	suffix   string
}

func NewStatic(currency, suffix string, prices map[string]float64) *StaticSource {
	s := &StaticSource{prices: make(map[string]decimal.Decimal, len(prices)), currency: currency, suffix: suffix}
	for sym, p := range prices {
		s.prices[sym] = decimal.NewFromFloat(p)
	}
	return s
}

// Set 调整价格
func (s *StaticSource) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[symbol] = price
	s.mu.Unlock()
}

func (s *StaticSource) Fetch(ctx context.Context, symbol string) (Quote, error) {
	sym, err := ResolveSymbol(symbol, s.suffix)
	if err != nil {
		return Quote{}, err
	}
	if err := ctx.Err(); err != nil {
		return Quote{}, unavailable(sym, err)
	}
	s.mu.RLock()
	p, ok := s.prices[sym]
	s.mu.RUnlock()
	if !ok {
		return Quote{}, unavailable(sym, ErrUnknownSymbol)
	}
	return Quote{
		Symbol:    sym,
		Price:     p,
		Currency:  s.currency,
		Timestamp: time.Now().UTC(),
	}, nil
}
