package source

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"papertrader.com/pkg/xerr"
)

// Quote 标准化后的行情快照，每次 Fetch 都是新对象
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	PercentChange decimal.Decimal `json:"percentChange"`
	Currency      string          `json:"currency"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Source 行情源。失败统一返回 QuoteUnavailable（参数错返回 ValidationError）
type Source interface {
	Fetch(ctx context.Context, symbol string) (Quote, error)
}

// ErrUnknownSymbol 上游明确表示查无此标的；调用方看到的仍是 QuoteUnavailable
var ErrUnknownSymbol = errors.New("unknown symbol")

const DefaultSuffix = ".NS"

var symbolRe = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9.\-^=&_]{0,31}$`)

// CleanSymbol 去空格、转大写并校验格式
func CleanSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolRe.MatchString(s) || strings.HasSuffix(s, ".") {
		return "", xerr.New(xerr.ValidationError, "malformed symbol: "+raw)
	}
	return s, nil
}

// ResolveSymbol 没有交易所后缀时补上 suffix（RELIANCE -> RELIANCE.NS）
func ResolveSymbol(raw, suffix string) (string, error) {
	s, err := CleanSymbol(raw)
	if err != nil {
		return "", err
	}
	if suffix != "" && !strings.Contains(s, ".") && !strings.HasPrefix(s, "^") {
		s += strings.ToUpper(suffix)
	}
	return s, nil
}

func unavailable(symbol string, err error) error {
	return xerr.Wrap(err, xerr.QuoteUnavailable, "quote unavailable: "+symbol)
}
