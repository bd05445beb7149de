package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"papertrader.com/pkg/logger"
	"papertrader.com/pkg/metrics"
)

type YahooConfig struct {
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Suffix  string        `yaml:"suffix" mapstructure:"suffix"`
}

const (
	DefaultYahooURL = "https://query1.finance.yahoo.com/v7/finance/quote"
	DefaultTimeout  = 3 * time.Second
	maxBody         = 1 << 20
)

// YahooSource 直接走上游 HTTP，不做缓存
type YahooSource struct {
	cfg    YahooConfig
	client *http.Client
	now    func() time.Time
}

func NewYahoo(cfg YahooConfig, client *http.Client) *YahooSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultYahooURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	return &YahooSource{cfg: cfg, client: client, now: time.Now}
}

func (y *YahooSource) Fetch(ctx context.Context, symbol string) (Quote, error) {
	sym, err := ResolveSymbol(symbol, y.cfg.Suffix)
	if err != nil {
		return Quote{}, err
	}

	start := time.Now()
	q, err := y.fetch(ctx, sym)
	status := "ok"
	if err != nil {
		status = "error"
		logger.Debug(ctx, "quote fetch failed", zap.String("symbol", sym), zap.Error(err))
		err = unavailable(sym, err)
	}
	metrics.QuoteFetchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return q, err
}

func (y *YahooSource) fetch(ctx context.Context, sym string) (Quote, error) {
	// 每次调用都有上限，卡住的请求不能占住轮询槽位
	ctx, cancel := context.WithTimeout(ctx, y.cfg.Timeout)
	defer cancel()

	u := y.cfg.BaseURL + "?symbols=" + url.QueryEscape(sym)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := y.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Quote{}, fmt.Errorf("timeout after %s: %w", y.cfg.Timeout, err)
		}
		return Quote{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Quote{}, ErrUnknownSymbol
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Quote{}, err
	}
	return normalize(sym, body, y.now())
}
