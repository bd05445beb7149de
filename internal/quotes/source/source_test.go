package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"papertrader.com/pkg/ratelimit"
	"papertrader.com/pkg/xerr"
)

const tcsPayload = `{"quoteResponse":{"result":[{"symbol":"TCS.NS","currency":"INR",
"regularMarketPrice":3812.45,"regularMarketChange":-12.3,"regularMarketChangePercent":-0.3216,
"regularMarketTime":1718000000}],"error":null}}`

func TestResolveSymbol(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "补后缀", in: " reliance ", want: "RELIANCE.NS"},
		{name: "已有后缀", in: "tcs.bo", want: "TCS.BO"},
		{name: "指数不补", in: "^NSEI", want: "^NSEI"},
		{name: "空串", in: "  ", wantErr: true},
		{name: "非法字符", in: "TCS NS", wantErr: true},
		{name: "点结尾", in: "TCS.", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveSymbol(tt.in, DefaultSuffix)
			if tt.wantErr {
				assert.ErrorIs(t, err, xerr.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	q, err := normalize("TCS.NS", []byte(tcsPayload), now)
	require.NoError(t, err)
	assert.Equal(t, "TCS.NS", q.Symbol)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("3812.45")), "价格不能经过 float 损失精度")
	assert.True(t, q.Change.Equal(decimal.RequireFromString("-12.3")))
	assert.True(t, q.PercentChange.Equal(decimal.RequireFromString("-0.3216")))
	assert.Equal(t, "INR", q.Currency)
	assert.Equal(t, int64(1718000000), q.Timestamp.Unix())

	// 缺可选字段：时间戳用 now，change 为 0
	q, err = normalize("INFY.NS", []byte(`{"quoteResponse":{"result":[{"regularMarketPrice":"1500.5"}]}}`), now)
	require.NoError(t, err)
	assert.Equal(t, "INFY.NS", q.Symbol)
	assert.True(t, q.Change.IsZero())
	assert.Equal(t, now, q.Timestamp)

	_, err = normalize("NOPE.NS", []byte(`{"quoteResponse":{"result":[]}}`), now)
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	_, err = normalize("X.NS", []byte(`{"quoteResponse":{"result":[{"regularMarketPrice":0}]}}`), now)
	assert.Error(t, err)

	_, err = normalize("X.NS", []byte(`<html>`), now)
	assert.Error(t, err)
}

func TestYahooSource_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbols") {
		case "TCS.NS":
			_, _ = w.Write([]byte(tcsPayload))
		case "SLOW.NS":
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte(tcsPayload))
		case "BROKEN.NS":
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(`{"quoteResponse":{"result":[]}}`))
		}
	}))
	defer srv.Close()

	y := NewYahoo(YahooConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Suffix: DefaultSuffix}, srv.Client())
	ctx := context.Background()

	q, err := y.Fetch(ctx, "tcs")
	require.NoError(t, err)
	assert.Equal(t, "TCS.NS", q.Symbol)

	_, err = y.Fetch(ctx, "SLOW")
	assert.ErrorIs(t, err, xerr.ErrQuoteUnavailable, "超时按 QuoteUnavailable 处理")

	_, err = y.Fetch(ctx, "BROKEN")
	assert.ErrorIs(t, err, xerr.ErrQuoteUnavailable)

	_, err = y.Fetch(ctx, "GHOST")
	assert.ErrorIs(t, err, xerr.ErrQuoteUnavailable)
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	_, err = y.Fetch(ctx, "bad symbol")
	assert.ErrorIs(t, err, xerr.ErrValidation)
}

type countingSource struct {
	calls atomic.Int32
	err   error
}

func (c *countingSource) Fetch(ctx context.Context, symbol string) (Quote, error) {
	c.calls.Add(1)
	if c.err != nil {
		return Quote{}, c.err
	}
	return Quote{Symbol: symbol, Price: decimal.NewFromInt(1)}, nil
}

func TestBreaker_OpensOnUpstreamFailures(t *testing.T) {
	up := &countingSource{err: unavailable("X.NS", assert.AnError)}
	b := NewBreaker(up, "yahoo", ratelimit.Rule{TripConsecutiveFailures: 2, Timeout: time.Minute})

	for i := 0; i < 5; i++ {
		_, err := b.Fetch(context.Background(), "X.NS")
		assert.ErrorIs(t, err, xerr.ErrQuoteUnavailable)
	}
	assert.Equal(t, int32(2), up.calls.Load(), "熔断打开后不再打上游")
}

func TestBreaker_UnknownSymbolDoesNotTrip(t *testing.T) {
	up := &countingSource{err: unavailable("GHOST.NS", ErrUnknownSymbol)}
	b := NewBreaker(up, "yahoo", ratelimit.Rule{TripConsecutiveFailures: 2, Timeout: time.Minute})

	for i := 0; i < 5; i++ {
		_, _ = b.Fetch(context.Background(), "GHOST.NS")
	}
	assert.Equal(t, int32(5), up.calls.Load())
}

func TestLimited_WaitRespectsContext(t *testing.T) {
	up := &countingSource{}
	l := NewLimited(up, 0.001, 1)

	_, err := l.Fetch(context.Background(), "A.NS")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Fetch(ctx, "A.NS")
	assert.ErrorIs(t, err, xerr.ErrQuoteUnavailable)
	assert.Equal(t, int32(1), up.calls.Load())
}

func TestStaticSource(t *testing.T) {
	s := NewStatic("INR", DefaultSuffix, map[string]float64{"TCS.NS": 3800})
	q, err := s.Fetch(context.Background(), "tcs")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(3800)))

	s.Set("TCS.NS", decimal.NewFromInt(3900))
	q, _ = s.Fetch(context.Background(), "TCS.NS")
	assert.True(t, q.Price.Equal(decimal.NewFromInt(3900)))

	_, err = s.Fetch(context.Background(), "NOPE")
	assert.ErrorIs(t, err, xerr.ErrQuoteUnavailable)
}
