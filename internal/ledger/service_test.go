package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"papertrader.com/internal/ledger/repo/model"
	ledgerdb "papertrader.com/internal/ledger/repo/mysql"
	"papertrader.com/internal/quotes/source"
	"papertrader.com/pkg/xerr"
)

func TestService_TradeScenario(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	h, err := s.Buy(ctx, "u1", "X", 10, d("100"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.Quantity)
	assert.True(t, h.AverageCost.Equal(d("100")))

	h, err = s.Buy(ctx, "u1", "X", 10, d("200"))
	require.NoError(t, err)
	assert.Equal(t, int64(20), h.Quantity)
	assert.True(t, h.AverageCost.Equal(d("150")))

	p, err := s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Cash.Equal(d("7000")))

	h, removed, err := s.Sell(ctx, "u1", "X", 5, d("300"))
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, int64(15), h.Quantity)
	assert.True(t, h.AverageCost.Equal(d("150")), "卖出不改均价")

	p, err = s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Cash.Equal(d("8500")))

	hist, err := s.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, SideSell, hist[0].Side, "最新在前")
	assert.Equal(t, int64(5), hist[0].Quantity)
	assert.True(t, hist[0].TotalAmount.Equal(d("1500")))

	_, removed, err = s.Sell(ctx, "u1", "X", 15, d("300"))
	require.NoError(t, err)
	assert.True(t, removed)

	p, err = s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Cash.Equal(d("13000")))
	assert.Empty(t, p.Holdings)

	_, _, err = s.Sell(ctx, "u1", "X", 1, d("300"))
	assert.ErrorIs(t, err, xerr.ErrInsufficientHoldings)

	p2, err := s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, p, p2, "失败的卖出不改状态")
	hist, _ = s.History(ctx, "u1")
	assert.Len(t, hist, 4)
}

func TestService_Validation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		user   string
		symbol string
		qty    int64
		price  string
	}{
		{name: "数量为0", user: "u1", symbol: "TCS.NS", qty: 0, price: "10"},
		{name: "数量为负", user: "u1", symbol: "TCS.NS", qty: -1, price: "10"},
		{name: "价格为0", user: "u1", symbol: "TCS.NS", qty: 1, price: "0"},
		{name: "价格为负", user: "u1", symbol: "TCS.NS", qty: 1, price: "-5"},
		{name: "非法代码", user: "u1", symbol: "TCS NS", qty: 1, price: "10"},
		{name: "空用户", user: "", symbol: "TCS.NS", qty: 1, price: "10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Buy(ctx, tt.user, tt.symbol, tt.qty, d(tt.price))
			assert.ErrorIs(t, err, xerr.ErrValidation)
			_, _, err = s.Sell(ctx, tt.user, tt.symbol, tt.qty, d(tt.price))
			assert.ErrorIs(t, err, xerr.ErrValidation)
		})
	}

	hist, err := s.History(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestService_InsufficientFundsNoStateChange(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Buy(ctx, "u1", "TCS.NS", 3, d("3333.34"))
	assert.ErrorIs(t, err, xerr.ErrInsufficientFunds)

	p, err := s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Cash.Equal(d("10000")))
	assert.Empty(t, p.Holdings)

	// 刚好花光
	_, err = s.Buy(ctx, "u1", "TCS.NS", 4, d("2500"))
	require.NoError(t, err)
	p, _ = s.GetPortfolio(ctx, "u1")
	assert.True(t, p.Cash.IsZero())
}

func TestService_NotFound(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.GetPortfolio(ctx, "ghost")
	assert.ErrorIs(t, err, xerr.ErrNotFound)
	_, err = s.Buy(ctx, "ghost", "TCS.NS", 1, d("1"))
	assert.ErrorIs(t, err, xerr.ErrNotFound)
	_, err = s.Deposit(ctx, "ghost", d("1"))
	assert.ErrorIs(t, err, xerr.ErrNotFound)
}

func TestService_OpenAccountAndDeposit(t *testing.T) {
	s, _ := newTestService(t, WithConfig(Config{DefaultCash: 500}))
	ctx := context.Background()

	acc, err := s.OpenAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acc.Cash.Equal(d("500")), "重复开户返回现有余额")

	acc, err = s.Deposit(ctx, "u1", d("250.75"))
	require.NoError(t, err)
	assert.True(t, acc.Cash.Equal(d("750.75")))

	_, err = s.Deposit(ctx, "u1", d("0"))
	assert.ErrorIs(t, err, xerr.ErrValidation)

	hist, err := s.History(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, hist, "入金不记成交")
}

// failingTrades 让流水写入失败，验证账本回滚
type failingTrades struct {
	*ledgerdb.Repo
}

func (f failingTrades) AppendTrade(ctx context.Context, row *model.TradeRow) error {
	return errors.New("disk full")
}

func TestService_JournalFailureRollsBack(t *testing.T) {
	r := newTestRepo(t)
	s := NewService(failingTrades{r})
	ctx := context.Background()
	_, err := s.OpenAccount(ctx, "u1")
	require.NoError(t, err)

	_, err = s.Buy(ctx, "u1", "TCS.NS", 2, d("100"))
	assert.ErrorIs(t, err, xerr.ErrPersistence)
	assert.True(t, xerr.Retryable(err))

	p, err := s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Cash.Equal(d("10000")), "流水失败时扣款必须回滚")
	assert.Empty(t, p.Holdings)

	// 有持仓时卖出也要回滚
	require.NoError(t, r.SaveHolding(ctx, &model.HoldingRow{UserID: "u1", Symbol: "TCS.NS", Quantity: 3, AverageCost: model.NewAmount(d("90"))}))
	_, _, err = s.Sell(ctx, "u1", "TCS.NS", 3, d("100"))
	assert.ErrorIs(t, err, xerr.ErrPersistence)

	p, err = s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, p.Holdings, 1)
	assert.Equal(t, int64(3), p.Holdings[0].Quantity)
	assert.True(t, p.Cash.Equal(d("10000")))
}

func TestService_ConcurrentSellsNeverOversell(t *testing.T) {
	s, r := newTestService(t)
	ctx := context.Background()
	require.NoError(t, r.SaveHolding(ctx, &model.HoldingRow{UserID: "u1", Symbol: "TCS.NS", Quantity: 10, AverageCost: model.NewAmount(d("100"))}))

	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Sell(ctx, "u1", "TCS.NS", 1, d("100"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, xerr.ErrInsufficientHoldings):
				short.Add(1)
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(15), short.Load())

	p, err := s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, p.Holdings)
	assert.True(t, p.Cash.Equal(d("11000")))

	hist, _ := s.History(ctx, "u1")
	assert.Len(t, hist, 10)
}

func TestService_ConcurrentBuysNoLostUpdate(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Buy(ctx, "u1", "INFY.NS", 1, d("100"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, p.Holdings, 1)
	assert.Equal(t, int64(20), p.Holdings[0].Quantity)
	assert.True(t, p.Cash.Equal(d("8000")))
}

func TestService_CacheReadThroughAndInvalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s, r := newTestService(t, WithCache(NewRedisCache(rdb)))
	ctx := context.Background()
	key := "papertrader:portfolio:u1"

	p, err := s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, mr.Exists(key), "miss 后回填缓存")
	assert.True(t, p.Cash.Equal(d("10000")))

	// 绕过 service 改库：缓存未失效时读到旧值
	require.NoError(t, r.UpdateCash(ctx, "u1", d("1")))
	p, err = s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Cash.Equal(d("10000")))
	require.NoError(t, r.UpdateCash(ctx, "u1", d("10000")))

	_, err = s.Buy(ctx, "u1", "TCS.NS", 1, d("10"))
	require.NoError(t, err)
	assert.False(t, mr.Exists(key), "提交后删缓存")

	p, err = s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Cash.Equal(d("9990")))
	require.Len(t, p.Holdings, 1)

	// 缓存脏数据：删掉后回源
	require.NoError(t, mr.Set(key, "{not json"))
	p, err = s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Cash.Equal(d("9990")))
}

func TestService_PublishesTradeEvents(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	s, _ := newTestService(t, WithPublisher(pub))
	ctx := context.Background()

	_, err := s.Buy(ctx, "u1", "TCS.NS", 1, d("10"))
	require.NoError(t, err, "发布失败不影响成交")
	_, _, err = s.Sell(ctx, "u1", "TCS.NS", 1, d("11"))
	require.NoError(t, err)

	assert.Equal(t, []string{"trade:TCS.NS", "trade:TCS.NS"}, pub.got())
}

func TestService_MarketOrders(t *testing.T) {
	quotes := source.NewStatic("INR", source.DefaultSuffix, map[string]float64{"TCS.NS": 3800})
	s, _ := newTestService(t, WithQuoter(quotes), WithSymbolSuffix(source.DefaultSuffix))
	ctx := context.Background()

	h, q, err := s.BuyAtMarket(ctx, "u1", "tcs", 2)
	require.NoError(t, err)
	assert.Equal(t, "TCS.NS", h.Symbol, "补全交易所后缀后记账")
	assert.True(t, q.Price.Equal(d("3800")))

	_, _, err = s.BuyAtMarket(ctx, "u1", "NOPE", 1)
	assert.ErrorIs(t, err, xerr.ErrQuoteUnavailable)

	_, _, err = s.BuyAtMarket(ctx, "u1", "tcs", 0)
	assert.ErrorIs(t, err, xerr.ErrValidation)

	h, removed, _, err := s.SellAtMarket(ctx, "u1", "TCS", 2)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, int64(0), h.Quantity)

	p, _ := s.GetPortfolio(ctx, "u1")
	assert.True(t, p.Cash.Equal(d("10000")))
}

func TestService_LimitAndMarketShareOneHolding(t *testing.T) {
	quotes := source.NewStatic("INR", source.DefaultSuffix, map[string]float64{"RELIANCE.NS": 120})
	s, _ := newTestService(t, WithQuoter(quotes), WithSymbolSuffix(source.DefaultSuffix))
	ctx := context.Background()

	h, err := s.Buy(ctx, "u1", "reliance", 5, d("100"))
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE.NS", h.Symbol)

	h, _, err = s.BuyAtMarket(ctx, "u1", "RELIANCE.NS", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.Quantity, "两种下单方式落到同一个持仓")
	assert.True(t, h.AverageCost.Equal(d("110")))

	_, removed, _, err := s.SellAtMarket(ctx, "u1", "reliance", 10)
	require.NoError(t, err)
	assert.True(t, removed)

	p, err := s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, p.Holdings)
	assert.True(t, p.Cash.Equal(d("10100")))
}

func TestService_QuantityOverflowRejected(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	tiny := d("0.000000000000000001")

	_, err := s.Buy(ctx, "u1", "TCS.NS", math.MaxInt64, tiny)
	require.NoError(t, err)

	_, err = s.Buy(ctx, "u1", "TCS.NS", 1, tiny)
	assert.ErrorIs(t, err, xerr.ErrValidation)

	p, err := s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, p.Holdings, 1)
	assert.Equal(t, int64(math.MaxInt64), p.Holdings[0].Quantity, "溢出被拒，持仓不变")
	assert.True(t, p.Holdings[0].AverageCost.Equal(tiny))
	hist, _ := s.History(ctx, "u1")
	assert.Len(t, hist, 1)
}

func TestService_HighPrecisionSurvivesStorage(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Deposit(ctx, "u1", d("10000000"))
	require.NoError(t, err)
	h, err := s.Buy(ctx, "u1", "TCS.NS", 1, d("1234567.123456789123"))
	require.NoError(t, err)
	assert.Equal(t, "1234567.123456789123", h.AverageCost.String())

	// 没有缓存，直接回源读库
	p, err := s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, p.Holdings, 1)
	assert.Equal(t, "1234567.123456789123", p.Holdings[0].AverageCost.String())
	assert.Equal(t, "8775432.876543210877", p.Cash.String())

	hist, err := s.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "1234567.123456789123", hist[0].TotalAmount.String())
}

func TestService_PortfolioLoadSurvivesCanceledCaller(t *testing.T) {
	locker := NewLocalLocker()
	s, _ := newTestService(t, WithLocker(locker))

	// 占住用户锁，让回源卡在等锁
	unlock, err := locker.Lock(context.Background(), "u1")
	require.NoError(t, err)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := s.GetPortfolio(ctxA, "u1")
		errA <- err
	}()
	time.Sleep(50 * time.Millisecond)

	resB := make(chan error, 1)
	go func() {
		_, err := s.GetPortfolio(context.Background(), "u1")
		resB <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.Error(t, err, "取消的调用方自己返回")
	case <-time.After(2 * time.Second):
		t.Fatal("canceled caller did not return")
	}

	unlock()
	select {
	case err := <-resB:
		assert.NoError(t, err, "共享的回源不受别人取消影响")
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
}

func TestService_MarketOrdersWithoutQuoter(t *testing.T) {
	s, _ := newTestService(t)
	_, _, err := s.BuyAtMarket(context.Background(), "u1", "TCS", 1)
	assert.ErrorIs(t, err, xerr.ErrQuoteUnavailable)
}

func TestService_HistoryPage(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Buy(ctx, "u1", "TCS.NS", int64(i+1), d("1"))
		require.NoError(t, err)
	}
	page, err := s.HistoryPage(ctx, "u1", 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].Quantity)
	assert.Equal(t, int64(4), page[1].Quantity)
}
