package ledger

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"papertrader.com/internal/ledger/repo"
	"papertrader.com/internal/ledger/repo/model"
	"papertrader.com/internal/quotes/source"
	"papertrader.com/pkg/logger"
	"papertrader.com/pkg/metrics"
	"papertrader.com/pkg/xerr"
)

// Publisher 成交事件出口（broker），尽力而为
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Quoter 市价单取价
type Quoter interface {
	Fetch(ctx context.Context, symbol string) (source.Quote, error)
}

type Service struct {
	repo    repo.Repo
	journal *Journal
	locker  Locker
	cache   Cache
	pub     Publisher
	quotes  Quoter
	suffix  string // 交易所后缀，和行情 feed 的 topic 规则一致
	cfg     Config
	sf      singleflight.Group
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Service)

func WithJournal(j *Journal) Option       { return func(s *Service) { s.journal = j } }
func WithLocker(l Locker) Option          { return func(s *Service) { s.locker = l } }
func WithCache(c Cache) Option            { return func(s *Service) { s.cache = c } }
func WithPublisher(p Publisher) Option    { return func(s *Service) { s.pub = p } }
func WithQuoter(q Quoter) Option          { return func(s *Service) { s.quotes = q } }
func WithSymbolSuffix(sfx string) Option  { return func(s *Service) { s.suffix = sfx } }
func WithConfig(c Config) Option          { return func(s *Service) { s.cfg = c } }
func WithClock(f func() time.Time) Option { return func(s *Service) { s.now = f } }

func NewService(r repo.Repo, opts ...Option) *Service {
	s := &Service{
		repo:   r,
		tracer: otel.Tracer("papertrader/ledger"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.cfg = s.cfg.withDefaults()
	if s.journal == nil {
		s.journal = NewJournal(r)
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	return s
}

func (s *Service) Journal() *Journal { return s.journal }

// OpenAccount 幂等：已存在直接返回当前余额
func (s *Service) OpenAccount(ctx context.Context, userID string) (Account, error) {
	if userID == "" {
		return Account{}, xerr.New(xerr.ValidationError, "empty user id")
	}
	created, err := s.repo.CreateAccount(ctx, &model.AccountRow{UserID: userID, Cash: model.NewAmount(s.cfg.startingCash())})
	if err != nil {
		return Account{}, persistence(err)
	}
	row, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return Account{}, s.mapLoadErr(err)
	}
	if created {
		logger.Info(ctx, "🎉 开户成功", zap.String("user", userID), zap.String("cash", row.Cash.String()))
	}
	return Account{UserID: row.UserID, Cash: row.Cash.Decimal}, nil
}

func (s *Service) Buy(ctx context.Context, userID, symbol string, qty int64, price decimal.Decimal) (Holding, error) {
	ctx, span := s.startSpan(ctx, "ledger.Buy", userID, symbol, qty)
	defer span.End()

	sym, err := s.validateOrder(userID, symbol, qty, price)
	if err != nil {
		return Holding{}, s.reject(ctx, span, SideBuy, err)
	}

	var (
		out Holding
		rec TradeRecord
	)
	err = s.mutate(ctx, "buy", userID, func(txCtx context.Context) error {
		acc, err := s.repo.GetAccountForUpdate(txCtx, userID)
		if err != nil {
			return s.mapLoadErr(err)
		}
		total := price.Mul(decimal.NewFromInt(qty))
		if acc.Cash.LessThan(total) {
			return xerr.New(xerr.InsufficientFunds, "cash "+acc.Cash.String()+" < cost "+total.String())
		}

		out = Holding{Symbol: sym, Quantity: qty, AverageCost: price}
		h, err := s.repo.GetHolding(txCtx, userID, sym)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return persistence(err)
		default:
			if qty > math.MaxInt64-h.Quantity {
				return xerr.New(xerr.ValidationError, "holding quantity overflow for "+sym)
			}
			out.Quantity = h.Quantity + qty
			out.AverageCost = WeightedAverage(h.Quantity, h.AverageCost.Decimal, qty, price)
		}

		if err := s.repo.SaveHolding(txCtx, &model.HoldingRow{
			UserID: userID, Symbol: sym, Quantity: out.Quantity, AverageCost: model.NewAmount(out.AverageCost),
		}); err != nil {
			return persistence(err)
		}
		if err := s.repo.UpdateCash(txCtx, userID, acc.Cash.Sub(total)); err != nil {
			return persistence(err)
		}
		rec = s.newRecord(userID, sym, SideBuy, qty, price, total)
		return s.journal.Record(txCtx, &rec)
	})
	if err != nil {
		return Holding{}, s.reject(ctx, span, SideBuy, err)
	}

	s.committed(ctx, &rec)
	return out, nil
}

// Sell 返回卖出后的持仓；removed=true 表示数量归零、持仓已删除
func (s *Service) Sell(ctx context.Context, userID, symbol string, qty int64, price decimal.Decimal) (Holding, bool, error) {
	ctx, span := s.startSpan(ctx, "ledger.Sell", userID, symbol, qty)
	defer span.End()

	sym, err := s.validateOrder(userID, symbol, qty, price)
	if err != nil {
		return Holding{}, false, s.reject(ctx, span, SideSell, err)
	}

	var (
		out     Holding
		removed bool
		rec     TradeRecord
	)
	err = s.mutate(ctx, "sell", userID, func(txCtx context.Context) error {
		acc, err := s.repo.GetAccountForUpdate(txCtx, userID)
		if err != nil {
			return s.mapLoadErr(err)
		}
		h, err := s.repo.GetHolding(txCtx, userID, sym)
		if errors.Is(err, repo.ErrNotFound) {
			return xerr.New(xerr.InsufficientHoldings, "no holding for "+sym)
		}
		if err != nil {
			return persistence(err)
		}
		if h.Quantity < qty {
			return xerr.New(xerr.InsufficientHoldings, "holding "+sym+" too small")
		}

		// 卖出不改均价
		out = Holding{Symbol: sym, Quantity: h.Quantity - qty, AverageCost: h.AverageCost.Decimal}
		if out.Quantity == 0 {
			removed = true
			err = s.repo.DeleteHolding(txCtx, userID, sym)
		} else {
			err = s.repo.SaveHolding(txCtx, &model.HoldingRow{
				UserID: userID, Symbol: sym, Quantity: out.Quantity, AverageCost: model.NewAmount(out.AverageCost),
			})
		}
		if err != nil {
			return persistence(err)
		}

		proceeds := price.Mul(decimal.NewFromInt(qty))
		if err := s.repo.UpdateCash(txCtx, userID, acc.Cash.Add(proceeds)); err != nil {
			return persistence(err)
		}
		rec = s.newRecord(userID, sym, SideSell, qty, price, proceeds)
		return s.journal.Record(txCtx, &rec)
	})
	if err != nil {
		return Holding{}, false, s.reject(ctx, span, SideSell, err)
	}

	s.committed(ctx, &rec)
	return out, removed, nil
}

// BuyAtMarket 先取行情价再按该价格买入；持仓按本账本的代码规则记账，和 Buy 同一个 key
func (s *Service) BuyAtMarket(ctx context.Context, userID, symbol string, qty int64) (Holding, source.Quote, error) {
	sym, q, err := s.marketPrice(ctx, userID, symbol, qty)
	if err != nil {
		return Holding{}, source.Quote{}, err
	}
	h, err := s.Buy(ctx, userID, sym, qty, q.Price)
	return h, q, err
}

func (s *Service) SellAtMarket(ctx context.Context, userID, symbol string, qty int64) (Holding, bool, source.Quote, error) {
	sym, q, err := s.marketPrice(ctx, userID, symbol, qty)
	if err != nil {
		return Holding{}, false, source.Quote{}, err
	}
	h, removed, err := s.Sell(ctx, userID, sym, qty, q.Price)
	return h, removed, q, err
}

func (s *Service) marketPrice(ctx context.Context, userID, symbol string, qty int64) (string, source.Quote, error) {
	if userID == "" || qty <= 0 {
		return "", source.Quote{}, xerr.New(xerr.ValidationError, "user id and positive quantity required")
	}
	sym, err := s.resolve(symbol)
	if err != nil {
		return "", source.Quote{}, err
	}
	if s.quotes == nil {
		return "", source.Quote{}, xerr.New(xerr.QuoteUnavailable, "no quote source configured")
	}
	q, err := s.quotes.Fetch(ctx, sym)
	if err != nil {
		if c := xerr.Code(err); c != xerr.ValidationError && c != xerr.QuoteUnavailable {
			err = xerr.Wrap(err, xerr.QuoteUnavailable, "quote unavailable: "+sym)
		}
		return "", source.Quote{}, err
	}
	return sym, q, nil
}

// Deposit 入金，不记成交流水
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (Account, error) {
	if userID == "" || !amount.IsPositive() {
		return Account{}, xerr.New(xerr.ValidationError, "user id and positive amount required")
	}
	var out Account
	err := s.mutate(ctx, "deposit", userID, func(txCtx context.Context) error {
		acc, err := s.repo.GetAccountForUpdate(txCtx, userID)
		if err != nil {
			return s.mapLoadErr(err)
		}
		out = Account{UserID: userID, Cash: acc.Cash.Add(amount)}
		if err := s.repo.UpdateCash(txCtx, userID, out.Cash); err != nil {
			return persistence(err)
		}
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	logger.Info(ctx, "💰 入金成功", zap.String("user", userID), zap.String("amount", amount.String()))
	return out, nil
}

func (s *Service) GetPortfolio(ctx context.Context, userID string) (Portfolio, error) {
	if userID == "" {
		return Portfolio{}, xerr.New(xerr.ValidationError, "empty user id")
	}
	if s.cache != nil {
		p, ok, err := s.cache.GetPortfolio(ctx, userID)
		switch {
		case err != nil:
			metrics.CacheHitTotal.WithLabelValues("error").Inc()
		case ok:
			metrics.CacheHitTotal.WithLabelValues("hit").Inc()
			return *p, nil
		default:
			metrics.CacheHitTotal.WithLabelValues("miss").Inc()
		}
	}

	// singleflight 防击穿；结果是共享的，回源不跟随任何一个调用方取消
	ch := s.sf.DoChan(userID, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), portfolioLoadTimeout)
		defer cancel()
		return s.loadPortfolio(lctx, userID)
	})
	select {
	case <-ctx.Done():
		return Portfolio{}, xerr.Wrap(ctx.Err(), xerr.DbError, "portfolio load canceled")
	case r := <-ch:
		if r.Err != nil {
			return Portfolio{}, r.Err
		}
		return *r.Val.(*Portfolio).clone(), nil
	}
}

const portfolioLoadTimeout = 10 * time.Second

// loadPortfolio 持有用户锁读库并回填缓存，避免和写操作交错把旧值写回缓存
func (s *Service) loadPortfolio(ctx context.Context, userID string) (*Portfolio, error) {
	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "user busy")
	}
	defer unlock()

	acc, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return nil, s.mapLoadErr(err)
	}
	rows, err := s.repo.ListHoldings(ctx, userID)
	if err != nil {
		return nil, persistence(err)
	}
	p := &Portfolio{UserID: userID, Cash: acc.Cash.Decimal, Holdings: make([]Holding, 0, len(rows))}
	for _, r := range rows {
		p.Holdings = append(p.Holdings, Holding{Symbol: r.Symbol, Quantity: r.Quantity, AverageCost: r.AverageCost.Decimal})
	}
	if s.cache != nil {
		if err := s.cache.SetPortfolio(ctx, p, s.cfg.CacheTTL); err != nil {
			logger.Warn(ctx, "portfolio cache set failed", zap.String("user", userID), zap.Error(err))
		}
	}
	return p, nil
}

func (s *Service) History(ctx context.Context, userID string) ([]TradeRecord, error) {
	return s.journal.History(ctx, userID)
}

func (s *Service) HistoryPage(ctx context.Context, userID string, page, limit int) ([]TradeRecord, error) {
	return s.journal.HistoryPage(ctx, userID, page, limit)
}

// mutate 用户锁 + 事务；提交后（仍持锁）删缓存
func (s *Service) mutate(ctx context.Context, op, userID string, fn func(txCtx context.Context) error) error {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.LedgerTxDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	}()

	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		status = "lock"
		return xerr.Wrap(err, xerr.DbError, "user busy, retry later")
	}
	defer unlock()

	if err := s.repo.Transaction(ctx, fn); err != nil {
		status = "error"
		var ce *xerr.CodeError
		if !errors.As(err, &ce) {
			err = persistence(err)
		}
		return err
	}

	if s.cache != nil {
		if err := s.cache.DelPortfolio(ctx, userID); err != nil {
			logger.Warn(ctx, "portfolio cache invalidate failed", zap.String("user", userID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) newRecord(userID, sym string, side Side, qty int64, price, total decimal.Decimal) TradeRecord {
	return TradeRecord{
		UserID:       userID,
		Symbol:       sym,
		Side:         side,
		Quantity:     qty,
		PricePerUnit: price,
		TotalAmount:  total,
		Timestamp:    s.now().UTC(),
	}
}

func (s *Service) committed(ctx context.Context, rec *TradeRecord) {
	metrics.TradesTotal.WithLabelValues(string(rec.Side)).Inc()
	logger.Info(ctx, "✅ 成交",
		zap.String("user", rec.UserID),
		zap.String("symbol", rec.Symbol),
		zap.String("side", string(rec.Side)),
		zap.Int64("qty", rec.Quantity),
		zap.String("price", rec.PricePerUnit.String()),
		zap.String("total", rec.TotalAmount.String()),
	)
	if s.pub == nil {
		return
	}
	b, err := json.Marshal(rec)
	if err == nil {
		err = s.pub.Publish(ctx, "trade:"+rec.Symbol, b)
	}
	if err != nil {
		logger.Warn(ctx, "trade event publish failed", zap.Uint64("trade_id", rec.ID), zap.Error(err))
	}
}

func (s *Service) reject(ctx context.Context, span trace.Span, side Side, err error) error {
	code := xerr.Code(err)
	metrics.TradeRejectTotal.WithLabelValues(string(side), codeLabel(code)).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, xerr.MapErrMsg(code))
	if xerr.Retryable(err) {
		logger.Error(ctx, "❌ 交易失败", zap.String("side", string(side)), zap.Error(err))
	} else {
		logger.Debug(ctx, "交易被拒", zap.String("side", string(side)), zap.Error(err))
	}
	return err
}

func (s *Service) startSpan(ctx context.Context, name, userID, symbol string, qty int64) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("symbol", symbol),
		attribute.Int64("quantity", qty),
	))
}

func (s *Service) mapLoadErr(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return xerr.New(xerr.RecordNotFound, "account not found")
	}
	return persistence(err)
}

func persistence(err error) error {
	return xerr.Wrap(err, xerr.DbError, "ledger storage failure")
}

func (s *Service) validateOrder(userID, symbol string, qty int64, price decimal.Decimal) (string, error) {
	if userID == "" {
		return "", xerr.New(xerr.ValidationError, "empty user id")
	}
	if qty <= 0 {
		return "", xerr.New(xerr.ValidationError, "quantity must be positive")
	}
	if !price.IsPositive() {
		return "", xerr.New(xerr.ValidationError, "price must be positive")
	}
	return s.resolve(symbol)
}

// resolve 规范代码：大写去空格，没有交易所后缀时补上
func (s *Service) resolve(symbol string) (string, error) {
	return source.ResolveSymbol(symbol, s.suffix)
}

func codeLabel(code int) string {
	switch code {
	case xerr.ValidationError:
		return "validation"
	case xerr.InsufficientFunds:
		return "insufficient_funds"
	case xerr.InsufficientHoldings:
		return "insufficient_holdings"
	case xerr.RecordNotFound:
		return "not_found"
	case xerr.QuoteUnavailable:
		return "quote_unavailable"
	case xerr.DbError:
		return "persistence"
	default:
		return "internal"
	}
}
