package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/grafana/pyroscope-go"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"papertrader.com/internal/api"
	"papertrader.com/internal/ledger"
	ledgerdb "papertrader.com/internal/ledger/repo/mysql"
	"papertrader.com/internal/quotes/feed"
	"papertrader.com/internal/quotes/gateway"
	"papertrader.com/internal/quotes/source"
	"papertrader.com/internal/quotes/storage/influxsink"
	"papertrader.com/internal/quotes/ws"
	"papertrader.com/pkg/logger"
	"papertrader.com/pkg/metrics"
	"papertrader.com/pkg/orm"
	"papertrader.com/pkg/trace"
	"papertrader.com/pkg/xredis"
)

type App struct {
	cfg Cfg
	ctx context.Context

	db     *gorm.DB
	rdb    *redis.Client
	broker gateway.Broker
	influx *influxsink.Sink
	src    source.Source
	mux    *feed.Multiplexer
	ledger *ledger.Service
	ws     *ws.Server
	engine *gin.Engine

	closers []func(context.Context)
}

func New(cfg Cfg) *App {
	return &App{cfg: cfg}
}

// StartService 按依赖顺序组装；任何一步失败都会把已建好的资源关掉
func (app *App) StartService(ctx context.Context) (cleanUp func(), err error) {
	app.ctx = ctx
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	if app.cfg.OTel.Enabled {
		if err = app.startTrace(); err != nil {
			return nil, err
		}
	}
	if app.cfg.Profiling.Enabled {
		if err = app.startProfiler(); err != nil {
			return nil, err
		}
	}
	if err = app.startDB(ctx); err != nil {
		return nil, err
	}
	if app.cfg.AutoMigrate {
		if err = app.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	if app.cfg.Redis.Enabled {
		if err = app.startRedis(ctx); err != nil {
			return nil, err
		}
	}
	if err = app.startBroker(); err != nil {
		return nil, err
	}
	app.startQuotes()
	if err = app.startFeed(); err != nil {
		return nil, err
	}
	app.startLedger()

	app.ws = ws.NewServer(ctx, app.mux)
	if err = app.ws.RelayFills(ctx, app.broker); err != nil {
		return nil, fmt.Errorf("relay fills: %w", err)
	}
	app.engine = api.NewRouter(ctx, app.cfg.Name, app.cfg.HTTP, api.Deps{
		Ledger: app.ledger,
		Quotes: app.src,
		Feeds:  app.mux,
		WS:     app.ws,
	})
	return app.close, nil
}

func (app *App) Handler() http.Handler { return app.engine }

// Run 阻塞到 ctx 取消或 http 出错，然后优雅关闭
func (app *App) Run(ctx context.Context) error {
	srv := api.NewServer(app.cfg.HTTP, app.engine)
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "🚀 http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// 先停接入再等 in-flight
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "http shutdown error", zap.Error(err))
	}
	// ws 连接是 hijack 出去的，Shutdown 不管，等它们随 ctx 退出
	app.ws.Wait()
	return nil
}

func (app *App) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(app.closers) - 1; i >= 0; i-- {
		app.closers[i](ctx)
	}
	app.closers = nil
}

func (app *App) onClose(fn func(context.Context)) {
	app.closers = append(app.closers, fn)
}

func (app *App) startTrace() error {
	shutdown, err := trace.InitTrace(app.cfg.Name, app.cfg.OTel.Trace)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	app.onClose(func(ctx context.Context) {
		if err := shutdown(ctx); err != nil {
			logger.Error(ctx, "shutdown tracer error", zap.Error(err))
		}
	})
	return nil
}

func (app *App) startProfiler() error {
	pc := app.cfg.Profiling
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: app.cfg.Name,
		ServerAddress:   pc.ServerAddress,
		Tags:            map[string]string{"env": pc.Env},
		Logger:          logger.Log.Sugar(),
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return fmt.Errorf("start pyroscope: %w", err)
	}
	app.onClose(func(context.Context) { _ = profiler.Stop() })
	return nil
}

func (app *App) startDB(ctx context.Context) error {
	db, err := orm.Open(&app.cfg.Db)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("ping db: %w", err)
	}
	app.db = db
	app.onClose(func(context.Context) { _ = sqlDB.Close() })
	metrics.ObserveDBStats(ctx, sqlDB)
	return nil
}

func (app *App) startRedis(ctx context.Context) error {
	rdb, err := xredis.NewRedis(ctx, &app.cfg.Redis.Config)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	app.rdb = rdb
	app.onClose(func(context.Context) { _ = rdb.Close() })
	metrics.ObserveRedisStats(ctx, rdb)
	return nil
}

func (app *App) startBroker() error {
	switch strings.ToLower(app.cfg.Broker.Type) {
	case "", "mem":
		app.broker = gateway.NewMemBroker()
	case "nats":
		nb, err := gateway.NewNatsBroker(app.cfg.Broker.URL, app.cfg.Broker.Prefix,
			nats.Name(app.cfg.Name),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		app.broker = nb
	case "kafka":
		if len(app.cfg.Broker.Brokers) == 0 {
			return errors.New("kafka broker needs broker.brokers")
		}
		app.broker = gateway.NewKafkaBroker(app.cfg.Broker.Brokers, app.cfg.Broker.Prefix)
	default:
		return fmt.Errorf("unknown broker type %q", app.cfg.Broker.Type)
	}
	b := app.broker
	app.onClose(func(context.Context) { _ = b.Close() })
	return nil
}

func (app *App) startQuotes() {
	qc := app.cfg.Quotes
	if strings.EqualFold(qc.Provider, "static") {
		prices := make(map[string]float64, len(qc.Static))
		for _, p := range qc.Static {
			prices[strings.ToUpper(p.Symbol)] = p.Price
		}
		app.src = source.NewStatic("INR", qc.Yahoo.Suffix, prices)
		return
	}
	// 上游调用链：限流 -> 熔断 -> HTTP（带超时）
	var src source.Source = source.NewYahoo(qc.Yahoo, nil)
	src = source.NewBreaker(src, "quotes.yahoo", qc.Breaker)
	if qc.QPS > 0 {
		src = source.NewLimited(src, qc.QPS, qc.Burst)
	}
	app.src = src
}

func (app *App) startFeed() error {
	observers := make([]feed.TickObserver, 0, 2)
	if app.cfg.Broker.Publish {
		observers = append(observers, gateway.NewQuotePublisher(app.broker))
	}
	if app.cfg.Influx.Enabled() {
		app.influx = influxsink.New(app.cfg.Influx)
		sink := app.influx
		app.onClose(func(context.Context) { sink.Close() })
		observers = append(observers, sink)
		logger.Info(app.ctx, "influx sink enabled", zap.Stringer("influx", app.cfg.Influx))
	}

	// 用户输入 TCS 和 TCS.NS 落到同一个 feed
	fc := app.cfg.Feed
	suffix := app.cfg.Quotes.Yahoo.Suffix
	fc.Normalize = func(s string) (string, error) { return source.ResolveSymbol(s, suffix) }

	app.mux = feed.New(app.src, fc, observers...)
	mux := app.mux
	app.onClose(func(context.Context) { mux.Close() })

	aggs := app.cfg.Quotes.Aggregates
	if len(aggs) == 0 {
		aggs = map[string][]string{"home": homeSymbols}
	}
	for name, symbols := range aggs {
		if err := app.mux.RegisterAggregate(feed.AggregatePrefix+name, symbols); err != nil {
			return fmt.Errorf("register aggregate %s: %w", name, err)
		}
	}
	return nil
}

func (app *App) startLedger() {
	r := ledgerdb.New(app.db)
	opts := []ledger.Option{
		ledger.WithConfig(app.cfg.Ledger),
		ledger.WithQuoter(app.src),
		ledger.WithSymbolSuffix(app.cfg.Quotes.Yahoo.Suffix),
		ledger.WithPublisher(app.broker),
	}
	if app.rdb != nil {
		opts = append(opts, ledger.WithCache(ledger.NewRedisCache(app.rdb)))
		if strings.EqualFold(app.cfg.Ledger.Locker, "redis") {
			lc := app.cfg.Ledger
			opts = append(opts, ledger.WithLocker(ledger.NewRedisLocker(app.rdb, lc.LockTTL, lc.LockWait, lc.LockInterval)))
		}
	}
	app.ledger = ledger.NewService(r, opts...)
}

// Migrate 建表；sqlite 本地跑时启动自动执行
func (app *App) Migrate(ctx context.Context) error {
	return ledgerdb.New(app.db).Migrate(ctx)
}
