package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
	"papertrader.com/internal/api/handler"
	"papertrader.com/internal/api/router"
	"papertrader.com/internal/ledger"
	"papertrader.com/internal/quotes/source"
	"papertrader.com/pkg/common"
	"papertrader.com/pkg/middleware"
	"papertrader.com/pkg/ratelimit"
)

type Config struct {
	Addr        string        `mapstructure:"addr"`
	RateLimit   float64       `mapstructure:"rate_limit"` // 每个 IP 每秒请求数
	RateBurst   int           `mapstructure:"rate_burst"`
	LimiterTTL  time.Duration `mapstructure:"limiter_ttl"`
	CORSOrigins []string      `mapstructure:"cors_origins"` // 为空放行所有
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 50
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 100
	}
	if c.LimiterTTL <= 0 {
		c.LimiterTTL = 10 * time.Minute
	}
	return c
}

type Deps struct {
	Ledger *ledger.Service
	Quotes source.Source
	Feeds  handler.StatsProvider
	WS     http.Handler
}

// NewRouter ctx 结束时限流器的清理协程退出
func NewRouter(ctx context.Context, name string, cfg Config, d Deps) *gin.Engine {
	cfg = cfg.withDefaults()

	// 限流
	store := ratelimit.NewStore(rate.Limit(cfg.RateLimit), cfg.RateBurst, cfg.LimiterTTL)
	store.StartJanitor(ctx, time.Minute)

	r := gin.New()
	// 监控，顺带挂 /metrics
	p := ginprom.NewPrometheus(name)
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string { return c.FullPath() }
	p.Use(r)

	r.Use(
		otelgin.Middleware(name),
		middleware.ReqId(),
		cors.New(corsConfig(cfg.CORSOrigins)),
		middleware.Recover(),
		middleware.RateLimit(store),
	)

	r.GET("/healthz", handler.Health)
	if d.WS != nil {
		r.GET("/ws", gin.WrapH(d.WS))
	}

	api := r.Group("/api")
	router.Trade(api, handler.NewTrade(d.Ledger))
	router.Market(api, handler.NewMarket(d.Quotes, d.Feeds))
	return r
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	c.AllowHeaders = append(c.AllowHeaders, common.HeaderUserID, common.HeaderRequestID)
	c.ExposeHeaders = []string{common.HeaderRequestID}
	return c
}

func NewServer(cfg Config, h http.Handler) *http.Server {
	cfg = cfg.withDefaults()
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// ws 连接由自己的写超时控制，这里不设 WriteTimeout
		MaxHeaderBytes: 1 << 20,
	}
}
