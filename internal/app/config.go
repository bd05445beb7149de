package app

import (
	"time"

	"papertrader.com/internal/api"
	"papertrader.com/internal/ledger"
	"papertrader.com/internal/quotes/feed"
	"papertrader.com/internal/quotes/source"
	"papertrader.com/internal/quotes/storage/influxsink"
	"papertrader.com/pkg/logger"
	"papertrader.com/pkg/orm"
	"papertrader.com/pkg/ratelimit"
	"papertrader.com/pkg/trace"
	"papertrader.com/pkg/xredis"
)

// 总配置
type Cfg struct {
	Name        string            `yaml:"name" mapstructure:"name"`
	AutoMigrate bool              `yaml:"auto_migrate" mapstructure:"auto_migrate"`
	Log         logger.Config     `yaml:"log" mapstructure:"log"`
	HTTP        api.Config        `yaml:"http" mapstructure:"http"`
	Db          orm.Config        `yaml:"db" mapstructure:"db"`
	Redis       RedisCfg          `yaml:"redis" mapstructure:"redis"`
	Ledger      ledger.Config     `yaml:"ledger" mapstructure:"ledger"`
	Quotes      QuotesCfg         `yaml:"quotes" mapstructure:"quotes"`
	Feed        feed.Config       `yaml:"feed" mapstructure:"feed"`
	Broker      BrokerCfg         `yaml:"broker" mapstructure:"broker"`
	Influx      influxsink.Config `yaml:"influx" mapstructure:"influx"`
	OTel        OTel              `yaml:"otel" mapstructure:"otel"`
	Profiling   Profiling         `yaml:"profiling" mapstructure:"profiling"`
}

// 持续 profiling，推到 pyroscope
type Profiling struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	ServerAddress string `yaml:"server_address" mapstructure:"server_address"`
	Env           string `yaml:"env" mapstructure:"env"`
}

type RedisCfg struct {
	Enabled       bool `yaml:"enabled" mapstructure:"enabled"`
	xredis.Config `yaml:",inline" mapstructure:",squash"`
}

type QuotesCfg struct {
	// yahoo | static
	Provider string             `yaml:"provider" mapstructure:"provider"`
	Yahoo    source.YahooConfig `yaml:"yahoo" mapstructure:"yahoo"`
	QPS      float64            `yaml:"qps" mapstructure:"qps"`
	Burst    int                `yaml:"burst" mapstructure:"burst"`
	Breaker  ratelimit.Rule     `yaml:"breaker" mapstructure:"breaker"`
	// provider=static 时的固定价格
	Static []StaticPrice `yaml:"static" mapstructure:"static"`
	// 组合 feed，例如 home: [RELIANCE.NS, TCS.NS]
	Aggregates map[string][]string `yaml:"aggregates" mapstructure:"aggregates"`
}

// 代码里有点号，不能当 viper 的 map key
type StaticPrice struct {
	Symbol string  `yaml:"symbol" mapstructure:"symbol"`
	Price  float64 `yaml:"price" mapstructure:"price"`
}

type BrokerCfg struct {
	// mem | nats | kafka
	Type    string   `yaml:"type" mapstructure:"type"`
	URL     string   `yaml:"url" mapstructure:"url"`
	Brokers []string `yaml:"brokers" mapstructure:"brokers"` // kafka
	Prefix  string   `yaml:"prefix" mapstructure:"prefix"`
	Publish bool     `yaml:"publish_quotes" mapstructure:"publish_quotes"`
}

type OTel struct {
	Enabled bool         `yaml:"enabled" mapstructure:"enabled"`
	Trace   trace.Config `yaml:"trace" mapstructure:"trace"`
}

// 首页默认关注列表
var homeSymbols = []string{"RELIANCE.NS", "TCS.NS", "HDFCBANK.NS", "INFY.NS", "ICICIBANK.NS", "BHARTIARTL.NS"}

// Defaults 配置文件里没有的 key 走这里
func Defaults() map[string]any {
	return map[string]any{
		"name":                 "papertrader",
		"auto_migrate":         true,
		"log.level":            "info",
		"http.addr":            ":8080",
		"http.rate_limit":      50,
		"http.rate_burst":      100,
		"db.type":              "sqlite",
		"db.dsn":               "file:papertrader.db?_busy_timeout=5000",
		"db.max_open":          1,
		"ledger.default_cash":  ledger.DefaultStartingCash,
		"ledger.locker":        "local",
		"quotes.provider":      "yahoo",
		"quotes.yahoo.timeout": 3 * time.Second,
		"quotes.yahoo.suffix":  source.DefaultSuffix,
		"quotes.qps":           5,
		"quotes.burst":         10,
		"feed.poll_interval":   2 * time.Second,
		"feed.fetch_timeout":   5 * time.Second,
		"broker.type":          "mem",
	}
}
