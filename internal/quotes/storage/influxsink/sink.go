package influxsink

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
	"papertrader.com/internal/quotes/source"
	"papertrader.com/pkg/logger"
)

type Config struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`

	// 写入优化项
	BatchSize     uint          `mapstructure:"batch_size"`     // 行情频率低，几百就够
	FlushInterval time.Duration `mapstructure:"flush_interval"` // 例如 1s
	UseGzip       bool          `mapstructure:"use_gzip"`
}

func (c Config) Enabled() bool { return c.URL != "" && c.Bucket != "" }

// Sink 把每次轮询到的报价写成 quote 点，供历史查询
type Sink struct {
	client influxdb2.Client
	write  api.WriteAPI
}

func New(cfg Config) *Sink {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}

	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	w := c.WriteAPI(cfg.Org, cfg.Bucket)
	s := &Sink{client: c, write: w}

	// 必须消费 Errors()，否则异步写入会卡住
	go func() {
		for err := range w.Errors() {
			logger.Warn(context.Background(), "influx write error", zap.Error(err))
		}
	}()
	return s
}

func point(q source.Quote) *write.Point {
	tags := map[string]string{"symbol": q.Symbol}
	if q.Currency != "" {
		tags["currency"] = q.Currency
	}
	fields := map[string]interface{}{
		"price":  q.Price.InexactFloat64(),
		"change": q.Change.InexactFloat64(),
		"pct":    q.PercentChange.InexactFloat64(),
	}
	ts := q.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint("quote", tags, fields, ts)
}

// OnTick 实现 feed.TickObserver；WritePoint 只进缓冲，不阻塞轮询
func (s *Sink) OnTick(ctx context.Context, topic string, quotes []source.Quote) {
	for _, q := range quotes {
		s.write.WritePoint(point(q))
	}
}

func (s *Sink) Flush() { s.write.Flush() }

// Close 会 flush buffer
func (s *Sink) Close() {
	s.client.Close()
}

func (c Config) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d flush=%s gzip=%v",
		c.URL, c.Org, c.Bucket, c.BatchSize, c.FlushInterval, c.UseGzip)
}
