package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	// 开户初始资金
	DefaultCash float64 `yaml:"default_cash" mapstructure:"default_cash"`
	// 持仓缓存 TTL，0 表示用默认值
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	// 分布式锁参数（locker=redis 时生效）
	Locker       string        `yaml:"locker" mapstructure:"locker"` // local | redis
	LockTTL      time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
	LockWait     time.Duration `yaml:"lock_wait" mapstructure:"lock_wait"`
	LockInterval time.Duration `yaml:"lock_interval" mapstructure:"lock_interval"`
}

const DefaultStartingCash = 10000

func (c Config) withDefaults() Config {
	if c.DefaultCash <= 0 {
		c.DefaultCash = DefaultStartingCash
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 3 * time.Second
	}
	if c.LockInterval <= 0 {
		c.LockInterval = 20 * time.Millisecond
	}
	return c
}

func (c Config) startingCash() decimal.Decimal {
	return decimal.NewFromFloat(c.DefaultCash)
}
