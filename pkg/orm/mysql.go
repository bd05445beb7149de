package orm

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Type        string `yaml:"type" mapstructure:"type"`                 // mysql | postgres | sqlite
	DSN         string `yaml:"dsn" mapstructure:"dsn"`                   // 连接字符串
	MaxIdle     int    `yaml:"max_idle" mapstructure:"max_idle"`         // 最大空闲连接
	MaxOpen     int    `yaml:"max_open" mapstructure:"max_open"`         // 最大打开连接
	MaxLifetime int    `yaml:"max_lifetime" mapstructure:"max_lifetime"` // 连接存活秒数
	LogSQL      bool   `yaml:"log_sql" mapstructure:"log_sql"`
}

func dialector(c *Config) (gorm.Dialector, error) {
	switch c.Type {
	case "", "mysql":
		return mysql.Open(c.DSN), nil
	case "postgres":
		return postgres.Open(c.DSN), nil
	case "sqlite":
		return sqlite.Open(c.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported db type %q", c.Type)
	}
}

// Open 初始化 GORM 并配置连接池
func Open(c *Config) (*gorm.DB, error) {
	d, err := dialector(c)
	if err != nil {
		return nil, err
	}

	level := logger.Warn
	if c.LogSQL {
		level = logger.Info
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger:  logger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if c.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdle)
	}
	if c.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpen)
	}
	if c.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(c.MaxLifetime) * time.Second)
	}
	return db, nil
}
