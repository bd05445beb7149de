package config

import (
	"context"
	"errors"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"papertrader.com/pkg/logger"
)

type Options struct {
	// 额外的搜索目录，默认 ./config 和 .
	Paths []string
	// 默认值，key 用点号，例如 "feed.poll_interval"
	Defaults map[string]any
	// 配置文件变更并重新 Unmarshal 成功后回调
	OnChange func()
	// 找不到配置文件时不报错，只用默认值 + 环境变量
	Optional bool
}

// LoadAndWatch 约定：config/{service}.yaml
// 环境变量覆盖，例如 PAPERTRADER_REDIS_ADDR 覆盖 redis.addr
func LoadAndWatch(service string, out interface{}, opts ...Options) (*viper.Viper, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}

	// .env 不存在很正常，忽略错误
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	for _, p := range o.Paths {
		v.AddConfigPath(p)
	}
	for k, val := range o.Defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(strings.ToUpper(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !o.Optional || !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	ctx := context.Background()
	if !fileLoaded {
		logger.Warn(ctx, "config file not found, using defaults", zap.String("service", service))
		return v, nil
	}
	logger.Info(ctx, "config loaded", zap.String("service", service), zap.String("file", v.ConfigFileUsed()))

	// 监听文件变更，热更新到 out
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info(ctx, "config file changed", zap.String("file", e.Name))
		if err := v.Unmarshal(out); err != nil {
			logger.Error(ctx, "reload config failed", zap.Error(err))
			return
		}
		if o.OnChange != nil {
			o.OnChange()
		}
	})
	v.WatchConfig()

	return v, nil
}
