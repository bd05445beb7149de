package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"papertrader.com/internal/app"
	"papertrader.com/pkg/config"
	"papertrader.com/pkg/logger"
	"papertrader.com/pkg/metrics"
)

func main() {
	// 支持 Ctrl+C / kubernetes 停止信号的 context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg app.Cfg
	if _, err := config.LoadAndWatch("papertrader", &cfg, config.Options{
		Defaults: app.Defaults(),
		Optional: true,
	}); err != nil {
		panic(fmt.Sprintf("加载配置出错 %+v", err))
	}

	if cfg.Log.Service == "" {
		cfg.Log.Service = cfg.Name
	}
	logger.InitWithConfig(cfg.Log)
	defer logger.Sync()
	logger.Info(ctx, "服务开始启动", zap.String("name", cfg.Name))

	metrics.MustRegister()

	a := app.New(cfg)
	cleanUp, err := a.StartService(ctx)
	if err != nil {
		logger.Fatal(ctx, "start service failed", zap.Error(err))
	}
	defer cleanUp()

	if err := a.Run(ctx); err != nil {
		logger.Error(ctx, "service stopped with error", zap.Error(err))
		return
	}
	logger.Info(ctx, "service stopped")
}
