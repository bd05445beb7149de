package safe

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"
	"papertrader.com/pkg/logger"
)

// GoCtx 安全启动携带 context 的协程，日志里保留链路信息
func GoCtx(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverPanic(ctx, name)
		fn(ctx)
	}()
}

// recoverPanic 必须直接 defer 调用
func recoverPanic(ctx context.Context, name string) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
		zap.String("goroutine", name),
		zap.Any("panic", r),
		zap.String("stack", string(debug.Stack())),
	)
}
