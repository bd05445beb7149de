package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"papertrader.com/pkg/logger"
	"papertrader.com/pkg/xredis"
)

// Locker 按 key（用户）串行化；unlock 必须调用且只调用一次
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker 进程内按 key 的互斥锁，没人用的 key 会被回收
type LocalLocker struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{m: make(map[string]*keyLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl := l.m[key]
	if kl == nil {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.m[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.ch
				l.release(key, kl)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.m, key)
	}
	l.mu.Unlock()
}

// size 测试用
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// RedisLocker 多实例部署时用，底层 SET NX PX + lua 解锁
type RedisLocker struct {
	client   redis.Cmdable
	ttl      time.Duration
	wait     time.Duration
	interval time.Duration
}

// NewRedisLocker 参数 <=0 时用 Config 的默认值
func NewRedisLocker(client redis.Cmdable, ttl, wait, interval time.Duration) *RedisLocker {
	c := Config{LockTTL: ttl, LockWait: wait, LockInterval: interval}.withDefaults()
	return &RedisLocker{client: client, ttl: c.LockTTL, wait: c.LockWait, interval: c.LockInterval}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	dl := xredis.NewDistLock(r.client, "papertrader:lock:user:"+key, r.ttl)
	if err := dl.Lock(lockCtx, r.interval); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// 业务 ctx 可能已经取消，解锁用独立 ctx
			uctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if ok, err := dl.Unlock(uctx); err != nil || !ok {
				logger.Warn(ctx, "user lock release failed", zap.String("key", key), zap.Bool("owned", ok), zap.Error(err))
			}
		})
	}, nil
}
