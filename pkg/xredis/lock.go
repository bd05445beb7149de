package xredis

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockNotAcquired = errors.New("xredis: lock not acquired")

// 释放锁：只有 value 等于自己的 token 才删除，防止误删别人的锁
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

var unlock = redis.NewScript(unlockScript)

type DistLock struct {
	client     redis.Cmdable
	key        string
	token      string        // 谁加锁谁解锁
	expiration time.Duration // 自动过期，持有者挂掉后锁会释放
}

func NewDistLock(client redis.Cmdable, key string, expiration time.Duration) *DistLock {
	return &DistLock{
		client:     client,
		key:        key,
		token:      uuid.NewString(),
		expiration: expiration,
	}
}

// TryLock 非阻塞，一次性
func (l *DistLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.expiration).Result()
}

// Lock 自旋直到拿到锁或 ctx 结束
func (l *DistLock) Lock(ctx context.Context, retryInterval time.Duration) error {
	for {
		ok, err := l.TryLock(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrLockNotAcquired
			}
			return err
		}
		if ok {
			return nil
		}
		// 随机抖动，防止等待者同时醒来冲击 Redis
		sleep := retryInterval + time.Duration(rand.Intn(10))*time.Millisecond
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrLockNotAcquired
			}
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Unlock 返回 false 表示锁已过期或已被别人持有
func (l *DistLock) Unlock(ctx context.Context) (bool, error) {
	res, err := unlock.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
