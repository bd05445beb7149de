package xredis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDistLock_Exclusive(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	a := NewDistLock(rdb, "lock:user:1", time.Second)
	b := NewDistLock(rdb, "lock:user:1", time.Second)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "同一个 key 第二个持有者应拿不到锁")

	// b 不能释放 a 的锁
	released, err := b.Unlock(ctx)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = a.Unlock(ctx)
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistLock_LockTimeout(t *testing.T) {
	_, rdb := newTestRedis(t)

	holder := NewDistLock(rdb, "lock:user:2", time.Minute)
	ok, err := holder.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = NewDistLock(rdb, "lock:user:2", time.Minute).Lock(ctx, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestDistLock_ExpiresWhenHolderDies(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	ok, err := NewDistLock(rdb, "lock:user:3", 100*time.Millisecond).TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(200 * time.Millisecond)

	ok, err = NewDistLock(rdb, "lock:user:3", time.Second).TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewRedis_PingFails(t *testing.T) {
	_, err := NewRedis(context.Background(), &Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
