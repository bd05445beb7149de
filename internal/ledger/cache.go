package ledger

import (
	"context"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
)

type Cache interface {
	GetPortfolio(ctx context.Context, userID string) (*Portfolio, bool, error)
	SetPortfolio(ctx context.Context, p *Portfolio, ttl time.Duration) error
	DelPortfolio(ctx context.Context, userID string) error
}

type redisCache struct {
	client redis.Cmdable
}

func NewRedisCache(c redis.Cmdable) Cache {
	return &redisCache{client: c}
}

func (r *redisCache) GetPortfolio(ctx context.Context, userID string) (*Portfolio, bool, error) {
	key := r.getKey(userID)

	b, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	p := &Portfolio{}
	if err := json.Unmarshal(b, p); err != nil {
		// 缓存脏了就删掉，避免持续命中错误
		_ = r.client.Del(ctx, key).Err()
		return nil, false, err
	}
	return p, true, nil
}

func (r *redisCache) SetPortfolio(ctx context.Context, p *Portfolio, ttl time.Duration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	// 加入随机时间 防止同时过期
	return r.client.Set(ctx, r.getKey(p.UserID), b, withJitter(ttl, ttl/10)).Err()
}

func (r *redisCache) DelPortfolio(ctx context.Context, userID string) error {
	return r.client.Del(ctx, r.getKey(userID)).Err()
}

func (r *redisCache) getKey(userID string) string {
	return "papertrader:portfolio:" + userID
}

func withJitter(ttl time.Duration, jitter time.Duration) time.Duration {
	if ttl <= 0 || jitter <= 0 {
		return ttl
	}
	// [0, jitter) 的随机
	return ttl + time.Duration(rand.Int63n(int64(jitter)))
}
