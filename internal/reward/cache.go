package reward

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedAccounts layers a redis read-through cache over an Accounts store.
// Balances are hot on the customer app home screen, so reads vastly outnumber
// credits. Credits write through and invalidate.
type CachedAccounts struct {
	inner  Accounts
	redis  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedAccounts wraps inner with a redis cache
func NewCachedAccounts(inner Accounts, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedAccounts {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedAccounts{inner: inner, redis: rdb, ttl: ttl, logger: logger}
}

func cacheKey(identity string) string {
	return "reward_account:" + identity
}

func (c *CachedAccounts) Credit(ctx context.Context, identity string, amountMinor int64) error {
	if err := c.inner.Credit(ctx, identity, amountMinor); err != nil {
		return err
	}

	// Invalidate after the durable write; a stale read between the two is
	// bounded by the TTL anyway.
	if err := c.redis.Del(ctx, cacheKey(identity)).Err(); err != nil {
		c.logger.Warn("reward cache invalidation failed",
			"identity", identity, "error", err)
	}
	return nil
}

func (c *CachedAccounts) Get(ctx context.Context, identity string) (*Account, error) {
	cached, err := c.redis.Get(ctx, cacheKey(identity)).Result()
	if err == nil {
		var acct Account
		if json.Unmarshal([]byte(cached), &acct) == nil {
			return &acct, nil
		}
	} else if err != redis.Nil {
		c.logger.Warn("reward cache read failed", "identity", identity, "error", err)
	}

	acct, err := c.inner.Get(ctx, identity)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(acct); err == nil {
		if err := c.redis.Set(ctx, cacheKey(identity), data, c.ttl).Err(); err != nil {
			c.logger.Warn("reward cache write failed", "identity", identity, "error", err)
		}
	}
	return acct, nil
}
