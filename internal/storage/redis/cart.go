// Package redis holds the Redis-backed cart cache and request rate limiter.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/storefront/internal/domain/cart"
)

var _ cart.Repository = (*CartCache)(nil)

// CartCache is a read-through cart.Repository. Writes go to the wrapped
// repository first and then drop the cached copy, so the cache never holds a
// version newer than the store. A version conflict also drops it, so the
// caller's retry reads what the store has. Cache failures degrade to the store.
type CartCache struct {
	next   cart.Repository
	client goredis.UniversalClient
	ttl    time.Duration
	lg     *zap.Logger
	group  singleflight.Group
}

// NewCartCache wraps next with a Redis cache.
func NewCartCache(next cart.Repository, client goredis.UniversalClient, ttl time.Duration, lg *zap.Logger) *CartCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CartCache{next: next, client: client, ttl: ttl, lg: lg}
}

func (c *CartCache) Get(ctx context.Context, userID string) (*cart.Cart, error) {
	cached, err := c.load(ctx, userID)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, goredis.Nil) {
		c.lg.Warn("Cart cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	v, err, _ := c.group.Do(userID, func() (any, error) {
		fresh, err := c.next.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		c.store(ctx, fresh)
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	// Callers mutate the cart they get; shared results must not alias.
	return clone(v.(*cart.Cart)), nil
}

func (c *CartCache) Save(ctx context.Context, ct *cart.Cart) error {
	err := c.next.Save(ctx, ct)
	if err != nil && !errors.Is(err, cart.ErrConflict) {
		return err
	}
	if ierr := c.Invalidate(ctx, ct.UserID); ierr != nil {
		c.lg.Warn("Cart cache invalidation failed", zap.String("user_id", ct.UserID), zap.Error(ierr))
	}
	return err
}

// Invalidate drops the cached cart of userID.
func (c *CartCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, cacheKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (c *CartCache) load(ctx context.Context, userID string) (*cart.Cart, error) {
	data, err := c.client.Get(ctx, cacheKey(userID)).Bytes()
	if err != nil {
		return nil, err
	}
	var ct cart.Cart
	if err := json.Unmarshal(data, &ct); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return &ct, nil
}

func (c *CartCache) store(ctx context.Context, ct *cart.Cart) {
	data, err := json.Marshal(ct)
	if err != nil {
		c.lg.Warn("Cart cache encode failed", zap.String("user_id", ct.UserID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, cacheKey(ct.UserID), data, c.ttl).Err(); err != nil {
		c.lg.Warn("Cart cache write failed", zap.String("user_id", ct.UserID), zap.Error(err))
	}
}

func clone(ct *cart.Cart) *cart.Cart {
	cp := *ct
	cp.Items = append([]cart.LineItem(nil), ct.Items...)
	if ct.Coupon != nil {
		applied := *ct.Coupon
		cp.Coupon = &applied
	}
	return &cp
}

func cacheKey(userID string) string {
	return fmt.Sprintf("cart:%s", userID)
}
