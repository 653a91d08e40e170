package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/storefront/pkg/httpmiddleware"
)

var _ httpmiddleware.Limiter = (*RateLimiter)(nil)

// RateLimiter is a fixed window limiter whose counters live in Redis, so
// every replica draws from the same budget. Each window gets its own key,
// which expires shortly after the window closes.
type RateLimiter struct {
	client goredis.UniversalClient
	name   string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter allows limit requests per key per window. name namespaces
// the counters of one limited route.
func NewRateLimiter(client goredis.UniversalClient, name string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		name:   name,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (l *RateLimiter) Allow(ctx context.Context, key string) (httpmiddleware.Decision, error) {
	start := l.now().Truncate(l.window)
	k := "ratelimit:" + l.name + ":" + key + ":" + strconv.FormatInt(start.Unix(), 10)

	var count *goredis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		count = p.Incr(ctx, k)
		p.PExpire(ctx, k, l.window+time.Second)
		return nil
	})
	if err != nil {
		return httpmiddleware.Decision{}, errors.Wrapf(err, "count %s request", l.name)
	}

	n := int(count.Val())
	return httpmiddleware.Decision{
		Allowed:   n <= l.limit,
		Limit:     l.limit,
		Remaining: max(l.limit-n, 0),
		ResetAt:   start.Add(l.window),
	}, nil
}
