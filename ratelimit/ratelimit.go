/*
Package ratelimit guards call rates for operations that are cheap to
validate but expensive to let a caller hammer — MoneyRequest.Create and
EventPool.Contribute. It sits outside the core transactional boundary: a
Redis outage degrades to "allow", it never blocks a domain operation from
completing.
*/
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Limiter is a fixed-window counter backed by Redis INCR/EXPIRE.
type Limiter struct {
	client *redis.Client
	log    zerolog.Logger
	window time.Duration
	max    int64
}

// New builds a Limiter allowing at most max calls per window, per key.
func New(client *redis.Client, window time.Duration, max int64, log zerolog.Logger) *Limiter {
	return &Limiter{client: client, log: log.With().Str("component", "ratelimit").Logger(), window: window, max: max}
}

// Allow reports whether action by actorUserID may proceed. On any Redis
// error it logs a warning and allows the call — a rate limiter outage must
// never become an outage for the operation it guards.
func (l *Limiter) Allow(ctx context.Context, action, actorUserID string) bool {
	if l == nil || l.client == nil {
		return true
	}
	key := fmt.Sprintf("ratelimit:%s:%s", action, actorUserID)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("action", action).Msg("rate limit check failed, allowing")
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			l.log.Warn().Err(err).Str("action", action).Msg("failed to set rate limit window expiry")
		}
	}
	return count <= l.max
}
