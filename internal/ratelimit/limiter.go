// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. Counters are shared by every server instance that
// talks to the same Redis, so a client cannot dodge its budget by reconnecting
// to another node.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-room/internal/protocol"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:frame:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleFrame allows 20 posted frames (add, update, anything unrecognized)
	// per 10 seconds per connection.
	RuleFrame = Rule{Key: "rl:frame:", Limit: 20, Window: 10 * time.Second}

	// RuleRead allows 500 read receipts per 10 seconds per connection.
	// Receipts have their own window so catching up on a backlog never
	// spends the budget for posting.
	RuleRead = Rule{Key: "rl:read:", Limit: 500, Window: 10 * time.Second}

	// RuleConnect allows 30 WebSocket upgrades per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger zerolog.Logger) *Limiter {
	return &Limiter{client: client, logger: logger.With().Str("component", "ratelimit").Logger()}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Bound is a Limiter fixed to one rule.
type Bound struct {
	limiter *Limiter
	rule    Rule
}

// Bind returns a limiter that always checks rule.
func (l *Limiter) Bind(rule Rule) *Bound {
	return &Bound{limiter: l, rule: rule}
}

// AllowConnect reports whether the client at addr may open another
// connection.
func (b *Bound) AllowConnect(ctx context.Context, addr string) bool {
	ok, _ := b.limiter.Allow(ctx, addr, b.rule)
	return ok
}

// FrameRules is the per-connection budget of each frame class.
type FrameRules struct {
	Post Rule // add, update and unrecognized frames
	Read Rule // read receipts
}

// FrameLimiter limits inbound frames per connection and frame class.
type FrameLimiter struct {
	limiter *Limiter
	rules   FrameRules
}

// Frames returns a FrameLimiter using rules.
func (l *Limiter) Frames(rules FrameRules) *FrameLimiter {
	return &FrameLimiter{limiter: l, rules: rules}
}

// AllowFrame reports whether connection connID may send another frame of
// frameType.
func (f *FrameLimiter) AllowFrame(ctx context.Context, connID, frameType string) bool {
	rule := f.rules.Post
	if frameType == protocol.TypeRead {
		rule = f.rules.Read
	}
	ok, _ := f.limiter.Allow(ctx, connID, rule)
	return ok
}
