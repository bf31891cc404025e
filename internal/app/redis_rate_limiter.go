/**
 * @description
 * Redis-backed fixed-window counter behind the SpendRateLimiter contract.
 * Each scope/subject pair gets one counter key per window; the Lua script
 * performs the increment and the expiry in a single round trip, so a counter
 * key can never be created without a TTL.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client and Lua script execution.
 */

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// The script returns the post-increment count and the remaining window in
// milliseconds. PTTL reports a negative value for a key that lost its expiry
// (eviction between INCR and PEXPIRE), in which case the full window length
// stands in.
var spendWindowScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local remaining = redis.call("PTTL", KEYS[1])
if remaining < 0 then
  remaining = tonumber(ARGV[1])
end
return {hits, remaining}
`)

const defaultSpendLimitPrefix = "pointgrid:rate_limit"

// RedisSpendRateLimiter counts point-spend attempts per account in fixed
// windows. A nil limiter or nil client disables limiting instead of failing
// spends.
type RedisSpendRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSpendRateLimiter(client redis.UniversalClient, prefix string) *RedisSpendRateLimiter {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = defaultSpendLimitPrefix
	}
	return &RedisSpendRateLimiter{client: client, prefix: p}
}

// ConsumeRateLimit records one attempt for scope/subject and returns the
// window's running count plus the whole seconds until the window resets.
// Disabled configurations (no client, non-positive limit or window, blank
// identifiers) report a zero count, which callers read as not limited.
func (r *RedisSpendRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	// Windows are floored at one second; a shorter PEXPIRE could drop the
	// counter before a second attempt lands.
	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := r.prefix + ":" + scope + ":" + subject
	reply, err := spendWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("spend window script failed: %w", err)
	}

	hits, remainingMs, err := decodeSpendWindowReply(reply)
	if err != nil {
		return 0, 0, err
	}
	if remainingMs < 0 {
		remainingMs = windowMs
	}

	// Round up to whole seconds for a Retry-After style hint.
	retryAfter := (remainingMs + 999) / 1000
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(hits), int(retryAfter), nil
}

// decodeSpendWindowReply unpacks the two-integer array the limiter script
// returns. go-redis hands Lua arrays back as []interface{} holding int64s.
func decodeSpendWindowReply(reply interface{}) (hits, remainingMs int64, err error) {
	arr, ok := reply.([]interface{})
	if !ok || len(arr) != 2 {
		return 0, 0, fmt.Errorf("spend window reply is not a two-element array: %T", reply)
	}
	if hits, ok = arr[0].(int64); !ok {
		return 0, 0, fmt.Errorf("spend window count is not an integer: %T", arr[0])
	}
	if remainingMs, ok = arr[1].(int64); !ok {
		return 0, 0, fmt.Errorf("spend window ttl is not an integer: %T", arr[1])
	}
	return hits, remainingMs, nil
}
