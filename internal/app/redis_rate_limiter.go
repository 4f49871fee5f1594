package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateQuota is one counter a request draws from: at most Limit requests per
// Window for Subject within Scope.
type RateQuota struct {
	Scope   string
	Subject string
	Limit   int
	Window  time.Duration
}

// RateDecision is the outcome of consuming a set of quotas. When Allowed is false,
// Scope names the first exhausted quota.
type RateDecision struct {
	Allowed           bool
	Scope             string
	RetryAfterSeconds int
}

// consumeQuotasScript admits a request only if every counter has room, and then
// increments all of them. A refused request consumes nothing, so hammering one
// event cannot drain the contributor's own allowance.
// KEYS[i] pairs with ARGV[2i-1] (window ms) and ARGV[2i] (limit).
var consumeQuotasScript = redis.NewScript(`
for i = 1, #KEYS do
  local current = tonumber(redis.call("GET", KEYS[i]) or "0")
  if current >= tonumber(ARGV[2 * i]) then
    local ttl = redis.call("PTTL", KEYS[i])
    if ttl < 0 then
      ttl = tonumber(ARGV[2 * i - 1])
    end
    return {0, i, ttl}
  end
end
for i = 1, #KEYS do
  if redis.call("INCR", KEYS[i]) == 1 then
    redis.call("PEXPIRE", KEYS[i], ARGV[2 * i - 1])
  end
end
return {1, 0, 0}
`)

// RedisRateLimiter implements fixed-window quotas shared by every replica.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "giftstock:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (r *RedisRateLimiter) key(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
}

// Consume draws one request from every quota or from none of them. Quotas with a
// non-positive limit or window, or an empty scope or subject, are skipped.
func (r *RedisRateLimiter) Consume(ctx context.Context, quotas ...RateQuota) (RateDecision, error) {
	if r == nil || r.client == nil {
		return RateDecision{Allowed: true}, nil
	}

	active := make([]RateQuota, 0, len(quotas))
	keys := make([]string, 0, len(quotas))
	args := make([]interface{}, 0, 2*len(quotas))
	for _, q := range quotas {
		scope := strings.TrimSpace(q.Scope)
		subject := strings.TrimSpace(q.Subject)
		if scope == "" || subject == "" || q.Limit <= 0 || q.Window <= 0 {
			continue
		}
		windowMs := q.Window.Milliseconds()
		if windowMs < 1000 {
			windowMs = 1000
		}
		active = append(active, RateQuota{Scope: scope, Subject: subject, Limit: q.Limit, Window: q.Window})
		keys = append(keys, r.key(scope, subject))
		args = append(args, windowMs, q.Limit)
	}
	if len(keys) == 0 {
		return RateDecision{Allowed: true}, nil
	}

	rawResult, err := consumeQuotasScript.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return RateDecision{}, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 3 {
		return RateDecision{}, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	allowed, ok := values[0].(int64)
	if !ok {
		return RateDecision{}, fmt.Errorf("unexpected redis limiter verdict type: %T", values[0])
	}
	if allowed == 1 {
		return RateDecision{Allowed: true}, nil
	}

	index, ok := values[1].(int64)
	if !ok || index < 1 || int(index) > len(active) {
		return RateDecision{}, fmt.Errorf("unexpected redis limiter quota index: %v", values[1])
	}
	ttlMs, ok := values[2].(int64)
	if !ok {
		return RateDecision{}, fmt.Errorf("unexpected redis limiter ttl type: %T", values[2])
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return RateDecision{Scope: active[index-1].Scope, RetryAfterSeconds: retryAfter}, nil
}
