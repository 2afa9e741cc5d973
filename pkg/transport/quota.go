package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Quota gates inbound pushes. Implementations must be safe for concurrent
// use across every node the server hosts.
type Quota interface {
	Allow(ctx context.Context, tenant, node string, cost int) (bool, error)
}

// pushQuotaScript runs the token bucket atomically in Redis so every server
// replica in a tenant shares one budget.
// KEYS[1] = bucket key ("mesh_quota:<tenant>:<node>")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix timestamp (microsecond precision)
var pushQuotaScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisQuota is a Redis-backed push quota: pushes per minute with a burst
// allowance, counted per (tenant, node).
type RedisQuota struct {
	client *redis.Client
	rpm    int
	burst  int
}

// NewRedisQuota connects a quota to Redis.
func NewRedisQuota(addr, password string, db, rpm, burst int) *RedisQuota {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisQuota{client: rdb, rpm: rpm, burst: burst}
}

// Allow consumes cost tokens from the bucket for (tenant, node).
func (q *RedisQuota) Allow(ctx context.Context, tenant, node string, cost int) (bool, error) {
	key := fmt.Sprintf("mesh_quota:%s:%s", tenant, node)

	rate := float64(q.rpm) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := pushQuotaScript.Run(ctx, q.client, []string{key}, rate, q.burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("push quota: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("push quota: unexpected script result")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
