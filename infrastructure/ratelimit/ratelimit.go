// Package ratelimit implements a shared, key-value-store-backed token
// bucket: per-principal buckets keyed by category, refilled continuously
// and decremented atomically.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/lreardon/agent-repository/infrastructure/kvstore"
)

// Category names the rate-limit bucket a request belongs to.
type Category string

const (
	CategoryDiscovery     Category = "discovery"
	CategoryRead          Category = "read"
	CategoryWrite         Category = "write"
	CategoryJobLifecycle  Category = "job-lifecycle"
	CategoryRegistration  Category = "registration"
	CategoryUnauthGeneric Category = "unauth-generic"
)

// Rule is a bucket's capacity and linear refill rate.
type Rule struct {
	Capacity       float64
	RefillPerMinute float64
}

// DefaultTable is the built-in capacity/refill table, one entry per
// traffic category.
func DefaultTable() map[Category]Rule {
	return map[Category]Rule{
		CategoryDiscovery:     {Capacity: 60, RefillPerMinute: 20},
		CategoryRead:          {Capacity: 120, RefillPerMinute: 60},
		CategoryWrite:         {Capacity: 30, RefillPerMinute: 10},
		CategoryJobLifecycle:  {Capacity: 20, RefillPerMinute: 5},
		CategoryRegistration:  {Capacity: 5, RefillPerMinute: 2},
		CategoryUnauthGeneric: {Capacity: 30, RefillPerMinute: 10},
	}
}

// Decision is the outcome of a bucket check, surfaced as response metadata
// on both allow and deny.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetEpoch int64
	RetryAfter int
}

// Limiter enforces per-principal, per-category token buckets over a shared
// kvstore.Store.
type Limiter struct {
	store Store
	table map[Category]Rule
}

// Store is the subset of kvstore.Store the limiter needs, narrowed so the
// compare-and-set script is the only moving part exercised by tests.
type Store interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// New creates a Limiter. A nil table falls back to DefaultTable.
func New(store Store, table map[Category]Rule) *Limiter {
	if table == nil {
		table = DefaultTable()
	}
	return &Limiter{store: store, table: table}
}

// bucketScript performs the load → refill → decrement compare-and-set
// atomically in Redis. KEYS[1] is the bucket key; ARGV = capacity,
// refill_per_minute, now_epoch.
//
// It stores "tokens|last_refill_epoch" as the value, mirroring the
// MemoryStore fallback's wire format so both backends agree on encoding.
const bucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_minute = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = capacity
local last_refill = now

local raw = redis.call("GET", key)
if raw then
  local sep = string.find(raw, "|")
  tokens = tonumber(string.sub(raw, 1, sep - 1))
  last_refill = tonumber(string.sub(raw, sep + 1))
end

local elapsed_minutes = (now - last_refill) / 60.0
if elapsed_minutes < 0 then elapsed_minutes = 0 end
tokens = math.min(capacity, tokens + elapsed_minutes * refill_per_minute)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("SET", key, tostring(tokens) .. "|" .. tostring(now), "EX", 3600)
return {allowed, tostring(tokens)}
`

// memoryBucket is implemented by kvstore.MemoryStore; the limiter uses it
// directly in tests instead of asking the store to interpret Lua.
type memoryBucket interface {
	BucketTake(key string, capacity float64, refillPerMinute float64, now time.Time) (bool, float64, int64)
}

// Allow checks and consumes one token from principal's bucket in category.
func (l *Limiter) Allow(ctx context.Context, principal string, category Category) (Decision, error) {
	rule, ok := l.table[category]
	if !ok {
		rule = Rule{Capacity: 30, RefillPerMinute: 10}
	}
	key := fmt.Sprintf("rate:%s:%s", principal, category)
	now := time.Now()

	if mem, ok := l.store.(memoryBucket); ok {
		allowed, remaining, resetEpoch := mem.BucketTake(key, rule.Capacity, rule.RefillPerMinute, now)
		return decisionFrom(rule, allowed, remaining, resetEpoch), nil
	}

	raw, err := l.store.Eval(ctx, bucketScript, []string{key}, rule.Capacity, rule.RefillPerMinute, now.Unix())
	if err != nil {
		// Denied by default; callers decide whether their category can
		// fail open on this error (infrastructure/middleware does, for
		// read-only categories).
		return Decision{Allowed: false, Limit: int(rule.Capacity), RetryAfter: 60}, err
	}

	results, ok := raw.([]interface{})
	if !ok || len(results) != 2 {
		return Decision{Allowed: false, Limit: int(rule.Capacity), RetryAfter: 60}, fmt.Errorf("ratelimit: unexpected script result shape")
	}
	allowedFlag := toInt64(results[0])
	remaining := toFloat(results[1])

	return decisionFrom(rule, allowedFlag == 1, remaining, now.Add(time.Minute).Unix()), nil
}

func decisionFrom(rule Rule, allowed bool, remaining float64, resetEpoch int64) Decision {
	d := Decision{
		Allowed:    allowed,
		Limit:      int(rule.Capacity),
		Remaining:  int(math.Max(0, math.Floor(remaining))),
		ResetEpoch: resetEpoch,
	}
	if !allowed {
		deficit := 1 - remaining
		if deficit < 0 {
			deficit = 0
		}
		if rule.RefillPerMinute > 0 {
			d.RetryAfter = int(math.Ceil(deficit * 60 / rule.RefillPerMinute))
		} else {
			d.RetryAfter = 60
		}
	}
	return d
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		var n int64
		_, _ = fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		var f float64
		_, _ = fmt.Sscanf(t, "%f", &f)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

// Ensure kvstore.Store satisfies the narrowed Store interface this package
// depends on.
var _ Store = (kvstore.Store)(nil)
