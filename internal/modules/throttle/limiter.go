// Package throttle rate-limits token-bearing actions with a token bucket
// shared through Redis. When Redis cannot be reached it falls back to a
// smaller in-process bucket instead of letting requests through.
package throttle

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"venuecore/internal/domain"
	"venuecore/internal/pkg/clock"
)

// Scopes that are throttled but carry no token.
const (
	ScopeBookingIntake = "booking_intake"
	ScopeWaitlistJoin  = "waitlist_join"
	ScopeWebhook       = "payment_webhook"
)

// bucketScript refills and takes one token from every bucket in KEYS, or
// from none of them when any bucket is empty.
var bucketScript = redis.NewScript(`
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_tokens = tonumber(ARGV[3])
	local interval_ms = tonumber(ARGV[4])
	local ttl_seconds = tonumber(ARGV[5])

	local tokens = {}
	local refilled = {}
	local allowed = 1
	local remaining = capacity
	local retry_after_ms = 0

	for i, key in ipairs(KEYS) do
		local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
		local t = tonumber(state[1])
		local last = tonumber(state[2])
		if t == nil or last == nil then
			t = capacity
			last = now_ms
		end
		if interval_ms > 0 and refill_tokens > 0 then
			local intervals = math.floor(math.max(0, now_ms - last) / interval_ms)
			if intervals > 0 then
				t = math.min(capacity, t + (intervals * refill_tokens))
				last = last + (intervals * interval_ms)
			end
		end
		if t <= 0 then
			allowed = 0
			local wait = interval_ms - (now_ms - last)
			if wait > retry_after_ms then retry_after_ms = wait end
		end
		tokens[i] = t
		refilled[i] = last
	end

	for i, key in ipairs(KEYS) do
		local t = tokens[i]
		if allowed == 1 then t = t - 1 end
		if t < remaining then remaining = t end
		redis.call('HSET', key, 'tokens', t, 'last_refill_ms', refilled[i])
		redis.call('EXPIRE', key, ttl_seconds)
	end

	return { allowed, remaining, retry_after_ms }
`)

type Config struct {
	Prefix   string
	Capacity int
	Refill   int
	Interval time.Duration
	TTL      time.Duration
	// FallbackCapacity is the bucket size used while Redis is unreachable.
	FallbackCapacity int
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "throttle"
	}
	if c.Capacity <= 0 {
		c.Capacity = 10
	}
	if c.Refill <= 0 {
		c.Refill = 1
	}
	if c.Interval <= 0 {
		c.Interval = 6 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.FallbackCapacity <= 0 || c.FallbackCapacity > c.Capacity {
		c.FallbackCapacity = max(1, c.Capacity/4)
	}
}

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
	// Degraded is set when the decision came from the in-process fallback.
	Degraded bool
}

type Limiter struct {
	rdb   redis.Scripter
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger
	local *localBuckets
}

// New builds a limiter. rdb may be nil, in which case every decision is
// made by the fallback bucket.
func New(rdb redis.Scripter, cfg Config, clk clock.Clock, log zerolog.Logger) *Limiter {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		rdb:   rdb,
		cfg:   cfg,
		clock: clk,
		log:   log.With().Str("component", "throttle").Logger(),
		local: newLocalBuckets(),
	}
}

// Keys returns the buckets charged for one attempt: one per token hash and
// one per caller, both namespaced by scope.
func (l *Limiter) Keys(tokenHash, scope, caller string) []string {
	if caller == "" {
		caller = "anon"
	}
	var keys []string
	if tokenHash != "" {
		keys = append(keys, strings.Join([]string{l.cfg.Prefix, scope, "tok", tokenHash}, ":"))
	}
	return append(keys, strings.Join([]string{l.cfg.Prefix, scope, "caller", caller}, ":"))
}

// CheckAndRecord counts one attempt and reports whether it may proceed.
func (l *Limiter) CheckAndRecord(ctx context.Context, tokenHash, scope, caller string) (Decision, error) {
	keys := l.Keys(tokenHash, scope, caller)
	now := l.clock.Now()

	if l.rdb != nil {
		args := []interface{}{
			now.UnixMilli(),
			int64(l.cfg.Capacity),
			int64(l.cfg.Refill),
			l.cfg.Interval.Milliseconds(),
			int64(l.cfg.TTL / time.Second),
		}
		vals, err := bucketScript.Run(ctx, l.rdb, keys, args...).Result()
		if err == nil {
			d, perr := parseResult(vals)
			if perr == nil {
				if !d.Allowed {
					l.log.Info().Str("scope", scope).Str("caller", caller).Dur("retry_after", d.RetryAfter).Msg("rate limited")
				}
				return d, nil
			}
			err = perr
		}
		l.log.Warn().Err(err).Str("scope", scope).Msg("redis throttle unavailable, using local fallback")
	}

	d := l.local.take(keys, now, l.cfg.FallbackCapacity, l.cfg.Refill, l.cfg.Interval)
	d.Degraded = true
	return d, nil
}

// Enforce is CheckAndRecord returning a rate_limited rejection on refusal.
func (l *Limiter) Enforce(ctx context.Context, tokenHash, scope, caller string) error {
	d, err := l.CheckAndRecord(ctx, tokenHash, scope, caller)
	if err != nil {
		return err
	}
	if !d.Allowed {
		secs := int(math.Ceil(d.RetryAfter.Seconds()))
		return domain.Reject(domain.ReasonRateLimited, "retry after %ds", secs)
	}
	return nil
}

func parseResult(vals interface{}) (Decision, error) {
	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("unexpected script result %#v", vals)
	}
	retry := asInt64(arr[2])
	if retry < 0 {
		retry = 0
	}
	return Decision{
		Allowed:    asInt64(arr[0]) == 1,
		Remaining:  asInt64(arr[1]),
		RetryAfter: time.Duration(retry) * time.Millisecond,
	}, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

type bucket struct {
	tokens int
	last   time.Time
}

type localBuckets struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLocalBuckets() *localBuckets {
	return &localBuckets{buckets: make(map[string]*bucket)}
}

func (b *localBuckets) take(keys []string, now time.Time, capacity, refill int, interval time.Duration) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buckets) > 10000 {
		for k, v := range b.buckets {
			if now.Sub(v.last) > time.Hour {
				delete(b.buckets, k)
			}
		}
	}

	d := Decision{Allowed: true, Remaining: int64(capacity)}
	state := make([]*bucket, len(keys))
	for i, k := range keys {
		s, ok := b.buckets[k]
		if !ok {
			s = &bucket{tokens: capacity, last: now}
			b.buckets[k] = s
		}
		if interval > 0 {
			if n := int(now.Sub(s.last) / interval); n > 0 {
				s.tokens = min(capacity, s.tokens+n*refill)
				s.last = s.last.Add(time.Duration(n) * interval)
			}
		}
		if s.tokens <= 0 {
			d.Allowed = false
			if wait := interval - now.Sub(s.last); wait > d.RetryAfter {
				d.RetryAfter = wait
			}
		}
		state[i] = s
	}
	for _, s := range state {
		if d.Allowed {
			s.tokens--
		}
		if int64(s.tokens) < d.Remaining {
			d.Remaining = int64(s.tokens)
		}
	}
	return d
}
