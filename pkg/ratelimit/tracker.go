package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "person_api_rate_limit_remaining",
		Help: "Requests remaining in the current provider rate limit window",
	})

	rateLimitCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "person_api_rate_limit_cooldowns_total",
		Help: "Total number of cooldowns started by provider throttling",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "person_api_rate_limit_wait_seconds",
		Help:    "Time requests spent waiting for a cooldown to end",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "person_api_rate_limit_throttles_total",
		Help: "Total number of requests paced due to a low remaining quota",
	})
)

// DefaultThrottleDelay paces requests while the remaining quota is low.
const DefaultThrottleDelay = time.Second

// Tracker records provider throttling signals and gates requests.
// With a nil Redis client the state is kept in process.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
	throttleDelay time.Duration

	mu    sync.Mutex
	local State
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithSleep replaces the context-aware sleep used while waiting.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Tracker) { t.sleep = sleep }
}

// WithThrottleDelay sets the pause applied while the quota is low.
func WithThrottleDelay(d time.Duration) Option {
	return func(t *Tracker) { t.throttleDelay = d }
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		redis:         redisClient,
		logger:        logger,
		now:           time.Now,
		sleep:         sleepContext,
		throttleDelay: DefaultThrottleDelay,
		local:         defaultState(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// GetState returns the current throttling state.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		state := t.local
		return &state, nil
	}

	state := defaultState()

	remaining, err := t.redis.Get(ctx, RedisKeyRemaining).Int()
	switch {
	case err == nil:
		state.Remaining = remaining
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("get remaining: %w", err)
	}

	blockedMillis, err := t.redis.Get(ctx, RedisKeyBlockedUntil).Int64()
	switch {
	case err == nil:
		state.BlockedUntil = time.UnixMilli(blockedMillis)
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("get blocked until: %w", err)
	}

	lastUpdate, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	switch {
	case err == nil:
		if state.LastUpdate, err = time.Parse(time.RFC3339Nano, lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("get last update: %w", err)
	}

	return &state, nil
}

// UpdateFromHeaders records the throttling signals of a provider response.
// A 429 starts a cooldown of Retry-After, X-RateLimit-Reset or
// DefaultCooldown, in that order of preference. An exhausted quota with a
// reset hint starts a cooldown as well. Cooldowns are only ever extended.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, status int, headers http.Header) error {
	now := t.now()
	remaining := unknownRemaining
	if v := headers.Get(HeaderRemaining); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
		}
		remaining = n
	}

	var reset time.Duration
	hasReset := false
	if v := headers.Get(HeaderReset); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		reset, hasReset = time.Duration(secs)*time.Second, true
	}

	var cooldown time.Duration
	switch {
	case status == http.StatusTooManyRequests:
		if d, ok := ParseRetryAfter(headers.Get(HeaderRetryAfter), now); ok {
			cooldown = d
		} else if hasReset {
			cooldown = reset
		} else {
			cooldown = DefaultCooldown
		}
	case remaining == 0 && hasReset:
		cooldown = reset
	}

	if remaining == unknownRemaining && cooldown == 0 {
		return nil
	}

	current, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	state := *current
	state.LastUpdate = now
	if remaining != unknownRemaining {
		state.Remaining = remaining
		rateLimitRemaining.Set(float64(remaining))
	}
	if until := now.Add(cooldown); cooldown > 0 && until.After(state.BlockedUntil) {
		state.BlockedUntil = until
		rateLimitCooldownsTotal.Inc()
		t.logger.Warn().
			Int("status", status).
			Dur("cooldown", cooldown).
			Time("blocked_until", until).
			Msg("Provider throttling - pausing requests")
	}

	if err := t.save(ctx, state, now); err != nil {
		return err
	}

	t.logger.Debug().
		Int("remaining", state.Remaining).
		Time("blocked_until", state.BlockedUntil).
		Msg("Rate limit state updated")
	return nil
}

func (t *Tracker) save(ctx context.Context, state State, now time.Time) error {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.local.BlockedUntil.After(state.BlockedUntil) {
			state.BlockedUntil = t.local.BlockedUntil
		}
		t.local = state
		return nil
	}

	var blockedMillis, blockedTTL int64
	if ttl := state.BlockedUntil.Sub(now); ttl > 0 {
		blockedMillis, blockedTTL = state.BlockedUntil.UnixMilli(), ttl.Milliseconds()
	}

	err := saveScript.Run(ctx, t.redis,
		[]string{RedisKeyRemaining, RedisKeyLastUpdate, RedisKeyBlockedUntil},
		state.Remaining,
		state.LastUpdate.Format(time.RFC3339Nano),
		StateTTL.Milliseconds(),
		blockedMillis,
		max(blockedTTL, 1),
	).Err()
	if err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

// saveScript writes the state in one step. blocked_until is only replaced
// by a later instant.
//
// KEYS: remaining, last_update, blocked_until
// ARGV: remaining, last_update, state ttl ms, blocked until ms, blocked ttl ms
var saveScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
local until = tonumber(ARGV[4])
if until > 0 then
	local current = tonumber(redis.call('GET', KEYS[3]) or '0')
	if until > current then
		redis.call('SET', KEYS[3], ARGV[4], 'PX', ARGV[5])
	end
end
return 1
`)

// Wait blocks until no cooldown is active and paces the request when the
// remaining quota is low. It returns early only when ctx ends. State read
// errors are logged and the request proceeds.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Rate limit state unavailable - proceeding")
		return nil
	}

	if wait := state.WaitDuration(t.now()); wait > 0 {
		t.logger.Info().
			Dur("wait_duration", wait).
			Msg("Cooldown active - waiting")
		rateLimitWaitSeconds.Observe(wait.Seconds())
		if err := t.sleep(ctx, wait); err != nil {
			return fmt.Errorf("wait for cooldown: %w", err)
		}
		return nil
	}

	if state.NeedsThrottling() && t.throttleDelay > 0 {
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Msg("Low remaining quota - throttling request")
		rateLimitThrottlesTotal.Inc()
		if err := t.sleep(ctx, t.throttleDelay); err != nil {
			return fmt.Errorf("throttle: %w", err)
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
