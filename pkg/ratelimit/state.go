// Package ratelimit tracks the provider's throttling signals and pauses
// requests while a cooldown is active. The state is shared through Redis so
// that every worker, and every process pointed at the same Redis, backs off
// together after an HTTP 429.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining    = "persons:rate_limit:remaining"
	RedisKeyBlockedUntil = "persons:rate_limit:blocked_until"
	RedisKeyLastUpdate   = "persons:rate_limit:last_update"
)

// Provider throttling headers.
const (
	HeaderRetryAfter = "Retry-After"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
)

const (
	// RemainingThresholdWarning paces requests when the remaining quota
	// falls below this value.
	RemainingThresholdWarning = 5

	// DefaultCooldown applies to a 429 that carries no wait hint.
	DefaultCooldown = 5 * time.Second

	// StateTTL bounds how long quota information outlives the response
	// that reported it.
	StateTTL = 10 * time.Minute

	// unknownRemaining marks a state without quota information.
	unknownRemaining = -1
)

// State is the current throttling state.
type State struct {
	// Remaining is the request quota left in the current window, or -1
	// when the provider has not reported one.
	Remaining int `json:"remaining"`

	// BlockedUntil is the end of the active cooldown. Zero means none.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is when the state was last written.
	LastUpdate time.Time `json:"last_update"`
}

func defaultState() State {
	return State{Remaining: unknownRemaining}
}

// IsBlocked reports whether a cooldown is active at now.
func (s *State) IsBlocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// WaitDuration returns the time left in the cooldown at now, or 0.
func (s *State) WaitDuration(now time.Time) time.Duration {
	if !s.IsBlocked(now) {
		return 0
	}
	return s.BlockedUntil.Sub(now)
}

// NeedsThrottling reports whether the remaining quota is low.
func (s *State) NeedsThrottling() bool {
	return s.Remaining >= 0 && s.Remaining < RemainingThresholdWarning
}

// ParseRetryAfter parses a Retry-After value given either as delay seconds
// or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}

	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
