// Package retry implements the bounded exponential backoff loop shared by the
// provider client and the storage layer.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retries_total",
		Help: "Total number of retry attempts by operation",
	}, []string{"op"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "retry_backoff_seconds",
		Help:    "Backoff duration before a retry by operation",
		Buckets: []float64{0.05, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"op"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by operation",
	}, []string{"op"})
)

var (
	// ErrExhausted is returned when all attempts failed transiently.
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrCancelled is returned when the context ends during a backoff wait.
	ErrCancelled = errors.New("context cancelled")
)

// Outcome classifies the result of a single attempt.
type Outcome int

const (
	// Success ends the loop without error.
	Success Outcome = iota
	// Transient schedules another attempt while attempts remain.
	Transient
	// Terminal ends the loop and returns the attempt's error unchanged.
	Terminal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Classifier maps a non-nil attempt error to Transient or Terminal.
type Classifier func(err error) Outcome

// Delayer is implemented by errors that carry a server-provided wait hint,
// such as an HTTP Retry-After header.
type Delayer interface {
	RetryAfter() time.Duration
}

// Config holds the configuration for retry logic.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first one).
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps every wait, including server hints.
	MaxBackoff time.Duration

	// Multiplier grows the backoff after each transient failure.
	Multiplier float64

	// Jitter is the +/- fraction of randomness applied to each wait.
	Jitter float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = def.Jitter
	}
	return c
}

// Retrier runs an operation under a Config and Classifier.
type Retrier struct {
	op       string
	config   Config
	classify Classifier
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	random   func() float64
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithLogger sets the logger used for retry events.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Retrier) {
		r.logger = logger
	}
}

// WithSleep replaces the backoff wait (for testing).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// WithRandom replaces the jitter source (for testing). fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.random = fn
		}
	}
}

// New creates a Retrier for the named operation. op is used as metric label.
func New(op string, cfg Config, classify Classifier, opts ...Option) *Retrier {
	if classify == nil {
		classify = func(error) Outcome { return Transient }
	}
	r := &Retrier{
		op:       op,
		config:   cfg.withDefaults(),
		classify: classify,
		logger:   log.With().Str("component", "retry").Str("op", op).Logger(),
		sleep:    sleepContext,
		random:   rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration after defaults were applied.
func (r *Retrier) Config() Config {
	return r.config
}

// Do runs fn as a bounded state machine:
//
//	Attempt(n) -> Success                                 return nil
//	Attempt(n) -> Terminal                                return err
//	Attempt(n) -> Transient, n < MaxAttempts  -> backoff -> Attempt(n+1)
//	Attempt(n) -> Transient, n == MaxAttempts             return ErrExhausted
//
// The error returned on exhaustion wraps both ErrExhausted and the last
// attempt's error.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	backoff := r.config.InitialBackoff

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)

		outcome := Success
		if err != nil {
			outcome = r.classify(err)
		}

		switch outcome {
		case Success:
			if attempt > 1 {
				r.logger.Info().
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return nil

		case Terminal:
			return err
		}

		if attempt >= r.config.MaxAttempts {
			retryExhaustedTotal.WithLabelValues(r.op).Inc()
			r.logger.Warn().
				Err(err).
				Int("max_attempts", r.config.MaxAttempts).
				Msg("Retry attempts exhausted")
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		wait := r.waitFor(backoff, err)
		retriesTotal.WithLabelValues(r.op).Inc()
		retryBackoffSeconds.WithLabelValues(r.op).Observe(wait.Seconds())

		r.logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying after backoff")

		if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
			r.logger.Warn().
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v: last error: %w", ErrCancelled, sleepErr, err)
		}

		backoff = time.Duration(float64(backoff) * r.config.Multiplier)
		if backoff > r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
		}
	}
}

// waitFor applies jitter to backoff and honours a server hint carried by err.
func (r *Retrier) waitFor(backoff time.Duration, err error) time.Duration {
	j := r.config.Jitter
	wait := time.Duration(float64(backoff) * (1 - j + r.random()*2*j))

	var d Delayer
	if errors.As(err, &d) {
		if hint := d.RetryAfter(); hint > wait {
			wait = hint
		}
	}

	if wait > r.config.MaxBackoff {
		wait = r.config.MaxBackoff
	}
	return wait
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
