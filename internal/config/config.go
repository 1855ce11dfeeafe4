// Package config defines the anonymizer's run configuration and how it is
// loaded.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/Sternrassler/person-anonymizer/pkg/logging"
	"github.com/Sternrassler/person-anonymizer/pkg/pagination"
)

// ErrInvalidConfig is returned by Validate and Load for unusable settings.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogPretty switches to human-readable console output.
	LogPretty bool `koanf:"log_pretty"`

	// TotalRecords is the number of persons requested per run.
	TotalRecords int `koanf:"total_records"`
	// MaxPerCall caps records per provider request.
	MaxPerCall int `koanf:"max_per_call"`
	// WorkerCount is the size of the fetch worker pool.
	WorkerCount int `koanf:"worker_count"`
	// StoreConcurrency bounds concurrent batch writes.
	StoreConcurrency int `koanf:"store_concurrency"`

	// FetchTimeout bounds a single HTTP attempt.
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
	// BatchTimeout bounds one batch including retries.
	BatchTimeout time.Duration `koanf:"batch_timeout"`
	// StoreTimeout bounds one batch write including retries.
	StoreTimeout time.Duration `koanf:"store_timeout"`

	RetryMaxAttempts    int           `koanf:"retry_max_attempts"`
	RetryInitialBackoff time.Duration `koanf:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `koanf:"retry_max_backoff"`
	RetryMultiplier     float64       `koanf:"retry_multiplier"`

	APIBaseURL string `koanf:"api_base_url"`
	APILocale  string `koanf:"api_locale"`
	APISeed    int64  `koanf:"api_seed"`
	UserAgent  string `koanf:"user_agent"`

	// DatabaseURL is a PostgreSQL connection string. Required unless the
	// run is a dry run.
	DatabaseURL      string `koanf:"database_url"`
	DatabaseMaxConns int32  `koanf:"database_max_conns"`

	// RedisURL enables the response cache and shared rate limit state.
	RedisURL string        `koanf:"redis_url"`
	CacheTTL time.Duration `koanf:"cache_ttl"`

	// IdentityKey keys the identity hash. Changing it changes every
	// identity and therefore breaks idempotency across runs.
	IdentityKey string `koanf:"identity_key"`

	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `koanf:"metrics_addr"`

	// MinSuccessRatio is the share of TotalRecords a run must store.
	MinSuccessRatio float64 `koanf:"min_success_ratio"`

	// ReportTopN is the number of countries in the run summary.
	ReportTopN int `koanf:"report_top_n"`
	// ReportMinAge is the lower age bound of the summary's senior count.
	ReportMinAge int `koanf:"report_min_age"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:            "info",
		TotalRecords:        30000,
		MaxPerCall:          pagination.MaxPerCall,
		WorkerCount:         30,
		StoreConcurrency:    4,
		FetchTimeout:        30 * time.Second,
		BatchTimeout:        2 * time.Minute,
		StoreTimeout:        2 * time.Minute,
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Second,
		RetryMaxBackoff:     30 * time.Second,
		RetryMultiplier:     2,
		APIBaseURL:          "https://fakerapi.it",
		APISeed:             1,
		UserAgent:           "person-anonymizer/1.0",
		DatabaseMaxConns:    10,
		CacheTTL:            24 * time.Hour,
		ReportTopN:          3,
		ReportMinAge:        60,
	}
}

// Validate checks the configuration. A dry run does not need a database.
func (c *Config) Validate(dryRun bool) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		fail("log_level: %v", err)
	}
	if c.TotalRecords <= 0 {
		fail("total_records must be positive, got %d", c.TotalRecords)
	}
	if c.MaxPerCall <= 0 || c.MaxPerCall > pagination.MaxPerCall {
		fail("max_per_call must be in [1, %d], got %d", pagination.MaxPerCall, c.MaxPerCall)
	}
	if c.WorkerCount <= 0 {
		fail("worker_count must be positive, got %d", c.WorkerCount)
	}
	if c.StoreConcurrency <= 0 {
		fail("store_concurrency must be positive, got %d", c.StoreConcurrency)
	}
	if c.RetryMaxAttempts <= 0 {
		fail("retry_max_attempts must be positive, got %d", c.RetryMaxAttempts)
	}
	if c.RetryMultiplier < 1 {
		fail("retry_multiplier must be at least 1, got %v", c.RetryMultiplier)
	}
	if c.RetryMaxBackoff < c.RetryInitialBackoff {
		fail("retry_max_backoff %v is below retry_initial_backoff %v", c.RetryMaxBackoff, c.RetryInitialBackoff)
	}
	if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		fail("api_base_url %q is not an absolute URL", c.APIBaseURL)
	}
	if c.UserAgent == "" {
		fail("user_agent must not be empty")
	}
	if !dryRun && c.DatabaseURL == "" {
		fail("database_url is required")
	}
	if c.MinSuccessRatio < 0 || c.MinSuccessRatio > 1 {
		fail("min_success_ratio must be in [0, 1], got %v", c.MinSuccessRatio)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
