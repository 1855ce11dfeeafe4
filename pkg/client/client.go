// Package client fetches batches of synthetic persons from the provider API
// with rate limiting, caching, and bounded retries.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/person-anonymizer/pkg/cache"
	"github.com/Sternrassler/person-anonymizer/pkg/logging"
	"github.com/Sternrassler/person-anonymizer/pkg/pagination"
	"github.com/Sternrassler/person-anonymizer/pkg/ratelimit"
	"github.com/Sternrassler/person-anonymizer/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for provider requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "person_api_requests_total",
		Help: "Total provider requests by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "person_api_request_duration_seconds",
		Help:    "Provider request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "person_api_errors_total",
		Help: "Total provider errors by class",
	}, []string{"class"})
)

const (
	// PersonsPath is the provider endpoint for person records.
	PersonsPath = "/api/v2/persons"

	// DefaultBaseURL is the public provider.
	DefaultBaseURL = "https://fakerapi.it"

	// DefaultBirthdayStart widens the provider's birthday range so every
	// age group can occur.
	DefaultBirthdayStart = "1900-01-01"

	maxBodyBytes = 32 << 20
)

// Client fetches person batches from the provider.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	retrier     *retry.Retrier
	baseURL     *url.URL
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the provider, without path.
	BaseURL string

	// Locale is sent as _locale when set.
	Locale string

	// Seed makes responses deterministic; batch i requests Seed+i.
	Seed int64

	// BirthdayStart is sent as _birthday_start.
	BirthdayStart string

	// UserAgent header sent with every request.
	UserAgent string

	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout time.Duration

	// Retry bounds the attempts per batch.
	Retry retry.Config

	// Redis enables the response cache and shares rate limit state.
	// Optional.
	Redis *redis.Client

	// CacheTTL is the lifetime of cached batch responses.
	CacheTTL time.Duration

	// HTTPClient overrides the default HTTP client. Optional.
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		BirthdayStart:  DefaultBirthdayStart,
		UserAgent:      userAgent,
		RequestTimeout: 30 * time.Second,
		Retry:          retry.DefaultConfig(),
		CacheTTL:       cache.DefaultTTL,
	}
}

// New creates a new provider client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	logger := logging.NewLogger("person-client")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	var cacheManager *cache.Manager
	if cfg.Redis != nil {
		cacheManager = cache.NewManager(cfg.Redis, cfg.CacheTTL)
	}

	return &Client{
		httpClient:  httpClient,
		rateLimiter: ratelimit.NewTracker(cfg.Redis, logger),
		cache:       cacheManager,
		retrier:     retry.New("fetch", cfg.Retry, classify, retry.WithLogger(logger)),
		baseURL:     base,
		config:      cfg,
		logger:      logger,
	}, nil
}

// FetchBatch fetches and decodes one batch. Records that fail the schema
// check are returned in Invalid; a response that cannot be used at all fails
// the batch.
func (c *Client) FetchBatch(ctx context.Context, batch pagination.Batch) (pagination.BatchRecords, error) {
	seed := c.config.Seed + int64(batch.Index)
	key := cache.CacheKey{Host: c.baseURL.Host, Endpoint: PersonsPath, QueryParams: c.query(batch.Count, seed)}

	if body := c.cached(ctx, key); body != nil {
		records, err := decodeBatch(body, batch, seed)
		if err == nil {
			requestsTotal.WithLabelValues("cache_hit").Inc()
			c.logger.Debug().
				Int("batch_index", batch.Index).
				Int("offset", batch.Offset).
				Msg("Batch served from cache")
			return records, nil
		}
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("Discarding unusable cache entry")
		_ = c.cache.Delete(ctx, key)
	}

	body, err := c.fetch(ctx, key)
	if err != nil {
		return pagination.BatchRecords{}, err
	}

	records, err := decodeBatch(body, batch, seed)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassResponse)).Inc()
		return pagination.BatchRecords{}, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, body); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to cache response")
		}
	}

	if len(records.Records)+len(records.Invalid) != batch.Count {
		c.logger.Warn().
			Int("batch_index", batch.Index).
			Int("requested", batch.Count).
			Int("received", len(records.Records)+len(records.Invalid)).
			Msg("Provider returned a different record count")
	}
	return records, nil
}

func (c *Client) query(count int, seed int64) url.Values {
	q := url.Values{}
	q.Set("_quantity", strconv.Itoa(count))
	q.Set("_seed", strconv.FormatInt(seed, 10))
	if c.config.BirthdayStart != "" {
		q.Set("_birthday_start", c.config.BirthdayStart)
	}
	if c.config.Locale != "" {
		q.Set("_locale", c.config.Locale)
	}
	return q
}

// cached returns the cached body for key, or nil. Cache errors are logged
// and treated as a miss.
func (c *Client) cached(ctx context.Context, key cache.CacheKey) []byte {
	if c.cache == nil {
		return nil
	}
	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache get error")
		}
		return nil
	}
	return entry.Data
}

// fetch performs the request under the retry policy.
func (c *Client) fetch(ctx context.Context, key cache.CacheKey) ([]byte, error) {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + key.Endpoint
	u.RawQuery = key.QueryParams.Encode()
	target := u.String()

	var body []byte
	err := c.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		b, err := c.get(ctx, target)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, err
}

// get performs a single GET attempt.
func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues("network_error").Inc()
		return nil, &ProviderError{Class: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.StatusCode, resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &ProviderError{StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Message: "read body", Err: err}
	}

	if resp.StatusCode >= 400 {
		class := classifyStatus(resp.StatusCode)
		errorsTotal.WithLabelValues(string(class)).Inc()

		pe := &ProviderError{StatusCode: resp.StatusCode, Class: class, Message: resp.Status}
		if d, ok := ratelimit.ParseRetryAfter(resp.Header.Get(ratelimit.HeaderRetryAfter), time.Now()); ok {
			pe.RetryAfterDelay = d
		}

		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Provider request error")
		return nil, pe
	}

	return body, nil
}
