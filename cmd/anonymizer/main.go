// Command anonymizer fetches synthetic persons, anonymizes them and upserts
// them into PostgreSQL, then prints a short summary of the stored data.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/person-anonymizer/internal/config"
	"github.com/Sternrassler/person-anonymizer/pkg/anonymize"
	"github.com/Sternrassler/person-anonymizer/pkg/client"
	"github.com/Sternrassler/person-anonymizer/pkg/logging"
	"github.com/Sternrassler/person-anonymizer/pkg/metrics"
	"github.com/Sternrassler/person-anonymizer/pkg/pagination"
	"github.com/Sternrassler/person-anonymizer/pkg/pipeline"
	"github.com/Sternrassler/person-anonymizer/pkg/retry"
	"github.com/Sternrassler/person-anonymizer/pkg/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one pipeline run and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("anonymizer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dryRun := fs.Bool("dry-run", false, "store records in memory instead of PostgreSQL")
	total := fs.Int("total", 0, "number of records to fetch (overrides total_records)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	if *total > 0 {
		cfg.TotalRecords = *total
	}
	if err := cfg.Validate(*dryRun); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.Setup(logging.Config{Level: level, Pretty: cfg.LogPretty, Output: stderr})
	logger := logging.NewLogger("main")

	if cfg.MetricsAddr != "" {
		srv := metrics.Start(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	redisClient := connectRedis(ctx, cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	retryCfg := retry.Config{
		MaxAttempts:    cfg.RetryMaxAttempts,
		InitialBackoff: cfg.RetryInitialBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
		Multiplier:     cfg.RetryMultiplier,
		Jitter:         retry.DefaultConfig().Jitter,
	}

	store, closeStore, err := openStore(ctx, cfg, *dryRun, retryCfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open store")
		return 1
	}
	defer closeStore()

	clientCfg := client.DefaultConfig(cfg.UserAgent)
	clientCfg.BaseURL = cfg.APIBaseURL
	clientCfg.Locale = cfg.APILocale
	clientCfg.Seed = cfg.APISeed
	clientCfg.RequestTimeout = cfg.FetchTimeout
	clientCfg.Retry = retryCfg
	clientCfg.Redis = redisClient
	clientCfg.CacheTTL = cfg.CacheTTL

	source, err := client.New(clientCfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create provider client")
		return 1
	}

	p := pipeline.New(
		source,
		anonymize.New(anonymize.WithKey([]byte(cfg.IdentityKey))),
		store,
		pipeline.Config{
			TotalRecords: cfg.TotalRecords,
			MaxPerCall:   cfg.MaxPerCall,
			Fetch: pagination.Config{
				MaxConcurrency: cfg.WorkerCount,
				BatchTimeout:   cfg.BatchTimeout,
			},
			StoreConcurrency: cfg.StoreConcurrency,
			StoreTimeout:     cfg.StoreTimeout,
			MinSuccessRatio:  cfg.MinSuccessRatio,
		},
	)

	result, runErr := p.Run(ctx)
	if result == nil {
		logger.Error().Err(runErr).Msg("Pipeline run failed")
		return 1
	}

	sum, err := summarize(ctx, store, cfg.ReportTopN, cfg.ReportMinAge)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to query summary")
		return 1
	}
	printSummary(stdout, result, sum, cfg.ReportMinAge)

	if runErr != nil {
		logger.Error().Err(runErr).Msg("Pipeline run incomplete")
		return 1
	}
	return 0
}

// connectRedis returns a client for url, or nil when url is empty or the
// server is unreachable. The run proceeds without cache in that case.
func connectRedis(ctx context.Context, url string, logger zerolog.Logger) *redis.Client {
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid redis_url, continuing without cache")
		return nil
	}

	rc := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", opts.Addr).Msg("Redis unreachable, continuing without cache")
		rc.Close()
		return nil
	}
	logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	return rc
}

// openStore returns the memory store for dry runs and a migrated
// PostgreSQL store otherwise.
func openStore(ctx context.Context, cfg *config.Config, dryRun bool, retryCfg retry.Config) (storage.Store, func(), error) {
	if dryRun {
		return storage.NewMemoryStore(), func() {}, nil
	}

	pool, err := storage.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	store := storage.NewPostgres(pool, storage.WithRetry(retryCfg))
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate schema: %w", err)
	}
	return store, pool.Close, nil
}

// summary holds the aggregates printed after a run.
type summary struct {
	Stored            int64
	GermanyGmailShare float64
	TopGmailCountries []storage.CountryCount
	GmailSeniors      int64
}

// summarize queries the store for the run summary.
func summarize(ctx context.Context, store storage.Store, topN, minAge int) (*summary, error) {
	stored, err := store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	germany, err := store.QueryForReport(ctx, storage.ReportQuery{Country: "Germany"})
	if err != nil {
		return nil, fmt.Errorf("query germany: %w", err)
	}
	germanyGmail, err := store.QueryForReport(ctx, storage.ReportQuery{Country: "Germany", EmailDomain: "gmail.com"})
	if err != nil {
		return nil, fmt.Errorf("query germany gmail: %w", err)
	}
	gmail, err := store.QueryForReport(ctx, storage.ReportQuery{EmailDomain: "gmail.com", TopN: topN})
	if err != nil {
		return nil, fmt.Errorf("query gmail countries: %w", err)
	}
	seniors, err := store.QueryForReport(ctx, storage.ReportQuery{EmailDomain: "gmail.com", AgeGroups: storage.AgeGroupsFrom(minAge)})
	if err != nil {
		return nil, fmt.Errorf("query gmail seniors: %w", err)
	}

	s := &summary{
		Stored:            stored,
		TopGmailCountries: gmail.ByCountry,
		GmailSeniors:      seniors.Total,
	}
	if germany.Total > 0 {
		s.GermanyGmailShare = float64(germanyGmail.Total) / float64(germany.Total)
	}
	return s, nil
}

func printSummary(w io.Writer, r *pipeline.Result, s *summary, minAge int) {
	fmt.Fprintf(w, "Run: requested %d, fetched %d, stored %d, invalid %d, failed batches %d (%s)\n",
		r.Requested, r.Fetched, r.Stored, len(r.InvalidRecords),
		len(r.FetchFailures)+len(r.StoreFailures), r.Duration.Round(time.Millisecond))
	for _, f := range r.FetchFailures {
		fmt.Fprintf(w, "  fetch failed: %s\n", f.Error())
	}
	for _, f := range r.StoreFailures {
		fmt.Fprintf(w, "  store failed: %s\n", f.Error())
	}

	fmt.Fprintf(w, "Stored records: %d\n", s.Stored)
	fmt.Fprintf(w, "Gmail share in Germany: %.2f%%\n", s.GermanyGmailShare*100)
	fmt.Fprintln(w, "Top Gmail countries:")
	for _, c := range s.TopGmailCountries {
		fmt.Fprintf(w, "  %s: %d\n", c.Country, c.Count)
	}
	fmt.Fprintf(w, "Gmail users aged %d and over: %d\n", minAge, s.GmailSeniors)
}
