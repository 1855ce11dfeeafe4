// Package pipeline wires the planner, fetch pool, anonymizer and store into
// one run.
//
// Successful batches are streamed from the fetch pool into the anonymizer
// and stored while other batches are still in flight. A failed batch, at
// fetch or store time, is recorded in the Result and never aborts the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/person-anonymizer/pkg/anonymize"
	"github.com/Sternrassler/person-anonymizer/pkg/logging"
	"github.com/Sternrassler/person-anonymizer/pkg/pagination"
	"github.com/Sternrassler/person-anonymizer/pkg/person"
	"github.com/Sternrassler/person-anonymizer/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	recordsAnonymizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "records_anonymized_total",
		Help: "Total records anonymized",
	})

	recordsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "records_rejected_total",
		Help: "Total records rejected by validation, by field",
	}, []string{"field"})
)

var (
	// ErrNoData is returned when a run stored no records at all.
	ErrNoData = errors.New("no valid person data stored")

	// ErrInsufficientData is returned when a run stored less than the
	// configured share of the requested records.
	ErrInsufficientData = errors.New("insufficient person data stored")
)

// Config holds the run configuration.
type Config struct {
	// TotalRecords is the number of records to request.
	TotalRecords int
	// MaxPerCall is the per-request record limit.
	MaxPerCall int
	// Fetch configures the fetch worker pool.
	Fetch pagination.Config
	// StoreConcurrency bounds concurrent UpsertBatch calls.
	StoreConcurrency int
	// StoreTimeout bounds a single UpsertBatch call, retries included.
	StoreTimeout time.Duration
	// MinSuccessRatio is the minimum share of TotalRecords that must be
	// stored. Zero only requires that something was stored.
	MinSuccessRatio float64
}

// DefaultConfig returns the default run configuration.
func DefaultConfig() Config {
	return Config{
		TotalRecords:     30000,
		MaxPerCall:       pagination.MaxPerCall,
		Fetch:            pagination.DefaultConfig(),
		StoreConcurrency: 4,
		StoreTimeout:     2 * time.Minute,
	}
}

// Result summarizes a run.
type Result struct {
	Requested  int
	Fetched    int
	Anonymized int
	Stored     int

	FetchFailures  []pagination.BatchFailure
	StoreFailures  []pagination.BatchFailure
	InvalidRecords []person.RecordFailure

	Duration time.Duration
}

// Err joins every batch failure of the run, or returns nil when all
// batches succeeded. Invalid records are not errors.
func (r *Result) Err() error {
	var errs []error
	for _, f := range r.FetchFailures {
		errs = append(errs, fmt.Errorf("fetch %w", f))
	}
	for _, f := range r.StoreFailures {
		errs = append(errs, fmt.Errorf("store %w", f))
	}
	return errors.Join(errs...)
}

// SuccessRatio returns Stored / Requested.
func (r *Result) SuccessRatio() float64 {
	if r.Requested == 0 {
		return 0
	}
	return float64(r.Stored) / float64(r.Requested)
}

// Pipeline runs fetch, anonymize and store for one configured request.
type Pipeline struct {
	source     pagination.BatchSource
	anonymizer *anonymize.Anonymizer
	store      storage.Store
	config     Config
	logger     zerolog.Logger
}

// New creates a Pipeline. Zero config values fall back to DefaultConfig.
func New(source pagination.BatchSource, anonymizer *anonymize.Anonymizer, store storage.Store, config Config) *Pipeline {
	def := DefaultConfig()
	if config.MaxPerCall <= 0 {
		config.MaxPerCall = def.MaxPerCall
	}
	if config.StoreConcurrency <= 0 {
		config.StoreConcurrency = def.StoreConcurrency
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = def.StoreTimeout
	}

	return &Pipeline{
		source:     source,
		anonymizer: anonymizer,
		store:      store,
		config:     config,
		logger:     logging.NewLogger("pipeline"),
	}
}

// collector accumulates per-batch outcomes from the handler and the store
// goroutines.
type collector struct {
	mu            sync.Mutex
	anonymized    int
	stored        int
	storeFailures []pagination.BatchFailure
	invalid       []person.RecordFailure
}

// Run executes the pipeline. A planning error is returned immediately.
// Partial failure yields a nil error; the run fails with ErrNoData when
// nothing was stored and with ErrInsufficientData when less than
// MinSuccessRatio of the request was stored. The Result is returned in
// every case but a planning error.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	batches, err := pagination.Plan(p.config.TotalRecords, p.config.MaxPerCall)
	if err != nil {
		return nil, fmt.Errorf("plan batches: %w", err)
	}

	p.logger.Info().
		Int("total_records", p.config.TotalRecords).
		Int("batches", len(batches)).
		Int("store_concurrency", p.config.StoreConcurrency).
		Msg("Starting pipeline run")

	c := &collector{}
	g := new(errgroup.Group)
	g.SetLimit(p.config.StoreConcurrency)

	fetcher := pagination.NewBatchFetcher(p.source, p.config.Fetch)
	fetched := fetcher.FetchAll(ctx, batches, func(b pagination.BatchRecords) {
		records := p.anonymizeBatch(b, c)
		if len(records) == 0 {
			return
		}
		// Blocks while StoreConcurrency writes are in flight.
		g.Go(func() error {
			p.storeBatch(ctx, b.Batch, records, c)
			return nil
		})
	})
	_ = g.Wait()

	result := &Result{
		Requested:      p.config.TotalRecords,
		Fetched:        fetched.FetchedCount(),
		Anonymized:     c.anonymized,
		Stored:         c.stored,
		FetchFailures:  fetched.Failed(),
		StoreFailures:  c.storeFailures,
		InvalidRecords: c.invalid,
		Duration:       time.Since(start),
	}
	sort.Slice(result.StoreFailures, func(i, j int) bool {
		return result.StoreFailures[i].Batch.Offset < result.StoreFailures[j].Batch.Offset
	})
	sort.SliceStable(result.InvalidRecords, func(i, j int) bool {
		return result.InvalidRecords[i].Offset < result.InvalidRecords[j].Offset
	})

	p.logResult(result)

	if result.Stored == 0 {
		return result, ErrNoData
	}
	if ratio := result.SuccessRatio(); ratio < p.config.MinSuccessRatio {
		return result, fmt.Errorf("%w: stored %d of %d records (%.2f < %.2f)",
			ErrInsufficientData, result.Stored, result.Requested, ratio, p.config.MinSuccessRatio)
	}
	return result, nil
}

// anonymizeBatch transforms the records of one fetched batch and records
// every rejected record.
func (p *Pipeline) anonymizeBatch(b pagination.BatchRecords, c *collector) []person.Anonymized {
	records, failures := p.anonymizer.AnonymizeBatch(b.Records)
	for i := range failures {
		failures[i].Offset = b.Batch.Offset
	}

	recordsAnonymizedTotal.Add(float64(len(records)))
	for _, f := range b.Invalid {
		recordsRejectedTotal.WithLabelValues(rejectedField(f)).Inc()
	}
	for _, f := range failures {
		recordsRejectedTotal.WithLabelValues(rejectedField(f)).Inc()
	}

	if rejected := len(b.Invalid) + len(failures); rejected > 0 {
		p.logger.Warn().
			Int("batch_index", b.Batch.Index).
			Int("offset", b.Batch.Offset).
			Int("rejected", rejected).
			Msg("Records rejected by validation")
	}

	c.mu.Lock()
	c.anonymized += len(records)
	c.invalid = append(c.invalid, b.Invalid...)
	c.invalid = append(c.invalid, failures...)
	c.mu.Unlock()

	return records
}

// storeBatch upserts one batch. The write is detached from ctx
// cancellation so a fetched batch is still stored during shutdown; only
// StoreTimeout bounds it.
func (p *Pipeline) storeBatch(ctx context.Context, batch pagination.Batch, records []person.Anonymized, c *collector) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.StoreTimeout)
	defer cancel()

	err := p.store.UpsertBatch(storeCtx, records)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		p.logger.Error().
			Err(err).
			Int("batch_index", batch.Index).
			Int("offset", batch.Offset).
			Int("records", len(records)).
			Msg("Batch store failed")
		c.storeFailures = append(c.storeFailures, pagination.BatchFailure{Batch: batch, Err: err})
		return
	}
	c.stored += len(records)
}

func (p *Pipeline) logResult(r *Result) {
	event := p.logger.Info()
	if len(r.FetchFailures) > 0 || len(r.StoreFailures) > 0 {
		event = p.logger.Warn()
	}
	event.
		Int("requested", r.Requested).
		Int("fetched", r.Fetched).
		Int("anonymized", r.Anonymized).
		Int("stored", r.Stored).
		Int("invalid", len(r.InvalidRecords)).
		Int("fetch_failures", len(r.FetchFailures)).
		Int("store_failures", len(r.StoreFailures)).
		Dur("duration", r.Duration).
		Msg("Pipeline run complete")
}

func rejectedField(f person.RecordFailure) string {
	var verr *person.ValidationError
	if errors.As(f.Err, &verr) {
		return verr.Field
	}
	return "unknown"
}
