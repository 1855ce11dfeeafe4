package pagination

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/person-anonymizer/pkg/person"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var fetchBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fetch_batches_total",
	Help: "Total fetched batches by outcome",
}, []string{"outcome"})

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the fixed number of workers pulling from the queue.
	MaxConcurrency int
	// BatchTimeout bounds a single batch, retries included.
	BatchTimeout time.Duration
	// ProgressEvery logs progress after every n completed batches.
	ProgressEvery int
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 30,
		BatchTimeout:   2 * time.Minute,
		ProgressEvery:  5,
	}
}

// BatchSource fetches a single batch from the provider.
type BatchSource interface {
	FetchBatch(ctx context.Context, batch Batch) (BatchRecords, error)
}

// BatchRecords is the successful response for one batch.
type BatchRecords struct {
	Batch   Batch
	Records []person.Raw
	// Invalid lists records dropped by schema validation at the fetch boundary.
	Invalid []person.RecordFailure
}

// BatchFailure is a batch that failed terminally.
type BatchFailure struct {
	Batch Batch
	Err   error
}

func (f BatchFailure) Error() string {
	return fmt.Sprintf("batch %d (offset %d, count %d): %v", f.Batch.Index, f.Batch.Offset, f.Batch.Count, f.Err)
}

func (f BatchFailure) Unwrap() error {
	return f.Err
}

// BatchHandler is called once per successful batch. Calls are made from a
// single goroutine, in completion order.
type BatchHandler func(BatchRecords)

// FetchResult aggregates the outcome of FetchAll. Successful batches are kept
// keyed by offset so callers can rebuild request order.
type FetchResult struct {
	mu      sync.Mutex
	batches map[int]BatchRecords
	failed  []BatchFailure
}

func newFetchResult() *FetchResult {
	return &FetchResult{batches: make(map[int]BatchRecords)}
}

func (r *FetchResult) recordSuccess(records BatchRecords) {
	r.mu.Lock()
	r.batches[records.Batch.Offset] = records
	r.mu.Unlock()
}

func (r *FetchResult) recordFailure(failure BatchFailure) {
	r.mu.Lock()
	r.failed = append(r.failed, failure)
	r.mu.Unlock()
}

// Batch returns the records of the batch starting at offset.
func (r *FetchResult) Batch(offset int) (BatchRecords, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[offset]
	return b, ok
}

// Ordered returns the successful batches sorted by offset.
func (r *FetchResult) Ordered() []BatchRecords {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BatchRecords, 0, len(r.batches))
	for _, b := range r.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Batch.Offset < out[j].Batch.Offset })
	return out
}

// Records returns all fetched records in offset order.
func (r *FetchResult) Records() []person.Raw {
	var out []person.Raw
	for _, b := range r.Ordered() {
		out = append(out, b.Records...)
	}
	return out
}

// Invalid returns the records rejected at the fetch boundary.
func (r *FetchResult) Invalid() []person.RecordFailure {
	var out []person.RecordFailure
	for _, b := range r.Ordered() {
		out = append(out, b.Invalid...)
	}
	return out
}

// Failed returns the failed batches sorted by offset.
func (r *FetchResult) Failed() []BatchFailure {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := append([]BatchFailure(nil), r.failed...)
	sort.Slice(out, func(i, j int) bool { return out[i].Batch.Offset < out[j].Batch.Offset })
	return out
}

// FetchedCount returns the number of valid records fetched.
func (r *FetchResult) FetchedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, b := range r.batches {
		n += len(b.Records)
	}
	return n
}

// SucceededCount returns the number of successful batches.
func (r *FetchResult) SucceededCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

// BatchFetcher executes planned batches with a fixed-size worker pool.
type BatchFetcher struct {
	source BatchSource
	config Config
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(source BatchSource, config Config) *BatchFetcher {
	def := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = def.MaxConcurrency
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = def.BatchTimeout
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = def.ProgressEvery
	}

	return &BatchFetcher{
		source: source,
		config: config,
	}
}

type batchOutcome struct {
	batch   Batch
	records BatchRecords
	err     error
}

// FetchAll executes all batches and returns once every batch succeeded or
// failed. A failed batch never cancels the others. When ctx is cancelled,
// in-flight batches run to completion and batches still queued are reported
// as failed.
func (bf *BatchFetcher) FetchAll(ctx context.Context, batches []Batch, handle BatchHandler) *FetchResult {
	start := time.Now()
	result := newFetchResult()
	if len(batches) == 0 {
		return result
	}

	log.Info().
		Int("batches", len(batches)).
		Int("workers", bf.config.MaxConcurrency).
		Msg("Starting parallel batch fetch")

	queue := make(chan Batch, len(batches))
	for _, b := range batches {
		queue <- b
	}
	close(queue)

	outcomes := make(chan batchOutcome, len(batches))

	var wg sync.WaitGroup
	for i := 0; i < bf.config.MaxConcurrency; i++ {
		wg.Add(1)
		go bf.worker(ctx, queue, outcomes, &wg, i)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	completed := 0
	for o := range outcomes {
		completed++

		if o.err != nil {
			fetchBatchesTotal.WithLabelValues("failed").Inc()
			result.recordFailure(BatchFailure{Batch: o.batch, Err: o.err})
		} else {
			fetchBatchesTotal.WithLabelValues("succeeded").Inc()
			result.recordSuccess(o.records)
			if handle != nil {
				handle(o.records)
			}
		}

		if completed%bf.config.ProgressEvery == 0 {
			log.Info().
				Int("completed", completed).
				Int("total", len(batches)).
				Float64("progress_pct", float64(completed)/float64(len(batches))*100).
				Msg("Fetch progress")
		}
	}

	failed := len(result.Failed())
	event := log.Info()
	if failed > 0 {
		event = log.Warn()
	}
	event.
		Int("batches", len(batches)).
		Int("failed", failed).
		Int("records", result.FetchedCount()).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return result
}

// worker processes batches from the queue
func (bf *BatchFetcher) worker(ctx context.Context, queue <-chan Batch, outcomes chan<- batchOutcome, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for batch := range queue {
		if err := ctx.Err(); err != nil {
			outcomes <- batchOutcome{batch: batch, err: fmt.Errorf("batch not started: %w", err)}
			continue
		}

		// In-flight batches are detached from cancellation; only the
		// batch timeout bounds them.
		batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bf.config.BatchTimeout)
		records, err := bf.source.FetchBatch(batchCtx, batch)
		cancel()

		if err != nil {
			log.Warn().
				Err(err).
				Int("worker_id", workerID).
				Int("batch_index", batch.Index).
				Int("offset", batch.Offset).
				Msg("Batch fetch failed")
			outcomes <- batchOutcome{batch: batch, err: err}
			continue
		}

		records.Batch = batch
		outcomes <- batchOutcome{batch: batch, records: records}
		processed++
	}

	if processed > 0 {
		log.Debug().
			Int("worker_id", workerID).
			Int("batches_processed", processed).
			Msg("Worker completed")
	}
}
