// Package pagination plans and executes the batched retrieval of person
// records from the provider API.
//
// The provider returns at most 1000 records per call, so a run for N records
// is split by Plan into ceil(N/1000) batches. BatchFetcher then executes the
// batches with a fixed-size worker pool that pulls from a queue.
//
// Example usage:
//
//	batches, err := pagination.Plan(30000, pagination.MaxPerCall)
//	fetcher := pagination.NewBatchFetcher(providerClient, pagination.DefaultConfig())
//	result := fetcher.FetchAll(ctx, batches, nil)
//
// The batch fetcher:
//   - Spawns a worker pool (default 30 workers) independent of batch count
//   - Records successful batches keyed by offset
//   - Keeps going when a batch fails and reports the failure
//   - Stops dequeuing on context cancellation and reports unstarted batches
package pagination
