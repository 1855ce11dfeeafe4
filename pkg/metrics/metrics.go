// Package metrics exposes the Prometheus metrics of a run.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, retry, pagination, pipeline, storage) via promauto and land in
// the default registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the registerer all promauto metrics use.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served on /metrics.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// NewMux returns a mux serving /metrics and /health.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// Server serves metrics in the background for the lifetime of a run.
type Server struct {
	srv *http.Server
}

// Start listens on addr and serves NewMux until Shutdown.
func Start(addr string) *Server {
	s := &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           NewMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}}

	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	return s
}

// Shutdown stops the server, waiting for open scrapes up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Metrics Documentation
//
// Provider Metrics (pkg/client):
//   - person_api_requests_total{status} (Counter): Requests by HTTP status, cache_hit or network_error
//   - person_api_request_duration_seconds (Histogram): Request duration
//   - person_api_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, response)
//
// Retry Metrics (pkg/retry):
//   - retries_total{op} (Counter): Retry attempts by operation (fetch, store)
//   - retry_backoff_seconds{op} (Histogram): Backoff duration by operation
//   - retry_exhausted_total{op} (Counter): Operations that exhausted their attempts
//
// Rate Limit Metrics (pkg/ratelimit):
//   - person_api_rate_limit_remaining (Gauge): Last reported remaining requests
//   - person_api_rate_limit_cooldowns_total (Counter): Cooldowns entered
//   - person_api_rate_limit_wait_seconds (Histogram): Time spent waiting out cooldowns
//   - person_api_rate_limit_throttles_total (Counter): Requests delayed by low remaining budget
//
// Cache Metrics (pkg/cache):
//   - person_cache_hits_total (Counter): Batch responses served from Redis
//   - person_cache_misses_total (Counter): Cache misses
//   - person_cache_stored_bytes_total (Counter): Bytes written to the cache
//   - person_cache_errors_total{operation} (Counter): Cache operation errors
//
// Pipeline Metrics (pkg/pagination, pkg/pipeline):
//   - fetch_batches_total{outcome} (Counter): Batches by outcome (succeeded, failed)
//   - records_anonymized_total (Counter): Records anonymized
//   - records_rejected_total{field} (Counter): Records rejected by validation
//
// Storage Metrics (pkg/storage):
//   - storage_upserts_total{outcome} (Counter): Batch upserts by outcome (succeeded, failed, rejected)
//   - storage_upsert_duration_seconds (Histogram): Batch upsert duration
//   - storage_records_upserted_total (Counter): Records written
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(person_cache_hits_total[5m])) /
//   (sum(rate(person_cache_hits_total[5m])) + sum(rate(person_cache_misses_total[5m])))
//
//   # Rejection Rate
//   sum(rate(records_rejected_total[5m])) / rate(records_anonymized_total[5m])
//
//   # Failed Batches
//   fetch_batches_total{outcome="failed"}
//
//   # P95 Upsert Latency
//   histogram_quantile(0.95, rate(storage_upsert_duration_seconds_bucket[5m]))
