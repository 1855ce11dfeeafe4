// Package cache stores provider batch responses in Redis.
//
// Seeded provider responses are deterministic: the same locale, seed and
// quantity always produce the same persons. A re-run therefore reads a batch
// from the cache before calling the API, which keeps repeated runs off the
// provider's rate limit.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient, time.Hour)
//
//	key := cache.CacheKey{
//		Host:        "fakerapi.it",
//		Endpoint:    "/api/v2/persons",
//		QueryParams: url.Values{"_quantity": {"1000"}, "_seed": {"42"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the provider, then:
//		_ = manager.Set(ctx, key, body)
//	}
//
// # Metrics
//
//   - person_cache_hits_total - Cache hits
//   - person_cache_misses_total - Cache misses
//   - person_cache_stored_bytes_total - Bytes written to the cache
//   - person_cache_errors_total{operation} - Cache operation errors
//
// Cache errors never fail a fetch; callers log them and fall back to the API.
package cache
