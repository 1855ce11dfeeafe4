package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces all cache keys.
const KeyPrefix = "persons"

// CacheKey identifies a cached provider response.
type CacheKey struct {
	// Host is the provider host, e.g. "fakerapi.it". It keeps responses of
	// different providers sharing one Redis apart.
	Host string

	// Endpoint is the provider path, e.g. "/api/v2/persons".
	Endpoint string

	// QueryParams are the request parameters that shape the response.
	QueryParams url.Values
}

// String generates a deterministic cache key string.
// Format: persons:host:endpoint:param1=val1:param2=val2
//
// Example:
//
//	persons:fakerapi.it:api/v2/persons:_locale=de_DE:_quantity=1000:_seed=42
func (k CacheKey) String() string {
	parts := []string{KeyPrefix}

	if host := strings.ToLower(k.Host); host != "" {
		parts = append(parts, host)
	}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	keys := make([]string, 0, len(k.QueryParams))
	for key := range k.QueryParams {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		values := append([]string(nil), k.QueryParams[key]...)
		sort.Strings(values)
		parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(values, ",")))
	}

	return strings.Join(parts, ":")
}
