package aggregator

import "github.com/proxy-pool-api/internal/types"

// Deduplicate keeps one endpoint per address:port. The first occurrence wins
// and no fields are merged from later duplicates.
func Deduplicate(proxies []types.Endpoint) []types.Endpoint {
	seen := make(map[string]struct{}, len(proxies))
	unique := make([]types.Endpoint, 0, len(proxies))

	for _, proxy := range proxies {
		key := proxy.Key()
		if _, exists := seen[key]; !exists {
			seen[key] = struct{}{}
			unique = append(unique, proxy)
		}
	}

	return unique
}
