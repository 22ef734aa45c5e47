package checker

import (
	"sort"
	"strings"
	"time"

	"github.com/proxy-pool-api/internal/types"
)

// qualityStepMs is the latency above the fast threshold that costs one quality point
const qualityStepMs = 25

// Score maps latency to a 0-100 quality score
func Score(latencyMs, fastMs int64) int {
	if latencyMs <= fastMs {
		return 100
	}
	return max(0, 100-int((latencyMs-fastMs)/qualityStepMs))
}

// Tier maps latency to a speed tier
func Tier(latencyMs, fastMs, goodMs int64) types.SpeedTier {
	switch {
	case latencyMs < fastMs:
		return types.SpeedFast
	case latencyMs < goodMs:
		return types.SpeedGood
	default:
		return types.SpeedSlow
	}
}

// classify turns a successful connect into a result. Connects slower than the
// max latency count as dead.
func (c *Checker) classify(endpoint types.Endpoint, latencyMs int64, now time.Time) types.CheckResult {
	if latencyMs > int64(c.config.MaxLatencyMs) {
		return types.CheckResult{
			Endpoint:    endpoint,
			Alive:       false,
			LastChecked: now,
			Error:       "too slow",
		}
	}

	fast, good := int64(c.config.FastLatencyMs), int64(c.config.GoodLatencyMs)
	return types.CheckResult{
		Endpoint:    endpoint,
		Alive:       true,
		LatencyMs:   latencyMs,
		Quality:     Score(latencyMs, fast),
		Speed:       Tier(latencyMs, fast, good),
		LastChecked: now,
	}
}

// eliteAnonymity lists the normalized anonymity levels accepted in the elite
// tier. Matching is exact so "non-anonymous" never qualifies.
var eliteAnonymity = map[string]bool{
	"":                true,
	"unknown":         true,
	"elite":           true,
	"elite proxy":     true,
	"high anonymous":  true,
	"high anonymity":  true,
	"anonymous":       true,
	"anonymous proxy": true,
}

// IsElite reports whether an alive result belongs to the elite tier
func IsElite(r types.CheckResult) bool {
	if !r.Alive || r.Speed != types.SpeedFast {
		return false
	}
	return eliteAnonymity[normalizeAnonymity(r.Anonymity)]
}

// normalizeAnonymity lowercases a level and folds "High-Anonymous" and
// "high_anonymous" into "high anonymous"
func normalizeAnonymity(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	level = strings.NewReplacer("-", " ", "_", " ").Replace(level)
	return strings.Join(strings.Fields(level), " ")
}

// Classify drops dead results, orders the rest best first (quality desc, then
// latency asc) and splits them into elite and normal.
func Classify(results []types.CheckResult) (pool, elite, normal []types.CheckResult) {
	pool = make([]types.CheckResult, 0, len(results))
	for _, r := range results {
		if r.Alive {
			pool = append(pool, r)
		}
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Quality != pool[j].Quality {
			return pool[i].Quality > pool[j].Quality
		}
		return pool[i].LatencyMs < pool[j].LatencyMs
	})

	elite = make([]types.CheckResult, 0)
	normal = make([]types.CheckResult, 0)
	for _, r := range pool {
		if IsElite(r) {
			elite = append(elite, r)
		} else {
			normal = append(normal, r)
		}
	}

	return pool, elite, normal
}
