package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/proxy-pool-api/internal/config"
	"github.com/proxy-pool-api/internal/types"
	log "github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Storage persists the published snapshot for restart recovery.
// Load returns nil, nil when nothing has been saved yet; a loaded snapshot
// holds alive proxies only, best first, with non-nil tiers.
type Storage interface {
	Save(snapshot *types.Snapshot) error
	Load() (*types.Snapshot, error)
	Close() error
}

func NewStorage(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "file":
		return NewFileStorage(cfg.Path)
	case "sqlite":
		return NewSQLiteStorage(cfg.Path)
	case "redis":
		return NewRedisStorage(cfg.Path, cfg.RedisKey)
	case "none":
		return NopStorage{}, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// Freshness is kept next to every saved pool so a backend can tell how old
// its contents are without decoding them
type Freshness struct {
	Alive       int       `json:"alive"`
	LastRefresh time.Time `json:"last_refresh"`
	LastCheck   time.Time `json:"last_check"`
	SavedAt     time.Time `json:"saved_at"`
}

func freshnessOf(snapshot *types.Snapshot) Freshness {
	return Freshness{
		Alive:       len(snapshot.Proxies),
		LastRefresh: snapshot.LastRefresh,
		LastCheck:   snapshot.LastCheck,
		SavedAt:     time.Now(),
	}
}

// loaded logs what a backend found and restores the pool invariants
func loaded(backend string, fresh Freshness, snapshot *types.Snapshot) *types.Snapshot {
	restore(snapshot)

	entry := log.WithFields(log.Fields{
		"backend":      backend,
		"alive":        len(snapshot.Proxies),
		"saved":        humanize.Time(fresh.SavedAt),
		"last_refresh": fresh.LastRefresh.Format(time.RFC3339),
		"last_check":   fresh.LastCheck.Format(time.RFC3339),
	})
	if dropped := fresh.Alive - len(snapshot.Proxies); dropped > 0 {
		entry.Warnf("Dropped %d stored proxies that were not alive", dropped)
	}
	entry.Info("Snapshot loaded from storage")

	return snapshot
}

// restore makes a decoded snapshot safe to serve: dead entries go, every tier
// is non-nil and ordered best first, and the tier counts match the lists
func restore(snapshot *types.Snapshot) {
	snapshot.Proxies = bestFirst(snapshot.Proxies)
	snapshot.Elite = bestFirst(snapshot.Elite)
	snapshot.Normal = bestFirst(snapshot.Normal)

	stats := &snapshot.Stats
	stats.TotalAlive = len(snapshot.Proxies)
	stats.Elite = len(snapshot.Elite)
	stats.Normal = len(snapshot.Normal)
	if stats.Speed == nil {
		stats.Speed = map[types.SpeedTier]int{}
	}
	if stats.Countries == nil {
		stats.Countries = map[string]int{}
	}
	if stats.Protocols == nil {
		stats.Protocols = map[string]int{}
	}
}

func bestFirst(results []types.CheckResult) []types.CheckResult {
	alive := make([]types.CheckResult, 0, len(results))
	for _, r := range results {
		if r.Alive {
			alive = append(alive, r)
		}
	}
	sort.SliceStable(alive, func(i, j int) bool {
		if alive[i].Quality != alive[j].Quality {
			return alive[i].Quality > alive[j].Quality
		}
		return alive[i].LatencyMs < alive[j].LatencyMs
	})
	return alive
}

// NopStorage keeps nothing; the pool lives in memory only
type NopStorage struct{}

func (NopStorage) Save(*types.Snapshot) error     { return nil }
func (NopStorage) Load() (*types.Snapshot, error) { return nil, nil }
func (NopStorage) Close() error                   { return nil }
