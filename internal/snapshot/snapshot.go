package snapshot

import (
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-pool-api/internal/metrics"
	"github.com/proxy-pool-api/internal/storage"
	"github.com/proxy-pool-api/internal/types"
	log "github.com/sirupsen/logrus"
)

// Filter is a conjunction of optional constraints; empty fields match everything
type Filter struct {
	Country   string
	Protocol  string
	Anonymity string
	Speed     string
	Tier      string // "elite", "normal" or empty for the whole pool
}

// Manager owns the published pool and the per-pipeline progress. The snapshot
// is swapped whole, so readers never block on a run and never see a partial pool.
type Manager struct {
	current   atomic.Pointer[types.Snapshot]
	storage   storage.Storage
	metrics   *metrics.Collector
	persistMu sync.Mutex

	progressMu sync.RWMutex
	progress   map[types.Pipeline]types.Progress
}

func NewManager(store storage.Storage, metricsCollector *metrics.Collector) *Manager {
	m := &Manager{
		storage: store,
		metrics: metricsCollector,
		progress: map[types.Pipeline]types.Progress{
			types.PipelineRefresh: {Phase: types.PhaseIdle},
			types.PipelineCheck:   {Phase: types.PhaseIdle},
		},
	}

	// Initialize with empty snapshot
	m.current.Store(emptySnapshot())

	return m
}

func emptySnapshot() *types.Snapshot {
	return &types.Snapshot{
		Proxies: []types.CheckResult{},
		Elite:   []types.CheckResult{},
		Normal:  []types.CheckResult{},
		Stats: types.Stats{
			Speed:     map[types.SpeedTier]int{},
			Countries: map[string]int{},
			Protocols: map[string]int{},
		},
	}
}

// Build assembles a snapshot from classified results. totalChecked is the
// number of endpoints probed, dead ones included.
func Build(pool, elite, normal []types.CheckResult, totalChecked int) *types.Snapshot {
	stats := types.Stats{
		TotalChecked: totalChecked,
		TotalAlive:   len(pool),
		TotalDead:    totalChecked - len(pool),
		Elite:        len(elite),
		Normal:       len(normal),
		Speed:        make(map[types.SpeedTier]int, 3),
		Countries:    make(map[string]int),
		Protocols:    make(map[string]int),
	}

	for _, p := range pool {
		stats.Speed[p.Speed]++
		stats.Countries[p.Country]++
		if len(p.Protocols) == 0 {
			stats.Protocols[types.Unknown]++
		}
		for _, proto := range p.Protocols {
			stats.Protocols[string(proto)]++
		}
	}

	return &types.Snapshot{
		Proxies: pool,
		Elite:   elite,
		Normal:  normal,
		Stats:   stats,
		Updated: time.Now(),
	}
}

// Publish atomically replaces the current snapshot and then persists it.
// A failed save is logged and counted; the in-memory publish stands.
func (m *Manager) Publish(snapshot *types.Snapshot) {
	m.current.Store(snapshot)
	m.published(snapshot)
}

// PublishIfCurrent publishes snapshot only while previous is still the current
// one. It returns false, leaving the pool untouched, when another run has
// published in the meantime.
func (m *Manager) PublishIfCurrent(previous, snapshot *types.Snapshot) bool {
	if !m.current.CompareAndSwap(previous, snapshot) {
		return false
	}
	m.published(snapshot)
	return true
}

func (m *Manager) published(snapshot *types.Snapshot) {
	m.metrics.SetPoolSize(len(snapshot.Proxies), len(snapshot.Elite), len(snapshot.Normal))
	log.Infof("Snapshot published: %d alive proxies (%d elite, %d normal)",
		len(snapshot.Proxies), len(snapshot.Elite), len(snapshot.Normal))

	m.persist(snapshot)
}

// Get returns the current snapshot (atomic read)
func (m *Manager) Get() *types.Snapshot {
	return m.current.Load()
}

// Query returns the proxies matching filter, best first
func (m *Manager) Query(filter Filter) []types.CheckResult {
	snapshot := m.Get()

	source := snapshot.Proxies
	switch strings.ToLower(filter.Tier) {
	case "elite":
		source = snapshot.Elite
	case "normal":
		source = snapshot.Normal
	}

	result := make([]types.CheckResult, 0, len(source))
	for _, p := range source {
		if filter.Match(p) {
			result = append(result, p)
		}
	}
	return result
}

// Random returns up to n randomly chosen proxies matching filter
func (m *Manager) Random(filter Filter, n int) []types.CheckResult {
	matched := m.Query(filter)
	if n <= 0 || n > len(matched) {
		n = len(matched)
	}

	result := make([]types.CheckResult, n)
	for i, idx := range rand.Perm(len(matched))[:n] {
		result[i] = matched[idx]
	}
	return result
}

// Match reports whether r satisfies every non-empty constraint
func (f Filter) Match(r types.CheckResult) bool {
	if f.Country != "" && r.Country != f.Country {
		return false
	}
	if f.Protocol != "" && !strings.Contains(strings.ToLower(r.ProtocolString()), strings.ToLower(f.Protocol)) {
		return false
	}
	if f.Anonymity != "" && !strings.EqualFold(r.Anonymity, f.Anonymity) {
		return false
	}
	if f.Speed != "" && string(r.Speed) != f.Speed {
		return false
	}
	return true
}

// PoolStats is the statistics of the current snapshot along with the state
// of both pipelines
type PoolStats struct {
	types.Stats
	LastRefresh time.Time                         `json:"last_refresh"`
	LastCheck   time.Time                         `json:"last_check"`
	Updated     time.Time                         `json:"updated"`
	Progress    map[types.Pipeline]types.Progress `json:"progress"`
}

// Stats returns the statistics of the current snapshot and the progress of
// every pipeline
func (m *Manager) Stats() PoolStats {
	snapshot := m.Get()
	return PoolStats{
		Stats:       snapshot.Stats,
		LastRefresh: snapshot.LastRefresh,
		LastCheck:   snapshot.LastCheck,
		Updated:     snapshot.Updated,
		Progress:    m.AllProgress(),
	}
}

// Begin resets the progress of a pipeline at the start of a run
func (m *Manager) Begin(pipeline types.Pipeline, runID string) {
	m.progressMu.Lock()
	defer m.progressMu.Unlock()
	m.progress[pipeline] = types.Progress{
		Phase:     types.PhaseIdle,
		Running:   true,
		RunID:     runID,
		StartedAt: time.Now(),
	}
}

// SetPhase moves a pipeline to the next phase
func (m *Manager) SetPhase(pipeline types.Pipeline, phase types.Phase) {
	m.progressMu.Lock()
	defer m.progressMu.Unlock()
	p := m.progress[pipeline]
	p.Phase = phase
	m.progress[pipeline] = p
}

// SetProgress records processed/total counts of the running pipeline
func (m *Manager) SetProgress(pipeline types.Pipeline, current, total int) {
	m.progressMu.Lock()
	defer m.progressMu.Unlock()
	p := m.progress[pipeline]
	p.Current = current
	p.Total = total
	m.progress[pipeline] = p
}

// Finish marks a run as done; the done phase stays visible until the next run
func (m *Manager) Finish(pipeline types.Pipeline) {
	m.progressMu.Lock()
	defer m.progressMu.Unlock()
	p := m.progress[pipeline]
	p.Phase = types.PhaseDone
	p.Running = false
	m.progress[pipeline] = p
}

// Progress returns a copy of one pipeline's progress
func (m *Manager) Progress(pipeline types.Pipeline) types.Progress {
	m.progressMu.RLock()
	defer m.progressMu.RUnlock()
	return m.progress[pipeline]
}

// AllProgress returns a copy of every pipeline's progress
func (m *Manager) AllProgress() map[types.Pipeline]types.Progress {
	m.progressMu.RLock()
	defer m.progressMu.RUnlock()
	out := make(map[types.Pipeline]types.Progress, len(m.progress))
	for k, v := range m.progress {
		out[k] = v
	}
	return out
}

// persist saves snapshot to storage
func (m *Manager) persist(snapshot *types.Snapshot) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	// A newer snapshot was published meanwhile; its own persist will save it
	if m.current.Load() != snapshot {
		log.Debug("Skipping persist of a superseded snapshot")
		return
	}

	if err := m.storage.Save(snapshot); err != nil {
		m.metrics.RecordPersistFailure()
		log.Errorf("Failed to persist snapshot: %v", err)
	} else {
		log.Debugf("Snapshot persisted: %d proxies", len(snapshot.Proxies))
	}
}

// LoadFromStorage publishes the last saved snapshot, if any, without saving it
// again. Backends hand it back normalized; stale entries are served until the
// first run replaces them.
func (m *Manager) LoadFromStorage() error {
	snapshot, err := m.storage.Load()
	if err != nil {
		return err
	}

	if snapshot == nil {
		log.Info("No persisted snapshot in storage")
		return nil
	}

	m.current.Store(snapshot)
	m.metrics.SetPoolSize(len(snapshot.Proxies), len(snapshot.Elite), len(snapshot.Normal))
	log.Infof("Loaded %d proxies from storage (last refresh %s)",
		len(snapshot.Proxies), snapshot.LastRefresh.Format(time.RFC3339))
	return nil
}
