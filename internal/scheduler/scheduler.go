package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/proxy-pool-api/internal/aggregator"
	"github.com/proxy-pool-api/internal/checker"
	"github.com/proxy-pool-api/internal/config"
	"github.com/proxy-pool-api/internal/geo"
	"github.com/proxy-pool-api/internal/metrics"
	"github.com/proxy-pool-api/internal/snapshot"
	"github.com/proxy-pool-api/internal/types"
	log "github.com/sirupsen/logrus"
)

// Fetcher yields raw candidates from the source registry
type Fetcher interface {
	Fetch(ctx context.Context) ([]types.Endpoint, map[string]types.SourceStats, error)
}

// Prober checks liveness of endpoints in batches
type Prober interface {
	CheckAll(ctx context.Context, endpoints []types.Endpoint, progress checker.ProgressFunc) []types.CheckResult
}

// Runner executes the refresh and check pipelines, each single-flighted on
// its own flag, so a refresh and a check may overlap but two refreshes never do.
type Runner struct {
	config   config.SchedulerConfig
	fetcher  Fetcher
	prober   Prober
	resolver geo.Resolver
	pool     *snapshot.Manager
	metrics  *metrics.Collector
	clock    clock.Clock

	refreshing atomic.Bool
	checking   atomic.Bool

	// active counts runs in flight; idle is signalled when it drops to zero
	mu     sync.Mutex
	active int
	idle   *sync.Cond
}

func NewRunner(cfg config.SchedulerConfig, fetcher Fetcher, prober Prober, resolver geo.Resolver,
	pool *snapshot.Manager, metricsCollector *metrics.Collector, clk clock.Clock) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	r := &Runner{
		config:   cfg,
		fetcher:  fetcher,
		prober:   prober,
		resolver: resolver,
		pool:     pool,
		metrics:  metricsCollector,
		clock:    clk,
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// RunRefresh starts a refresh in the background. It returns false without
// starting anything when a refresh is already in progress.
func (r *Runner) RunRefresh() bool {
	return r.launch(types.PipelineRefresh, &r.refreshing, r.refresh)
}

// RunCheck starts a re-check of the published pool in the background. It
// returns false without starting anything when a check is already in progress.
func (r *Runner) RunCheck() bool {
	return r.launch(types.PipelineCheck, &r.checking, r.check)
}

func (r *Runner) launch(pipeline types.Pipeline, flag *atomic.Bool, run func(ctx context.Context, logger *log.Entry)) bool {
	if !flag.CompareAndSwap(false, true) {
		r.metrics.RecordPipelineRun(string(pipeline), "rejected")
		log.WithField("pipeline", pipeline).Warn("Run already in progress, request ignored")
		return false
	}

	runID := uuid.NewString()
	logger := log.WithFields(log.Fields{"pipeline": pipeline, "run_id": runID})
	r.pool.Begin(pipeline, runID)

	r.mu.Lock()
	r.active++
	r.mu.Unlock()

	go func() {
		defer r.done()
		defer flag.Store(false)
		defer r.pool.Finish(pipeline)

		// Runs are never cancelled midway; shutdown simply stops scheduling
		run(context.Background(), logger)
	}()
	return true
}

func (r *Runner) done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
	if r.active == 0 {
		r.idle.Broadcast()
	}
}

// Wait blocks until no run is in flight
func (r *Runner) Wait() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.active > 0 {
		r.idle.Wait()
	}
}

// Start triggers the initial refresh (unless disabled) and schedules both
// pipelines until ctx is done.
func (r *Runner) Start(ctx context.Context) {
	refreshEvery := time.Duration(r.config.RefreshIntervalSeconds) * time.Second
	checkEvery := time.Duration(r.config.CheckIntervalSeconds) * time.Second

	refreshTicker := r.clock.Ticker(refreshEvery)
	checkTicker := r.clock.Ticker(checkEvery)

	log.Infof("Scheduler started: refresh every %v, check every %v", refreshEvery, checkEvery)
	if !r.config.SkipInitialRefresh {
		r.RunRefresh()
	}

	go func() {
		defer refreshTicker.Stop()
		defer checkTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info("Scheduler stopped")
				return
			case <-refreshTicker.C:
				r.RunRefresh()
			case <-checkTicker.C:
				r.RunCheck()
			}
		}
	}()
}

func (r *Runner) refresh(ctx context.Context, logger *log.Entry) {
	start := time.Now()
	logger.Info("Starting refresh")

	r.pool.SetPhase(types.PipelineRefresh, types.PhaseFetching)
	candidates, sourceStats, err := r.fetcher.Fetch(ctx)
	if err != nil {
		logger.Errorf("Fetch failed: %v", err)
		r.metrics.RecordPipelineRun(string(types.PipelineRefresh), "skipped")
		return
	}

	r.pool.SetPhase(types.PipelineRefresh, types.PhaseDeduplicating)
	unique := aggregator.Deduplicate(candidates)
	logger.Infof("Fetched %d candidates, %d unique", len(candidates), len(unique))

	if len(unique) == 0 {
		logger.Warn("No candidates fetched, keeping the current pool")
		r.metrics.RecordPipelineRun(string(types.PipelineRefresh), "skipped")
		return
	}

	results := r.probe(ctx, types.PipelineRefresh, unique)
	snap := r.build(results, logger)

	now := r.clock.Now()
	snap.LastRefresh = now
	snap.LastCheck = now
	snap.Stats.SourceStats = sourceStats
	r.pool.Publish(snap)

	r.metrics.RecordPipelineRun(string(types.PipelineRefresh), "completed")
	r.metrics.RecordPipelineDuration(string(types.PipelineRefresh), time.Since(start).Seconds())
	logger.Infof("Refresh complete in %v", time.Since(start))
}

func (r *Runner) check(ctx context.Context, logger *log.Entry) {
	start := time.Now()
	previous := r.pool.Get()

	endpoints := make([]types.Endpoint, len(previous.Proxies))
	for i, p := range previous.Proxies {
		endpoints[i] = p.Endpoint
	}

	if len(endpoints) == 0 {
		logger.Info("Pool is empty, nothing to check")
		r.metrics.RecordPipelineRun(string(types.PipelineCheck), "skipped")
		return
	}
	logger.Infof("Re-checking %d pooled proxies", len(endpoints))

	results := r.probe(ctx, types.PipelineCheck, endpoints)
	snap := r.build(results, logger)

	snap.LastRefresh = previous.LastRefresh
	snap.LastCheck = r.clock.Now()
	snap.Stats.SourceStats = previous.Stats.SourceStats

	// A refresh that published during the probe wins over these older endpoints
	if !r.pool.PublishIfCurrent(previous, snap) {
		logger.Warn("Pool was replaced during the check, discarding results")
		r.metrics.RecordPipelineRun(string(types.PipelineCheck), "discarded")
		return
	}

	r.metrics.RecordPipelineRun(string(types.PipelineCheck), "completed")
	r.metrics.RecordPipelineDuration(string(types.PipelineCheck), time.Since(start).Seconds())
	logger.Infof("Check complete in %v", time.Since(start))
}

func (r *Runner) probe(ctx context.Context, pipeline types.Pipeline, endpoints []types.Endpoint) []types.CheckResult {
	r.pool.SetPhase(pipeline, types.PhaseChecking)
	r.pool.SetProgress(pipeline, 0, len(endpoints))

	return r.prober.CheckAll(ctx, endpoints, func(current, total int) {
		r.pool.SetProgress(pipeline, current, total)
	})
}

// build enriches, orders and partitions probe results into a new snapshot
func (r *Runner) build(results []types.CheckResult, logger *log.Entry) *types.Snapshot {
	if n := geo.Enrich(r.resolver, results); n > 0 {
		logger.Debugf("Resolved country for %d proxies", n)
	}

	pool, elite, normal := checker.Classify(results)
	logger.Infof("%d alive, %d dead (%d elite, %d normal)",
		len(pool), len(results)-len(pool), len(elite), len(normal))

	return snapshot.Build(pool, elite, normal, len(results))
}
