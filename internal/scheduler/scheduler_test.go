package scheduler

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/proxy-pool-api/internal/checker"
	"github.com/proxy-pool-api/internal/config"
	"github.com/proxy-pool-api/internal/metrics"
	"github.com/proxy-pool-api/internal/snapshot"
	"github.com/proxy-pool-api/internal/storage"
	"github.com/proxy-pool-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu        sync.Mutex
	calls     int
	endpoints []types.Endpoint
	err       error
	gate      chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]types.Endpoint, map[string]types.SourceStats, error) {
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	stats := map[string]types.SourceStats{
		"A": {Name: "A", ProxiesFound: len(f.endpoints)},
	}
	return f.endpoints, stats, f.err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// gatedProber holds its first CheckAll until release is closed
type gatedProber struct {
	Prober
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedProber) CheckAll(ctx context.Context, endpoints []types.Endpoint, progress checker.ProgressFunc) []types.CheckResult {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		<-g.release
	}
	return g.Prober.CheckAll(ctx, endpoints, progress)
}

type staticResolver map[string]string

func (s staticResolver) Country(ip string) (string, bool) {
	c, ok := s[ip]
	return c, ok
}
func (staticResolver) Close() error { return nil }

// listen starts a local TCP server and returns its port
func listen(t *testing.T) (int, net.Listener) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return l.Addr().(*net.TCPAddr).Port, l
}

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func endpoint(port int, source string, protocols ...types.Protocol) types.Endpoint {
	return types.Endpoint{
		Address:   "127.0.0.1",
		Port:      port,
		Protocols: protocols,
		Source:    source,
		Country:   types.Unknown,
		Anonymity: types.Unknown,
	}
}

type fixture struct {
	runner  *Runner
	pool    *snapshot.Manager
	fetcher *fakeFetcher
	clock   *clock.Mock
}

func newFixture(t *testing.T, fetcher *fakeFetcher) *fixture {
	t.Helper()
	collector := metrics.NewCollector("test")
	pool := snapshot.NewManager(storage.NopStorage{}, collector)
	chk := checker.NewChecker(config.CheckerConfig{
		TimeoutMs:     1000,
		BatchSize:     2,
		MaxLatencyMs:  3000,
		FastLatencyMs: 500,
		GoodLatencyMs: 1000,
	}, collector, nil)

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))

	cfg := config.SchedulerConfig{RefreshIntervalSeconds: 3600, CheckIntervalSeconds: 900, SkipInitialRefresh: true}
	runner := NewRunner(cfg, fetcher, chk, staticResolver{"127.0.0.1": "Localhost"}, pool, collector, mock)
	t.Cleanup(runner.Wait)

	return &fixture{runner: runner, pool: pool, fetcher: fetcher, clock: mock}
}

func TestRefreshPublishesPool(t *testing.T) {
	alive, _ := listen(t)
	dead := closedPort(t)

	f := newFixture(t, &fakeFetcher{endpoints: []types.Endpoint{
		endpoint(alive, "A", types.ProtocolHTTP),
		endpoint(alive, "B", types.ProtocolSocks5),
		endpoint(dead, "A", types.ProtocolHTTP),
	}})

	require.True(t, f.runner.RunRefresh())
	f.runner.Wait()

	snap := f.pool.Get()
	require.Len(t, snap.Proxies, 1)
	got := snap.Proxies[0]
	assert.Equal(t, alive, got.Port)
	assert.Equal(t, "A", got.Source, "first occurrence wins")
	assert.Equal(t, []types.Protocol{types.ProtocolHTTP}, got.Protocols)
	assert.Equal(t, "Localhost", got.Country)
	assert.Equal(t, 100, got.Quality)
	assert.Equal(t, types.SpeedFast, got.Speed)

	assert.Len(t, snap.Elite, 1)
	assert.Empty(t, snap.Normal)
	for _, r := range append(snap.Elite, snap.Normal...) {
		assert.NotEqual(t, dead, r.Port, "dead endpoint must not be pooled")
	}

	assert.Equal(t, 2, snap.Stats.TotalChecked)
	assert.Equal(t, 1, snap.Stats.TotalAlive)
	assert.Equal(t, 1, snap.Stats.TotalDead)
	assert.Contains(t, snap.Stats.SourceStats, "A")
	assert.True(t, snap.LastRefresh.Equal(f.clock.Now()))
	assert.True(t, snap.LastCheck.Equal(f.clock.Now()))

	progress := f.pool.Progress(types.PipelineRefresh)
	assert.Equal(t, types.PhaseDone, progress.Phase)
	assert.False(t, progress.Running)
	assert.Equal(t, 2, progress.Current)
	assert.Equal(t, 2, progress.Total)
	assert.NotEmpty(t, progress.RunID)
}

func TestRefreshKeepsPoolWithoutCandidates(t *testing.T) {
	tests := map[string]*fakeFetcher{
		"no candidates": {},
		"fetch error":   {err: errors.New("no sources enabled")},
	}

	for name, fetcher := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, fetcher)
			previous := snapshot.Build([]types.CheckResult{{Endpoint: endpoint(1, "old"), Alive: true}}, nil, nil, 1)
			f.pool.Publish(previous)

			require.True(t, f.runner.RunRefresh())
			f.runner.Wait()

			assert.Same(t, previous, f.pool.Get())
			assert.Equal(t, types.PhaseDone, f.pool.Progress(types.PipelineRefresh).Phase)
		})
	}
}

func TestSingleFlightPerPipeline(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, &fakeFetcher{gate: gate})

	require.True(t, f.runner.RunRefresh())
	assert.False(t, f.runner.RunRefresh(), "second refresh is rejected")
	assert.True(t, f.pool.Progress(types.PipelineRefresh).Running)

	// Check is independent of refresh
	assert.True(t, f.runner.RunCheck())

	close(gate)
	f.runner.Wait()
	assert.Equal(t, 1, f.fetcher.Calls())

	assert.True(t, f.runner.RunRefresh(), "flag released after the run")
	f.runner.Wait()
	assert.Equal(t, 2, f.fetcher.Calls())
}

func TestCheckRechecksPublishedPool(t *testing.T) {
	stay, _ := listen(t)
	leave, leaving := listen(t)

	f := newFixture(t, &fakeFetcher{endpoints: []types.Endpoint{
		endpoint(stay, "A", types.ProtocolHTTP),
		endpoint(leave, "A", types.ProtocolHTTPS),
	}})

	require.True(t, f.runner.RunRefresh())
	f.runner.Wait()
	require.Len(t, f.pool.Get().Proxies, 2)
	refreshedAt := f.pool.Get().LastRefresh

	require.NoError(t, leaving.Close())
	f.clock.Add(15 * time.Minute)

	require.True(t, f.runner.RunCheck())
	f.runner.Wait()

	snap := f.pool.Get()
	require.Len(t, snap.Proxies, 1)
	assert.Equal(t, stay, snap.Proxies[0].Port)
	assert.Equal(t, 2, snap.Stats.TotalChecked)
	assert.True(t, snap.LastRefresh.Equal(refreshedAt))
	assert.True(t, snap.LastCheck.Equal(f.clock.Now()))
	assert.Contains(t, snap.Stats.SourceStats, "A", "source stats carried over")
	assert.Equal(t, 1, f.fetcher.Calls(), "check does not fetch")
}

func TestCheckDoesNotOverwriteNewerRefresh(t *testing.T) {
	old, _ := listen(t)
	fresh1, _ := listen(t)
	fresh2, _ := listen(t)

	f := newFixture(t, &fakeFetcher{endpoints: []types.Endpoint{
		endpoint(fresh1, "A", types.ProtocolHTTP),
		endpoint(fresh2, "A", types.ProtocolHTTP),
	}})
	gated := &gatedProber{Prober: f.runner.prober, started: make(chan struct{}), release: make(chan struct{})}
	f.runner.prober = gated

	f.pool.Publish(snapshot.Build([]types.CheckResult{{Endpoint: endpoint(old, "old"), Alive: true}}, nil, nil, 1))

	require.True(t, f.runner.RunCheck())
	<-gated.started

	require.True(t, f.runner.RunRefresh())
	require.Eventually(t, func() bool {
		p := f.pool.Progress(types.PipelineRefresh)
		return p.Phase == types.PhaseDone && !p.Running
	}, 5*time.Second, 10*time.Millisecond)
	refreshed := f.pool.Get()
	require.Len(t, refreshed.Proxies, 2)

	close(gated.release)
	f.runner.Wait()

	assert.Same(t, refreshed, f.pool.Get(), "stale check results are discarded")
	assert.True(t, f.pool.Get().LastRefresh.Equal(f.clock.Now()))
	for _, p := range f.pool.Get().Proxies {
		assert.NotEqual(t, old, p.Port)
	}

	progress := f.pool.Progress(types.PipelineCheck)
	assert.Equal(t, types.PhaseDone, progress.Phase)
	assert.False(t, progress.Running)
}

func TestCheckOnEmptyPool(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})

	require.True(t, f.runner.RunCheck())
	f.runner.Wait()

	assert.Empty(t, f.pool.Get().Proxies)
	progress := f.pool.Progress(types.PipelineCheck)
	assert.Equal(t, types.PhaseDone, progress.Phase)
	assert.False(t, progress.Running)
}

func TestStartSchedulesBothPipelines(t *testing.T) {
	alive, _ := listen(t)
	f := newFixture(t, &fakeFetcher{endpoints: []types.Endpoint{endpoint(alive, "A")}})
	f.runner.config.SkipInitialRefresh = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.runner.Start(ctx)
	f.runner.Wait()
	assert.Equal(t, 1, f.fetcher.Calls(), "initial refresh")

	f.clock.Add(15 * time.Minute)
	assert.Eventually(t, func() bool {
		p := f.pool.Progress(types.PipelineCheck)
		return p.Phase == types.PhaseDone && !p.Running
	}, 5*time.Second, 10*time.Millisecond)
	f.runner.Wait()

	f.clock.Add(45 * time.Minute)
	assert.Eventually(t, func() bool { return f.fetcher.Calls() == 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	f.runner.Wait()
}
