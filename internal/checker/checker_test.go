package checker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/proxy-pool-api/internal/config"
	"github.com/proxy-pool-api/internal/metrics"
	"github.com/proxy-pool-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCheckerConfig() config.CheckerConfig {
	return config.CheckerConfig{
		TimeoutMs:     500,
		BatchSize:     3,
		BatchDelayMs:  1,
		MaxLatencyMs:  3000,
		FastLatencyMs: 500,
		GoodLatencyMs: 1000,
	}
}

func newTestChecker(cfg config.CheckerConfig) *Checker {
	return NewChecker(cfg, metrics.NewCollector("test"), clock.New())
}

func listen(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestProbeAliveEndpoint(t *testing.T) {
	host, port := listen(t)
	chk := newTestChecker(testCheckerConfig())

	result := chk.Probe(context.Background(), types.Endpoint{Address: host, Port: port, Anonymity: types.Unknown})

	require.True(t, result.Alive, "error: %s", result.Error)
	assert.Empty(t, result.Error)
	assert.Equal(t, 100, result.Quality)
	assert.Equal(t, types.SpeedFast, result.Speed)
	assert.False(t, result.LastChecked.IsZero())
}

func TestProbeRefusedEndpoint(t *testing.T) {
	chk := newTestChecker(testCheckerConfig())

	result := chk.Probe(context.Background(), types.Endpoint{Address: "127.0.0.1", Port: closedPort(t)})

	assert.False(t, result.Alive)
	assert.NotEmpty(t, result.Error)
	assert.Zero(t, result.LatencyMs)
	assert.Zero(t, result.Quality)
	assert.Empty(t, result.Speed)
}

func TestProbeTimeoutIsDead(t *testing.T) {
	chk := newTestChecker(testCheckerConfig())
	chk.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		<-ctx.Done()
		return nil, &net.OpError{Op: "dial", Net: network, Err: timeoutError{}}
	}

	result := chk.Probe(context.Background(), types.Endpoint{Address: "10.255.255.1", Port: 81})
	assert.False(t, result.Alive)
	assert.Equal(t, "timeout", result.Error)

	pool, elite, normal := Classify([]types.CheckResult{result})
	assert.Empty(t, pool)
	assert.Empty(t, elite)
	assert.Empty(t, normal)
}

func TestProbeTooSlowIsDead(t *testing.T) {
	cfg := testCheckerConfig()
	cfg.MaxLatencyMs = 10
	chk := newTestChecker(cfg)
	chk.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		time.Sleep(40 * time.Millisecond)
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	result := chk.Probe(context.Background(), types.Endpoint{Address: "10.0.0.1", Port: 80})
	assert.False(t, result.Alive)
	assert.Equal(t, "too slow", result.Error)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "timeout", failureReason(context.DeadlineExceeded))
	assert.Equal(t, "timeout", failureReason(&net.OpError{Op: "dial", Err: timeoutError{}}))
	assert.Equal(t, "boom", failureReason(errors.New("boom")))
}

func TestCheckAllBatchesBoundConcurrency(t *testing.T) {
	chk := newTestChecker(testCheckerConfig())

	var inFlight, peak atomic.Int32
	chk.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)

		if address == "10.0.0.5:80" {
			return nil, errors.New("connection reset")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	endpoints := make([]types.Endpoint, 7)
	for i := range endpoints {
		endpoints[i] = types.Endpoint{Address: fmt.Sprintf("10.0.0.%d", i), Port: 80}
	}

	var mu sync.Mutex
	var progress []int
	results := chk.CheckAll(context.Background(), endpoints, func(current, total int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 7, total)
		progress = append(progress, current)
	})

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, []int{3, 6, 7}, progress)

	require.Len(t, results, 7)
	for i, r := range results {
		assert.Equal(t, endpoints[i].Key(), r.Key(), "results keep input order")
		assert.Equal(t, i != 5, r.Alive)
	}
	assert.Equal(t, "connection reset", results[5].Error)
}

func TestCheckAllEmpty(t *testing.T) {
	chk := newTestChecker(testCheckerConfig())
	called := false
	results := chk.CheckAll(context.Background(), nil, func(int, int) { called = true })
	assert.Empty(t, results)
	assert.False(t, called)
}

func TestCheckAllWaitsBetweenBatches(t *testing.T) {
	cfg := testCheckerConfig()
	cfg.BatchSize = 1
	cfg.BatchDelayMs = 1000
	mock := clock.NewMock()
	chk := NewChecker(cfg, metrics.NewCollector("test"), mock)
	chk.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	progressed := make(chan int, 2)
	done := make(chan struct{})
	go func() {
		chk.CheckAll(context.Background(), []types.Endpoint{
			{Address: "10.0.0.1", Port: 80},
			{Address: "10.0.0.2", Port: 80},
		}, func(current, _ int) { progressed <- current })
		close(done)
	}()

	require.Equal(t, 1, <-progressed)
	select {
	case <-progressed:
		t.Fatal("second batch started before the inter-batch delay elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	mock.Add(time.Second)
	require.Equal(t, 2, <-progressed)
	<-done
}
