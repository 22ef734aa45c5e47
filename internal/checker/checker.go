package checker

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/proxy-pool-api/internal/config"
	"github.com/proxy-pool-api/internal/metrics"
	"github.com/proxy-pool-api/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ProgressFunc receives processed/total counts after every batch
type ProgressFunc func(current, total int)

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Checker probes endpoints with raw TCP connects in fixed-width waves
type Checker struct {
	config  config.CheckerConfig
	metrics *metrics.Collector
	clock   clock.Clock
	dial    dialFunc
}

func NewChecker(cfg config.CheckerConfig, metricsCollector *metrics.Collector, clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.New()
	}
	dialer := &net.Dialer{
		Timeout:   time.Duration(cfg.TimeoutMs) * time.Millisecond,
		KeepAlive: -1,
	}

	return &Checker{
		config:  cfg,
		metrics: metricsCollector,
		clock:   clk,
		dial:    dialer.DialContext,
	}
}

// CheckAll probes endpoints in consecutive batches of at most BatchSize. Every
// probe of a batch settles before the next batch starts, which bounds open
// sockets to the batch size. Results keep the input order.
func (c *Checker) CheckAll(ctx context.Context, endpoints []types.Endpoint, progress ProgressFunc) []types.CheckResult {
	total := len(endpoints)
	results := make([]types.CheckResult, total)
	if total == 0 {
		return results
	}

	batchSize := c.config.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	delay := time.Duration(c.config.BatchDelayMs) * time.Millisecond

	log.Infof("Starting liveness check: %s endpoints, batch=%d, timeout=%dms",
		humanize.Comma(int64(total)), batchSize, c.config.TimeoutMs)
	startTime := time.Now()

	for start, batchNum := 0, 0; start < total; start, batchNum = start+batchSize, batchNum+1 {
		end := min(start+batchSize, total)

		c.metrics.SetBatchInFlight(end - start)
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = c.Probe(ctx, endpoints[i])
				return nil
			})
		}
		_ = g.Wait()
		c.metrics.SetBatchInFlight(0)

		if progress != nil {
			progress(end, total)
		}

		if batchNum%10 == 0 {
			log.Infof("Check progress: %d/%d (%.0f%%)", end, total, float64(end)/float64(total)*100)
		}

		if end < total && delay > 0 {
			c.clock.Sleep(delay)
		}
	}

	duration := time.Since(startTime)
	log.Infof("Check complete: %s endpoints in %v (%.0f checks/sec)",
		humanize.Comma(int64(total)), duration, float64(total)/duration.Seconds())

	return results
}

// Probe opens and immediately closes one TCP connection. Latency runs from the
// attempt start to connect; no protocol data is sent.
func (c *Checker) Probe(ctx context.Context, endpoint types.Endpoint) types.CheckResult {
	timeout := time.Duration(c.config.TimeoutMs) * time.Millisecond
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	address := net.JoinHostPort(endpoint.Address, strconv.Itoa(endpoint.Port))

	startTime := time.Now()
	conn, err := c.dial(dialCtx, "tcp", address)
	latency := time.Since(startTime)

	if err != nil {
		c.metrics.RecordProbe(false, 0)
		return types.CheckResult{
			Endpoint:    endpoint,
			Alive:       false,
			LastChecked: c.clock.Now(),
			Error:       failureReason(err),
		}
	}
	conn.Close()

	result := c.classify(endpoint, latency.Milliseconds(), c.clock.Now())
	c.metrics.RecordProbe(result.Alive, latency.Seconds())
	return result
}

func failureReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return "unreachable"
	default:
		return err.Error()
	}
}
