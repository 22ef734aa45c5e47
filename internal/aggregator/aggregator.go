package aggregator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/proxy-pool-api/internal/config"
	"github.com/proxy-pool-api/internal/metrics"
	"github.com/proxy-pool-api/internal/types"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
)

// Aggregator fetches raw candidates from the source registry
type Aggregator struct {
	config  config.AggregatorConfig
	metrics *metrics.Collector
	client  *http.Client
}

func NewAggregator(cfg config.AggregatorConfig, metricsCollector *metrics.Collector) (*Aggregator, error) {
	transport, err := newTransport(cfg.UpstreamProxy)
	if err != nil {
		return nil, err
	}

	return &Aggregator{
		config:  cfg,
		metrics: metricsCollector,
		client:  &http.Client{Transport: transport},
	}, nil
}

func newTransport(upstream string) (*http.Transport, error) {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if upstream == "" {
		return transport, nil
	}

	proxyURL, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy: %w", err)
	}

	switch proxyURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("upstream SOCKS dialer: %w", err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported upstream proxy scheme %q", proxyURL.Scheme)
	}

	return transport, nil
}

// Fetch retrieves candidates from every enabled source concurrently. A failing
// source is logged and contributes nothing; it never fails its siblings. The
// returned list keeps registry order and is not deduplicated.
func (a *Aggregator) Fetch(ctx context.Context) ([]types.Endpoint, map[string]types.SourceStats, error) {
	enabledSources := make([]config.Source, 0, len(a.config.Sources))
	for _, source := range a.config.Sources {
		if source.IsEnabled() {
			enabledSources = append(enabledSources, source)
		}
	}

	if len(enabledSources) == 0 {
		return nil, nil, fmt.Errorf("no enabled sources")
	}

	log.Infof("Fetching from %d sources", len(enabledSources))

	perSource := make([][]types.Endpoint, len(enabledSources))
	stats := make([]types.SourceStats, len(enabledSources))

	var g errgroup.Group
	for i, source := range enabledSources {
		g.Go(func() error {
			startTime := time.Now()
			proxies, err := a.fetchSource(ctx, source)
			duration := time.Since(startTime)

			stat := types.SourceStats{
				Name:       source.Name,
				DurationMs: duration.Milliseconds(),
			}

			if err != nil {
				stat.Error = err.Error()
				a.metrics.RecordSourceFailure(source.Name)
				log.Warnf("Source %s failed: %v (took %v)", source.Name, err, duration)
			}
			if len(proxies) > 0 {
				log.Infof("Source %s returned %d proxies (took %v)", source.Name, len(proxies), duration)
			}

			stat.ProxiesFound = len(proxies)
			a.metrics.RecordProxiesScraped(source.Name, len(proxies))

			perSource[i] = proxies
			stats[i] = stat
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, proxies := range perSource {
		total += len(proxies)
	}

	allProxies := make([]types.Endpoint, 0, total)
	for _, proxies := range perSource {
		allProxies = append(allProxies, proxies...)
	}

	sourceStats := make(map[string]types.SourceStats, len(stats))
	for _, stat := range stats {
		sourceStats[stat.Name] = stat
	}

	return allProxies, sourceStats, nil
}

func (a *Aggregator) fetchSource(ctx context.Context, source config.Source) ([]types.Endpoint, error) {
	switch source.Type {
	case config.SourceTypeJSON:
		body, err := a.get(ctx, source.URL)
		if err != nil {
			return nil, err
		}
		fallback, _ := types.ParseProtocol(source.Protocol)
		return parseJSONRecords(body, source.RecordsField, source.Name, fallback)

	case config.SourceTypeHTML:
		body, err := a.get(ctx, source.URL)
		if err != nil {
			return nil, err
		}
		return parseHTMLTable(bytes.NewReader(body), source)

	case config.SourceTypeText:
		return a.fetchTextSource(ctx, source)

	default:
		return nil, fmt.Errorf("unknown source type %q", source.Type)
	}
}

// fetchTextSource fetches every sub-URL of a text source concurrently. A failed
// sub-URL only drops its own lines; the combined error is still reported.
func (a *Aggregator) fetchTextSource(ctx context.Context, source config.Source) ([]types.Endpoint, error) {
	perURL := make([][]types.Endpoint, len(source.URLs))
	errs := make([]error, len(source.URLs))

	var g errgroup.Group
	for i, item := range source.URLs {
		g.Go(func() error {
			protocol, _ := types.ParseProtocol(item.Protocol)

			body, err := a.get(ctx, item.URL)
			if err != nil {
				log.Errorf("[%s] fetch %s failed: %v", source.Name, item.Protocol, err)
				errs[i] = fmt.Errorf("%s: %w", item.Protocol, err)
				return nil
			}

			parsed, err := parseTextProxies(bytes.NewReader(body), protocol, source.Name)
			if err != nil {
				log.Errorf("[%s] parse %s failed: %v", source.Name, item.Protocol, err)
				errs[i] = fmt.Errorf("%s: %w", item.Protocol, err)
				return nil
			}
			perURL[i] = parsed
			return nil
		})
	}
	_ = g.Wait()

	proxies := make([]types.Endpoint, 0)
	for _, parsed := range perURL {
		proxies = append(proxies, parsed...)
	}

	return proxies, multierr.Combine(errs...)
}

// get performs one GET under its own timeout. Bodies over MaxBodyBytes are
// rejected rather than cut, so a partial trailing line is never parsed.
func (a *Aggregator) get(ctx context.Context, rawURL string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(a.config.FetchTimeoutMs)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if a.config.UserAgent != "" {
		req.Header.Set("User-Agent", a.config.UserAgent)
	}
	for key, value := range a.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	limit := a.config.MaxBodyBytes
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}
	// One extra byte tells a body at the cap from a truncated one
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}

	return body, nil
}
