package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	// Probe metrics
	probesTotal   *prometheus.CounterVec
	probeLatency  prometheus.Histogram
	probesRunning prometheus.Gauge

	// Pool stats
	poolProxies *prometheus.GaugeVec

	// Aggregation metrics
	proxiesScraped *prometheus.CounterVec
	sourceFailures *prometheus.CounterVec

	// Pipeline metrics
	pipelineRuns     *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	persistFailures  prometheus.Counter

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers every metric on a private registry so that several
// collectors can coexist in one process (tests build one per case).
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		probesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of TCP liveness probes",
			},
			[]string{"result"},
		),
		probeLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_latency_seconds",
				Help:      "TCP connect latency of alive endpoints in seconds",
				Buckets:   []float64{.05, .1, .25, .5, .75, 1, 1.5, 2, 3, 5},
			},
		),
		probesRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "probe_batch_in_flight",
				Help:      "Number of probes in the current batch",
			},
		),
		poolProxies: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_proxies",
				Help:      "Number of proxies in the published pool",
			},
			[]string{"tier"},
		),
		proxiesScraped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxies_scraped_total",
				Help:      "Total number of proxies scraped from sources",
			},
			[]string{"source"},
		),
		sourceFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_failures_total",
				Help:      "Total number of failed source fetches",
			},
			[]string{"source"},
		),
		pipelineRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Pipeline run requests by outcome",
			},
			[]string{"pipeline", "outcome"},
		),
		pipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "Duration of completed pipeline runs in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"pipeline"},
		),
		persistFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_failures_total",
				Help:      "Total number of failed snapshot saves",
			},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

// Handler serves the collector's registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordProbe(alive bool, latencySeconds float64) {
	if alive {
		c.probesTotal.WithLabelValues("alive").Inc()
		c.probeLatency.Observe(latencySeconds)
		return
	}
	c.probesTotal.WithLabelValues("dead").Inc()
}

func (c *Collector) SetBatchInFlight(n int) {
	c.probesRunning.Set(float64(n))
}

func (c *Collector) SetPoolSize(alive, elite, normal int) {
	c.poolProxies.WithLabelValues("all").Set(float64(alive))
	c.poolProxies.WithLabelValues("elite").Set(float64(elite))
	c.poolProxies.WithLabelValues("normal").Set(float64(normal))
}

func (c *Collector) RecordProxiesScraped(source string, count int) {
	c.proxiesScraped.WithLabelValues(source).Add(float64(count))
}

func (c *Collector) RecordSourceFailure(source string) {
	c.sourceFailures.WithLabelValues(source).Inc()
}

// RecordPipelineRun counts a run request; outcome is "completed", "rejected" or "skipped"
func (c *Collector) RecordPipelineRun(pipeline, outcome string) {
	c.pipelineRuns.WithLabelValues(pipeline, outcome).Inc()
}

func (c *Collector) RecordPipelineDuration(pipeline string, seconds float64) {
	c.pipelineDuration.WithLabelValues(pipeline).Observe(seconds)
}

func (c *Collector) RecordPersistFailure() {
	c.persistFailures.Inc()
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
