package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector("test")
	b := NewCollector("test")

	a.RecordProbe(true, 0.2)
	a.RecordProbe(false, 0)
	a.RecordProbe(false, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.probesTotal.WithLabelValues("alive")))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.probesTotal.WithLabelValues("dead")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.probesTotal.WithLabelValues("dead")))
}

func TestPoolAndPipelineMetrics(t *testing.T) {
	c := NewCollector("test")

	c.SetPoolSize(10, 4, 6)
	c.RecordPipelineRun("refresh", "completed")
	c.RecordPipelineRun("refresh", "rejected")
	c.RecordPipelineRun("refresh", "rejected")
	c.RecordProxiesScraped("FreeProxy", 120)
	c.RecordSourceFailure("FreeProxy")
	c.RecordPersistFailure()

	assert.Equal(t, 10.0, testutil.ToFloat64(c.poolProxies.WithLabelValues("all")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.poolProxies.WithLabelValues("elite")))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.poolProxies.WithLabelValues("normal")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.pipelineRuns.WithLabelValues("refresh", "rejected")))
	assert.Equal(t, 120.0, testutil.ToFloat64(c.proxiesScraped.WithLabelValues("FreeProxy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sourceFailures.WithLabelValues("FreeProxy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.persistFailures))
}

func TestHandlerServesRegistry(t *testing.T) {
	c := NewCollector("test")
	c.SetBatchInFlight(200)
	c.RecordAPIRequest("GET", "/api/stats", "200")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, "test_probe_batch_in_flight 200"))
	assert.True(t, strings.Contains(text, `test_api_requests_total{endpoint="/api/stats",method="GET",status="200"} 1`))
	assert.True(t, strings.Contains(text, "go_goroutines"))
}
