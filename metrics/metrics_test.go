package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gtfs "github.com/Samcfuchs/mta-viz"
	"github.com/Samcfuchs/mta-viz/api"
	"github.com/Samcfuchs/mta-viz/metrics"
)

var (
	_ gtfs.PollerMetrics = (*metrics.Collector)(nil)
	_ gtfs.StoreMetrics  = (*metrics.Collector)(nil)
	_ api.RequestMetrics = (*metrics.Collector)(nil)
)

func TestCollectorPolls(t *testing.T) {
	c := metrics.NewCollector()

	c.PollSucceeded("ace", 120*time.Millisecond, 40, 2, 7)
	c.PollSucceeded("ace", 80*time.Millisecond, 41, 0, 8)
	c.PollFailed("ace", "timeout", 10*time.Second)
	c.PollFailed("g", "status", 50*time.Millisecond)
	c.TickSkipped("ace", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Polls.WithLabelValues("ace", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Polls.WithLabelValues("ace", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PollFailures.WithLabelValues("ace", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PollFailures.WithLabelValues("g", "status")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.SkippedEntities.WithLabelValues("ace")))
	assert.Equal(t, 8.0, testutil.ToFloat64(c.LineSequence.WithLabelValues("ace")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.TicksSkipped.WithLabelValues("ace")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.PollDuration))
}

func TestCollectorStore(t *testing.T) {
	c := metrics.NewCollector()

	c.ConsistencyViolation("l", "tie")
	c.ConsistencyViolation("l", "regression")
	c.ConsistencyViolation("l", "regression")
	c.Evicted(3)
	c.Evicted(0)
	c.Trips(12)
	c.Trips(9)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ConsistencyViolations.WithLabelValues("l", "tie")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ConsistencyViolations.WithLabelValues("l", "regression")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.Evictions))
	assert.Equal(t, 9.0, testutil.ToFloat64(c.TripCount))
}

func TestCollectorHandler(t *testing.T) {
	c := metrics.NewCollector()
	c.PollFailed("jz", "decode", time.Second)
	c.Request("/realtime", 200)

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, w.Code)

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	text := string(body)

	assert.True(t, strings.Contains(text, `mtaviz_poll_failures_total{kind="decode",line="jz"} 1`), text)
	assert.True(t, strings.Contains(text, `mtaviz_http_requests_total{code="200",route="/realtime"} 1`), text)
	assert.True(t, strings.Contains(text, "mtaviz_store_trips 0"), text)
}
