package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the poller and store metric sinks on a
// private registry.
type Collector struct {
	reg *prometheus.Registry

	Polls           *prometheus.CounterVec // result label: ok|error
	PollFailures    *prometheus.CounterVec // kind label: timeout|status|network|decode|store
	TicksSkipped    *prometheus.CounterVec
	PollDuration    *prometheus.HistogramVec
	SkippedEntities *prometheus.CounterVec
	LineSequence    *prometheus.GaugeVec

	ConsistencyViolations *prometheus.CounterVec // kind label: tie|regression
	Evictions             prometheus.Counter
	TripCount             prometheus.Gauge

	Requests *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtaviz_poll_total",
			Help: "Realtime feed polls by result.",
		}, []string{"line", "result"}),
		PollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtaviz_poll_failures_total",
			Help: "Failed realtime feed polls by failure kind.",
		}, []string{"line", "kind"}),
		TicksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtaviz_poll_ticks_skipped_total",
			Help: "Poll ticks dropped because a fetch was still running.",
		}, []string{"line"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mtaviz_poll_duration_seconds",
			Help:    "Duration of a fetch, decode and apply cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"line"}),
		SkippedEntities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtaviz_decode_skipped_entities_total",
			Help: "Malformed feed entities skipped while decoding.",
		}, []string{"line"}),
		LineSequence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtaviz_line_sequence",
			Help: "Sequence number of the last successful decode.",
		}, []string{"line"}),
		ConsistencyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtaviz_store_consistency_violations_total",
			Help: "Trip updates dropped for not advancing the line's sequence.",
		}, []string{"line", "kind"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtaviz_store_evictions_total",
			Help: "Stale trips removed by the sweep.",
		}),
		TripCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtaviz_store_trips",
			Help: "Trips currently held in the store.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtaviz_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}

	reg.MustRegister(
		c.Polls, c.PollFailures, c.TicksSkipped, c.PollDuration,
		c.SkippedEntities, c.LineSequence,
		c.ConsistencyViolations, c.Evictions, c.TripCount,
		c.Requests,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) PollSucceeded(line string, duration time.Duration, entities int, skipped int, seq uint64) {
	c.Polls.WithLabelValues(line, "ok").Inc()
	c.PollDuration.WithLabelValues(line).Observe(duration.Seconds())
	c.SkippedEntities.WithLabelValues(line).Add(float64(skipped))
	c.LineSequence.WithLabelValues(line).Set(float64(seq))
}

func (c *Collector) PollFailed(line string, kind string, duration time.Duration) {
	c.Polls.WithLabelValues(line, "error").Inc()
	c.PollFailures.WithLabelValues(line, kind).Inc()
	c.PollDuration.WithLabelValues(line).Observe(duration.Seconds())
}

func (c *Collector) TickSkipped(line string, n int) {
	c.TicksSkipped.WithLabelValues(line).Add(float64(n))
}

func (c *Collector) ConsistencyViolation(line string, kind string) {
	c.ConsistencyViolations.WithLabelValues(line, kind).Inc()
}

func (c *Collector) Evicted(n int) {
	c.Evictions.Add(float64(n))
}

func (c *Collector) Trips(n int) {
	c.TripCount.Set(float64(n))
}

func (c *Collector) Request(route string, code int) {
	c.Requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
