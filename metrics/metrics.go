// Package metrics exposes arcflow runtime state to Prometheus through
// snapshot-based collectors: counters live in their owning packages and
// are read out at scrape time, so the hot paths never touch a
// prometheus type.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"arcflow.dev/cache"
	"arcflow.dev/gateway"
)

// QueueDepthFunc reports the number of queued mutation batches.
type QueueDepthFunc func() int

// Collector reads arcflow snapshots at scrape time.
type Collector struct {
	cache      *cache.Manager
	gateway    *gateway.Gateway
	queueDepth QueueDepthFunc

	cacheHits     *prometheus.Desc
	cacheMisses   *prometheus.Desc
	cacheHitRate  *prometheus.Desc
	cacheErrors   *prometheus.Desc
	connections   *prometheus.Desc
	wsReceived    *prometheus.Desc
	wsDropped     *prometheus.Desc
	handlerErrors *prometheus.Desc
	queuedBatches *prometheus.Desc
}

// NewCollector creates a Collector. Nil collaborators are skipped.
func NewCollector(cacheMgr *cache.Manager, gw *gateway.Gateway, queueDepth QueueDepthFunc) *Collector {
	return &Collector{
		cache:      cacheMgr,
		gateway:    gw,
		queueDepth: queueDepth,

		cacheHits: prometheus.NewDesc(
			"arcflow_cache_hits_total", "Cache reads served from the store.", nil, nil),
		cacheMisses: prometheus.NewDesc(
			"arcflow_cache_misses_total", "Cache reads that fell through.", nil, nil),
		cacheHitRate: prometheus.NewDesc(
			"arcflow_cache_hit_rate", "Cache hit rate since start.", nil, nil),
		cacheErrors: prometheus.NewDesc(
			"arcflow_cache_errors_total", "Cache operations that failed.", nil, nil),
		connections: prometheus.NewDesc(
			"arcflow_ws_connections", "Currently connected websocket clients.", nil, nil),
		wsReceived: prometheus.NewDesc(
			"arcflow_ws_messages_received_total", "Frames received from clients.", nil, nil),
		wsDropped: prometheus.NewDesc(
			"arcflow_ws_messages_dropped_total", "Frames dropped by the message limiter.", nil, nil),
		handlerErrors: prometheus.NewDesc(
			"arcflow_ws_handler_errors_total", "Frames whose handler returned an error.", nil, nil),
		queuedBatches: prometheus.NewDesc(
			"arcflow_mutation_queue_depth", "Mutation batches waiting on flow queues.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.cache != nil {
		snap := c.cache.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(snap.Hits))
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(snap.Misses))
		ch <- prometheus.MustNewConstMetric(c.cacheHitRate, prometheus.GaugeValue, snap.HitRate)
		ch <- prometheus.MustNewConstMetric(c.cacheErrors, prometheus.CounterValue, float64(snap.Errors))
	}
	if c.gateway != nil {
		stats := c.gateway.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(stats.Connections))
		ch <- prometheus.MustNewConstMetric(c.wsReceived, prometheus.CounterValue, float64(stats.MessagesReceived))
		ch <- prometheus.MustNewConstMetric(c.wsDropped, prometheus.CounterValue, float64(stats.MessagesDropped))
		ch <- prometheus.MustNewConstMetric(c.handlerErrors, prometheus.CounterValue, float64(stats.HandlerErrors))
	}
	if c.queueDepth != nil {
		ch <- prometheus.MustNewConstMetric(c.queuedBatches, prometheus.GaugeValue, float64(c.queueDepth()))
	}
}

// NewRegistry builds a prometheus registry with the arcflow collector
// and the standard process and Go runtime collectors.
func NewRegistry(cacheMgr *cache.Manager, gw *gateway.Gateway, queueDepth QueueDepthFunc) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(cacheMgr, gw, queueDepth),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
