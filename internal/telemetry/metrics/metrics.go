// Package metrics exposes an httpreader.Engine's Statistics as Prometheus
// counters and a cache-size gauge, for the CLI's optional --metrics-addr flag.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parazip/parazip/internal/httpreader"
)

// StatsSource is anything that can report an httpreader.Engine's current
// counters; satisfied by *httpreader.Engine itself.
type StatsSource interface {
	Stats() httpreader.Statistics
}

// Collector adapts a StatsSource into a prometheus.Collector, computing
// fresh metric values from Stats() on every scrape rather than tracking its
// own counters, since the engine already owns the authoritative values.
type Collector struct {
	source StatsSource

	numHTTPStreams *prometheus.Desc
	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cacheShrinks   *prometheus.Desc
	cacheBytes     *prometheus.Desc
}

// NewCollector wraps source for registration with a prometheus.Registry.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source:         source,
		numHTTPStreams: prometheus.NewDesc("parazip_http_streams_total", "HTTP range streams opened.", nil, nil),
		cacheHits:      prometheus.NewDesc("parazip_cache_hits_total", "Readahead cache hits.", nil, nil),
		cacheMisses:    prometheus.NewDesc("parazip_cache_misses_total", "Readahead cache misses.", nil, nil),
		cacheShrinks:   prometheus.NewDesc("parazip_cache_shrinks_total", "Readahead cache evictions due to the size limit.", nil, nil),
		cacheBytes:     prometheus.NewDesc("parazip_cache_bytes", "Bytes currently held in the readahead cache.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.numHTTPStreams
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheShrinks
	ch <- c.cacheBytes
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.numHTTPStreams, prometheus.CounterValue, float64(stats.NumHTTPStreams))
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(stats.CacheHits))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(stats.CacheMisses))
	ch <- prometheus.MustNewConstMetric(c.cacheShrinks, prometheus.CounterValue, float64(stats.CacheShrinks))
	ch <- prometheus.MustNewConstMetric(c.cacheBytes, prometheus.GaugeValue, float64(stats.CurrentCacheBytes))
}

// Serve registers source alongside the standard Go runtime collectors and
// starts an HTTP server on addr exposing them at /metrics. It runs until
// the listener fails or the process exits; callers typically launch it in
// its own goroutine.
func Serve(addr string, source StatsSource) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(NewCollector(source))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
