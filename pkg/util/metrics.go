// Metrics instruments the admission-gate queue depths and match throughput
// with Prometheus gauges/counters, exported on /metrics.
package util

import "github.com/prometheus/client_golang/prometheus"

var (
	OperlogPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchcore_operlog_pending",
		Help: "Number of operlog rows queued for the next flush.",
	})
	HistoryQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchcore_history_queued_jobs",
		Help: "Number of coalesced history insert jobs queued.",
	})
	BusBufferDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "matchcore_bus_buffer_depth",
		Help: "Overflow buffer depth per bus topic.",
	}, []string{"topic"})
	TradesMatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchcore_trades_matched_total",
		Help: "Total number of executed trades across all markets.",
	})
	DepthCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchcore_depth_cache_hits_total",
		Help: "Number of order.depth requests served from cache.",
	})
	DepthCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchcore_depth_cache_misses_total",
		Help: "Number of order.depth requests that recomputed depth.",
	})
)

// RegisterAll registers every collector with the default Prometheus
// registry; call once at startup before serving /metrics.
func RegisterAll() {
	prometheus.MustRegister(OperlogPending, HistoryQueued, BusBufferDepth, TradesMatched, DepthCacheHits, DepthCacheMisses)
}
