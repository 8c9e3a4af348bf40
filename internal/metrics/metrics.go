// Package metrics exposes the Prometheus collectors for the explorer core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPC layer
	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dotscope_rpc_requests_total",
		Help: "JSON-RPC requests issued, by method and outcome",
	}, []string{"method", "outcome"})

	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dotscope_rpc_request_seconds",
		Help:    "JSON-RPC round-trip latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	RPCReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dotscope_rpc_reconnects_total",
		Help: "WebSocket RPC session reconnects",
	})

	// Indexer
	BlocksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dotscope_blocks_indexed_total",
		Help: "Blocks fully ingested into the store",
	})

	ExtrinsicsIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dotscope_extrinsics_indexed_total",
		Help: "Extrinsics written by the indexer",
	})

	IndexerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dotscope_indexer_retries_total",
		Help: "Detail-ingestion attempts retried after failure",
	})

	HeadsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dotscope_bus_events_dropped_total",
		Help: "Bus events dropped because a subscriber channel was full",
	}, []string{"topic"})

	// Query engine
	BlocksScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dotscope_live_blocks_scanned_total",
		Help: "Blocks fetched over RPC by live scans",
	})

	QueriesServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dotscope_queries_total",
		Help: "Public queries served, by type and source",
	}, []string{"type", "source"})

	// Cache
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dotscope_cache_hits_total",
		Help: "Result cache hits, by entry type",
	}, []string{"type"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dotscope_cache_misses_total",
		Help: "Result cache misses, by entry type",
	}, []string{"type"})

	// Hub
	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dotscope_hub_connections",
		Help: "Active live-channel connections",
	})

	HubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dotscope_hub_dropped_messages_total",
		Help: "Messages dropped because a subscriber send buffer was full",
	})

	HubDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dotscope_hub_delivered_messages_total",
		Help: "Messages delivered to live-channel subscribers, by topic",
	}, []string{"topic"})
)
