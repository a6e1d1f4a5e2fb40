// Package metrics exposes the swarm's Prometheus instruments. Gauges track
// the current graph shape; counters accumulate traffic totals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mxhn/swarmnet/swarm/common"
)

var (
	NodesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmnet_nodes_total",
		Help: "Number of registered agent nodes",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmnet_connections_active",
		Help: "Number of active directed connections in the topology",
	})

	ClustersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmnet_clusters_total",
		Help: "Number of connected components with two or more members",
	})

	BridgesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmnet_bridges_total",
		Help: "Number of nodes whose neighbors span multiple clusters",
	})

	NetworkHealth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmnet_network_health",
		Help: "Composite network health score, 0 to 100",
	})

	AverageLatencyMs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmnet_average_latency_ms",
		Help: "Mean ping round-trip latency across transports in milliseconds",
	})

	MessageThroughput = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmnet_message_throughput",
		Help: "Messages sent plus received per second over the last metrics interval",
	})

	ErrorRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmnet_error_rate",
		Help: "Fraction of sends that failed",
	})

	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmnet_broadcasts_total",
		Help: "Number of swarm-wide broadcast requests",
	})

	MessagesFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmnet_messages_failed_total",
		Help: "Number of sends that failed across all transports",
	})
)

// Observe pushes a computed network snapshot into the gauges.
func Observe(m common.NetworkMetrics) {
	NodesTotal.Set(float64(m.TotalNodes))
	ConnectionsActive.Set(float64(m.ActiveConnections))
	ClustersTotal.Set(float64(m.ClusterCount))
	BridgesTotal.Set(float64(m.BridgeCount))
	NetworkHealth.Set(m.NetworkHealth)
	AverageLatencyMs.Set(m.AverageLatencyMs)
	MessageThroughput.Set(m.MessageThroughput)
	ErrorRate.Set(m.ErrorRate)
}
