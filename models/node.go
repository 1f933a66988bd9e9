package models

import "time"

// NodeStatus is the liveness classification derived for a pNode each cycle.
type NodeStatus string

const (
	StatusOnline     NodeStatus = "online"
	StatusOffline    NodeStatus = "offline"
	StatusDelinquent NodeStatus = "delinquent"
)

func (s NodeStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusDelinquent:
		return true
	}
	return false
}

// Node is the canonical, normalized view of one pNode for a single cycle.
type Node struct {
	// Identity: pubkey when the registry reports one, otherwise the gossip address
	ID      string `json:"id"`
	Pubkey  string `json:"pubkey"`
	Address string `json:"address"`
	IP      string `json:"ip"`

	GossipEndpoint string `json:"gossip_endpoint"`
	RPCEndpoint    string `json:"rpc_endpoint,omitempty"`
	IsPublic       bool   `json:"is_public"`

	Status   NodeStatus `json:"status"`
	LastSeen time.Time  `json:"last_seen"`

	Storage     StorageMetrics     `json:"storage"`
	Performance PerformanceMetrics `json:"performance"`

	// 0..100, see utils.PerformanceScore
	PerformanceScore int `json:"performance_score"`

	// Only present when the node answered a get-stats probe this cycle
	NetworkMetrics *NetworkMetrics `json:"network_metrics,omitempty"`

	Version       string `json:"version"`
	VersionStatus string `json:"version_status"`
	Location      string `json:"location"`

	// Number of stored snapshots the performance figures were averaged from
	HistorySamples int `json:"history_samples"`
}

type StorageMetrics struct {
	CapacityBytes      int64   `json:"capacity_bytes"`
	UsedBytes          int64   `json:"used_bytes"`
	UtilizationPercent float64 `json:"utilization_percent"`
	FileSystemCount    int     `json:"file_system_count"`
	IsEstimated        bool    `json:"is_estimated"`
}

type PerformanceMetrics struct {
	AverageLatencyMs   float64 `json:"average_latency_ms"`
	SuccessRatePercent float64 `json:"success_rate_percent"`
	UptimePercent      float64 `json:"uptime_percent"`
	UptimeSeconds      *int64  `json:"uptime_seconds,omitempty"`
	LastUpdatedMs      int64   `json:"last_updated_ms"`
	IsEstimated        bool    `json:"is_estimated"`
}

type NetworkMetrics struct {
	CPUPercent      float64 `json:"cpu_percent"`
	RAMUsedBytes    int64   `json:"ram_used_bytes"`
	RAMTotalBytes   int64   `json:"ram_total_bytes"`
	ActiveStreams   int     `json:"active_streams"`
	PacketsSent     int64   `json:"packets_sent"`
	PacketsReceived int64   `json:"packets_received"`
}

// NodeProbe is the outcome of a direct get-stats call against a node.
type NodeProbe struct {
	Reachable bool
	LatencyMs float64
	Metrics   *NetworkMetrics
}

// LastKnown is the per-node state carried from one cycle to the next for
// event detection.
type LastKnown struct {
	Status           NodeStatus `json:"status"`
	PerformanceScore int        `json:"performance_score"`
}

// LastKnownFrom builds the next last-known map from a cycle's node set.
func LastKnownFrom(nodes []Node) map[string]LastKnown {
	out := make(map[string]LastKnown, len(nodes))
	for _, n := range nodes {
		out[n.ID] = LastKnown{Status: n.Status, PerformanceScore: n.PerformanceScore}
	}
	return out
}
