package models

import "time"

// NetworkStats is the network-wide summary computed from one cycle's nodes.
type NetworkStats struct {
	TotalNodes      int `json:"total_nodes"`
	OnlineNodes     int `json:"online_nodes"`
	OfflineNodes    int `json:"offline_nodes"`
	DelinquentNodes int `json:"delinquent_nodes"`

	TotalCapacityBytes    int64   `json:"total_capacity_bytes"`
	UsedCapacityBytes     int64   `json:"used_capacity_bytes"`
	UtilizationPercent    float64 `json:"utilization_percent"`
	EstimatedStorageNodes int     `json:"estimated_storage_nodes"`

	AveragePerformance float64 `json:"average_performance"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
	AverageUptime      float64 `json:"average_uptime"`
	HealthScore        int     `json:"health_score"`

	VersionDistribution  map[string]int `json:"version_distribution"`
	LocationDistribution map[string]int `json:"location_distribution"`

	LastUpdated time.Time `json:"last_updated"`
}

// OnlineRatio is 0 for an empty network.
func (s NetworkStats) OnlineRatio() float64 {
	if s.TotalNodes == 0 {
		return 0
	}
	return float64(s.OnlineNodes) / float64(s.TotalNodes)
}
