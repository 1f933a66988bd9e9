package services

import (
	"log/slog"
	"time"

	"xandindexer/models"
	"xandindexer/utils"
)

// AggregateNodes reduces one cycle's nodes to network statistics.
// Performance and uptime are averaged over every node; latency only over
// nodes that are not offline, whose latency is a placeholder.
func AggregateNodes(nodes []models.Node, now time.Time) models.NetworkStats {
	stats := models.NetworkStats{
		TotalNodes:           len(nodes),
		VersionDistribution:  map[string]int{},
		LocationDistribution: map[string]int{},
		LastUpdated:          now,
	}
	if len(nodes) == 0 {
		return stats
	}

	var sumPerformance, sumUptime, sumLatency float64
	var latencyNodes int

	for _, node := range nodes {
		switch node.Status {
		case models.StatusOnline:
			stats.OnlineNodes++
		case models.StatusDelinquent:
			stats.DelinquentNodes++
		default:
			stats.OfflineNodes++
		}

		if node.Storage.IsEstimated {
			stats.EstimatedStorageNodes++
		} else {
			stats.TotalCapacityBytes += node.Storage.CapacityBytes
			stats.UsedCapacityBytes += node.Storage.UsedBytes
		}

		sumPerformance += float64(node.PerformanceScore)
		sumUptime += node.Performance.UptimePercent
		if node.Status != models.StatusOffline {
			sumLatency += node.Performance.AverageLatencyMs
			latencyNodes++
		}

		stats.VersionDistribution[utils.VersionLabel(node.Version)]++
		location := node.Location
		if location == "" {
			location = utils.LocationUnknown
		}
		stats.LocationDistribution[location]++
	}

	total := float64(len(nodes))
	stats.AveragePerformance = sumPerformance / total
	stats.AverageUptime = sumUptime / total
	if latencyNodes > 0 {
		stats.AverageLatencyMs = sumLatency / float64(latencyNodes)
	}
	if stats.TotalCapacityBytes > 0 {
		stats.UtilizationPercent = float64(stats.UsedCapacityBytes) / float64(stats.TotalCapacityBytes) * 100
	}
	stats.HealthScore = utils.HealthScore(stats.OnlineNodes, stats.TotalNodes, stats.AveragePerformance, stats.AverageUptime)
	return stats
}

// DataAggregator wraps AggregateNodes with logging.
type DataAggregator struct {
	logger *slog.Logger
}

func NewDataAggregator(logger *slog.Logger) *DataAggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataAggregator{logger: logger}
}

func (da *DataAggregator) Aggregate(nodes []models.Node, now time.Time) models.NetworkStats {
	stats := AggregateNodes(nodes, now)
	if stats.TotalNodes == 0 {
		da.logger.Warn("no nodes available for aggregation")
		return stats
	}

	da.logger.Info("aggregated nodes",
		"total", stats.TotalNodes,
		"online", stats.OnlineNodes,
		"delinquent", stats.DelinquentNodes,
		"offline", stats.OfflineNodes,
		"health", stats.HealthScore,
		"capacity_bytes", stats.TotalCapacityBytes,
		"estimated_storage", stats.EstimatedStorageNodes,
	)
	return stats
}
