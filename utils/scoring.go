package utils

import (
	"math"
	"time"

	"xandindexer/models"
)

const (
	// Last-seen windows used when the registry only reports presence
	OnlineWindow     = 5 * time.Minute
	DelinquentWindow = 30 * time.Minute

	// Uptime is expressed against a 30 day reference window
	UptimeReferenceSeconds = 30 * 24 * 3600

	tebibyte = float64(1 << 40)
)

// Score weights. They sum to 100 with a perfect node.
const (
	weightUptime      = 0.30
	maxStoragePoints  = 20.0
	maxLatencyPoints  = 25.0
	weightSuccessRate = 0.15
	versionPoints     = 10.0
)

// StatusFromLastSeen classifies a presence-only record by gossip age.
// A timestamp in the future counts as fresh.
func StatusFromLastSeen(lastSeen, now time.Time) models.NodeStatus {
	age := now.Sub(lastSeen)
	switch {
	case age < OnlineWindow:
		return models.StatusOnline
	case age < DelinquentWindow:
		return models.StatusDelinquent
	default:
		return models.StatusOffline
	}
}

// StatusFromUptime classifies a record carrying a live uptime counter.
func StatusFromUptime(uptimeSeconds int64) models.NodeStatus {
	if uptimeSeconds > 0 {
		return models.StatusOnline
	}
	return models.StatusOffline
}

func UptimePercent(uptimeSeconds int64) float64 {
	if uptimeSeconds <= 0 {
		return 0
	}
	return math.Min(float64(uptimeSeconds)/UptimeReferenceSeconds*100, 100)
}

type ScoreInput struct {
	UptimePercent      float64
	CapacityBytes      int64
	AverageLatencyMs   float64
	SuccessRatePercent float64
}

// PerformanceScore is the single scoring function for a node:
//
//	uptime% * 0.30
//	+ min(capacity / 1 TiB * 20, 20)
//	+ max((100 - latencyMs) / 100, 0) * 25
//	+ successRate% * 0.15
//	+ 10 (version currency, constant)
//
// rounded and clamped to [0, 100].
func PerformanceScore(in ScoreInput) int {
	storage := math.Min(float64(in.CapacityBytes)/tebibyte*maxStoragePoints, maxStoragePoints)
	latency := math.Max((100-in.AverageLatencyMs)/100, 0) * maxLatencyPoints

	score := in.UptimePercent*weightUptime +
		storage +
		latency +
		in.SuccessRatePercent*weightSuccessRate +
		versionPoints

	return clampScore(score)
}

// HealthScore summarises the network:
// round(onlineRatio*40 + avgPerformance*0.4 + avgUptime*0.2).
// An empty network scores 0.
func HealthScore(online, total int, avgPerformance, avgUptime float64) int {
	if total <= 0 {
		return 0
	}
	ratio := float64(online) / float64(total)
	return clampScore(ratio*40 + avgPerformance*0.4 + avgUptime*0.2)
}

func clampScore(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	r := math.Round(v)
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return int(r)
}
