package models

import "time"

// Persisted rows. Field names map to snake_case columns in SQL and to the
// bson tags in MongoDB.

// NodeRecord is the long-lived identity row every NodeSnapshot points at.
type NodeRecord struct {
	ID        string    `json:"id" gorm:"primaryKey;size:128" bson:"_id"`
	Pubkey    string    `json:"pubkey" gorm:"size:128;index" bson:"pubkey"`
	Address   string    `json:"address" gorm:"size:128" bson:"address"`
	Version   string    `json:"version" gorm:"size:64" bson:"version"`
	Location  string    `json:"location" gorm:"size:128" bson:"location"`
	FirstSeen time.Time `json:"first_seen" bson:"first_seen"`
	LastSeen  time.Time `json:"last_seen" gorm:"index" bson:"last_seen"`
}

type NodeSnapshot struct {
	ID        uint64      `json:"-" gorm:"primaryKey;autoIncrement" bson:"-"`
	NodeID    string      `json:"node_id" gorm:"size:128;not null;index:idx_node_snapshots_node_time,priority:1" bson:"node_id"`
	Node      *NodeRecord `json:"-" gorm:"foreignKey:NodeID;references:ID;constraint:OnDelete:CASCADE" bson:"-"`
	Timestamp time.Time   `json:"timestamp" gorm:"not null;index:idx_node_snapshots_node_time,priority:2;index" bson:"timestamp"`
	Status    NodeStatus  `json:"status" gorm:"size:16" bson:"status"`

	PerformanceScore int `json:"performance_score" bson:"performance_score"`

	CapacityBytes      int64   `json:"capacity_bytes" bson:"capacity_bytes"`
	UsedBytes          int64   `json:"used_bytes" bson:"used_bytes"`
	UtilizationPercent float64 `json:"utilization_percent" bson:"utilization_percent"`
	StorageEstimated   bool    `json:"storage_estimated" bson:"storage_estimated"`

	AverageLatencyMs     float64 `json:"average_latency_ms" bson:"average_latency_ms"`
	SuccessRatePercent   float64 `json:"success_rate_percent" bson:"success_rate_percent"`
	UptimePercent        float64 `json:"uptime_percent" bson:"uptime_percent"`
	UptimeSeconds        *int64  `json:"uptime_seconds,omitempty" bson:"uptime_seconds,omitempty"`
	PerformanceEstimated bool    `json:"performance_estimated" bson:"performance_estimated"`

	CPUPercent      *float64 `json:"cpu_percent,omitempty" bson:"cpu_percent,omitempty"`
	RAMUsedBytes    *int64   `json:"ram_used_bytes,omitempty" bson:"ram_used_bytes,omitempty"`
	RAMTotalBytes   *int64   `json:"ram_total_bytes,omitempty" bson:"ram_total_bytes,omitempty"`
	ActiveStreams   *int     `json:"active_streams,omitempty" bson:"active_streams,omitempty"`
	PacketsSent     *int64   `json:"packets_sent,omitempty" bson:"packets_sent,omitempty"`
	PacketsReceived *int64   `json:"packets_received,omitempty" bson:"packets_received,omitempty"`

	Version  string `json:"version" gorm:"size:64" bson:"version"`
	Location string `json:"location" gorm:"size:128" bson:"location"`
}

// NewNodeRecord and NewNodeSnapshot translate a normalized node into rows.
func NewNodeRecord(n Node, now time.Time) NodeRecord {
	return NodeRecord{
		ID:        n.ID,
		Pubkey:    n.Pubkey,
		Address:   n.Address,
		Version:   n.Version,
		Location:  n.Location,
		FirstSeen: now,
		LastSeen:  now,
	}
}

func NewNodeSnapshot(n Node, ts time.Time) NodeSnapshot {
	s := NodeSnapshot{
		NodeID:               n.ID,
		Timestamp:            ts,
		Status:               n.Status,
		PerformanceScore:     n.PerformanceScore,
		CapacityBytes:        n.Storage.CapacityBytes,
		UsedBytes:            n.Storage.UsedBytes,
		UtilizationPercent:   n.Storage.UtilizationPercent,
		StorageEstimated:     n.Storage.IsEstimated,
		AverageLatencyMs:     n.Performance.AverageLatencyMs,
		SuccessRatePercent:   n.Performance.SuccessRatePercent,
		UptimePercent:        n.Performance.UptimePercent,
		UptimeSeconds:        n.Performance.UptimeSeconds,
		PerformanceEstimated: n.Performance.IsEstimated,
		Version:              n.Version,
		Location:             n.Location,
	}
	if m := n.NetworkMetrics; m != nil {
		cpu, used, total, streams, sent, recv := m.CPUPercent, m.RAMUsedBytes, m.RAMTotalBytes, m.ActiveStreams, m.PacketsSent, m.PacketsReceived
		s.CPUPercent = &cpu
		s.RAMUsedBytes = &used
		s.RAMTotalBytes = &total
		s.ActiveStreams = &streams
		s.PacketsSent = &sent
		s.PacketsReceived = &recv
	}
	return s
}

// NetworkSnapshot is written exactly once per completed cycle.
type NetworkSnapshot struct {
	ID        uint64    `json:"-" gorm:"primaryKey;autoIncrement" bson:"-"`
	Timestamp time.Time `json:"timestamp" gorm:"not null;index" bson:"timestamp"`

	TotalNodes      int `json:"total_nodes" bson:"total_nodes"`
	OnlineNodes     int `json:"online_nodes" bson:"online_nodes"`
	OfflineNodes    int `json:"offline_nodes" bson:"offline_nodes"`
	DelinquentNodes int `json:"delinquent_nodes" bson:"delinquent_nodes"`

	TotalCapacityBytes int64   `json:"total_capacity_bytes" bson:"total_capacity_bytes"`
	UsedCapacityBytes  int64   `json:"used_capacity_bytes" bson:"used_capacity_bytes"`
	UtilizationPercent float64 `json:"utilization_percent" bson:"utilization_percent"`

	HealthScore        int     `json:"health_score" bson:"health_score"`
	AveragePerformance float64 `json:"average_performance" bson:"average_performance"`
	AverageLatencyMs   float64 `json:"average_latency_ms" bson:"average_latency_ms"`
	AverageUptime      float64 `json:"average_uptime" bson:"average_uptime"`

	VersionDistribution  map[string]int `json:"version_distribution" gorm:"serializer:json" bson:"version_distribution"`
	LocationDistribution map[string]int `json:"location_distribution" gorm:"serializer:json" bson:"location_distribution"`

	// chain enrichment, nil when the fetch failed that cycle
	Epoch             *uint64  `json:"epoch,omitempty" bson:"epoch,omitempty"`
	TotalValidators   *int     `json:"total_validators,omitempty" bson:"total_validators,omitempty"`
	TotalStake        *uint64  `json:"total_stake,omitempty" bson:"total_stake,omitempty"`
	AverageTPS        *float64 `json:"average_tps,omitempty" bson:"average_tps,omitempty"`
	InflationRate     *float64 `json:"inflation_rate,omitempty" bson:"inflation_rate,omitempty"`
	CirculatingSupply *uint64  `json:"circulating_supply,omitempty" bson:"circulating_supply,omitempty"`
}

func NewNetworkSnapshot(stats NetworkStats, aux Auxiliary, ts time.Time) NetworkSnapshot {
	s := NetworkSnapshot{
		Timestamp:            ts,
		TotalNodes:           stats.TotalNodes,
		OnlineNodes:          stats.OnlineNodes,
		OfflineNodes:         stats.OfflineNodes,
		DelinquentNodes:      stats.DelinquentNodes,
		TotalCapacityBytes:   stats.TotalCapacityBytes,
		UsedCapacityBytes:    stats.UsedCapacityBytes,
		UtilizationPercent:   stats.UtilizationPercent,
		HealthScore:          stats.HealthScore,
		AveragePerformance:   stats.AveragePerformance,
		AverageLatencyMs:     stats.AverageLatencyMs,
		AverageUptime:        stats.AverageUptime,
		VersionDistribution:  stats.VersionDistribution,
		LocationDistribution: stats.LocationDistribution,
		AverageTPS:           aux.AverageTPS(),
	}
	if aux.Epoch != nil {
		epoch := aux.Epoch.Epoch
		s.Epoch = &epoch
	}
	if aux.VoteAccounts != nil {
		count, stake := aux.VoteAccounts.Count(), aux.VoteAccounts.TotalStake()
		s.TotalValidators = &count
		s.TotalStake = &stake
	}
	if aux.Inflation != nil {
		total := aux.Inflation.Total
		s.InflationRate = &total
	}
	if aux.Supply != nil {
		circ := aux.Supply.Circulating
		s.CirculatingSupply = &circ
	}
	return s
}

type ValidatorRecord struct {
	VotePubkey string    `json:"vote_pubkey" gorm:"primaryKey;size:64" bson:"_id"`
	NodePubkey string    `json:"node_pubkey" gorm:"size:64;index" bson:"node_pubkey"`
	Version    string    `json:"version" gorm:"size:64" bson:"version"`
	Gossip     string    `json:"gossip" gorm:"size:128" bson:"gossip"`
	FirstSeen  time.Time `json:"first_seen" bson:"first_seen"`
	LastSeen   time.Time `json:"last_seen" bson:"last_seen"`
}

type ValidatorSnapshot struct {
	ID             uint64           `json:"-" gorm:"primaryKey;autoIncrement" bson:"-"`
	VotePubkey     string           `json:"vote_pubkey" gorm:"size:64;not null;index" bson:"vote_pubkey"`
	Validator      *ValidatorRecord `json:"-" gorm:"foreignKey:VotePubkey;references:VotePubkey;constraint:OnDelete:CASCADE" bson:"-"`
	Timestamp      time.Time        `json:"timestamp" gorm:"index" bson:"timestamp"`
	ActivatedStake uint64           `json:"activated_stake" bson:"activated_stake"`
	Commission     int              `json:"commission" bson:"commission"`
	LastVote       uint64           `json:"last_vote" bson:"last_vote"`
	RootSlot       uint64           `json:"root_slot" bson:"root_slot"`
	Delinquent     bool             `json:"delinquent" bson:"delinquent"`
}

// EpochSnapshot is keyed by epoch number; later cycles overwrite it.
type EpochSnapshot struct {
	Epoch            uint64    `json:"epoch" gorm:"primaryKey;autoIncrement:false" bson:"_id"`
	AbsoluteSlot     uint64    `json:"absolute_slot" bson:"absolute_slot"`
	BlockHeight      uint64    `json:"block_height" bson:"block_height"`
	SlotIndex        uint64    `json:"slot_index" bson:"slot_index"`
	SlotsInEpoch     uint64    `json:"slots_in_epoch" bson:"slots_in_epoch"`
	TransactionCount *uint64   `json:"transaction_count,omitempty" bson:"transaction_count,omitempty"`
	UpdatedAt        time.Time `json:"updated_at" bson:"updated_at"`
}

// PerformanceSampleRecord is keyed by slot so a sample is stored once.
type PerformanceSampleRecord struct {
	Slot                   uint64    `json:"slot" gorm:"primaryKey;autoIncrement:false" bson:"_id"`
	NumTransactions        uint64    `json:"num_transactions" bson:"num_transactions"`
	NumNonVoteTransactions *uint64   `json:"num_non_vote_transactions,omitempty" bson:"num_non_vote_transactions,omitempty"`
	NumSlots               uint64    `json:"num_slots" bson:"num_slots"`
	SamplePeriodSecs       uint64    `json:"sample_period_secs" bson:"sample_period_secs"`
	TPS                    float64   `json:"tps" bson:"tps"`
	RecordedAt             time.Time `json:"recorded_at" bson:"recorded_at"`
}

type EconomicsSnapshot struct {
	ID                   uint64    `json:"-" gorm:"primaryKey;autoIncrement" bson:"-"`
	Timestamp            time.Time `json:"timestamp" gorm:"index" bson:"timestamp"`
	Epoch                uint64    `json:"epoch" bson:"epoch"`
	InflationTotal       float64   `json:"inflation_total" bson:"inflation_total"`
	InflationValidator   float64   `json:"inflation_validator" bson:"inflation_validator"`
	InflationFoundation  float64   `json:"inflation_foundation" bson:"inflation_foundation"`
	SupplyTotal          uint64    `json:"supply_total" bson:"supply_total"`
	SupplyCirculating    uint64    `json:"supply_circulating" bson:"supply_circulating"`
	SupplyNonCirculating uint64    `json:"supply_non_circulating" bson:"supply_non_circulating"`
	StakeMinimumLamports uint64    `json:"stake_minimum_lamports" bson:"stake_minimum_lamports"`
}

// Stats recovers the summary a snapshot was built from, for metric lookups
// against history.
func (s NetworkSnapshot) Stats() NetworkStats {
	return NetworkStats{
		TotalNodes:           s.TotalNodes,
		OnlineNodes:          s.OnlineNodes,
		OfflineNodes:         s.OfflineNodes,
		DelinquentNodes:      s.DelinquentNodes,
		TotalCapacityBytes:   s.TotalCapacityBytes,
		UsedCapacityBytes:    s.UsedCapacityBytes,
		UtilizationPercent:   s.UtilizationPercent,
		AveragePerformance:   s.AveragePerformance,
		AverageLatencyMs:     s.AverageLatencyMs,
		AverageUptime:        s.AverageUptime,
		HealthScore:          s.HealthScore,
		VersionDistribution:  s.VersionDistribution,
		LocationDistribution: s.LocationDistribution,
		LastUpdated:          s.Timestamp,
	}
}
