package models

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidRule = errors.New("invalid alert rule")

// Metric names a value alert rules and anomaly checks can read.
type Metric string

const (
	MetricTotalNodes         Metric = "total_nodes"
	MetricOnlineNodes        Metric = "online_nodes"
	MetricOfflineNodes       Metric = "offline_nodes"
	MetricDelinquentNodes    Metric = "delinquent_nodes"
	MetricHealthScore        Metric = "health_score"
	MetricUtilization        Metric = "utilization_percent"
	MetricAveragePerformance Metric = "average_performance"
	MetricAverageLatency     Metric = "average_latency_ms"
	MetricAverageUptime      Metric = "average_uptime"

	MetricNodePerformanceScore Metric = "node_performance_score"
	MetricNodeLatency          Metric = "node_latency_ms"
	MetricNodeUptime           Metric = "node_uptime_percent"
	MetricNodeUtilization      Metric = "node_utilization_percent"
	MetricNodeCPU              Metric = "node_cpu_percent"
	MetricNodeOffline          Metric = "node_offline"
)

// AllMetrics lists every Metric. Adding a constant without listing it here
// fails TestEveryMetricResolves.
var AllMetrics = []Metric{
	MetricTotalNodes,
	MetricOnlineNodes,
	MetricOfflineNodes,
	MetricDelinquentNodes,
	MetricHealthScore,
	MetricUtilization,
	MetricAveragePerformance,
	MetricAverageLatency,
	MetricAverageUptime,
	MetricNodePerformanceScore,
	MetricNodeLatency,
	MetricNodeUptime,
	MetricNodeUtilization,
	MetricNodeCPU,
	MetricNodeOffline,
}

type AlertScope string

const (
	ScopeNetwork AlertScope = "network"
	ScopeNode    AlertScope = "node"
)

func (m Metric) Scope() (AlertScope, bool) {
	switch m {
	case MetricTotalNodes, MetricOnlineNodes, MetricOfflineNodes, MetricDelinquentNodes,
		MetricHealthScore, MetricUtilization, MetricAveragePerformance, MetricAverageLatency,
		MetricAverageUptime:
		return ScopeNetwork, true
	case MetricNodePerformanceScore, MetricNodeLatency, MetricNodeUptime, MetricNodeUtilization,
		MetricNodeCPU, MetricNodeOffline:
		return ScopeNode, true
	}
	return "", false
}

// NetworkMetricValue reads a network-scoped metric. ok is false for node
// metrics and unknown names.
func NetworkMetricValue(m Metric, s NetworkStats) (float64, bool) {
	switch m {
	case MetricTotalNodes:
		return float64(s.TotalNodes), true
	case MetricOnlineNodes:
		return float64(s.OnlineNodes), true
	case MetricOfflineNodes:
		return float64(s.OfflineNodes), true
	case MetricDelinquentNodes:
		return float64(s.DelinquentNodes), true
	case MetricHealthScore:
		return float64(s.HealthScore), true
	case MetricUtilization:
		return s.UtilizationPercent, true
	case MetricAveragePerformance:
		return s.AveragePerformance, true
	case MetricAverageLatency:
		return s.AverageLatencyMs, true
	case MetricAverageUptime:
		return s.AverageUptime, true
	}
	return 0, false
}

// NodeMetricValue reads a node-scoped metric. A node without network
// metrics has no CPU value.
func NodeMetricValue(m Metric, n Node) (float64, bool) {
	switch m {
	case MetricNodePerformanceScore:
		return float64(n.PerformanceScore), true
	case MetricNodeLatency:
		return n.Performance.AverageLatencyMs, true
	case MetricNodeUptime:
		return n.Performance.UptimePercent, true
	case MetricNodeUtilization:
		return n.Storage.UtilizationPercent, true
	case MetricNodeCPU:
		if n.NetworkMetrics == nil {
			return 0, false
		}
		return n.NetworkMetrics.CPUPercent, true
	case MetricNodeOffline:
		if n.Status == StatusOffline {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

type Operator string

const (
	OpGreaterThan    Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpLessThan       Operator = "lt"
	OpLessOrEqual    Operator = "lte"
	OpEqual          Operator = "eq"
)

func (o Operator) Compare(value, threshold float64) (bool, error) {
	switch o {
	case OpGreaterThan:
		return value > threshold, nil
	case OpGreaterOrEqual:
		return value >= threshold, nil
	case OpLessThan:
		return value < threshold, nil
	case OpLessOrEqual:
		return value <= threshold, nil
	case OpEqual:
		return value == threshold, nil
	}
	return false, fmt.Errorf("unknown operator %q", o)
}

// AlertRule is a user-defined threshold check evaluated after each cycle.
type AlertRule struct {
	ID              string     `json:"id" gorm:"primaryKey;size:36" bson:"_id"`
	Name            string     `json:"name" gorm:"size:128" bson:"name"`
	Metric          Metric     `json:"metric" gorm:"size:64" bson:"metric"`
	Operator        Operator   `json:"operator" gorm:"size:8" bson:"operator"`
	Threshold       float64    `json:"threshold" bson:"threshold"`
	Scope           AlertScope `json:"scope" gorm:"size:16" bson:"scope"`
	NodeID          string     `json:"node_id,omitempty" gorm:"size:128" bson:"node_id,omitempty"`
	Severity        Severity   `json:"severity" gorm:"size:16" bson:"severity"`
	CooldownMinutes int        `json:"cooldown_minutes" bson:"cooldown_minutes"`
	Enabled         bool       `json:"enabled" gorm:"index" bson:"enabled"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" bson:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" bson:"updated_at"`
}

// Validate checks the rule is evaluable. Scope is filled from the metric
// when empty.
func (r *AlertRule) Validate() error {
	if err := r.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	return nil
}

func (r *AlertRule) validate() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	scope, ok := r.Metric.Scope()
	if !ok {
		return fmt.Errorf("unknown metric %q", r.Metric)
	}
	if r.Scope == "" {
		r.Scope = scope
	}
	if r.Scope != scope {
		return fmt.Errorf("metric %q is %s-scoped, rule says %s", r.Metric, scope, r.Scope)
	}
	if _, err := r.Operator.Compare(0, 0); err != nil {
		return err
	}
	if r.Severity == "" {
		r.Severity = SeverityWarning
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("unknown severity %q", r.Severity)
	}
	if r.CooldownMinutes < 0 {
		return errors.New("cooldown_minutes must be >= 0")
	}
	return nil
}

// Alert is a fired rule.
type Alert struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36" bson:"_id"`
	RuleID      string    `json:"rule_id" gorm:"size:36;index" bson:"rule_id"`
	RuleName    string    `json:"rule_name" bson:"rule_name"`
	Metric      Metric    `json:"metric" gorm:"size:64" bson:"metric"`
	Operator    Operator  `json:"operator" gorm:"size:8" bson:"operator"`
	Value       float64   `json:"value" bson:"value"`
	Threshold   float64   `json:"threshold" bson:"threshold"`
	Severity    Severity  `json:"severity" gorm:"size:16" bson:"severity"`
	NodeID      *string   `json:"node_id,omitempty" gorm:"size:128" bson:"node_id,omitempty"`
	Message     string    `json:"message" bson:"message"`
	TriggeredAt time.Time `json:"triggered_at" gorm:"index" bson:"triggered_at"`
}
