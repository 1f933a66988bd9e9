package models

import "time"

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeveritySuccess  Severity = "SUCCESS"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

type EventType string

const (
	EventNodeJoined          EventType = "node_joined"
	EventNodeLeft            EventType = "node_left"
	EventNodeOnline          EventType = "node_online"
	EventNodeOffline         EventType = "node_offline"
	EventNodeDelinquent      EventType = "node_delinquent"
	EventPerformanceDegraded EventType = "performance_degraded"
	EventPerformanceImproved EventType = "performance_improved"
	EventAnomalyDetected     EventType = "anomaly_detected"
	EventIndexingFailed      EventType = "indexing_failed"
)

// NetworkEvent is an append-only record of something that changed.
type NetworkEvent struct {
	ID          string         `json:"id" gorm:"primaryKey;size:36" bson:"_id"`
	Type        EventType      `json:"type" gorm:"size:32;index" bson:"type"`
	Severity    Severity       `json:"severity" gorm:"size:16;index" bson:"severity"`
	Title       string         `json:"title" bson:"title"`
	Description string         `json:"description" bson:"description"`
	NodeID      *string        `json:"node_id,omitempty" gorm:"size:128;index" bson:"node_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" gorm:"serializer:json" bson:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp" gorm:"index" bson:"timestamp"`
}

type Anomaly struct {
	ID            string    `json:"id" gorm:"primaryKey;size:36" bson:"_id"`
	Metric        string    `json:"metric" gorm:"size:32;index" bson:"metric"`
	Severity      Severity  `json:"severity" gorm:"size:16" bson:"severity"`
	ExpectedValue float64   `json:"expected_value" bson:"expected_value"`
	ActualValue   float64   `json:"actual_value" bson:"actual_value"`
	Deviation     float64   `json:"deviation" bson:"deviation"`
	Description   string    `json:"description" bson:"description"`
	Timestamp     time.Time `json:"timestamp" gorm:"index" bson:"timestamp"`
}
