package models

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// JSON-RPC 2.0 Request
type RPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int         `json:"id"`
}

// JSON-RPC 2.0 Response
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSON-RPC 2.0 Error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// get-stats response, flat as the node reports it
type StatsResponse struct {
	TotalBytes   int64 `json:"total_bytes"`
	TotalPages   int   `json:"total_pages"`
	LastUpdated  int64 `json:"last_updated"`
	FileSize     int64 `json:"file_size"`
	CurrentIndex int   `json:"current_index"`

	CPUPercent      float64 `json:"cpu_percent"`
	RAMUsed         int64   `json:"ram_used"`
	RAMTotal        int64   `json:"ram_total"`
	Uptime          int64   `json:"uptime"`
	PacketsReceived int64   `json:"packets_received"`
	PacketsSent     int64   `json:"packets_sent"`
	ActiveStreams   int     `json:"active_streams"`
}

func (s StatsResponse) NetworkMetrics() *NetworkMetrics {
	return &NetworkMetrics{
		CPUPercent:      s.CPUPercent,
		RAMUsedBytes:    s.RAMUsed,
		RAMTotalBytes:   s.RAMTotal,
		ActiveStreams:   s.ActiveStreams,
		PacketsSent:     s.PacketsSent,
		PacketsReceived: s.PacketsReceived,
	}
}

// PodTier identifies which registry method produced a pod record.
type PodTier int

const (
	// get-pods: presence only
	TierPresence PodTier = 1
	// get-pods-with-stats: live uptime and storage
	TierStats PodTier = 2
)

func (t PodTier) Method() string {
	if t == TierStats {
		return "get-pods-with-stats"
	}
	return "get-pods"
}

// RawPod is one registry record. It is either a Tier1Pod or a Tier2Pod;
// consumers switch on the concrete type.
type RawPod interface {
	Tier() PodTier
	Identity() PodIdentity
}

type PodIdentity struct {
	Address  string
	Pubkey   string
	Version  string
	RPCPort  int
	IsPublic bool
	LastSeen time.Time
}

type Tier1Pod struct {
	PodIdentity
}

func (p Tier1Pod) Tier() PodTier          { return TierPresence }
func (p Tier1Pod) Identity() PodIdentity { return p.PodIdentity }

type Tier2Pod struct {
	PodIdentity
	// nil when the record carries no uptime counter
	UptimeSeconds *int64
	// zero when the node reported no storage figures
	StorageCommitted int64
	StorageUsed      int64
	// fraction in [0,1] as reported; nil when absent
	StorageUsageFraction *float64
}

func (p Tier2Pod) Tier() PodTier          { return TierStats }
func (p Tier2Pod) Identity() PodIdentity { return p.PodIdentity }

func (p Tier2Pod) HasStorage() bool { return p.StorageCommitted > 0 }

// PodSet is the result of a registry fetch along with where it came from.
type PodSet struct {
	Tier PodTier
	Seed string
	Pods []RawPod
}

type podsEnvelope struct {
	Pods       []podWire `json:"pods"`
	TotalCount int       `json:"total_count"`
}

type podWire struct {
	Address             string   `json:"address"`
	Pubkey              string   `json:"pubkey"`
	Version             string   `json:"version"`
	LastSeenTimestamp   int64    `json:"last_seen_timestamp"`
	RPCPort             int      `json:"rpc_port"`
	IsPublic            bool     `json:"is_public"`
	StorageCommitted    *int64   `json:"storage_committed"`
	StorageUsed         *int64   `json:"storage_used"`
	StorageUsagePercent *float64 `json:"storage_usage_percent"`
	Uptime              *int64   `json:"uptime"`
}

// ParsePods decodes a get-pods or get-pods-with-stats result into the
// matching RawPod variant. Records without an address are dropped.
func ParsePods(tier PodTier, result json.RawMessage) ([]RawPod, error) {
	var env podsEnvelope
	if err := json.Unmarshal(result, &env); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", tier.Method(), err)
	}

	pods := make([]RawPod, 0, len(env.Pods))
	for _, w := range env.Pods {
		if w.Address == "" {
			continue
		}
		id := PodIdentity{
			Address:  w.Address,
			Pubkey:   w.Pubkey,
			Version:  w.Version,
			RPCPort:  w.RPCPort,
			IsPublic: w.IsPublic,
			LastSeen: timestampToTime(w.LastSeenTimestamp),
		}
		if tier == TierPresence {
			pods = append(pods, Tier1Pod{PodIdentity: id})
			continue
		}

		p := Tier2Pod{PodIdentity: id, UptimeSeconds: w.Uptime, StorageUsageFraction: w.StorageUsagePercent}
		if w.StorageCommitted != nil {
			p.StorageCommitted = *w.StorageCommitted
		}
		if w.StorageUsed != nil {
			p.StorageUsed = *w.StorageUsed
		}
		pods = append(pods, p)
	}
	return pods, nil
}

// Registry timestamps are unix seconds; some builds report milliseconds.
func timestampToTime(ts int64) time.Time {
	switch {
	case ts <= 0:
		return time.Time{}
	case ts > 1e12:
		return time.UnixMilli(ts).UTC()
	default:
		return time.Unix(ts, 0).UTC()
	}
}

// NodeID is the pubkey when known, otherwise the gossip address.
func (p PodIdentity) NodeID() string {
	if p.Pubkey != "" {
		return p.Pubkey
	}
	return p.Address
}

// Host is the IP part of the gossip address.
func (p PodIdentity) Host() string {
	host, _, err := net.SplitHostPort(p.Address)
	if err != nil {
		return p.Address
	}
	return host
}
