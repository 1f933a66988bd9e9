package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"xandindexer/models"
)

const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongodb"

	defaultLimit = 200
	maxLimit     = 5000
)

var ErrNotFound = errors.New("not found")

type Config struct {
	Driver        string        `mapstructure:"driver"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	InMemory      bool          `mapstructure:"in_memory"`
	BusyTimeout   time.Duration `mapstructure:"busy_timeout"`
	MongoURI      string        `mapstructure:"mongo_uri"`
	MongoDatabase string        `mapstructure:"mongo_database"`
}

// NodeHistorySummary aggregates a node's stored snapshots over a window.
// Latency and success rate averages only cover measured (non-estimated)
// samples.
type NodeHistorySummary struct {
	Samples         int
	OnlineSamples   int
	MeasuredSamples int
	AvgLatencyMs    float64
	AvgSuccessRate  float64
}

// UptimePercent is the share of samples in which the node was online.
func (h NodeHistorySummary) UptimePercent() float64 {
	if h.Samples == 0 {
		return 0
	}
	return float64(h.OnlineSamples) / float64(h.Samples) * 100
}

// Store is the persistence surface the indexer and API need. Writes are
// independent; there is no cross-call transaction.
type Store interface {
	UpsertNode(ctx context.Context, rec *models.NodeRecord) error
	InsertNodeSnapshot(ctx context.Context, snap *models.NodeSnapshot) error
	UpsertValidator(ctx context.Context, rec *models.ValidatorRecord) error
	InsertValidatorSnapshot(ctx context.Context, snap *models.ValidatorSnapshot) error
	UpsertEpochSnapshot(ctx context.Context, snap *models.EpochSnapshot) error
	PerformanceSampleExists(ctx context.Context, slot uint64) (bool, error)
	InsertPerformanceSample(ctx context.Context, rec *models.PerformanceSampleRecord) error
	InsertEconomicsSnapshot(ctx context.Context, snap *models.EconomicsSnapshot) error
	InsertNetworkSnapshot(ctx context.Context, snap *models.NetworkSnapshot) error
	InsertNetworkEvent(ctx context.Context, ev *models.NetworkEvent) error
	InsertAnomaly(ctx context.Context, a *models.Anomaly) error

	ListAlertRules(ctx context.Context, enabledOnly bool) ([]models.AlertRule, error)
	SaveAlertRule(ctx context.Context, rule *models.AlertRule) error
	DeleteAlertRule(ctx context.Context, id string) error
	TouchAlertRule(ctx context.Context, id string, firedAt time.Time) error
	InsertAlert(ctx context.Context, a *models.Alert) error

	NetworkSnapshotsSince(ctx context.Context, since time.Time, limit int) ([]models.NetworkSnapshot, error)
	LatestNetworkSnapshot(ctx context.Context) (*models.NetworkSnapshot, error)
	GetNode(ctx context.Context, id string) (*models.NodeRecord, error)
	NodeSnapshotsSince(ctx context.Context, nodeID string, since time.Time, limit int) ([]models.NodeSnapshot, error)
	NodeHistory(ctx context.Context, nodeID string, since time.Time) (NodeHistorySummary, error)
	RecentEvents(ctx context.Context, limit int) ([]models.NetworkEvent, error)
	RecentAnomalies(ctx context.Context, limit int) ([]models.Anomaly, error)
	RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error)

	// DeleteSnapshotsBefore prunes node and network snapshots older than cutoff.
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open picks the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		s, err := OpenSQL(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMongo:
		s, err := OpenMongo(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MongoStore)(nil)
)
