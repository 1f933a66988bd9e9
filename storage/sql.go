package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"xandindexer/models"
)

// SQLStore is the relational backend (SQLite through gorm).
type SQLStore struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *slog.Logger
}

func OpenSQL(ctx context.Context, cfg Config, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn, err := dsnFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	// One writer keeps PRAGMAs on a single connection and avoids SQLITE_BUSY
	// during the per-node fan-out.
	sqlDB.SetMaxOpenConns(1)

	s := &SQLStore{db: db, sqlDB: sqlDB, logger: logger.With("component", "storage", "driver", DriverSQLite)}

	if err := s.db.WithContext(ctx).Exec("PRAGMA foreign_keys=ON;").Error; err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&models.NodeRecord{},
		&models.NodeSnapshot{},
		&models.NetworkSnapshot{},
		&models.ValidatorRecord{},
		&models.ValidatorSnapshot{},
		&models.EpochSnapshot{},
		&models.PerformanceSampleRecord{},
		&models.EconomicsSnapshot{},
		&models.NetworkEvent{},
		&models.Anomaly{},
		&models.AlertRule{},
		&models.Alert{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return errors.New("storage not initialized")
	}
	return s.sqlDB.PingContext(ctx)
}

func (s *SQLStore) UpsertNode(ctx context.Context, rec *models.NodeRecord) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"pubkey", "address", "version", "location", "last_seen"}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) InsertNodeSnapshot(ctx context.Context, snap *models.NodeSnapshot) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(snap).Error; err != nil {
		return fmt.Errorf("insert node snapshot %s: %w", snap.NodeID, err)
	}
	return nil
}

func (s *SQLStore) UpsertValidator(ctx context.Context, rec *models.ValidatorRecord) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vote_pubkey"}},
		DoUpdates: clause.AssignmentColumns([]string{"node_pubkey", "version", "gossip", "last_seen"}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("upsert validator %s: %w", rec.VotePubkey, err)
	}
	return nil
}

func (s *SQLStore) InsertValidatorSnapshot(ctx context.Context, snap *models.ValidatorSnapshot) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(snap).Error; err != nil {
		return fmt.Errorf("insert validator snapshot %s: %w", snap.VotePubkey, err)
	}
	return nil
}

func (s *SQLStore) UpsertEpochSnapshot(ctx context.Context, snap *models.EpochSnapshot) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "epoch"}},
		UpdateAll: true,
	}).Create(snap).Error
	if err != nil {
		return fmt.Errorf("upsert epoch %d: %w", snap.Epoch, err)
	}
	return nil
}

func (s *SQLStore) PerformanceSampleExists(ctx context.Context, slot uint64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.PerformanceSampleRecord{}).Where("slot = ?", slot).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check performance sample %d: %w", slot, err)
	}
	return n > 0, nil
}

func (s *SQLStore) InsertPerformanceSample(ctx context.Context, rec *models.PerformanceSampleRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert performance sample %d: %w", rec.Slot, err)
	}
	return nil
}

func (s *SQLStore) InsertEconomicsSnapshot(ctx context.Context, snap *models.EconomicsSnapshot) error {
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return fmt.Errorf("insert economics snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertNetworkSnapshot(ctx context.Context, snap *models.NetworkSnapshot) error {
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return fmt.Errorf("insert network snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertNetworkEvent(ctx context.Context, ev *models.NetworkEvent) error {
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("insert network event: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertAnomaly(ctx context.Context, a *models.Anomaly) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("insert anomaly: %w", err)
	}
	return nil
}

func (s *SQLStore) ListAlertRules(ctx context.Context, enabledOnly bool) ([]models.AlertRule, error) {
	db := s.db.WithContext(ctx).Model(&models.AlertRule{})
	if enabledOnly {
		db = db.Where("enabled = ?", true)
	}
	var out []models.AlertRule
	if err := db.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SaveAlertRule(ctx context.Context, rule *models.AlertRule) error {
	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return fmt.Errorf("save alert rule %s: %w", rule.ID, err)
	}
	return nil
}

func (s *SQLStore) DeleteAlertRule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.AlertRule{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete alert rule %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) TouchAlertRule(ctx context.Context, id string, firedAt time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.AlertRule{}).Where("id = ?", id).
		Update("last_triggered_at", firedAt).Error
	if err != nil {
		return fmt.Errorf("touch alert rule %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) InsertAlert(ctx context.Context, a *models.Alert) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *SQLStore) NetworkSnapshotsSince(ctx context.Context, since time.Time, limit int) ([]models.NetworkSnapshot, error) {
	var out []models.NetworkSnapshot
	err := s.db.WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("timestamp ASC").
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query network snapshots: %w", err)
	}
	return out, nil
}

func (s *SQLStore) LatestNetworkSnapshot(ctx context.Context) (*models.NetworkSnapshot, error) {
	var snap models.NetworkSnapshot
	err := s.db.WithContext(ctx).Order("timestamp DESC").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest network snapshot: %w", err)
	}
	return &snap, nil
}

func (s *SQLStore) GetNode(ctx context.Context, id string) (*models.NodeRecord, error) {
	var rec models.NodeRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return &rec, nil
}

func (s *SQLStore) NodeSnapshotsSince(ctx context.Context, nodeID string, since time.Time, limit int) ([]models.NodeSnapshot, error) {
	var out []models.NodeSnapshot
	err := s.db.WithContext(ctx).
		Where("node_id = ? AND timestamp >= ?", nodeID, since).
		Order("timestamp ASC").
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query node snapshots %s: %w", nodeID, err)
	}
	return out, nil
}

func (s *SQLStore) NodeHistory(ctx context.Context, nodeID string, since time.Time) (NodeHistorySummary, error) {
	var row struct {
		Samples         int64
		OnlineSamples   int64
		MeasuredSamples int64
		AvgLatency      float64
		AvgSuccess      float64
	}
	err := s.db.WithContext(ctx).Model(&models.NodeSnapshot{}).
		Select(`COUNT(*) AS samples,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS online_samples,
			COALESCE(SUM(CASE WHEN performance_estimated = ? THEN 1 ELSE 0 END), 0) AS measured_samples,
			COALESCE(AVG(CASE WHEN performance_estimated = ? THEN average_latency_ms END), 0) AS avg_latency,
			COALESCE(AVG(CASE WHEN performance_estimated = ? THEN success_rate_percent END), 0) AS avg_success`,
			models.StatusOnline, false, false, false).
		Where("node_id = ? AND timestamp >= ?", nodeID, since).
		Scan(&row).Error
	if err != nil {
		return NodeHistorySummary{}, fmt.Errorf("node history %s: %w", nodeID, err)
	}
	return NodeHistorySummary{
		Samples:         int(row.Samples),
		OnlineSamples:   int(row.OnlineSamples),
		MeasuredSamples: int(row.MeasuredSamples),
		AvgLatencyMs:    row.AvgLatency,
		AvgSuccessRate:  row.AvgSuccess,
	}, nil
}

func (s *SQLStore) RecentEvents(ctx context.Context, limit int) ([]models.NetworkEvent, error) {
	var out []models.NetworkEvent
	if err := s.db.WithContext(ctx).Order("timestamp DESC").Limit(normalizeLimit(limit)).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return out, nil
}

func (s *SQLStore) RecentAnomalies(ctx context.Context, limit int) ([]models.Anomaly, error) {
	var out []models.Anomaly
	if err := s.db.WithContext(ctx).Order("timestamp DESC").Limit(normalizeLimit(limit)).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("recent anomalies: %w", err)
	}
	return out, nil
}

func (s *SQLStore) RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	var out []models.Alert
	if err := s.db.WithContext(ctx).Order("triggered_at DESC").Limit(normalizeLimit(limit)).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	return out, nil
}

func (s *SQLStore) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("timestamp < ?", cutoff).Delete(&models.NodeSnapshot{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected

		res = tx.Where("timestamp < ?", cutoff).Delete(&models.NetworkSnapshot{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete snapshots before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return total, nil
}

func dsnFromConfig(cfg Config) (string, error) {
	timeoutMS := int(cfg.BusyTimeout / time.Millisecond)
	if timeoutMS <= 0 {
		timeoutMS = 5000
	}
	if cfg.InMemory {
		return fmt.Sprintf("file:xandindexer?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", timeoutMS), nil
	}
	if cfg.SQLitePath == "" {
		return "", errors.New("sqlite path is required when in_memory=false")
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", cfg.SQLitePath, timeoutMS), nil
}
