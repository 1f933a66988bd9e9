package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"xandindexer/models"
)

const (
	CollectionNodes              = "nodes"
	CollectionNodeSnapshots      = "node_snapshots"
	CollectionNetworkSnapshots   = "network_snapshots"
	CollectionValidators         = "validators"
	CollectionValidatorSnapshots = "validator_snapshots"
	CollectionEpochs             = "epoch_snapshots"
	CollectionPerformanceSamples = "performance_samples"
	CollectionEconomics          = "economics_snapshots"
	CollectionEvents             = "network_events"
	CollectionAnomalies          = "anomalies"
	CollectionAlertRules         = "alert_rules"
	CollectionAlerts             = "alerts"
)

// MongoStore is the document backend. Identity rows are upserted with
// $setOnInsert so first_seen survives later cycles.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

func OpenMongo(ctx context.Context, cfg Config, logger *slog.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage", "driver", DriverMongo)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	m := &MongoStore{client: client, db: client.Database(cfg.MongoDatabase), logger: logger}
	if err := m.createIndexes(connectCtx); err != nil {
		logger.Warn("failed to create indexes", "error", err)
	}

	logger.Info("MongoDB connected", "database", cfg.MongoDatabase)
	return m, nil
}

func (m *MongoStore) createIndexes(ctx context.Context) error {
	timeDesc := mongo.IndexModel{
		Keys:    bson.D{{Key: "timestamp", Value: -1}},
		Options: options.Index().SetName("timestamp_desc"),
	}

	for _, coll := range []string{CollectionNetworkSnapshots, CollectionEvents, CollectionAnomalies, CollectionEconomics, CollectionValidatorSnapshots} {
		if _, err := m.db.Collection(coll).Indexes().CreateOne(ctx, timeDesc); err != nil {
			return fmt.Errorf("index %s: %w", coll, err)
		}
	}

	_, err := m.db.Collection(CollectionNodeSnapshots).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "node_id", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("node_timestamp"),
		},
		timeDesc,
	})
	if err != nil {
		return fmt.Errorf("index %s: %w", CollectionNodeSnapshots, err)
	}

	_, err = m.db.Collection(CollectionAlerts).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "triggered_at", Value: -1}},
		Options: options.Index().SetName("triggered_at_desc"),
	})
	return err
}

func (m *MongoStore) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoStore) insert(ctx context.Context, coll string, doc any) error {
	if _, err := m.db.Collection(coll).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert %s: %w", coll, err)
	}
	return nil
}

func (m *MongoStore) UpsertNode(ctx context.Context, rec *models.NodeRecord) error {
	_, err := m.db.Collection(CollectionNodes).UpdateOne(ctx,
		bson.M{"_id": rec.ID},
		bson.M{
			"$setOnInsert": bson.M{"first_seen": rec.FirstSeen},
			"$set": bson.M{
				"pubkey":    rec.Pubkey,
				"address":   rec.Address,
				"version":   rec.Version,
				"location":  rec.Location,
				"last_seen": rec.LastSeen,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", rec.ID, err)
	}
	return nil
}

func (m *MongoStore) InsertNodeSnapshot(ctx context.Context, snap *models.NodeSnapshot) error {
	n, err := m.db.Collection(CollectionNodes).CountDocuments(ctx, bson.M{"_id": snap.NodeID})
	if err != nil {
		return fmt.Errorf("insert node snapshot %s: %w", snap.NodeID, err)
	}
	if n == 0 {
		return fmt.Errorf("insert node snapshot %s: node not registered", snap.NodeID)
	}
	return m.insert(ctx, CollectionNodeSnapshots, snap)
}

func (m *MongoStore) UpsertValidator(ctx context.Context, rec *models.ValidatorRecord) error {
	_, err := m.db.Collection(CollectionValidators).UpdateOne(ctx,
		bson.M{"_id": rec.VotePubkey},
		bson.M{
			"$setOnInsert": bson.M{"first_seen": rec.FirstSeen},
			"$set": bson.M{
				"node_pubkey": rec.NodePubkey,
				"version":     rec.Version,
				"gossip":      rec.Gossip,
				"last_seen":   rec.LastSeen,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert validator %s: %w", rec.VotePubkey, err)
	}
	return nil
}

func (m *MongoStore) InsertValidatorSnapshot(ctx context.Context, snap *models.ValidatorSnapshot) error {
	return m.insert(ctx, CollectionValidatorSnapshots, snap)
}

func (m *MongoStore) UpsertEpochSnapshot(ctx context.Context, snap *models.EpochSnapshot) error {
	_, err := m.db.Collection(CollectionEpochs).ReplaceOne(ctx,
		bson.M{"_id": snap.Epoch}, snap, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert epoch %d: %w", snap.Epoch, err)
	}
	return nil
}

func (m *MongoStore) PerformanceSampleExists(ctx context.Context, slot uint64) (bool, error) {
	n, err := m.db.Collection(CollectionPerformanceSamples).CountDocuments(ctx, bson.M{"_id": slot})
	if err != nil {
		return false, fmt.Errorf("check performance sample %d: %w", slot, err)
	}
	return n > 0, nil
}

func (m *MongoStore) InsertPerformanceSample(ctx context.Context, rec *models.PerformanceSampleRecord) error {
	return m.insert(ctx, CollectionPerformanceSamples, rec)
}

func (m *MongoStore) InsertEconomicsSnapshot(ctx context.Context, snap *models.EconomicsSnapshot) error {
	return m.insert(ctx, CollectionEconomics, snap)
}

func (m *MongoStore) InsertNetworkSnapshot(ctx context.Context, snap *models.NetworkSnapshot) error {
	return m.insert(ctx, CollectionNetworkSnapshots, snap)
}

func (m *MongoStore) InsertNetworkEvent(ctx context.Context, ev *models.NetworkEvent) error {
	return m.insert(ctx, CollectionEvents, ev)
}

func (m *MongoStore) InsertAnomaly(ctx context.Context, a *models.Anomaly) error {
	return m.insert(ctx, CollectionAnomalies, a)
}

func (m *MongoStore) ListAlertRules(ctx context.Context, enabledOnly bool) ([]models.AlertRule, error) {
	filter := bson.M{}
	if enabledOnly {
		filter["enabled"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	var out []models.AlertRule
	if err := m.findAll(ctx, CollectionAlertRules, filter, opts, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) SaveAlertRule(ctx context.Context, rule *models.AlertRule) error {
	_, err := m.db.Collection(CollectionAlertRules).ReplaceOne(ctx,
		bson.M{"_id": rule.ID}, rule, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save alert rule %s: %w", rule.ID, err)
	}
	return nil
}

func (m *MongoStore) DeleteAlertRule(ctx context.Context, id string) error {
	res, err := m.db.Collection(CollectionAlertRules).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete alert rule %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) TouchAlertRule(ctx context.Context, id string, firedAt time.Time) error {
	_, err := m.db.Collection(CollectionAlertRules).UpdateOne(ctx,
		bson.M{"_id": id}, bson.M{"$set": bson.M{"last_triggered_at": firedAt}})
	if err != nil {
		return fmt.Errorf("touch alert rule %s: %w", id, err)
	}
	return nil
}

func (m *MongoStore) InsertAlert(ctx context.Context, a *models.Alert) error {
	return m.insert(ctx, CollectionAlerts, a)
}

func (m *MongoStore) NetworkSnapshotsSince(ctx context.Context, since time.Time, limit int) ([]models.NetworkSnapshot, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(int64(normalizeLimit(limit)))
	var out []models.NetworkSnapshot
	if err := m.findAll(ctx, CollectionNetworkSnapshots, bson.M{"timestamp": bson.M{"$gte": since}}, opts, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) LatestNetworkSnapshot(ctx context.Context) (*models.NetworkSnapshot, error) {
	var snap models.NetworkSnapshot
	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	err := m.db.Collection(CollectionNetworkSnapshots).FindOne(ctx, bson.M{}, opts).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest network snapshot: %w", err)
	}
	return &snap, nil
}

func (m *MongoStore) GetNode(ctx context.Context, id string) (*models.NodeRecord, error) {
	var rec models.NodeRecord
	err := m.db.Collection(CollectionNodes).FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return &rec, nil
}

func (m *MongoStore) NodeSnapshotsSince(ctx context.Context, nodeID string, since time.Time, limit int) ([]models.NodeSnapshot, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(int64(normalizeLimit(limit)))
	filter := bson.M{"node_id": nodeID, "timestamp": bson.M{"$gte": since}}
	var out []models.NodeSnapshot
	if err := m.findAll(ctx, CollectionNodeSnapshots, filter, opts, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) NodeHistory(ctx context.Context, nodeID string, since time.Time) (NodeHistorySummary, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"node_id": nodeID, "timestamp": bson.M{"$gte": since}}}},
		{{Key: "$group", Value: bson.M{
			"_id":      nil,
			"samples":  bson.M{"$sum": 1},
			"online":   bson.M{"$sum": bson.M{"$cond": bson.A{bson.M{"$eq": bson.A{"$status", string(models.StatusOnline)}}, 1, 0}}},
			"measured": bson.M{"$sum": bson.M{"$cond": bson.A{"$performance_estimated", 0, 1}}},
			"latency":  bson.M{"$avg": bson.M{"$cond": bson.A{"$performance_estimated", nil, "$average_latency_ms"}}},
			"success":  bson.M{"$avg": bson.M{"$cond": bson.A{"$performance_estimated", nil, "$success_rate_percent"}}},
		}}},
	}

	cursor, err := m.db.Collection(CollectionNodeSnapshots).Aggregate(ctx, pipeline)
	if err != nil {
		return NodeHistorySummary{}, fmt.Errorf("node history %s: %w", nodeID, err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Samples  int64    `bson:"samples"`
		Online   int64    `bson:"online"`
		Measured int64    `bson:"measured"`
		Latency  *float64 `bson:"latency"`
		Success  *float64 `bson:"success"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return NodeHistorySummary{}, fmt.Errorf("node history %s: %w", nodeID, err)
	}
	if len(rows) == 0 {
		return NodeHistorySummary{}, nil
	}

	r := rows[0]
	out := NodeHistorySummary{Samples: int(r.Samples), OnlineSamples: int(r.Online), MeasuredSamples: int(r.Measured)}
	if r.Latency != nil {
		out.AvgLatencyMs = *r.Latency
	}
	if r.Success != nil {
		out.AvgSuccessRate = *r.Success
	}
	return out, nil
}

func (m *MongoStore) RecentEvents(ctx context.Context, limit int) ([]models.NetworkEvent, error) {
	var out []models.NetworkEvent
	if err := m.findRecent(ctx, CollectionEvents, "timestamp", limit, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) RecentAnomalies(ctx context.Context, limit int) ([]models.Anomaly, error) {
	var out []models.Anomaly
	if err := m.findRecent(ctx, CollectionAnomalies, "timestamp", limit, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	var out []models.Alert
	if err := m.findRecent(ctx, CollectionAlerts, "triggered_at", limit, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{"timestamp": bson.M{"$lt": cutoff}}
	var total int64
	for _, coll := range []string{CollectionNodeSnapshots, CollectionNetworkSnapshots} {
		res, err := m.db.Collection(coll).DeleteMany(ctx, filter)
		if err != nil {
			return total, fmt.Errorf("delete old %s: %w", coll, err)
		}
		total += res.DeletedCount
	}
	return total, nil
}

func (m *MongoStore) findRecent(ctx context.Context, coll, timeField string, limit int, out any) error {
	opts := options.Find().
		SetSort(bson.D{{Key: timeField, Value: -1}}).
		SetLimit(int64(normalizeLimit(limit)))
	return m.findAll(ctx, coll, bson.M{}, opts, out)
}

func (m *MongoStore) findAll(ctx context.Context, coll string, filter any, opts *options.FindOptions, out any) error {
	cursor, err := m.db.Collection(coll).Find(ctx, filter, opts)
	if err != nil {
		return fmt.Errorf("query %s: %w", coll, err)
	}
	defer cursor.Close(ctx)
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("decode %s: %w", coll, err)
	}
	return nil
}
