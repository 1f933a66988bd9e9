package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"xandindexer/models"
	"xandindexer/storage"
)

// memStore is an in-memory storage.Store for service tests. failOn makes
// the named method return errStoreDown.
type memStore struct {
	mu sync.Mutex

	nodes          map[string]models.NodeRecord
	nodeSnapshots  []models.NodeSnapshot
	validators     map[string]models.ValidatorRecord
	validatorSnaps []models.ValidatorSnapshot
	epochs         map[uint64]models.EpochSnapshot
	samples        map[uint64]models.PerformanceSampleRecord
	economics      []models.EconomicsSnapshot
	network        []models.NetworkSnapshot
	events         []models.NetworkEvent
	anomalies      []models.Anomaly
	rules          map[string]models.AlertRule
	alerts         []models.Alert

	// order of write calls, for ordering assertions
	writes []string
	failOn map[string]bool
}

var errStoreDown = errors.New("store down")

var _ storage.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		nodes:      map[string]models.NodeRecord{},
		validators: map[string]models.ValidatorRecord{},
		epochs:     map[uint64]models.EpochSnapshot{},
		samples:    map[uint64]models.PerformanceSampleRecord{},
		rules:      map[string]models.AlertRule{},
		failOn:     map[string]bool{},
	}
}

func (m *memStore) fail(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[method] = true
}

// write records the call and reports whether it should fail. Caller holds mu.
func (m *memStore) write(method string) error {
	m.writes = append(m.writes, method)
	if m.failOn[method] {
		return errStoreDown
	}
	return nil
}

func (m *memStore) UpsertNode(_ context.Context, rec *models.NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("UpsertNode"); err != nil {
		return err
	}
	if old, ok := m.nodes[rec.ID]; ok {
		rec.FirstSeen = old.FirstSeen
	}
	m.nodes[rec.ID] = *rec
	return nil
}

func (m *memStore) InsertNodeSnapshot(_ context.Context, snap *models.NodeSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("InsertNodeSnapshot"); err != nil {
		return err
	}
	if _, ok := m.nodes[snap.NodeID]; !ok {
		return errors.New("foreign key: node missing")
	}
	m.nodeSnapshots = append(m.nodeSnapshots, *snap)
	return nil
}

func (m *memStore) UpsertValidator(_ context.Context, rec *models.ValidatorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("UpsertValidator"); err != nil {
		return err
	}
	m.validators[rec.VotePubkey] = *rec
	return nil
}

func (m *memStore) InsertValidatorSnapshot(_ context.Context, snap *models.ValidatorSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("InsertValidatorSnapshot"); err != nil {
		return err
	}
	m.validatorSnaps = append(m.validatorSnaps, *snap)
	return nil
}

func (m *memStore) UpsertEpochSnapshot(_ context.Context, snap *models.EpochSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("UpsertEpochSnapshot"); err != nil {
		return err
	}
	m.epochs[snap.Epoch] = *snap
	return nil
}

func (m *memStore) PerformanceSampleExists(_ context.Context, slot uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.samples[slot]
	return ok, nil
}

func (m *memStore) InsertPerformanceSample(_ context.Context, rec *models.PerformanceSampleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("InsertPerformanceSample"); err != nil {
		return err
	}
	if _, ok := m.samples[rec.Slot]; ok {
		return errors.New("duplicate slot")
	}
	m.samples[rec.Slot] = *rec
	return nil
}

func (m *memStore) InsertEconomicsSnapshot(_ context.Context, snap *models.EconomicsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("InsertEconomicsSnapshot"); err != nil {
		return err
	}
	m.economics = append(m.economics, *snap)
	return nil
}

func (m *memStore) InsertNetworkSnapshot(_ context.Context, snap *models.NetworkSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("InsertNetworkSnapshot"); err != nil {
		return err
	}
	m.network = append(m.network, *snap)
	return nil
}

func (m *memStore) InsertNetworkEvent(_ context.Context, ev *models.NetworkEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("InsertNetworkEvent"); err != nil {
		return err
	}
	m.events = append(m.events, *ev)
	return nil
}

func (m *memStore) InsertAnomaly(_ context.Context, a *models.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("InsertAnomaly"); err != nil {
		return err
	}
	m.anomalies = append(m.anomalies, *a)
	return nil
}

func (m *memStore) ListAlertRules(_ context.Context, enabledOnly bool) ([]models.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn["ListAlertRules"] {
		return nil, errStoreDown
	}
	var out []models.AlertRule
	for _, r := range m.rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) SaveAlertRule(_ context.Context, rule *models.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("SaveAlertRule"); err != nil {
		return err
	}
	m.rules[rule.ID] = *rule
	return nil
}

func (m *memStore) DeleteAlertRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *memStore) TouchAlertRule(_ context.Context, id string, firedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return storage.ErrNotFound
	}
	r.LastTriggeredAt = &firedAt
	m.rules[id] = r
	return nil
}

func (m *memStore) InsertAlert(_ context.Context, a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("InsertAlert"); err != nil {
		return err
	}
	m.alerts = append(m.alerts, *a)
	return nil
}

func (m *memStore) NetworkSnapshotsSince(_ context.Context, since time.Time, limit int) ([]models.NetworkSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn["NetworkSnapshotsSince"] {
		return nil, errStoreDown
	}
	var out []models.NetworkSnapshot
	for _, s := range m.network {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) LatestNetworkSnapshot(_ context.Context) (*models.NetworkSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.network) == 0 {
		return nil, storage.ErrNotFound
	}
	s := m.network[len(m.network)-1]
	return &s, nil
}

func (m *memStore) GetNode(_ context.Context, id string) (*models.NodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (m *memStore) NodeSnapshotsSince(_ context.Context, nodeID string, since time.Time, limit int) ([]models.NodeSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NodeSnapshot
	for _, s := range m.nodeSnapshots {
		if s.NodeID == nodeID && !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) NodeHistory(_ context.Context, nodeID string, since time.Time) (storage.NodeHistorySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var h storage.NodeHistorySummary
	var lat, succ float64
	for _, s := range m.nodeSnapshots {
		if s.NodeID != nodeID || s.Timestamp.Before(since) {
			continue
		}
		h.Samples++
		if s.Status == models.StatusOnline {
			h.OnlineSamples++
		}
		if !s.PerformanceEstimated {
			h.MeasuredSamples++
			lat += s.AverageLatencyMs
			succ += s.SuccessRatePercent
		}
	}
	if h.MeasuredSamples > 0 {
		h.AvgLatencyMs = lat / float64(h.MeasuredSamples)
		h.AvgSuccessRate = succ / float64(h.MeasuredSamples)
	}
	return h, nil
}

func (m *memStore) RecentEvents(_ context.Context, limit int) ([]models.NetworkEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.NetworkEvent(nil), m.events...), nil
}

func (m *memStore) RecentAnomalies(_ context.Context, limit int) ([]models.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Anomaly(nil), m.anomalies...), nil
}

func (m *memStore) RecentAlerts(_ context.Context, limit int) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Alert(nil), m.alerts...), nil
}

func (m *memStore) DeleteSnapshotsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	keptNodes := m.nodeSnapshots[:0]
	for _, s := range m.nodeSnapshots {
		if s.Timestamp.Before(cutoff) {
			n++
			continue
		}
		keptNodes = append(keptNodes, s)
	}
	m.nodeSnapshots = keptNodes
	keptNet := m.network[:0]
	for _, s := range m.network {
		if s.Timestamp.Before(cutoff) {
			n++
			continue
		}
		keptNet = append(keptNet, s)
	}
	m.network = keptNet
	return n, nil
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func (m *memStore) eventsOfType(t models.EventType) []models.NetworkEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NetworkEvent
	for _, ev := range m.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
