package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xandindexer/models"
	"xandindexer/utils"
)

func eventTypes(events []models.NetworkEvent) []models.EventType {
	out := make([]models.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestDetectEvents(t *testing.T) {
	now := time.Now().UTC()
	prev := map[string]models.LastKnown{
		"steady":  {Status: models.StatusOnline, PerformanceScore: 70},
		"dropped": {Status: models.StatusOnline, PerformanceScore: 80},
		"rising":  {Status: models.StatusOffline, PerformanceScore: 20},
		"lagging": {Status: models.StatusOnline, PerformanceScore: 60},
		"gone-b":  {Status: models.StatusOnline, PerformanceScore: 50},
		"gone-a":  {Status: models.StatusDelinquent, PerformanceScore: 40},
	}
	nodes := []models.Node{
		{ID: "steady", Status: models.StatusOnline, PerformanceScore: 75},
		{ID: "dropped", Status: models.StatusOffline, PerformanceScore: 10},
		{ID: "rising", Status: models.StatusOnline, PerformanceScore: 31},
		{ID: "lagging", Status: models.StatusDelinquent, PerformanceScore: 50},
		{ID: "new", Status: models.StatusOnline, PerformanceScore: 90},
	}

	events := DetectEvents(prev, nodes, now)

	assert.Equal(t, []models.EventType{
		models.EventNodeOffline,
		models.EventPerformanceDegraded,
		models.EventNodeOnline,
		models.EventPerformanceImproved,
		models.EventNodeDelinquent,
		models.EventNodeJoined,
		models.EventNodeLeft,
		models.EventNodeLeft,
	}, eventTypes(events))

	assert.Equal(t, models.SeverityCritical, events[0].Severity)
	assert.Equal(t, models.SeverityWarning, events[1].Severity)
	assert.Equal(t, models.SeveritySuccess, events[2].Severity)
	assert.Equal(t, models.SeveritySuccess, events[3].Severity)
	assert.Equal(t, models.SeverityWarning, events[4].Severity)
	assert.Equal(t, models.SeveritySuccess, events[5].Severity)
	assert.Equal(t, models.SeverityWarning, events[6].Severity)

	assert.Equal(t, "online", events[0].Metadata["previous_status"])
	assert.Equal(t, -70, events[1].Metadata["delta"])
	require.NotNil(t, events[6].NodeID)
	assert.Equal(t, "gone-a", *events[6].NodeID)
	assert.Equal(t, "gone-b", *events[7].NodeID)
	for _, ev := range events {
		assert.Equal(t, now, ev.Timestamp)
	}
}

func TestDetectEventsScoreChangeOfExactlyTenIsQuiet(t *testing.T) {
	prev := map[string]models.LastKnown{"a": {Status: models.StatusOnline, PerformanceScore: 50}}
	events := DetectEvents(prev, []models.Node{{ID: "a", Status: models.StatusOnline, PerformanceScore: 60}}, time.Now())
	assert.Empty(t, events)

	events = DetectEvents(prev, []models.Node{{ID: "a", Status: models.StatusOnline, PerformanceScore: 40}}, time.Now())
	assert.Empty(t, events)
}

func TestDetectEventsFirstCycleEveryoneJoins(t *testing.T) {
	events := DetectEvents(nil, []models.Node{{ID: "a"}, {ID: "b"}}, time.Now())
	assert.Equal(t, []models.EventType{models.EventNodeJoined, models.EventNodeJoined}, eventTypes(events))
}

func history(now time.Time, totals []int, health int) []models.NetworkSnapshot {
	out := make([]models.NetworkSnapshot, len(totals))
	for i, total := range totals {
		out[i] = models.NetworkSnapshot{
			Timestamp:   now.Add(-time.Duration(len(totals)-i) * time.Minute),
			TotalNodes:  total,
			HealthScore: health,
		}
	}
	return out
}

var alternating = []int{100, 102, 100, 102, 100, 102, 100, 102, 100, 102}

func TestDetectAnomaliesTotalNodes(t *testing.T) {
	now := time.Now().UTC()
	hist := history(now, alternating, 80)

	anomalies, events := DetectAnomalies(models.NetworkStats{TotalNodes: 90, HealthScore: 80}, hist, 2.5, 10, now)
	require.Len(t, anomalies, 1)
	a := anomalies[0]
	assert.Equal(t, string(models.MetricTotalNodes), a.Metric)
	assert.Equal(t, 101.0, a.ExpectedValue)
	assert.Equal(t, 90.0, a.ActualValue)
	assert.InDelta(t, 11, a.Deviation, 0.0001)
	assert.Equal(t, models.SeverityCritical, a.Severity)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventAnomalyDetected, events[0].Type)
	assert.Nil(t, events[0].NodeID)

	// node count is checked in both directions
	anomalies, _ = DetectAnomalies(models.NetworkStats{TotalNodes: 105, HealthScore: 80}, hist, 2.5, 10, now)
	require.Len(t, anomalies, 1)
	assert.Equal(t, models.SeverityWarning, anomalies[0].Severity)

	anomalies, _ = DetectAnomalies(models.NetworkStats{TotalNodes: 103, HealthScore: 80}, hist, 2.5, 10, now)
	assert.Empty(t, anomalies)
}

func TestDetectAnomaliesHealthOnlyBelowMean(t *testing.T) {
	now := time.Now().UTC()
	hist := history(now, alternating, 80)

	anomalies, _ := DetectAnomalies(models.NetworkStats{TotalNodes: 101, HealthScore: 95}, hist, 2.5, 10, now)
	assert.Empty(t, anomalies)

	// flat history: std floors at 1
	anomalies, _ = DetectAnomalies(models.NetworkStats{TotalNodes: 101, HealthScore: 75}, hist, 2.5, 10, now)
	require.Len(t, anomalies, 1)
	assert.Equal(t, string(models.MetricHealthScore), anomalies[0].Metric)
	assert.Equal(t, 5.0, anomalies[0].Deviation)
	assert.Equal(t, models.SeverityWarning, anomalies[0].Severity)

	anomalies, _ = DetectAnomalies(models.NetworkStats{TotalNodes: 101, HealthScore: 70}, hist, 2.5, 10, now)
	require.Len(t, anomalies, 1)
	assert.Equal(t, models.SeverityCritical, anomalies[0].Severity)
}

func TestDetectAnomaliesNeedsHistory(t *testing.T) {
	now := time.Now().UTC()
	hist := history(now, alternating[:9], 80)

	anomalies, events := DetectAnomalies(models.NetworkStats{TotalNodes: 1}, hist, 2.5, 10, now)
	assert.Empty(t, anomalies)
	assert.Empty(t, events)

	// the current cycle's own snapshot does not count
	hist = append(hist, models.NetworkSnapshot{Timestamp: now, TotalNodes: 1})
	anomalies, _ = DetectAnomalies(models.NetworkStats{TotalNodes: 1}, hist, 2.5, 10, now)
	assert.Empty(t, anomalies)
}

func TestMeanStdPopulation(t *testing.T) {
	mean, std := meanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.Equal(t, 5.0, mean)
	assert.Equal(t, 2.0, std)

	mean, std = meanStd(nil)
	assert.Zero(t, mean)
	assert.Zero(t, std)
}

func TestDetectorPersists(t *testing.T) {
	store := newMemStore()
	d := NewDetector(store, DetectorOptions{}, utils.DiscardLogger())
	ctx := context.Background()
	now := time.Now().UTC()

	for _, s := range history(now, alternating, 80) {
		require.NoError(t, store.InsertNetworkSnapshot(ctx, &s))
	}

	events, err := d.ProcessEvents(ctx, nil, []models.Node{{ID: "a"}}, now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)

	anomalies, err := d.ProcessAnomalies(ctx, models.NetworkStats{TotalNodes: 50, HealthScore: 80}, now)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.NotEmpty(t, anomalies[0].ID)

	assert.Len(t, store.anomalies, 1)
	assert.Len(t, store.eventsOfType(models.EventAnomalyDetected), 1)
	assert.Len(t, store.eventsOfType(models.EventNodeJoined), 1)
}

func TestDetectorKeepsGoingWhenInsertsFail(t *testing.T) {
	store := newMemStore()
	store.fail("InsertNetworkEvent")
	d := NewDetector(store, DetectorOptions{}, utils.DiscardLogger())

	events, err := d.ProcessEvents(context.Background(), nil, []models.Node{{ID: "a"}, {ID: "b"}}, time.Now())
	assert.Len(t, events, 2)
	assert.ErrorIs(t, err, errStoreDown)

	store.fail("NetworkSnapshotsSince")
	_, err = d.ProcessAnomalies(context.Background(), models.NetworkStats{}, time.Now())
	assert.ErrorIs(t, err, errStoreDown)
}
