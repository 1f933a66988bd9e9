package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"xandindexer/models"
)

const (
	scoreChangeThreshold = 10

	DefaultAnomalyThreshold  = 2.5
	DefaultAnomalyLookback   = 24 * time.Hour
	DefaultAnomalyMinHistory = 10

	anomalyHistoryLimit = 5000
)

// DetectEvents compares this cycle's nodes with the previous cycle's
// last-known state. Departures are a second pass over prev.
func DetectEvents(prev map[string]models.LastKnown, nodes []models.Node, now time.Time) []models.NetworkEvent {
	var events []models.NetworkEvent
	seen := make(map[string]struct{}, len(nodes))

	for _, node := range nodes {
		seen[node.ID] = struct{}{}
		nodeID := node.ID

		before, ok := prev[node.ID]
		if !ok {
			events = append(events, models.NetworkEvent{
				Type:        models.EventNodeJoined,
				Severity:    models.SeveritySuccess,
				Title:       "pNode joined",
				Description: fmt.Sprintf("pNode %s joined the network (%s)", shortID(nodeID), node.Status),
				NodeID:      &nodeID,
				Metadata: map[string]any{
					"status":            string(node.Status),
					"performance_score": node.PerformanceScore,
					"version":           node.Version,
					"location":          node.Location,
				},
				Timestamp: now,
			})
			continue
		}

		if before.Status != node.Status {
			typ, sev := statusEvent(node.Status)
			events = append(events, models.NetworkEvent{
				Type:        typ,
				Severity:    sev,
				Title:       fmt.Sprintf("pNode %s", node.Status),
				Description: fmt.Sprintf("pNode %s went from %s to %s", shortID(nodeID), before.Status, node.Status),
				NodeID:      &nodeID,
				Metadata: map[string]any{
					"previous_status": string(before.Status),
					"status":          string(node.Status),
				},
				Timestamp: now,
			})
		}

		delta := node.PerformanceScore - before.PerformanceScore
		if delta < -scoreChangeThreshold || delta > scoreChangeThreshold {
			typ, sev, title := models.EventPerformanceImproved, models.SeveritySuccess, "Performance improved"
			if delta < 0 {
				typ, sev, title = models.EventPerformanceDegraded, models.SeverityWarning, "Performance degraded"
			}
			events = append(events, models.NetworkEvent{
				Type:        typ,
				Severity:    sev,
				Title:       title,
				Description: fmt.Sprintf("pNode %s score %d -> %d", shortID(nodeID), before.PerformanceScore, node.PerformanceScore),
				NodeID:      &nodeID,
				Metadata: map[string]any{
					"previous_score": before.PerformanceScore,
					"score":          node.PerformanceScore,
					"delta":          delta,
				},
				Timestamp: now,
			})
		}
	}

	var gone []string
	for id := range prev {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		nodeID := id
		before := prev[id]
		events = append(events, models.NetworkEvent{
			Type:        models.EventNodeLeft,
			Severity:    models.SeverityWarning,
			Title:       "pNode left network",
			Description: fmt.Sprintf("pNode %s is no longer reported by the registry", shortID(nodeID)),
			NodeID:      &nodeID,
			Metadata: map[string]any{
				"last_status": string(before.Status),
				"last_score":  before.PerformanceScore,
			},
			Timestamp: now,
		})
	}
	return events
}

func statusEvent(s models.NodeStatus) (models.EventType, models.Severity) {
	switch s {
	case models.StatusOnline:
		return models.EventNodeOnline, models.SeveritySuccess
	case models.StatusDelinquent:
		return models.EventNodeDelinquent, models.SeverityWarning
	default:
		return models.EventNodeOffline, models.SeverityCritical
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:8] + "..."
	}
	return id
}

// anomalyCheck is one watched network metric. lowOnly skips deviations
// above the mean.
type anomalyCheck struct {
	metric  models.Metric
	lowOnly bool
}

var anomalyChecks = []anomalyCheck{
	{metric: models.MetricTotalNodes},
	{metric: models.MetricHealthScore, lowOnly: true},
}

// DetectAnomalies flags metrics whose current value is more than threshold
// standard deviations from the history mean. History at or after now is
// ignored; fewer than minHistory snapshots means no verdict.
func DetectAnomalies(current models.NetworkStats, history []models.NetworkSnapshot, threshold float64, minHistory int, now time.Time) ([]models.Anomaly, []models.NetworkEvent) {
	if threshold <= 0 {
		threshold = DefaultAnomalyThreshold
	}
	if minHistory <= 0 {
		minHistory = DefaultAnomalyMinHistory
	}

	past := make([]models.NetworkStats, 0, len(history))
	for _, s := range history {
		if s.Timestamp.Before(now) {
			past = append(past, s.Stats())
		}
	}
	if len(past) < minHistory {
		return nil, nil
	}

	var anomalies []models.Anomaly
	var events []models.NetworkEvent

	for _, check := range anomalyChecks {
		actual, _ := models.NetworkMetricValue(check.metric, current)
		values := make([]float64, len(past))
		for i, s := range past {
			values[i], _ = models.NetworkMetricValue(check.metric, s)
		}

		mean, std := meanStd(values)
		if check.lowOnly && actual >= mean {
			continue
		}
		deviation := math.Abs(actual-mean) / math.Max(std, 1)
		if deviation <= threshold {
			continue
		}

		severity := models.SeverityWarning
		if deviation > 2*threshold {
			severity = models.SeverityCritical
		}
		desc := fmt.Sprintf("%s is %.0f, expected %.1f (%.1f std devs)", check.metric, actual, mean, deviation)

		anomalies = append(anomalies, models.Anomaly{
			Metric:        string(check.metric),
			Severity:      severity,
			ExpectedValue: mean,
			ActualValue:   actual,
			Deviation:     deviation,
			Description:   desc,
			Timestamp:     now,
		})
		events = append(events, models.NetworkEvent{
			Type:        models.EventAnomalyDetected,
			Severity:    severity,
			Title:       fmt.Sprintf("Anomaly detected: %s", check.metric),
			Description: desc,
			Metadata: map[string]any{
				"metric":    string(check.metric),
				"expected":  mean,
				"actual":    actual,
				"deviation": deviation,
				"threshold": threshold,
			},
			Timestamp: now,
		})
	}
	return anomalies, events
}

// population statistics
func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// DetectorStore is the storage the detector writes to and reads history from.
type DetectorStore interface {
	InsertNetworkEvent(ctx context.Context, ev *models.NetworkEvent) error
	InsertAnomaly(ctx context.Context, a *models.Anomaly) error
	NetworkSnapshotsSince(ctx context.Context, since time.Time, limit int) ([]models.NetworkSnapshot, error)
}

type DetectorOptions struct {
	Threshold  float64
	Lookback   time.Duration
	MinHistory int
}

// Detector runs the pure detectors and persists what they find.
type Detector struct {
	store  DetectorStore
	opts   DetectorOptions
	logger *slog.Logger
}

func NewDetector(store DetectorStore, opts DetectorOptions, logger *slog.Logger) *Detector {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultAnomalyThreshold
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultAnomalyLookback
	}
	if opts.MinHistory <= 0 {
		opts.MinHistory = DefaultAnomalyMinHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, opts: opts, logger: logger.With("component", "detector")}
}

// ProcessEvents detects and stores node events. A failed insert does not
// stop the rest.
func (d *Detector) ProcessEvents(ctx context.Context, prev map[string]models.LastKnown, nodes []models.Node, now time.Time) ([]models.NetworkEvent, error) {
	events := DetectEvents(prev, nodes, now)
	var errs []error
	for i := range events {
		if err := d.Record(ctx, &events[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(events) > 0 {
		d.logger.Info("network events", "count", len(events), "failed", len(errs))
	}
	return events, errors.Join(errs...)
}

// ProcessAnomalies checks stats against the lookback window.
func (d *Detector) ProcessAnomalies(ctx context.Context, stats models.NetworkStats, now time.Time) ([]models.Anomaly, error) {
	history, err := d.store.NetworkSnapshotsSince(ctx, now.Add(-d.opts.Lookback), anomalyHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load anomaly history: %w", err)
	}

	anomalies, events := DetectAnomalies(stats, history, d.opts.Threshold, d.opts.MinHistory, now)
	var errs []error
	for i := range anomalies {
		anomalies[i].ID = uuid.NewString()
		if err := d.store.InsertAnomaly(ctx, &anomalies[i]); err != nil {
			errs = append(errs, fmt.Errorf("insert anomaly %s: %w", anomalies[i].Metric, err))
		}
		d.logger.Warn("anomaly detected", "metric", anomalies[i].Metric, "actual", anomalies[i].ActualValue,
			"expected", anomalies[i].ExpectedValue, "deviation", anomalies[i].Deviation)
	}
	for i := range events {
		if err := d.Record(ctx, &events[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return anomalies, errors.Join(errs...)
}

// Record stores one event, filling id and timestamp when missing.
func (d *Detector) Record(ctx context.Context, ev *models.NetworkEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := d.store.InsertNetworkEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert event %s: %w", ev.Type, err)
	}
	return nil
}
