package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"xandindexer/models"
)

// Notifier delivers fired alerts somewhere a human will see them.
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// AlertStore is the rule and alert persistence the service needs.
type AlertStore interface {
	ListAlertRules(ctx context.Context, enabledOnly bool) ([]models.AlertRule, error)
	SaveAlertRule(ctx context.Context, rule *models.AlertRule) error
	DeleteAlertRule(ctx context.Context, id string) error
	TouchAlertRule(ctx context.Context, id string, firedAt time.Time) error
	InsertAlert(ctx context.Context, a *models.Alert) error
	RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error)
}

// AlertService evaluates user rules after each cycle. A rule fires at most
// once per cooldown window per node (or once for network rules).
type AlertService struct {
	store    AlertStore
	notifier Notifier
	logger   *slog.Logger

	mu        sync.Mutex
	lastFired map[string]time.Time
}

func NewAlertService(store AlertStore, notifier Notifier, logger *slog.Logger) *AlertService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertService{
		store:     store,
		notifier:  notifier,
		logger:    logger.With("component", "alerts"),
		lastFired: make(map[string]time.Time),
	}
}

// CreateRule validates and stores a new rule.
func (as *AlertService) CreateRule(ctx context.Context, rule models.AlertRule) (models.AlertRule, error) {
	if err := rule.Validate(); err != nil {
		return models.AlertRule{}, err
	}
	now := time.Now().UTC()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.LastTriggeredAt = nil

	if err := as.store.SaveAlertRule(ctx, &rule); err != nil {
		return models.AlertRule{}, fmt.Errorf("save rule: %w", err)
	}
	return rule, nil
}

func (as *AlertService) ListRules(ctx context.Context) ([]models.AlertRule, error) {
	return as.store.ListAlertRules(ctx, false)
}

// DeleteRule removes the rule and forgets its cooldowns.
func (as *AlertService) DeleteRule(ctx context.Context, id string) error {
	if err := as.store.DeleteAlertRule(ctx, id); err != nil {
		return err
	}
	as.mu.Lock()
	for key := range as.lastFired {
		if strings.HasPrefix(key, id+"/") {
			delete(as.lastFired, key)
		}
	}
	as.mu.Unlock()
	return nil
}

func (as *AlertService) RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	return as.store.RecentAlerts(ctx, limit)
}

// Evaluate checks every enabled rule against this cycle's figures. Alerts
// are written before they are sent; a failed write is not sent and does
// not start the cooldown.
func (as *AlertService) Evaluate(ctx context.Context, stats models.NetworkStats, nodes []models.Node, now time.Time) ([]models.Alert, error) {
	rules, err := as.store.ListAlertRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}

	var fired []models.Alert
	var errs []error

	for _, rule := range rules {
		scope, ok := rule.Metric.Scope()
		if !ok {
			as.logger.Warn("skipping rule with unknown metric", "rule", rule.ID, "metric", rule.Metric)
			continue
		}

		if scope == models.ScopeNetwork {
			value, _ := models.NetworkMetricValue(rule.Metric, stats)
			alert, err := as.check(ctx, rule, value, nil, now)
			if err != nil {
				errs = append(errs, err)
			} else if alert != nil {
				fired = append(fired, *alert)
			}
			continue
		}

		for _, node := range nodes {
			if rule.NodeID != "" && rule.NodeID != node.ID {
				continue
			}
			value, ok := models.NodeMetricValue(rule.Metric, node)
			if !ok {
				continue
			}
			nodeID := node.ID
			alert, err := as.check(ctx, rule, value, &nodeID, now)
			if err != nil {
				errs = append(errs, err)
			} else if alert != nil {
				fired = append(fired, *alert)
			}
		}
	}

	if len(fired) > 0 {
		as.logger.Info("alerts fired", "count", len(fired))
	}
	return fired, errors.Join(errs...)
}

func (as *AlertService) check(ctx context.Context, rule models.AlertRule, value float64, nodeID *string, now time.Time) (*models.Alert, error) {
	hit, err := rule.Operator.Compare(value, rule.Threshold)
	if err != nil || !hit {
		return nil, err
	}

	key := rule.ID + "/"
	if nodeID != nil {
		key += *nodeID
	}
	if as.coolingDown(rule, key, now) {
		return nil, nil
	}

	alert := models.Alert{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Metric:      rule.Metric,
		Operator:    rule.Operator,
		Value:       value,
		Threshold:   rule.Threshold,
		Severity:    rule.Severity,
		NodeID:      nodeID,
		Message:     alertMessage(rule, value, nodeID),
		TriggeredAt: now,
	}
	if err := as.store.InsertAlert(ctx, &alert); err != nil {
		return nil, fmt.Errorf("insert alert for rule %s: %w", rule.ID, err)
	}

	as.mu.Lock()
	as.lastFired[key] = now
	as.mu.Unlock()

	if err := as.store.TouchAlertRule(ctx, rule.ID, now); err != nil {
		as.logger.Warn("failed to update rule trigger time", "rule", rule.ID, "err", err)
	}
	if as.notifier != nil {
		if err := as.notifier.Notify(ctx, alert); err != nil {
			as.logger.Warn("alert notification failed", "rule", rule.ID, "err", err)
		}
	}
	return &alert, nil
}

// Network rules also honour the stored trigger time so a restart does not
// refire them.
func (as *AlertService) coolingDown(rule models.AlertRule, key string, now time.Time) bool {
	cooldown := time.Duration(rule.CooldownMinutes) * time.Minute
	if cooldown <= 0 {
		return false
	}

	as.mu.Lock()
	last, ok := as.lastFired[key]
	as.mu.Unlock()
	if !ok && rule.Scope == models.ScopeNetwork && rule.LastTriggeredAt != nil {
		last, ok = *rule.LastTriggeredAt, true
	}
	return ok && now.Sub(last) < cooldown
}

func alertMessage(rule models.AlertRule, value float64, nodeID *string) string {
	msg := fmt.Sprintf("%s: %s is %.2f (%s %g)", rule.Name, rule.Metric, value, rule.Operator, rule.Threshold)
	if nodeID != nil {
		msg = fmt.Sprintf("[%s] %s", shortID(*nodeID), msg)
	}
	return msg
}
