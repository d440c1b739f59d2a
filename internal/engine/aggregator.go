package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/fingerprint"
	"github.com/t77yq/alert-correlation/internal/metrics"
	"github.com/t77yq/alert-correlation/internal/model"
	"github.com/t77yq/alert-correlation/internal/rule"
	"github.com/t77yq/alert-correlation/internal/storage"
)

const aggregatorShards = 64

// Aggregator folds events into alerts and alerts into incidents.
// Upserts for one fingerprint are serialized on a shard lock so the
// read-modify-write never races with itself; different fingerprints
// proceed in parallel.
type Aggregator struct {
	logger *zap.Logger
	store  storage.Store
	shards [aggregatorShards]sync.Mutex

	rulesMu  sync.RWMutex
	aggRules []*compiledAggregationRule
}

type compiledAggregationRule struct {
	config  *model.AggregationRule
	matches []*rule.MatchRule
}

// NewAggregator creates a new aggregator backed by the given store
func NewAggregator(logger *zap.Logger, store storage.Store) *Aggregator {
	return &Aggregator{
		logger: logger.Named("aggregator"),
		store:  store,
	}
}

func (a *Aggregator) shard(fp string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(fp))
	return &a.shards[h.Sum32()%aggregatorShards]
}

// LoadAggregationRules parses and swaps in the rules shaping new
// alerts. The first active rule whose condition matches the event may
// override the alert's level and render its title from a template.
func (a *Aggregator) LoadAggregationRules(configs []*model.AggregationRule) error {
	compiled := make([]*compiledAggregationRule, 0, len(configs))
	for _, config := range configs {
		if !config.IsActive {
			continue
		}
		matches, err := rule.ParseMatchRules(config.Condition)
		if err != nil {
			return fmt.Errorf("failed to compile aggregation rule %s: %w", config.RuleID, err)
		}
		compiled = append(compiled, &compiledAggregationRule{config: config, matches: matches})
	}

	a.rulesMu.Lock()
	a.aggRules = compiled
	a.rulesMu.Unlock()

	a.logger.Info("Loaded aggregation rules", zap.Int("count", len(compiled)))
	return nil
}

func (a *Aggregator) shapeAlert(alert *model.Alert, event *model.Event) {
	a.rulesMu.RLock()
	rules := a.aggRules
	a.rulesMu.RUnlock()

	for _, r := range rules {
		if !rule.MatchesAll(r.matches, event) {
			continue
		}
		if r.config.Severity != "" {
			alert.Level = r.config.Severity
		}
		if r.config.Template != "" {
			alert.Title = renderTemplate(r.config.Template, event)
		}
		return
	}
}

var templatePlaceholder = regexp.MustCompile(`\{[a-z_]+\}`)

// renderTemplate substitutes {field} placeholders with event fields.
// Unknown placeholders are left in place.
func renderTemplate(template string, event *model.Event) string {
	return templatePlaceholder.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		switch name {
		case "group_by_field":
			return event.GroupByField
		case "group_by_value":
			return event.GroupByValue
		}
		if v, ok := event.Field(name); ok {
			return fmt.Sprint(v)
		}
		return m
	})
}

// ProcessEvent upserts an event into the open alert for its
// fingerprint, creating the alert if none exists. Returns the alert
// and whether it was created by this call. A re-delivered event id
// returns ErrDuplicateEvent and contributes nothing.
func (a *Aggregator) ProcessEvent(ctx context.Context, event *model.Event) (*model.Alert, bool, error) {
	existing, err := a.store.GetEvent(ctx, event.EventID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check event %s: %w", event.EventID, err)
	}
	if existing != nil {
		metrics.EventsDeduplicated.Inc()
		return nil, false, fmt.Errorf("event %s: %w", event.EventID, ErrDuplicateEvent)
	}

	fp := fingerprint.FromEvent(event)

	mu := a.shard(fp)
	mu.Lock()
	defer mu.Unlock()

	if event.Action == model.EventActionClosed {
		alert, err := a.resolveByEvent(ctx, fp, event)
		return alert, false, err
	}

	alert, err := a.store.GetOpenAlertByFingerprint(ctx, fp)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up alert for fingerprint %s: %w", fp, err)
	}

	now := time.Now().UTC()
	created := alert == nil
	if created {
		alert = a.newAlert(fp, event, now)
		a.shapeAlert(alert, event)
		if err := a.store.SaveAlert(ctx, alert); err != nil {
			return nil, false, fmt.Errorf("failed to save alert: %w", err)
		}
		metrics.AlertsCreated.Inc()
		a.logger.Info("Created alert",
			zap.String("alert_id", alert.AlertID),
			zap.String("fingerprint", fp),
			zap.String("level", string(alert.Level)))
	} else {
		a.mergeEvent(alert, event, now)
		if err := a.store.UpdateAlert(ctx, alert); err != nil {
			return nil, false, fmt.Errorf("failed to update alert %s: %w", alert.AlertID, err)
		}
		metrics.EventsMerged.Inc()
		a.logger.Debug("Merged event into alert",
			zap.String("alert_id", alert.AlertID),
			zap.String("event_id", event.EventID),
			zap.Int("event_count", alert.EventCount))
	}

	event.Status = model.EventStatusProcessing
	if err := a.store.SaveEvent(ctx, event); err != nil {
		return nil, false, fmt.Errorf("failed to save event %s: %w", event.EventID, err)
	}
	if err := a.store.LinkAlertEvent(ctx, alert.AlertID, event.EventID); err != nil {
		return nil, false, fmt.Errorf("failed to link event %s to alert %s: %w", event.EventID, alert.AlertID, err)
	}

	return alert, created, nil
}

func (a *Aggregator) newAlert(fp string, event *model.Event, now time.Time) *model.Alert {
	return &model.Alert{
		AlertID:        "ALERT-" + uuid.New().String(),
		Fingerprint:    fp,
		Status:         model.AlertStatusUnassigned,
		Level:          event.Level,
		Title:          event.Title,
		Content:        event.Description,
		Labels:         event.Labels,
		Item:           event.Item,
		ResourceID:     event.ResourceID,
		ResourceType:   event.ResourceType,
		ResourceName:   event.ResourceName,
		SourceName:     event.SourceID,
		GroupByField:   event.GroupByField,
		RuleID:         event.RuleID,
		FirstEventTime: event.StartTime,
		LastEventTime:  event.StartTime,
		EventCount:     1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// mergeEvent advances alert state from a follow-up event. Late events
// count and can raise the level but never rewind last_event_time.
func (a *Aggregator) mergeEvent(alert *model.Alert, event *model.Event, now time.Time) {
	alert.EventCount++
	alert.Level = model.MaxLevel(alert.Level, event.Level)
	if event.StartTime.After(alert.LastEventTime) {
		alert.LastEventTime = event.StartTime
		alert.Title = event.Title
		if event.Description != "" {
			alert.Content = event.Description
		}
	}
	alert.UpdatedAt = now
}

// resolveByEvent handles action=closed: the source reports the
// condition healed, so the open alert for the fingerprint resolves.
// No open alert is a no-op.
func (a *Aggregator) resolveByEvent(ctx context.Context, fp string, event *model.Event) (*model.Alert, error) {
	now := time.Now().UTC()
	event.Status = model.EventStatusResolved
	event.EndTime = &now
	if err := a.store.SaveEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to save event %s: %w", event.EventID, err)
	}

	alert, err := a.store.GetOpenAlertByFingerprint(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("failed to look up alert for fingerprint %s: %w", fp, err)
	}
	if alert == nil {
		a.logger.Debug("Close event without open alert",
			zap.String("event_id", event.EventID),
			zap.String("fingerprint", fp))
		return nil, nil
	}

	alert.Status = model.AlertStatusResolved
	alert.UpdatedAt = now
	if err := a.store.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to resolve alert %s: %w", alert.AlertID, err)
	}
	if err := a.store.LinkAlertEvent(ctx, alert.AlertID, event.EventID); err != nil {
		return nil, fmt.Errorf("failed to link event %s to alert %s: %w", event.EventID, alert.AlertID, err)
	}

	a.logger.Info("Resolved alert by close event",
		zap.String("alert_id", alert.AlertID),
		zap.String("event_id", event.EventID))
	return alert, nil
}

// Acknowledge moves a pending alert to processing and records the operator
func (a *Aggregator) Acknowledge(ctx context.Context, alertID, operator string) (*model.Alert, error) {
	return a.transition(ctx, alertID, operator, model.AlertStatusProcessing)
}

// ResolveAlert marks an alert resolved on behalf of an operator
func (a *Aggregator) ResolveAlert(ctx context.Context, alertID, operator string) (*model.Alert, error) {
	return a.transition(ctx, alertID, operator, model.AlertStatusResolved)
}

// CloseAlert marks an alert closed on behalf of an operator
func (a *Aggregator) CloseAlert(ctx context.Context, alertID, operator string) (*model.Alert, error) {
	return a.transition(ctx, alertID, operator, model.AlertStatusClosed)
}

func (a *Aggregator) transition(ctx context.Context, alertID, operator string, status model.AlertStatus) (*model.Alert, error) {
	alert, err := a.lockAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer a.shard(alert.Fingerprint).Unlock()

	if alert.Status.Terminal() {
		if alert.Status == status {
			return alert, nil
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrAlertTerminal, alertID, alert.Status)
	}

	alert.Status = status
	if operator != "" {
		alert.Operator = appendOperator(alert.Operator, operator)
	}
	alert.UpdatedAt = time.Now().UTC()
	if err := a.store.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to update alert %s: %w", alertID, err)
	}

	a.logger.Info("Alert status changed",
		zap.String("alert_id", alertID),
		zap.String("status", string(status)),
		zap.String("operator", operator))
	return alert, nil
}

// lockAlert resolves an alert id to its fingerprint shard, locks it,
// and re-reads the alert under the lock. A concurrent writer may have
// touched the row between the unlocked lookup and the lock, so the
// first read only serves shard selection. Callers must unlock the
// shard for alert.Fingerprint on a nil error.
func (a *Aggregator) lockAlert(ctx context.Context, alertID string) (*model.Alert, error) {
	alert, err := a.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to get alert %s: %w", alertID, err)
	}
	if alert == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}

	mu := a.shard(alert.Fingerprint)
	mu.Lock()

	alert, err = a.store.GetAlert(ctx, alertID)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("failed to get alert %s: %w", alertID, err)
	}
	if alert == nil {
		mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	return alert, nil
}

// ConfirmSession marks a session alert confirmed so session-window
// expiry resolves it as acknowledged rather than no_confirmed
func (a *Aggregator) ConfirmSession(ctx context.Context, alertID, operator string) (*model.Alert, error) {
	alert, err := a.lockAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer a.shard(alert.Fingerprint).Unlock()

	if alert.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlertTerminal, alertID, alert.Status)
	}

	alert.SessionStatus = model.SessionStatusConfirmed
	if operator != "" {
		alert.Operator = appendOperator(alert.Operator, operator)
	}
	alert.UpdatedAt = time.Now().UTC()
	if err := a.store.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to update alert %s: %w", alertID, err)
	}
	return alert, nil
}

// MarkSessionAlert flags an open alert as session-managed. Idempotent.
func (a *Aggregator) MarkSessionAlert(ctx context.Context, alert *model.Alert) error {
	if alert.IsSessionAlert || alert.Status.Terminal() {
		return nil
	}
	alert.IsSessionAlert = true
	alert.SessionStatus = model.SessionStatusOpen
	alert.UpdatedAt = time.Now().UTC()
	if err := a.store.UpdateAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to mark session alert %s: %w", alert.AlertID, err)
	}
	return nil
}

// CloseSessionAlert terminates a session alert when its window closed.
// Unconfirmed alerts end up no_confirmed; confirmed ones keep their
// confirmation. Terminal alerts are left alone.
func (a *Aggregator) CloseSessionAlert(ctx context.Context, fp string, endTime time.Time) (*model.Alert, error) {
	mu := a.shard(fp)
	mu.Lock()
	defer mu.Unlock()

	alert, err := a.store.GetOpenAlertByFingerprint(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("failed to look up alert for fingerprint %s: %w", fp, err)
	}
	if alert == nil || !alert.IsSessionAlert {
		return nil, nil
	}

	alert.Status = model.AlertStatusResolved
	if alert.SessionStatus != model.SessionStatusConfirmed {
		alert.SessionStatus = model.SessionStatusNoConfirmed
	}
	alert.SessionEndTime = &endTime
	alert.UpdatedAt = time.Now().UTC()
	if err := a.store.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to close session alert %s: %w", alert.AlertID, err)
	}

	a.logger.Info("Closed session alert",
		zap.String("alert_id", alert.AlertID),
		zap.String("session_status", string(alert.SessionStatus)))
	return alert, nil
}

// CreateOrExtendIncident folds a correlated alert group into the open
// incident for the rule, creating one if none exists. Alerts already
// linked are skipped so repeated window evaluations stay idempotent.
func (a *Aggregator) CreateOrExtendIncident(ctx context.Context, ruleConfig *model.CorrelationRule, alerts []*model.Alert) (*model.Incident, bool, error) {
	if len(alerts) == 0 {
		return nil, false, nil
	}

	fp := fingerprint.Compute("rule_id", ruleConfig.RuleID)

	mu := a.shard(fp)
	mu.Lock()
	defer mu.Unlock()

	alertIDs := make([]string, len(alerts))
	for i, alert := range alerts {
		alertIDs[i] = alert.AlertID
	}

	incident, err := a.store.GetOpenIncidentByAlertIDs(ctx, alertIDs)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up incident: %w", err)
	}

	now := time.Now().UTC()
	created := incident == nil
	if created {
		incident = &model.Incident{
			IncidentID:  "INC-" + uuid.New().String(),
			Status:      model.IncidentStatusPending,
			Level:       maxAlertLevel(alerts),
			Title:       fmt.Sprintf("%s (%d alerts)", ruleConfig.Name, len(alerts)),
			Fingerprint: fp,
			RuleID:      ruleConfig.RuleID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := a.store.SaveIncident(ctx, incident); err != nil {
			return nil, false, fmt.Errorf("failed to save incident: %w", err)
		}
		metrics.IncidentsCreated.Inc()
	}

	linked, err := a.store.ListIncidentAlertIDs(ctx, incident.IncidentID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list incident alerts: %w", err)
	}
	known := make(map[string]struct{}, len(linked))
	for _, id := range linked {
		known[id] = struct{}{}
	}

	added := 0
	for _, alert := range alerts {
		if _, ok := known[alert.AlertID]; ok {
			continue
		}
		if err := a.store.LinkIncidentAlert(ctx, incident.IncidentID, alert.AlertID); err != nil {
			return nil, false, fmt.Errorf("failed to link alert %s to incident %s: %w", alert.AlertID, incident.IncidentID, err)
		}
		added++
	}

	if added > 0 || created {
		incident.AlertCount = len(known) + added
		incident.Level = model.MaxLevel(incident.Level, maxAlertLevel(alerts))
		incident.Title = fmt.Sprintf("%s (%d alerts)", ruleConfig.Name, incident.AlertCount)
		incident.UpdatedAt = now
		if err := a.store.UpdateIncident(ctx, incident); err != nil {
			return nil, false, fmt.Errorf("failed to update incident %s: %w", incident.IncidentID, err)
		}
		if !created {
			metrics.IncidentsExtended.Inc()
		}
	}

	if created {
		a.logger.Info("Created incident",
			zap.String("incident_id", incident.IncidentID),
			zap.String("rule_id", ruleConfig.RuleID),
			zap.Int("alert_count", incident.AlertCount))
	}
	return incident, created, nil
}

// CloseIncident marks an incident closed on behalf of an operator.
// Member alerts keep their own lifecycle.
func (a *Aggregator) CloseIncident(ctx context.Context, incidentID, operator string) (*model.Incident, error) {
	incident, err := a.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get incident %s: %w", incidentID, err)
	}
	if incident == nil {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, incidentID)
	}
	if incident.Status.Terminal() {
		return incident, nil
	}

	incident.Status = model.IncidentStatusClosed
	if operator != "" {
		incident.Operator = appendOperator(incident.Operator, operator)
	}
	incident.UpdatedAt = time.Now().UTC()
	if err := a.store.UpdateIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("failed to update incident %s: %w", incidentID, err)
	}
	return incident, nil
}

func maxAlertLevel(alerts []*model.Alert) model.Level {
	level := alerts[0].Level
	for _, alert := range alerts[1:] {
		level = model.MaxLevel(level, alert.Level)
	}
	return level
}

func appendOperator(operators []string, operator string) []string {
	for _, o := range operators {
		if o == operator {
			return operators
		}
	}
	return append(operators, operator)
}
