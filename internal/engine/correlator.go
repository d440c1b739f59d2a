package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/fingerprint"
	"github.com/t77yq/alert-correlation/internal/metrics"
	"github.com/t77yq/alert-correlation/internal/model"
	"github.com/t77yq/alert-correlation/internal/rule"
	"github.com/t77yq/alert-correlation/internal/storage"
	"github.com/t77yq/alert-correlation/internal/window"
)

// rollupKey shares one window per alert-type rule so alerts from
// different fingerprints can correlate into the same incident
const rollupKey = "global"

// Dispatcher hands directives to the notification transport
type Dispatcher interface {
	Dispatch(ctx context.Context, directive *model.NotificationDirective) error
}

// Correlator orchestrates the pipeline: events fold into alerts,
// alerts and events enroll into rule windows, window output feeds
// incident creation and session termination, and every new or
// escalated alert routes through assignment and shield before
// dispatch.
type Correlator struct {
	logger     *zap.Logger
	store      storage.Store
	aggregator *Aggregator
	evaluator  *rule.Evaluator
	assigner   *Assigner
	shielder   *Shielder
	reminders  *ReminderScheduler
	dispatcher Dispatcher
	windows    *window.Manager
}

// NewCorrelator wires the pipeline. The window manager is owned here
// so its output always flows back through the correlator.
func NewCorrelator(
	logger *zap.Logger,
	store storage.Store,
	evaluator *rule.Evaluator,
	assigner *Assigner,
	shielder *Shielder,
	dispatcher Dispatcher,
) *Correlator {
	c := &Correlator{
		logger:     logger.Named("correlator"),
		store:      store,
		aggregator: NewAggregator(logger, store),
		evaluator:  evaluator,
		assigner:   assigner,
		shielder:   shielder,
		reminders:  NewReminderScheduler(logger, store),
		dispatcher: dispatcher,
	}
	c.windows = window.NewManager(logger, store, c.onWindow)
	return c
}

// HandleEvent runs one event through the pipeline. Duplicate
// deliveries are absorbed silently.
func (c *Correlator) HandleEvent(ctx context.Context, event *model.Event) error {
	alert, created, err := c.aggregator.ProcessEvent(ctx, event)
	if err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			c.logger.Debug("Dropped duplicate event", zap.String("event_id", event.EventID))
			return nil
		}
		return err
	}
	if alert == nil {
		return nil
	}

	if alert.Status.Terminal() {
		// resolved by an action=closed event
		c.cancelAlertSideEffects(ctx, alert)
		return nil
	}

	now := time.Now().UTC()
	if err := c.enroll(ctx, event, alert, now); err != nil {
		c.logger.Error("Failed to enroll into windows",
			zap.String("event_id", event.EventID),
			zap.Error(err))
	}

	if created {
		c.notifyAlert(ctx, alert, model.NotificationKindInitial)
	}
	return nil
}

// enroll places the event and its alert into every active rule's
// window. Event rules window raw events; alert rules window the alert
// under a shared per-rule key.
func (c *Correlator) enroll(ctx context.Context, event *model.Event, alert *model.Alert, now time.Time) error {
	var errs []error
	for _, rc := range c.evaluator.Rules() {
		switch rc.RuleType {
		case model.RuleTypeEvent:
			key := fingerprint.FromEvent(event)
			if rc.WindowType == model.WindowTypeSession {
				sessionKey, err := fingerprint.SessionKey(event, rc.SessionKeyFields)
				if err != nil {
					errs = append(errs, fmt.Errorf("rule %s: %w", rc.RuleID, err))
					continue
				}
				key = sessionKey
				if err := c.aggregator.MarkSessionAlert(ctx, alert); err != nil {
					errs = append(errs, err)
				}
			}
			item := window.Item{ID: event.EventID, At: event.StartTime, Payload: event}
			if err := c.windows.Enroll(ctx, rc, key, item, now); err != nil {
				errs = append(errs, fmt.Errorf("rule %s: %w", rc.RuleID, err))
			}
		case model.RuleTypeAlert:
			item := window.Item{ID: alert.AlertID, At: now, Payload: alert}
			if err := c.windows.Enroll(ctx, rc, rollupKey, item, now); err != nil {
				errs = append(errs, fmt.Errorf("rule %s: %w", rc.RuleID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// onWindow receives window output. Alert rules roll matched groups
// into incidents; session event rules terminate their session alerts
// on close. Incident rollup failure never blocks the alert path.
func (c *Correlator) onWindow(rc *model.CorrelationRule, key string, items []window.Item, closed bool) {
	ctx := context.Background()

	fielders := make([]rule.Fielder, len(items))
	for i, item := range items {
		fielders[i] = item.Payload
	}
	result, err := c.evaluator.Evaluate(rc.RuleID, fielders)
	if err != nil {
		c.logger.Error("Window evaluation failed",
			zap.String("rule_id", rc.RuleID),
			zap.Error(err))
		return
	}
	if !result.Matched {
		return
	}

	switch rc.RuleType {
	case model.RuleTypeAlert:
		for _, group := range result.Groups {
			c.rollupIncident(ctx, rc, group)
		}
	case model.RuleTypeEvent:
		if closed && rc.WindowType == model.WindowTypeSession {
			for _, group := range result.Groups {
				c.closeSessionAlerts(ctx, group)
			}
		}
	}
}

// rollupIncident folds a correlated alert group into an incident,
// re-reading each alert so terminal ones drop out
func (c *Correlator) rollupIncident(ctx context.Context, rc *model.CorrelationRule, group []rule.Fielder) {
	seen := make(map[string]struct{}, len(group))
	var alerts []*model.Alert
	for _, f := range group {
		enrolled, ok := f.(*model.Alert)
		if !ok {
			continue
		}
		if _, dup := seen[enrolled.AlertID]; dup {
			continue
		}
		seen[enrolled.AlertID] = struct{}{}

		alert, err := c.store.GetAlert(ctx, enrolled.AlertID)
		if err != nil {
			c.logger.Error("Failed to reload alert for incident rollup",
				zap.String("alert_id", enrolled.AlertID),
				zap.Error(err))
			continue
		}
		if alert == nil || alert.Status.Terminal() {
			continue
		}
		alerts = append(alerts, alert)
	}
	if len(alerts) == 0 {
		return
	}

	incident, created, err := c.aggregator.CreateOrExtendIncident(ctx, rc, alerts)
	if err != nil {
		c.logger.Error("Incident rollup failed",
			zap.String("rule_id", rc.RuleID),
			zap.Error(err))
		return
	}
	if created {
		c.notifyIncident(ctx, incident, alerts)
	}
}

// closeSessionAlerts resolves the session alert behind each distinct
// fingerprint in a closed session group
func (c *Correlator) closeSessionAlerts(ctx context.Context, group []rule.Fielder) {
	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(group))
	for _, f := range group {
		event, ok := f.(*model.Event)
		if !ok {
			continue
		}
		fp := fingerprint.FromEvent(event)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}

		alert, err := c.aggregator.CloseSessionAlert(ctx, fp, now)
		if err != nil {
			c.logger.Error("Failed to close session alert",
				zap.String("fingerprint", fp),
				zap.Error(err))
			continue
		}
		if alert != nil {
			c.cancelAlertSideEffects(ctx, alert)
		}
	}
}

// notifyAlert routes one alert through assignment and shield, records
// the directive, and dispatches it unless suppressed. Assignment also
// moves a fresh alert from unassigned to pending.
func (c *Correlator) notifyAlert(ctx context.Context, alert *model.Alert, kind model.NotificationKind) *Resolution {
	resolution := c.assigner.Resolve(alert)
	if resolution == nil {
		c.logger.Debug("No assignment policy matched",
			zap.String("alert_id", alert.AlertID))
		return nil
	}

	now := time.Now().UTC()
	if alert.Status == model.AlertStatusUnassigned {
		alert.Status = model.AlertStatusPending
		alert.UpdatedAt = now
		if err := c.store.UpdateAlert(ctx, alert); err != nil {
			c.logger.Error("Failed to mark alert assigned",
				zap.String("alert_id", alert.AlertID),
				zap.Error(err))
		}
	}

	suppressed, shieldID := c.shielder.Suppressed(alert, now)
	directive := &model.NotificationDirective{
		DirectiveID: "NTF-" + uuid.New().String(),
		AlertID:     alert.AlertID,
		Recipients:  resolution.Recipients,
		Channels:    resolution.Channels,
		Message:     fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
		Suppressed:  suppressed,
		Kind:        kind,
		Status:      model.NotificationStatusPending,
		CreatedAt:   now,
	}

	c.record(ctx, directive)
	if suppressed {
		c.logger.Info("Notification suppressed by shield",
			zap.String("alert_id", alert.AlertID),
			zap.String("shield_id", shieldID))
		return resolution
	}

	if kind == model.NotificationKindInitial {
		if err := c.reminders.Seed(ctx, alert.AlertID, resolution.Frequency, now); err != nil {
			c.logger.Error("Failed to seed reminder task",
				zap.String("alert_id", alert.AlertID),
				zap.Error(err))
		}
	}
	return resolution
}

// notifyIncident routes a new incident using the first member alert
// that resolves to a policy
func (c *Correlator) notifyIncident(ctx context.Context, incident *model.Incident, alerts []*model.Alert) {
	var resolution *Resolution
	var routed *model.Alert
	for _, alert := range alerts {
		if r := c.assigner.Resolve(alert); r != nil {
			resolution = r
			routed = alert
			break
		}
	}
	if resolution == nil {
		c.logger.Debug("No assignment policy matched incident members",
			zap.String("incident_id", incident.IncidentID))
		return
	}

	now := time.Now().UTC()
	suppressed, _ := c.shielder.Suppressed(routed, now)
	directive := &model.NotificationDirective{
		DirectiveID: "NTF-" + uuid.New().String(),
		IncidentID:  incident.IncidentID,
		Recipients:  resolution.Recipients,
		Channels:    resolution.Channels,
		Message:     fmt.Sprintf("[%s] %s", incident.Level, incident.Title),
		Suppressed:  suppressed,
		Kind:        model.NotificationKindIncident,
		Status:      model.NotificationStatusPending,
		CreatedAt:   now,
	}
	c.record(ctx, directive)
}

// record persists a directive and hands it to the dispatcher unless
// suppressed. Suppressed directives stay on file for audit.
func (c *Correlator) record(ctx context.Context, directive *model.NotificationDirective) {
	if err := c.store.SaveDirective(ctx, directive); err != nil {
		c.logger.Error("Failed to save directive",
			zap.String("directive_id", directive.DirectiveID),
			zap.Error(err))
		return
	}
	metrics.Notifications.WithLabelValues(string(directive.Kind), fmt.Sprintf("%t", directive.Suppressed)).Inc()
	if directive.Suppressed {
		return
	}

	if err := c.dispatcher.Dispatch(ctx, directive); err != nil {
		c.logger.Error("Failed to dispatch directive",
			zap.String("directive_id", directive.DirectiveID),
			zap.Error(err))
		return
	}
	if err := c.store.UpdateDirectiveStatus(ctx, directive.DirectiveID, model.NotificationStatusPublished); err != nil {
		c.logger.Error("Failed to mark directive published",
			zap.String("directive_id", directive.DirectiveID),
			zap.Error(err))
	}
}

// cancelAlertSideEffects stops reminders, pending directives, and any
// session window tracking a terminal alert. Idempotent.
func (c *Correlator) cancelAlertSideEffects(ctx context.Context, alert *model.Alert) {
	if err := c.reminders.Deactivate(ctx, alert.AlertID); err != nil {
		c.logger.Error("Failed to deactivate reminder",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err))
	}
	if _, err := c.store.CancelPendingDirectives(ctx, alert.AlertID); err != nil {
		c.logger.Error("Failed to cancel pending directives",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err))
	}
	c.windows.CloseSessionsByKey(ctx, alert.Fingerprint)
}

// LoadAggregationRules configures how new alerts are shaped from events
func (c *Correlator) LoadAggregationRules(configs []*model.AggregationRule) error {
	return c.aggregator.LoadAggregationRules(configs)
}

// AcknowledgeAlert moves an alert to processing on behalf of an operator
func (c *Correlator) AcknowledgeAlert(ctx context.Context, alertID, operator string) (*model.Alert, error) {
	return c.aggregator.Acknowledge(ctx, alertID, operator)
}

// ConfirmSessionAlert confirms a session alert on behalf of an operator
func (c *Correlator) ConfirmSessionAlert(ctx context.Context, alertID, operator string) (*model.Alert, error) {
	return c.aggregator.ConfirmSession(ctx, alertID, operator)
}

// ResolveAlert resolves an alert manually and cancels its side effects
func (c *Correlator) ResolveAlert(ctx context.Context, alertID, operator string) (*model.Alert, error) {
	alert, err := c.aggregator.ResolveAlert(ctx, alertID, operator)
	if err != nil {
		return nil, err
	}
	c.cancelAlertSideEffects(ctx, alert)
	return alert, nil
}

// CloseAlert closes an alert manually and cancels its side effects
func (c *Correlator) CloseAlert(ctx context.Context, alertID, operator string) (*model.Alert, error) {
	alert, err := c.aggregator.CloseAlert(ctx, alertID, operator)
	if err != nil {
		return nil, err
	}
	c.cancelAlertSideEffects(ctx, alert)
	return alert, nil
}

// CloseIncident closes an incident manually. Member alerts keep their
// own lifecycle.
func (c *Correlator) CloseIncident(ctx context.Context, incidentID, operator string) (*model.Incident, error) {
	return c.aggregator.CloseIncident(ctx, incidentID, operator)
}

// Tick evaluates sliding windows whose slide interval elapsed and
// fixed windows whose boundary passed
func (c *Correlator) Tick(ctx context.Context, now time.Time) {
	c.windows.Tick(ctx, c.evaluator.Rules(), now)
}

// Reap closes session windows idle past their timeout
func (c *Correlator) Reap(ctx context.Context, now time.Time) {
	c.windows.Reap(ctx, c.evaluator.Rules(), now)
}

// SweepReminders fires due reminder notifications
func (c *Correlator) SweepReminders(ctx context.Context, now time.Time) error {
	return c.reminders.Sweep(ctx, now, func(ctx context.Context, alert *model.Alert) (model.NotificationFrequency, bool) {
		resolution := c.notifyAlert(ctx, alert, model.NotificationKindReminder)
		if resolution == nil {
			return model.NotificationFrequency{}, false
		}
		return resolution.Frequency, true
	})
}
