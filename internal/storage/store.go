// Package storage persists correlation state. Entities are stored as an
// arena keyed by generated IDs; alert<->event and incident<->alert
// membership lives in join tables, never as back-pointers on the
// entities themselves.
package storage

import (
	"context"
	"time"

	"github.com/t77yq/alert-correlation/internal/model"
)

// Store defines durable state access for the correlation engine.
// Lookup methods return (nil, nil) when no record exists.
type Store interface {
	// Events
	SaveEvent(ctx context.Context, event *model.Event) error
	GetEvent(ctx context.Context, eventID string) (*model.Event, error)
	UpdateEventStatus(ctx context.Context, eventID string, status model.EventStatus, endTime *time.Time) error

	// Alerts
	SaveAlert(ctx context.Context, alert *model.Alert) error
	UpdateAlert(ctx context.Context, alert *model.Alert) error
	GetAlert(ctx context.Context, alertID string) (*model.Alert, error)
	GetOpenAlertByFingerprint(ctx context.Context, fingerprint string) (*model.Alert, error)
	LinkAlertEvent(ctx context.Context, alertID, eventID string) error
	ListAlertEventIDs(ctx context.Context, alertID string) ([]string, error)

	// Incidents
	SaveIncident(ctx context.Context, incident *model.Incident) error
	UpdateIncident(ctx context.Context, incident *model.Incident) error
	GetIncident(ctx context.Context, incidentID string) (*model.Incident, error)
	GetOpenIncidentByAlertIDs(ctx context.Context, alertIDs []string) (*model.Incident, error)
	LinkIncidentAlert(ctx context.Context, incidentID, alertID string) error
	ListIncidentAlertIDs(ctx context.Context, incidentID string) ([]string, error)

	// Session windows
	SaveSessionWindow(ctx context.Context, window *model.SessionWindow) error
	UpdateSessionWindow(ctx context.Context, window *model.SessionWindow) error
	GetActiveSessionWindow(ctx context.Context, sessionKey, ruleID string) (*model.SessionWindow, error)
	ListExpiredSessionWindows(ctx context.Context, now time.Time) ([]*model.SessionWindow, error)
	DeactivateSessionWindowsByKey(ctx context.Context, sessionKey string) (int64, error)

	// Reminder tasks
	SaveReminderTask(ctx context.Context, task *model.AlertReminderTask) error
	UpdateReminderTask(ctx context.Context, task *model.AlertReminderTask) error
	GetReminderTask(ctx context.Context, alertID string) (*model.AlertReminderTask, error)
	ListDueReminderTasks(ctx context.Context, now time.Time) ([]*model.AlertReminderTask, error)
	DeactivateReminderTask(ctx context.Context, alertID string) error

	// Notification directives (audit trail)
	SaveDirective(ctx context.Context, directive *model.NotificationDirective) error
	UpdateDirectiveStatus(ctx context.Context, directiveID string, status model.NotificationStatus) error
	ListDirectivesByAlert(ctx context.Context, alertID string) ([]*model.NotificationDirective, error)
	CancelPendingDirectives(ctx context.Context, alertID string) (int64, error)

	// Collector tasks
	SaveCollectorTask(ctx context.Context, task *model.CollectorTask) error
	UpdateCollectorTask(ctx context.Context, task *model.CollectorTask) error
	ListStuckCollectorTasks(ctx context.Context, now time.Time) ([]*model.CollectorTask, error)

	Close() error
}
