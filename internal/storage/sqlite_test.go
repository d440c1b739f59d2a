package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	store, err := NewSQLiteStore(logger, filepath.Join(t.TempDir(), "correlation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_EventRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	value := 91.2
	event := &model.Event{
		EventID:      "EVENT-1",
		SourceID:     "zabbix",
		Title:        "disk usage high",
		Level:        model.LevelCritical,
		StartTime:    time.Now().UTC().Truncate(time.Second),
		Labels:       map[string]string{"env": "prod"},
		ResourceID:   "host-1",
		Action:       model.EventActionCreated,
		Status:       model.EventStatusReceived,
		Value:        &value,
		GroupByField: "resource_id",
		GroupByValue: "host-1",
		ReceivedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SaveEvent(ctx, event))

	got, err := store.GetEvent(ctx, "EVENT-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, event.Title, got.Title)
	require.Equal(t, event.Labels, got.Labels)
	require.NotNil(t, got.Value)
	require.Equal(t, value, *got.Value)

	// Unknown ids come back nil, not an error
	missing, err := store.GetEvent(ctx, "EVENT-nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	// Duplicate event ids are rejected by the primary key
	require.Error(t, store.SaveEvent(ctx, event))
}

func TestSQLiteStore_OpenAlertByFingerprint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	closed := &model.Alert{
		AlertID:        "ALERT-1",
		Fingerprint:    "fp-1",
		Status:         model.AlertStatusClosed,
		Level:          model.LevelWarning,
		Title:          "old alert",
		FirstEventTime: now.Add(-2 * time.Hour),
		LastEventTime:  now.Add(-1 * time.Hour),
		CreatedAt:      now.Add(-2 * time.Hour),
		UpdatedAt:      now.Add(-1 * time.Hour),
	}
	open := &model.Alert{
		AlertID:        "ALERT-2",
		Fingerprint:    "fp-1",
		Status:         model.AlertStatusPending,
		Level:          model.LevelError,
		Title:          "current alert",
		Operator:       []string{"alice"},
		FirstEventTime: now,
		LastEventTime:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.SaveAlert(ctx, closed))
	require.NoError(t, store.SaveAlert(ctx, open))

	got, err := store.GetOpenAlertByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "ALERT-2", got.AlertID)
	require.Equal(t, []string{"alice"}, got.Operator)

	// Terminal alerts are invisible to the open lookup
	open.Status = model.AlertStatusResolved
	open.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, store.UpdateAlert(ctx, open))

	gone, err := store.GetOpenAlertByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestSQLiteStore_AlertEventLinks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.LinkAlertEvent(ctx, "ALERT-1", "EVENT-1"))
	require.NoError(t, store.LinkAlertEvent(ctx, "ALERT-1", "EVENT-2"))
	// Re-linking is idempotent
	require.NoError(t, store.LinkAlertEvent(ctx, "ALERT-1", "EVENT-1"))

	ids, err := store.ListAlertEventIDs(ctx, "ALERT-1")
	require.NoError(t, err)
	require.Len(t, ids, 2)
}

func TestSQLiteStore_IncidentLookupByAlerts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	incident := &model.Incident{
		IncidentID: "INCIDENT-1",
		Status:     model.IncidentStatusPending,
		Level:      model.LevelCritical,
		Title:      "database outage",
		AlertCount: 2,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.SaveIncident(ctx, incident))
	require.NoError(t, store.LinkIncidentAlert(ctx, "INCIDENT-1", "ALERT-1"))
	require.NoError(t, store.LinkIncidentAlert(ctx, "INCIDENT-1", "ALERT-2"))

	got, err := store.GetOpenIncidentByAlertIDs(ctx, []string{"ALERT-2", "ALERT-9"})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "INCIDENT-1", got.IncidentID)

	none, err := store.GetOpenIncidentByAlertIDs(ctx, []string{"ALERT-9"})
	require.NoError(t, err)
	require.Nil(t, none)

	incident.Status = model.IncidentStatusClosed
	incident.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, store.UpdateIncident(ctx, incident))

	closed, err := store.GetOpenIncidentByAlertIDs(ctx, []string{"ALERT-1"})
	require.NoError(t, err)
	require.Nil(t, closed)
}

func TestSQLiteStore_SessionWindows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	window := &model.SessionWindow{
		SessionID:      "SESSION-1",
		SessionKey:     "key-1",
		RuleID:         "rule-1",
		SessionStart:   now,
		LastActivity:   now,
		SessionTimeout: time.Minute,
		IsActive:       true,
		EventIDs:       []string{"EVENT-1"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.SaveSessionWindow(ctx, window))

	got, err := store.GetActiveSessionWindow(ctx, "key-1", "rule-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, time.Minute, got.SessionTimeout)
	require.Equal(t, []string{"EVENT-1"}, got.EventIDs)

	// Not expired within the timeout, expired past it
	expired, err := store.ListExpiredSessionWindows(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	require.Empty(t, expired)

	expired, err = store.ListExpiredSessionWindows(ctx, now.Add(61*time.Second))
	require.NoError(t, err)
	require.Len(t, expired, 1)

	n, err := store.DeactivateSessionWindowsByKey(ctx, "key-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	gone, err := store.GetActiveSessionWindow(ctx, "key-1", "rule-1")
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestSQLiteStore_ReminderTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	task := &model.AlertReminderTask{
		AlertID:                 "ALERT-1",
		IsActive:                true,
		CurrentFrequencyMinutes: 30,
		CurrentMaxReminders:     5,
		NextReminderTime:        now.Add(30 * time.Minute),
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	require.NoError(t, store.SaveReminderTask(ctx, task))

	due, err := store.ListDueReminderTasks(ctx, now)
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = store.ListDueReminderTasks(ctx, now.Add(31*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "ALERT-1", due[0].AlertID)

	require.NoError(t, store.DeactivateReminderTask(ctx, "ALERT-1"))
	due, err = store.ListDueReminderTasks(ctx, now.Add(31*time.Minute))
	require.NoError(t, err)
	require.Empty(t, due)

	got, err := store.GetReminderTask(ctx, "ALERT-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.False(t, got.IsActive)
}

func TestSQLiteStore_Directives(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	directive := &model.NotificationDirective{
		DirectiveID: "DIRECTIVE-1",
		AlertID:     "ALERT-1",
		Recipients:  []string{"alice"},
		Channels:    []string{"email"},
		Message:     "disk usage high",
		Kind:        model.NotificationKindInitial,
		Status:      model.NotificationStatusPending,
		CreatedAt:   now,
	}
	require.NoError(t, store.SaveDirective(ctx, directive))

	n, err := store.CancelPendingDirectives(ctx, "ALERT-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Second cancellation is an idempotent no-op
	n, err = store.CancelPendingDirectives(ctx, "ALERT-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestSQLiteStore_StuckCollectorTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	running := &model.CollectorTask{
		TaskID:    "TASK-1",
		SourceID:  "zabbix",
		Status:    model.CollectorTaskStatusRunning,
		StartedAt: now.Add(-10 * time.Minute),
		UpdatedAt: now.Add(-10 * time.Minute),
		Timeout:   5 * time.Minute,
	}
	fresh := &model.CollectorTask{
		TaskID:    "TASK-2",
		SourceID:  "zabbix",
		Status:    model.CollectorTaskStatusRunning,
		StartedAt: now.Add(-time.Minute),
		UpdatedAt: now.Add(-time.Minute),
		Timeout:   5 * time.Minute,
	}
	require.NoError(t, store.SaveCollectorTask(ctx, running))
	require.NoError(t, store.SaveCollectorTask(ctx, fresh))

	stuck, err := store.ListStuckCollectorTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, "TASK-1", stuck[0].TaskID)
}
