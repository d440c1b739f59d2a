package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/fingerprint"
	"github.com/t77yq/alert-correlation/internal/model"
	"github.com/t77yq/alert-correlation/internal/storage"
)

func mustFingerprint(host string) string {
	return fingerprint.Compute("host", host)
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	store, err := storage.NewSQLiteStore(logger, filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testEvent(id, host string, level model.Level, at time.Time) *model.Event {
	return &model.Event{
		EventID:      id,
		SourceID:     "zabbix",
		Title:        "disk full on " + host,
		Level:        level,
		StartTime:    at,
		Action:       model.EventActionCreated,
		Status:       model.EventStatusReceived,
		GroupByField: "host",
		GroupByValue: host,
		ReceivedAt:   at,
	}
}

func TestAggregator_MergeInvariant(t *testing.T) {
	store := newTestStore(t)
	logger, _ := zap.NewDevelopment()
	agg := NewAggregator(logger, store)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	alert, created, err := agg.ProcessEvent(ctx, testEvent("E1", "web-1", model.LevelWarning, base))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, model.AlertStatusUnassigned, alert.Status)
	require.Equal(t, 1, alert.EventCount)

	// Same fingerprint merges rather than opening a second alert
	merged, created, err := agg.ProcessEvent(ctx, testEvent("E2", "web-1", model.LevelCritical, base.Add(time.Minute)))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, alert.AlertID, merged.AlertID)
	require.Equal(t, 2, merged.EventCount)
	require.Equal(t, model.LevelCritical, merged.Level)
	require.Equal(t, base.Add(time.Minute), merged.LastEventTime)

	// A late event counts and can escalate but never rewinds last_event_time
	late, _, err := agg.ProcessEvent(ctx, testEvent("E3", "web-1", model.LevelInfo, base.Add(-time.Hour)))
	require.NoError(t, err)
	require.Equal(t, 3, late.EventCount)
	require.Equal(t, model.LevelCritical, late.Level)
	require.Equal(t, base.Add(time.Minute), late.LastEventTime)

	// A different fingerprint gets its own alert
	other, created, err := agg.ProcessEvent(ctx, testEvent("E4", "web-2", model.LevelWarning, base))
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, alert.AlertID, other.AlertID)

	ids, err := store.ListAlertEventIDs(ctx, alert.AlertID)
	require.NoError(t, err)
	require.Len(t, ids, 3)
}

func TestAggregator_DuplicateEventDelivery(t *testing.T) {
	store := newTestStore(t)
	logger, _ := zap.NewDevelopment()
	agg := NewAggregator(logger, store)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, _, err := agg.ProcessEvent(ctx, testEvent("E1", "web-1", model.LevelWarning, base))
	require.NoError(t, err)

	_, _, err = agg.ProcessEvent(ctx, testEvent("E1", "web-1", model.LevelWarning, base))
	require.ErrorIs(t, err, ErrDuplicateEvent)

	alert, err := store.GetOpenAlertByFingerprint(ctx, mustFingerprint("web-1"))
	require.NoError(t, err)
	require.Equal(t, 1, alert.EventCount)
}

func TestAggregator_CloseEventResolvesAndNeverReopens(t *testing.T) {
	store := newTestStore(t)
	logger, _ := zap.NewDevelopment()
	agg := NewAggregator(logger, store)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	opened, _, err := agg.ProcessEvent(ctx, testEvent("E1", "web-1", model.LevelError, base))
	require.NoError(t, err)

	closer := testEvent("E2", "web-1", model.LevelError, base.Add(time.Minute))
	closer.Action = model.EventActionClosed
	resolved, created, err := agg.ProcessEvent(ctx, closer)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, opened.AlertID, resolved.AlertID)
	require.Equal(t, model.AlertStatusResolved, resolved.Status)

	// The terminal alert never reopens; a fresh occurrence starts over
	reopened, created, err := agg.ProcessEvent(ctx, testEvent("E3", "web-1", model.LevelError, base.Add(2*time.Minute)))
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, opened.AlertID, reopened.AlertID)
	require.Equal(t, 1, reopened.EventCount)

	// A close without any open alert is a quiet no-op
	orphan := testEvent("E4", "db-9", model.LevelError, base)
	orphan.Action = model.EventActionClosed
	none, _, err := agg.ProcessEvent(ctx, orphan)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestAggregator_ManualTransitions(t *testing.T) {
	store := newTestStore(t)
	logger, _ := zap.NewDevelopment()
	agg := NewAggregator(logger, store)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	alert, _, err := agg.ProcessEvent(ctx, testEvent("E1", "web-1", model.LevelError, base))
	require.NoError(t, err)

	acked, err := agg.Acknowledge(ctx, alert.AlertID, "alice")
	require.NoError(t, err)
	require.Equal(t, model.AlertStatusProcessing, acked.Status)
	require.Equal(t, []string{"alice"}, acked.Operator)

	closed, err := agg.CloseAlert(ctx, alert.AlertID, "alice")
	require.NoError(t, err)
	require.Equal(t, model.AlertStatusClosed, closed.Status)

	// Closing twice is idempotent; other transitions on a terminal
	// alert are rejected
	again, err := agg.CloseAlert(ctx, alert.AlertID, "bob")
	require.NoError(t, err)
	require.Equal(t, model.AlertStatusClosed, again.Status)

	_, err = agg.Acknowledge(ctx, alert.AlertID, "bob")
	require.ErrorIs(t, err, ErrAlertTerminal)

	_, err = agg.Acknowledge(ctx, "ALERT-missing", "bob")
	require.ErrorIs(t, err, ErrAlertNotFound)
}

func TestAggregator_IncidentCreateAndExtend(t *testing.T) {
	store := newTestStore(t)
	logger, _ := zap.NewDevelopment()
	agg := NewAggregator(logger, store)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a1, _, err := agg.ProcessEvent(ctx, testEvent("E1", "web-1", model.LevelWarning, base))
	require.NoError(t, err)
	a2, _, err := agg.ProcessEvent(ctx, testEvent("E2", "web-2", model.LevelError, base))
	require.NoError(t, err)
	a3, _, err := agg.ProcessEvent(ctx, testEvent("E3", "web-3", model.LevelCritical, base))
	require.NoError(t, err)

	rc := &model.CorrelationRule{RuleID: "rule-incident", Name: "web outage", RuleType: model.RuleTypeAlert}

	incident, created, err := agg.CreateOrExtendIncident(ctx, rc, []*model.Alert{a1, a2})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, 2, incident.AlertCount)
	require.Equal(t, model.LevelError, incident.Level)

	// Overlapping group extends the open incident instead of creating
	// another, and linking stays idempotent
	extended, created, err := agg.CreateOrExtendIncident(ctx, rc, []*model.Alert{a2, a3})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, incident.IncidentID, extended.IncidentID)
	require.Equal(t, 3, extended.AlertCount)
	require.Equal(t, model.LevelCritical, extended.Level)

	ids, err := store.ListIncidentAlertIDs(ctx, incident.IncidentID)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	// Once closed the incident never extends; a new group opens a new one
	_, err = agg.CloseIncident(ctx, incident.IncidentID, "alice")
	require.NoError(t, err)

	fresh, created, err := agg.CreateOrExtendIncident(ctx, rc, []*model.Alert{a2, a3})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, incident.IncidentID, fresh.IncidentID)
}

func TestAggregator_AggregationRuleShapesNewAlert(t *testing.T) {
	store := newTestStore(t)
	logger, _ := zap.NewDevelopment()
	agg := NewAggregator(logger, store)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	err := agg.LoadAggregationRules([]*model.AggregationRule{
		{
			RuleID:    "disk-pressure",
			Condition: []byte(`[{"op":"eq","field":"item","value":"disk_usage"}]`),
			Severity:  model.LevelCritical,
			Template:  "Disk pressure on {resource_name} ({group_by_value})",
			IsActive:  true,
		},
		{
			RuleID:   "inactive",
			Severity: model.LevelInfo,
			IsActive: false,
		},
	})
	require.NoError(t, err)

	event := testEvent("E1", "web-1", model.LevelWarning, base)
	event.Item = "disk_usage"
	event.ResourceName = "web-1.prod"

	alert, created, err := agg.ProcessEvent(ctx, event)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, model.LevelCritical, alert.Level)
	require.Equal(t, "Disk pressure on web-1.prod (web-1)", alert.Title)

	// Non-matching events keep their own title and level
	other := testEvent("E2", "web-2", model.LevelWarning, base)
	plain, created, err := agg.ProcessEvent(ctx, other)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, model.LevelWarning, plain.Level)
	require.Equal(t, other.Title, plain.Title)

	// Merges never re-shape an existing alert
	follow := testEvent("E3", "web-1", model.LevelError, base.Add(2*time.Minute))
	follow.Item = "disk_usage"
	merged, created, err := agg.ProcessEvent(ctx, follow)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, model.LevelCritical, merged.Level)
}

// hookStore intercepts GetAlert so tests can interleave a writer
// between an alert lookup and the shard-locked write that follows it.
type hookStore struct {
	storage.Store
	onGetAlert func(alertID string)
}

func (s *hookStore) GetAlert(ctx context.Context, alertID string) (*model.Alert, error) {
	if s.onGetAlert != nil {
		s.onGetAlert(alertID)
	}
	return s.Store.GetAlert(ctx, alertID)
}

func TestAggregator_ConcurrentCloseWinsOverManualTransition(t *testing.T) {
	store := newTestStore(t)
	logger, _ := zap.NewDevelopment()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	hooked := &hookStore{Store: store}
	agg := NewAggregator(logger, hooked)

	alert, created, err := agg.ProcessEvent(ctx, testEvent("E1", "web-1", model.LevelWarning, base))
	require.NoError(t, err)
	require.True(t, created)

	// Resolve the alert via a close event in the gap between
	// Acknowledge's lookup and its shard lock
	var once sync.Once
	hooked.onGetAlert = func(string) {
		once.Do(func() {
			closing := testEvent("E2", "web-1", model.LevelWarning, base.Add(time.Minute))
			closing.Action = model.EventActionClosed
			_, _, err := agg.ProcessEvent(ctx, closing)
			require.NoError(t, err)
		})
	}

	_, err = agg.Acknowledge(ctx, alert.AlertID, "oncall")
	require.ErrorIs(t, err, ErrAlertTerminal)

	stored, err := store.GetAlert(ctx, alert.AlertID)
	require.NoError(t, err)
	require.Equal(t, model.AlertStatusResolved, stored.Status)

	// ConfirmSession takes the same path and must also observe the
	// terminal status
	_, err = agg.ConfirmSession(ctx, alert.AlertID, "oncall")
	require.ErrorIs(t, err, ErrAlertTerminal)
}
