package window

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/model"
	"github.com/t77yq/alert-correlation/internal/storage"
)

type emission struct {
	ruleID string
	key    string
	ids    []string
	closed bool
}

type recorder struct {
	mu        sync.Mutex
	emissions []emission
}

func (r *recorder) emit(config *model.CorrelationRule, key string, items []Item, closed bool) {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	r.mu.Lock()
	r.emissions = append(r.emissions, emission{ruleID: config.RuleID, key: key, ids: ids, closed: closed})
	r.mu.Unlock()
}

func (r *recorder) all() []emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emission{}, r.emissions...)
}

func newTestManager(t *testing.T) (*Manager, *recorder, storage.Store) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	store, err := storage.NewSQLiteStore(logger, filepath.Join(t.TempDir(), "windows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := &recorder{}
	return NewManager(logger, store, rec.emit), rec, store
}

func item(id string, at time.Time) Item {
	return Item{ID: id, At: at, Payload: &model.Event{EventID: id, StartTime: at}}
}

func TestSessionWindow_GapBoundaries(t *testing.T) {
	manager, rec, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	config := &model.CorrelationRule{
		RuleID:         "rule-session",
		WindowType:     model.WindowTypeSession,
		SessionTimeout: 60 * time.Second,
		IsActive:       true,
	}
	rules := []*model.CorrelationRule{config}

	// E1 at t=0 and E2 at t=30s share a window (gap 30s < 60s)
	require.NoError(t, manager.Enroll(ctx, config, "R1", item("E1", base), base))
	require.NoError(t, manager.Enroll(ctx, config, "R1", item("E2", base.Add(30*time.Second)), base.Add(30*time.Second)))

	// Arrival just inside the timeout extends the window
	almost := base.Add(30 * time.Second).Add(60*time.Second - time.Millisecond)
	require.NoError(t, manager.Enroll(ctx, config, "R1", item("E2b", almost), almost))
	require.Empty(t, rec.all())

	// E3 past the timeout closes the first window and opens a second
	late := almost.Add(60*time.Second + time.Millisecond)
	require.NoError(t, manager.Enroll(ctx, config, "R1", item("E3", late), late))

	emissions := rec.all()
	require.Len(t, emissions, 1)
	require.True(t, emissions[0].closed)
	require.Equal(t, []string{"E1", "E2", "E2b"}, emissions[0].ids)

	// Reap after the second window idles out: exactly one more evaluation
	manager.Reap(ctx, rules, late.Add(2*time.Minute))
	emissions = rec.all()
	require.Len(t, emissions, 2)
	require.Equal(t, []string{"E3"}, emissions[1].ids)

	// A second sweep finds nothing; closure is never duplicated
	manager.Reap(ctx, rules, late.Add(4*time.Minute))
	require.Len(t, rec.all(), 2)
}

func TestSessionWindow_ThreeEventScenario(t *testing.T) {
	manager, rec, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	config := &model.CorrelationRule{
		RuleID:         "rule-session",
		WindowType:     model.WindowTypeSession,
		SessionTimeout: 60 * time.Second,
		IsActive:       true,
	}

	// E1(t=0), E2(t=30s) merge; E3(t=200s) starts a new window
	require.NoError(t, manager.Enroll(ctx, config, "R1", item("E1", base), base))
	require.NoError(t, manager.Enroll(ctx, config, "R1", item("E2", base.Add(30*time.Second)), base.Add(30*time.Second)))
	require.NoError(t, manager.Enroll(ctx, config, "R1", item("E3", base.Add(200*time.Second)), base.Add(200*time.Second)))

	manager.Reap(ctx, []*model.CorrelationRule{config}, base.Add(10*time.Minute))

	emissions := rec.all()
	require.Len(t, emissions, 2)
	require.Equal(t, []string{"E1", "E2"}, emissions[0].ids)
	require.Equal(t, []string{"E3"}, emissions[1].ids)
}

func TestSessionWindow_MaxSizeForceClose(t *testing.T) {
	manager, rec, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	config := &model.CorrelationRule{
		RuleID:         "rule-session",
		WindowType:     model.WindowTypeSession,
		SessionTimeout: time.Hour,
		MaxWindowSize:  3,
		IsActive:       true,
	}

	for i, id := range []string{"E1", "E2", "E3"} {
		at := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, manager.Enroll(ctx, config, "R1", item(id, at), at))
	}

	emissions := rec.all()
	require.Len(t, emissions, 1)
	require.True(t, emissions[0].closed)
	require.Equal(t, []string{"E1", "E2", "E3"}, emissions[0].ids)

	// Sustained traffic keeps opening fresh capped windows
	at := base.Add(10 * time.Second)
	require.NoError(t, manager.Enroll(ctx, config, "R1", item("E4", at), at))
	require.Len(t, rec.all(), 1)
}

func TestSessionWindow_SurvivesRestart(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store, err := storage.NewSQLiteStore(logger, filepath.Join(t.TempDir(), "windows.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	config := &model.CorrelationRule{
		RuleID:         "rule-session",
		WindowType:     model.WindowTypeSession,
		SessionTimeout: 60 * time.Second,
		IsActive:       true,
	}

	first := NewManager(logger, store, (&recorder{}).emit)
	require.NoError(t, first.Enroll(ctx, config, "R1", item("E1", base), base))

	// A new manager over the same store picks up the persisted window
	// and extends it instead of opening a duplicate.
	rec := &recorder{}
	second := NewManager(logger, store, rec.emit)
	require.NoError(t, second.Enroll(ctx, config, "R1", item("E2", base.Add(30*time.Second)), base.Add(30*time.Second)))

	window, err := store.GetActiveSessionWindow(ctx, "R1", "rule-session")
	require.NoError(t, err)
	require.NotNil(t, window)
	require.Equal(t, []string{"E1", "E2"}, window.EventIDs)

	second.Reap(ctx, []*model.CorrelationRule{config}, base.Add(5*time.Minute))
	emissions := rec.all()
	require.Len(t, emissions, 1)
	require.True(t, emissions[0].closed)
}

func TestFixedWindow_HourAlignment(t *testing.T) {
	manager, rec, _ := newTestManager(t)
	ctx := context.Background()

	config := &model.CorrelationRule{
		RuleID:     "rule-fixed",
		WindowType: model.WindowTypeFixed,
		WindowSize: time.Hour,
		Alignment:  model.AlignmentHour,
		IsActive:   true,
	}
	rules := []*model.CorrelationRule{config}

	at1058 := time.Date(2025, 6, 1, 10, 58, 0, 0, time.UTC)
	at1102 := time.Date(2025, 6, 1, 11, 2, 0, 0, time.UTC)
	require.NoError(t, manager.Enroll(ctx, config, "R1", item("E1", at1058), at1058))
	require.NoError(t, manager.Enroll(ctx, config, "R1", item("E2", at1102), at1102))

	// Nothing closes before the 11:00 boundary has fully passed
	manager.Tick(ctx, rules, time.Date(2025, 6, 1, 10, 59, 0, 0, time.UTC))
	require.Empty(t, rec.all())

	// The 10:00-11:00 window closes alone
	manager.Tick(ctx, rules, time.Date(2025, 6, 1, 11, 0, 1, 0, time.UTC))
	emissions := rec.all()
	require.Len(t, emissions, 1)
	require.Equal(t, []string{"E1"}, emissions[0].ids)
	require.True(t, emissions[0].closed)

	// The 11:00-12:00 window closes at the next boundary
	manager.Tick(ctx, rules, time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC))
	emissions = rec.all()
	require.Len(t, emissions, 2)
	require.Equal(t, []string{"E2"}, emissions[1].ids)
}

func TestFixedWindow_LateItemStartsNewInstance(t *testing.T) {
	manager, rec, _ := newTestManager(t)
	ctx := context.Background()

	config := &model.CorrelationRule{
		RuleID:     "rule-fixed",
		WindowType: model.WindowTypeFixed,
		WindowSize: time.Hour,
		Alignment:  model.AlignmentHour,
		IsActive:   true,
	}
	rules := []*model.CorrelationRule{config}

	at1030 := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	require.NoError(t, manager.Enroll(ctx, config, "R1", item("E1", at1030), at1030))
	manager.Tick(ctx, rules, time.Date(2025, 6, 1, 11, 0, 1, 0, time.UTC))
	require.Len(t, rec.all(), 1)

	// A straggler for the already-closed 10:00 window lands in a fresh
	// instance and is evaluated separately at the next tick.
	at1045 := time.Date(2025, 6, 1, 10, 45, 0, 0, time.UTC)
	require.NoError(t, manager.Enroll(ctx, config, "R1", item("E2", at1045), at1045))
	manager.Tick(ctx, rules, time.Date(2025, 6, 1, 11, 5, 0, 0, time.UTC))

	emissions := rec.all()
	require.Len(t, emissions, 2)
	require.Equal(t, []string{"E2"}, emissions[1].ids)
}

func TestSlidingWindow_TickAndAgeOut(t *testing.T) {
	manager, rec, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	config := &model.CorrelationRule{
		RuleID:        "rule-sliding",
		WindowType:    model.WindowTypeSliding,
		WindowSize:    10 * time.Minute,
		SlideInterval: time.Minute,
		IsActive:      true,
	}
	rules := []*model.CorrelationRule{config}

	require.NoError(t, manager.Enroll(ctx, config, "R1", item("E1", base), base))
	require.NoError(t, manager.Enroll(ctx, config, "R1", item("E2", base.Add(5*time.Minute)), base.Add(5*time.Minute)))

	// Tick within the window size sees both items, without closing
	manager.Tick(ctx, rules, base.Add(6*time.Minute))
	emissions := rec.all()
	require.Len(t, emissions, 1)
	require.False(t, emissions[0].closed)
	require.Equal(t, []string{"E1", "E2"}, emissions[0].ids)

	// Ticks inside the slide interval do not re-evaluate
	manager.Tick(ctx, rules, base.Add(6*time.Minute+10*time.Second))
	require.Len(t, rec.all(), 1)

	// E1 ages out once it is older than window_size at evaluation time
	manager.Tick(ctx, rules, base.Add(11*time.Minute))
	emissions = rec.all()
	require.Len(t, emissions, 2)
	require.Equal(t, []string{"E2"}, emissions[1].ids)

	// Once everything has aged out the window disappears quietly
	manager.Tick(ctx, rules, base.Add(30*time.Minute))
	require.Len(t, rec.all(), 2)
}

func TestCloseSessionsByKey(t *testing.T) {
	manager, rec, store := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	config := &model.CorrelationRule{
		RuleID:         "rule-session",
		WindowType:     model.WindowTypeSession,
		SessionTimeout: time.Hour,
		IsActive:       true,
	}
	require.NoError(t, manager.Enroll(ctx, config, "fp-1", item("E1", base), base))

	manager.CloseSessionsByKey(ctx, "fp-1")

	// Cancellation closes without evaluation and persists the closure
	require.Empty(t, rec.all())
	window, err := store.GetActiveSessionWindow(ctx, "fp-1", "rule-session")
	require.NoError(t, err)
	require.Nil(t, window)

	// Idempotent
	manager.CloseSessionsByKey(ctx, "fp-1")
}

func TestFixedWindow_SubHourGridAnchorsAtHour(t *testing.T) {
	at := time.Date(2025, 6, 1, 10, 47, 12, 0, time.UTC)

	// Half-hour windows under hour alignment start on the hour grid
	boundary := alignBoundary(at, model.AlignmentHour, 30*time.Minute)
	require.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), boundary)
	require.Zero(t, boundary.Minute()%30)

	// Whole-hour multiples keep hour-aligned boundaries
	boundary = alignBoundary(at, model.AlignmentHour, 2*time.Hour)
	require.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), boundary)
	require.Zero(t, boundary.Minute())

	// Sub-day sizes under day alignment anchor at UTC midnight
	boundary = alignBoundary(at, model.AlignmentDay, 6*time.Hour)
	require.Equal(t, time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC), boundary)

	// Minute alignment keeps the minute grid
	boundary = alignBoundary(at, model.AlignmentMinute, 5*time.Minute)
	require.Equal(t, time.Date(2025, 6, 1, 10, 45, 0, 0, time.UTC), boundary)
}
