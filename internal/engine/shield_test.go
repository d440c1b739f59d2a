package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/model"
)

func shieldPolicy(id string, st model.SuppressionTime) *model.AlertShield {
	return &model.AlertShield{
		ID:              id,
		Name:            id,
		MatchType:       model.MatchTypeAll,
		SuppressionTime: st,
		IsActive:        true,
	}
}

func TestShielder_OnceWindow(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	shielder := NewShielder(logger)

	start := time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC)
	require.NoError(t, shielder.LoadPolicies([]*model.AlertShield{
		shieldPolicy("maintenance", model.SuppressionTime{
			Type:      model.SuppressionTypeOnce,
			StartTime: start,
			EndTime:   end,
		}),
	}))

	alert := &model.Alert{AlertID: "A1", Level: model.LevelError}

	suppressed, id := shielder.Suppressed(alert, start.Add(time.Hour))
	require.True(t, suppressed)
	require.Equal(t, "maintenance", id)

	suppressed, _ = shielder.Suppressed(alert, end.Add(time.Minute))
	require.False(t, suppressed)

	suppressed, _ = shielder.Suppressed(alert, start.Add(-time.Minute))
	require.False(t, suppressed)
}

func TestShielder_DailyRecurrenceWrapsMidnight(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	shielder := NewShielder(logger)

	require.NoError(t, shielder.LoadPolicies([]*model.AlertShield{
		shieldPolicy("nightly", model.SuppressionTime{
			Type:       model.SuppressionTypeDaily,
			StartOfDay: "23:00",
			EndOfDay:   "06:00",
		}),
	}))

	alert := &model.Alert{AlertID: "A1"}

	suppressed, _ := shielder.Suppressed(alert, time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC))
	require.True(t, suppressed)
	suppressed, _ = shielder.Suppressed(alert, time.Date(2025, 6, 2, 5, 59, 0, 0, time.UTC))
	require.True(t, suppressed)
	suppressed, _ = shielder.Suppressed(alert, time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	require.False(t, suppressed)
}

func TestShielder_WeekRecurrence(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	shielder := NewShielder(logger)

	require.NoError(t, shielder.LoadPolicies([]*model.AlertShield{
		shieldPolicy("weekend", model.SuppressionTime{
			Type:       model.SuppressionTypeWeek,
			StartOfDay: "00:00",
			EndOfDay:   "23:59",
			WeekDays:   []int{int(time.Saturday), int(time.Sunday)},
		}),
	}))

	alert := &model.Alert{AlertID: "A1"}

	// 2025-06-01 is a Sunday, 2025-06-02 a Monday
	suppressed, _ := shielder.Suppressed(alert, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	require.True(t, suppressed)
	suppressed, _ = shielder.Suppressed(alert, time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	require.False(t, suppressed)
}

func TestShielder_FilterMatching(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	shielder := NewShielder(logger)

	policy := shieldPolicy("db-only", model.SuppressionTime{
		Type:      model.SuppressionTypeOnce,
		StartTime: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	policy.MatchType = model.MatchTypeFilter
	policy.MatchRules = json.RawMessage(`[{"op":"eq","field":"resource_type","value":"database"}]`)
	require.NoError(t, shielder.LoadPolicies([]*model.AlertShield{policy}))

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	suppressed, _ := shielder.Suppressed(&model.Alert{ResourceType: "database"}, now)
	require.True(t, suppressed)
	suppressed, _ = shielder.Suppressed(&model.Alert{ResourceType: "vm"}, now)
	require.False(t, suppressed)
}
