package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/metrics"
	"github.com/t77yq/alert-correlation/internal/model"
	"github.com/t77yq/alert-correlation/internal/storage"
)

// ReminderFire re-notifies for one due alert. It returns the routing
// frequency currently in effect and false when the alert no longer
// routes anywhere, in which case the task deactivates.
type ReminderFire func(ctx context.Context, alert *model.Alert) (model.NotificationFrequency, bool)

// ReminderScheduler maintains one reminder task per open assigned
// alert and fires due tasks on sweep. Intervals follow the policy's
// escalation ladder when one is configured.
type ReminderScheduler struct {
	logger *zap.Logger
	store  storage.Store
}

// NewReminderScheduler creates a reminder scheduler backed by the store
func NewReminderScheduler(logger *zap.Logger, store storage.Store) *ReminderScheduler {
	return &ReminderScheduler{
		logger: logger.Named("reminder"),
		store:  store,
	}
}

// Seed creates or reactivates the reminder task for an alert.
// Re-seeding an active task resets its schedule to the new frequency.
func (r *ReminderScheduler) Seed(ctx context.Context, alertID string, freq model.NotificationFrequency, now time.Time) error {
	if freq.MaxReminders <= 0 || freq.IntervalMinutes <= 0 {
		return nil
	}

	interval := intervalFor(freq, 0)
	existing, err := r.store.GetReminderTask(ctx, alertID)
	if err != nil {
		return fmt.Errorf("failed to get reminder task for %s: %w", alertID, err)
	}

	task := &model.AlertReminderTask{
		AlertID:                 alertID,
		IsActive:                true,
		ReminderCount:           0,
		CurrentFrequencyMinutes: interval,
		CurrentMaxReminders:     freq.MaxReminders,
		NextReminderTime:        now.Add(time.Duration(interval) * time.Minute),
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if existing == nil {
		if err := r.store.SaveReminderTask(ctx, task); err != nil {
			return fmt.Errorf("failed to save reminder task for %s: %w", alertID, err)
		}
	} else {
		task.CreatedAt = existing.CreatedAt
		if err := r.store.UpdateReminderTask(ctx, task); err != nil {
			return fmt.Errorf("failed to update reminder task for %s: %w", alertID, err)
		}
	}

	r.logger.Debug("Seeded reminder task",
		zap.String("alert_id", alertID),
		zap.Time("next_reminder", task.NextReminderTime))
	return nil
}

// Deactivate stops reminders for an alert. Idempotent.
func (r *ReminderScheduler) Deactivate(ctx context.Context, alertID string) error {
	if err := r.store.DeactivateReminderTask(ctx, alertID); err != nil {
		return fmt.Errorf("failed to deactivate reminder task for %s: %w", alertID, err)
	}
	return nil
}

// Sweep fires all due reminder tasks. Tasks for terminal or vanished
// alerts deactivate without firing; exhausted tasks deactivate after
// their final reminder.
func (r *ReminderScheduler) Sweep(ctx context.Context, now time.Time, fire ReminderFire) error {
	due, err := r.store.ListDueReminderTasks(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list due reminder tasks: %w", err)
	}

	for _, task := range due {
		if err := r.fireTask(ctx, task, now, fire); err != nil {
			r.logger.Error("Failed to fire reminder",
				zap.String("alert_id", task.AlertID),
				zap.Error(err))
		}
	}
	return nil
}

func (r *ReminderScheduler) fireTask(ctx context.Context, task *model.AlertReminderTask, now time.Time, fire ReminderFire) error {
	alert, err := r.store.GetAlert(ctx, task.AlertID)
	if err != nil {
		return fmt.Errorf("failed to get alert %s: %w", task.AlertID, err)
	}
	if alert == nil || alert.Status.Terminal() {
		return r.Deactivate(ctx, task.AlertID)
	}

	freq, ok := fire(ctx, alert)
	if !ok {
		return r.Deactivate(ctx, task.AlertID)
	}
	metrics.RemindersFired.Inc()

	task.ReminderCount++
	task.LastReminderTime = &now
	task.CurrentMaxReminders = freq.MaxReminders
	task.UpdatedAt = now

	if task.Exhausted() {
		task.IsActive = false
	} else {
		interval := intervalFor(freq, task.ReminderCount)
		task.CurrentFrequencyMinutes = interval
		task.NextReminderTime = now.Add(time.Duration(interval) * time.Minute)
	}

	if err := r.store.UpdateReminderTask(ctx, task); err != nil {
		return fmt.Errorf("failed to update reminder task for %s: %w", task.AlertID, err)
	}

	r.logger.Debug("Fired reminder",
		zap.String("alert_id", task.AlertID),
		zap.Int("count", task.ReminderCount),
		zap.Bool("active", task.IsActive))
	return nil
}

// intervalFor returns the minutes until reminder n fires. The
// escalation ladder clamps at its last entry.
func intervalFor(freq model.NotificationFrequency, n int) int {
	if len(freq.EscalationMinutes) == 0 {
		return freq.IntervalMinutes
	}
	if n >= len(freq.EscalationMinutes) {
		n = len(freq.EscalationMinutes) - 1
	}
	return freq.EscalationMinutes[n]
}
