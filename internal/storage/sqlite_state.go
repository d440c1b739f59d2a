package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/t77yq/alert-correlation/internal/model"
)

// Session window, reminder task, notification directive and collector
// task persistence. These are the high-churn records; every method is a
// point lookup or small indexed scan.

const sessionColumns = `session_id, session_key, rule_id, session_start,
	last_activity, session_timeout, is_active, event_ids, session_data,
	created_at, updated_at`

// SaveSessionWindow implements Store.SaveSessionWindow
func (s *SQLiteStore) SaveSessionWindow(ctx context.Context, window *model.SessionWindow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_windows (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		window.SessionID,
		window.SessionKey,
		window.RuleID,
		window.SessionStart,
		window.LastActivity,
		int64(window.SessionTimeout/time.Second),
		window.IsActive,
		marshalJSON(window.EventIDs),
		marshalJSON(window.SessionData),
		window.CreatedAt,
		window.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store session window: %w", err)
	}
	return nil
}

// UpdateSessionWindow implements Store.UpdateSessionWindow
func (s *SQLiteStore) UpdateSessionWindow(ctx context.Context, window *model.SessionWindow) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE session_windows SET
			last_activity = ?, is_active = ?, event_ids = ?, session_data = ?, updated_at = ?
		WHERE session_id = ?`,
		window.LastActivity,
		window.IsActive,
		marshalJSON(window.EventIDs),
		marshalJSON(window.SessionData),
		window.UpdatedAt,
		window.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session window: %w", err)
	}
	return nil
}

func scanSessionWindow(scan func(...interface{}) error) (*model.SessionWindow, error) {
	window := &model.SessionWindow{}
	var eventIDs, sessionData sql.NullString
	var timeoutSeconds int64

	err := scan(
		&window.SessionID,
		&window.SessionKey,
		&window.RuleID,
		&window.SessionStart,
		&window.LastActivity,
		&timeoutSeconds,
		&window.IsActive,
		&eventIDs,
		&sessionData,
		&window.CreatedAt,
		&window.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	window.SessionTimeout = time.Duration(timeoutSeconds) * time.Second
	unmarshalJSON(eventIDs, &window.EventIDs)
	unmarshalJSON(sessionData, &window.SessionData)
	return window, nil
}

// GetActiveSessionWindow implements Store.GetActiveSessionWindow
func (s *SQLiteStore) GetActiveSessionWindow(ctx context.Context, sessionKey, ruleID string) (*model.SessionWindow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM session_windows
		WHERE session_key = ? AND rule_id = ? AND is_active = 1
		ORDER BY session_start DESC LIMIT 1`, sessionKey, ruleID)

	window, err := scanSessionWindow(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan session window: %w", err)
	}
	return window, nil
}

// ListExpiredSessionWindows implements Store.ListExpiredSessionWindows.
// A window is expired when now - last_activity exceeds its timeout.
func (s *SQLiteStore) ListExpiredSessionWindows(ctx context.Context, now time.Time) ([]*model.SessionWindow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM session_windows
		WHERE is_active = 1
		ORDER BY last_activity`)
	if err != nil {
		return nil, fmt.Errorf("failed to list session windows: %w", err)
	}
	defer rows.Close()

	var expired []*model.SessionWindow
	for rows.Next() {
		window, err := scanSessionWindow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session window: %w", err)
		}
		if window.Expired(now) {
			expired = append(expired, window)
		}
	}
	return expired, rows.Err()
}

// DeactivateSessionWindowsByKey implements Store.DeactivateSessionWindowsByKey
func (s *SQLiteStore) DeactivateSessionWindowsByKey(ctx context.Context, sessionKey string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE session_windows SET is_active = 0, updated_at = ?
		WHERE session_key = ? AND is_active = 1`, time.Now().UTC(), sessionKey)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate session windows: %w", err)
	}
	return result.RowsAffected()
}

// SaveReminderTask implements Store.SaveReminderTask
func (s *SQLiteStore) SaveReminderTask(ctx context.Context, task *model.AlertReminderTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reminder_tasks (
			alert_id, is_active, reminder_count, current_frequency_minutes,
			current_max_reminders, next_reminder_time, last_reminder_time,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.AlertID,
		task.IsActive,
		task.ReminderCount,
		task.CurrentFrequencyMinutes,
		task.CurrentMaxReminders,
		task.NextReminderTime,
		nullTime(task.LastReminderTime),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store reminder task: %w", err)
	}
	return nil
}

// UpdateReminderTask implements Store.UpdateReminderTask
func (s *SQLiteStore) UpdateReminderTask(ctx context.Context, task *model.AlertReminderTask) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reminder_tasks SET
			is_active = ?, reminder_count = ?, current_frequency_minutes = ?,
			current_max_reminders = ?, next_reminder_time = ?, last_reminder_time = ?,
			updated_at = ?
		WHERE alert_id = ?`,
		task.IsActive,
		task.ReminderCount,
		task.CurrentFrequencyMinutes,
		task.CurrentMaxReminders,
		task.NextReminderTime,
		nullTime(task.LastReminderTime),
		task.UpdatedAt,
		task.AlertID,
	)
	if err != nil {
		return fmt.Errorf("failed to update reminder task: %w", err)
	}
	return nil
}

func scanReminderTask(scan func(...interface{}) error) (*model.AlertReminderTask, error) {
	task := &model.AlertReminderTask{}
	var lastReminder sql.NullTime

	err := scan(
		&task.AlertID,
		&task.IsActive,
		&task.ReminderCount,
		&task.CurrentFrequencyMinutes,
		&task.CurrentMaxReminders,
		&task.NextReminderTime,
		&lastReminder,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastReminder.Valid {
		task.LastReminderTime = &lastReminder.Time
	}
	return task, nil
}

const reminderColumns = `alert_id, is_active, reminder_count,
	current_frequency_minutes, current_max_reminders, next_reminder_time,
	last_reminder_time, created_at, updated_at`

// GetReminderTask implements Store.GetReminderTask
func (s *SQLiteStore) GetReminderTask(ctx context.Context, alertID string) (*model.AlertReminderTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderColumns+` FROM reminder_tasks WHERE alert_id = ?`, alertID)

	task, err := scanReminderTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan reminder task: %w", err)
	}
	return task, nil
}

// ListDueReminderTasks implements Store.ListDueReminderTasks
func (s *SQLiteStore) ListDueReminderTasks(ctx context.Context, now time.Time) ([]*model.AlertReminderTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reminderColumns+` FROM reminder_tasks
		WHERE is_active = 1 AND next_reminder_time <= ?
		ORDER BY next_reminder_time`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due reminder tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.AlertReminderTask
	for rows.Next() {
		task, err := scanReminderTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeactivateReminderTask implements Store.DeactivateReminderTask
func (s *SQLiteStore) DeactivateReminderTask(ctx context.Context, alertID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reminder_tasks SET is_active = 0, updated_at = ?
		WHERE alert_id = ?`, time.Now().UTC(), alertID)
	if err != nil {
		return fmt.Errorf("failed to deactivate reminder task: %w", err)
	}
	return nil
}

// SaveDirective implements Store.SaveDirective
func (s *SQLiteStore) SaveDirective(ctx context.Context, directive *model.NotificationDirective) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_directives (
			directive_id, alert_id, incident_id, recipients, channels,
			message, suppressed, kind, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		directive.DirectiveID,
		nullString(directive.AlertID),
		nullString(directive.IncidentID),
		marshalJSON(directive.Recipients),
		marshalJSON(directive.Channels),
		nullString(directive.Message),
		directive.Suppressed,
		string(directive.Kind),
		string(directive.Status),
		directive.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store directive: %w", err)
	}
	return nil
}

// UpdateDirectiveStatus implements Store.UpdateDirectiveStatus
func (s *SQLiteStore) UpdateDirectiveStatus(ctx context.Context, directiveID string, status model.NotificationStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_directives SET status = ? WHERE directive_id = ?`,
		string(status), directiveID)
	if err != nil {
		return fmt.Errorf("failed to update directive status: %w", err)
	}
	return nil
}

// ListDirectivesByAlert implements Store.ListDirectivesByAlert
func (s *SQLiteStore) ListDirectivesByAlert(ctx context.Context, alertID string) ([]*model.NotificationDirective, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT directive_id, alert_id, incident_id, recipients, channels,
		       message, suppressed, kind, status, created_at
		FROM notification_directives WHERE alert_id = ? ORDER BY created_at`,
		alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list directives: %w", err)
	}
	defer rows.Close()

	var directives []*model.NotificationDirective
	for rows.Next() {
		var d model.NotificationDirective
		var alert, incident, recipients, channels, message sql.NullString
		var kind, status string
		if err := rows.Scan(&d.DirectiveID, &alert, &incident, &recipients, &channels,
			&message, &d.Suppressed, &kind, &status, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan directive: %w", err)
		}
		d.AlertID = alert.String
		d.IncidentID = incident.String
		d.Message = message.String
		d.Kind = model.NotificationKind(kind)
		d.Status = model.NotificationStatus(status)
		unmarshalJSON(recipients, &d.Recipients)
		unmarshalJSON(channels, &d.Channels)
		directives = append(directives, &d)
	}
	return directives, rows.Err()
}

// CancelPendingDirectives implements Store.CancelPendingDirectives.
// Idempotent: cancelling an alert with no pending directives is a no-op.
func (s *SQLiteStore) CancelPendingDirectives(ctx context.Context, alertID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notification_directives SET status = ?
		WHERE alert_id = ? AND status = ?`,
		string(model.NotificationStatusCancelled), alertID, string(model.NotificationStatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending directives: %w", err)
	}
	return result.RowsAffected()
}

// SaveCollectorTask implements Store.SaveCollectorTask
func (s *SQLiteStore) SaveCollectorTask(ctx context.Context, task *model.CollectorTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collector_tasks (
			task_id, source_id, status, message, started_at, updated_at, timeout
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID,
		task.SourceID,
		string(task.Status),
		nullString(task.Message),
		task.StartedAt,
		task.UpdatedAt,
		int64(task.Timeout/time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to store collector task: %w", err)
	}
	return nil
}

// UpdateCollectorTask implements Store.UpdateCollectorTask
func (s *SQLiteStore) UpdateCollectorTask(ctx context.Context, task *model.CollectorTask) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE collector_tasks SET status = ?, message = ?, updated_at = ?
		WHERE task_id = ?`,
		string(task.Status), nullString(task.Message), task.UpdatedAt, task.TaskID)
	if err != nil {
		return fmt.Errorf("failed to update collector task: %w", err)
	}
	return nil
}

// ListStuckCollectorTasks implements Store.ListStuckCollectorTasks.
// A task is stuck when it has been running longer than its timeout.
func (s *SQLiteStore) ListStuckCollectorTasks(ctx context.Context, now time.Time) ([]*model.CollectorTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, source_id, status, message, started_at, updated_at, timeout
		FROM collector_tasks WHERE status = ?
		ORDER BY started_at`, string(model.CollectorTaskStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list collector tasks: %w", err)
	}
	defer rows.Close()

	var stuck []*model.CollectorTask
	for rows.Next() {
		task := &model.CollectorTask{}
		var message sql.NullString
		var status string
		var timeoutSeconds int64

		err := rows.Scan(
			&task.TaskID,
			&task.SourceID,
			&status,
			&message,
			&task.StartedAt,
			&task.UpdatedAt,
			&timeoutSeconds,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan collector task: %w", err)
		}

		task.Status = model.CollectorTaskStatus(status)
		task.Message = message.String
		task.Timeout = time.Duration(timeoutSeconds) * time.Second
		if now.Sub(task.StartedAt) > task.Timeout {
			stuck = append(stuck, task)
		}
	}
	return stuck, rows.Err()
}
