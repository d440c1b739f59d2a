package model

import "time"

// AlertReminderTask drives escalating re-notification for an open,
// assigned alert. One task per alert. The task deactivates when
// ReminderCount reaches CurrentMaxReminders or the alert goes terminal.
type AlertReminderTask struct {
	AlertID                 string     `json:"alert_id"`
	IsActive                bool       `json:"is_active"`
	ReminderCount           int        `json:"reminder_count"`
	CurrentFrequencyMinutes int        `json:"current_frequency_minutes"`
	CurrentMaxReminders     int        `json:"current_max_reminders"`
	NextReminderTime        time.Time  `json:"next_reminder_time"`
	LastReminderTime        *time.Time `json:"last_reminder_time,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Due reports whether the task should fire at the given time
func (t *AlertReminderTask) Due(now time.Time) bool {
	return t.IsActive && !t.NextReminderTime.After(now)
}

// Exhausted reports whether the task has used up its reminder budget
func (t *AlertReminderTask) Exhausted() bool {
	return t.ReminderCount >= t.CurrentMaxReminders
}
