package model

import (
	"encoding/json"
	"time"
)

// MatchType selects how a routing/suppression policy matches alerts
type MatchType string

const (
	MatchTypeAll    MatchType = "all"
	MatchTypeFilter MatchType = "filter"
)

// NotificationFrequency configures reminder cadence for assigned alerts.
// EscalationMinutes, when set, overrides IntervalMinutes per firing:
// reminder N uses EscalationMinutes[min(N, len-1)].
type NotificationFrequency struct {
	IntervalMinutes   int   `json:"interval_minutes"`
	MaxReminders      int   `json:"max_reminders"`
	EscalationMinutes []int `json:"escalation_minutes,omitempty"`
}

// AlertAssignment is a routing policy mapping matching alerts to
// recipients and channels. Policies are evaluated in Priority order.
type AlertAssignment struct {
	ID                    string                `json:"id"`
	Name                  string                `json:"name"`
	MatchType             MatchType             `json:"match_type"`
	MatchRules            json.RawMessage       `json:"match_rules,omitempty"`
	Personnel             []string              `json:"personnel"`
	NotifyChannels        []string              `json:"notify_channels"`
	NotificationFrequency NotificationFrequency `json:"notification_frequency"`
	Priority              int                   `json:"priority"`
	IsActive              bool                  `json:"is_active"`
	CreatedAt             time.Time             `json:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at"`
}

// SuppressionType selects between one-off and recurring shield windows
type SuppressionType string

const (
	SuppressionTypeOnce  SuppressionType = "once"
	SuppressionTypeDaily SuppressionType = "daily"
	SuppressionTypeWeek  SuppressionType = "week"
)

// SuppressionTime describes when a shield policy is in effect.
// Once uses the absolute StartTime/EndTime pair; daily and week recur
// between StartOfDay and EndOfDay ("15:04" clock times), week further
// restricted to WeekDays (time.Weekday values).
type SuppressionTime struct {
	Type       SuppressionType `json:"type"`
	StartTime  time.Time       `json:"start_time,omitempty"`
	EndTime    time.Time       `json:"end_time,omitempty"`
	StartOfDay string          `json:"start_of_day,omitempty"`
	EndOfDay   string          `json:"end_of_day,omitempty"`
	WeekDays   []int           `json:"week_days,omitempty"`
}

// AlertShield is a suppression policy. It gates notification delivery
// only; alert lifecycle state is never affected.
type AlertShield struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	MatchType       MatchType       `json:"match_type"`
	MatchRules      json.RawMessage `json:"match_rules,omitempty"`
	SuppressionTime SuppressionTime `json:"suppression_time"`
	IsActive        bool            `json:"is_active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
