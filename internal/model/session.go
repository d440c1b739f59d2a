package model

import "time"

// SessionWindow is the runtime state of an active session-mode
// correlation. At most one active window exists per (session_key, rule_id);
// a closed window is never reactivated.
type SessionWindow struct {
	SessionID      string            `json:"session_id"`
	SessionKey     string            `json:"session_key"`
	RuleID         string            `json:"rule_id"`
	SessionStart   time.Time         `json:"session_start"`
	LastActivity   time.Time         `json:"last_activity"`
	SessionTimeout time.Duration     `json:"session_timeout"`
	IsActive       bool              `json:"is_active"`
	EventIDs       []string          `json:"event_ids,omitempty"`
	SessionData    map[string]string `json:"session_data,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Expired reports whether the window's idle gap has exceeded its timeout
func (w *SessionWindow) Expired(now time.Time) bool {
	return now.Sub(w.LastActivity) > w.SessionTimeout
}
