package model

import "time"

// AlertStatus represents the lifecycle status of an alert
type AlertStatus string

const (
	AlertStatusUnassigned AlertStatus = "unassigned"
	AlertStatusPending    AlertStatus = "pending"
	AlertStatusProcessing AlertStatus = "processing"
	AlertStatusResolved   AlertStatus = "resolved"
	AlertStatusClosed     AlertStatus = "closed"
)

// Terminal reports whether the status is final. A terminal alert never
// reopens; a new event with the same fingerprint starts a new alert.
func (s AlertStatus) Terminal() bool {
	return s == AlertStatusResolved || s == AlertStatusClosed
}

// SessionStatus gates self-healing checks for session-window alerts
type SessionStatus string

const (
	SessionStatusOpen        SessionStatus = "open"
	SessionStatusNoConfirmed SessionStatus = "no_confirmed"
	SessionStatusConfirmed   SessionStatus = "confirmed"
)

// Alert is a deduplicated aggregate of events sharing a fingerprint.
// At most one open alert exists per fingerprint at any time.
type Alert struct {
	AlertID     string            `json:"alert_id"`
	Fingerprint string            `json:"fingerprint"`
	Status      AlertStatus       `json:"status"`
	Level       Level             `json:"level"`
	Title       string            `json:"title"`
	Content     string            `json:"content,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`

	// Inherited from the seeding event
	Item         string `json:"item,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	ResourceName string `json:"resource_name,omitempty"`
	SourceName   string `json:"source_name,omitempty"`
	GroupByField string `json:"group_by_field,omitempty"`
	RuleID       string `json:"rule_id,omitempty"`

	FirstEventTime time.Time `json:"first_event_time"`
	LastEventTime  time.Time `json:"last_event_time"`
	EventCount     int       `json:"event_count"`

	Operator []string `json:"operator,omitempty"`

	// Session-window alerts carry an extra confirmation state
	IsSessionAlert bool          `json:"is_session_alert"`
	SessionStatus  SessionStatus `json:"session_status,omitempty"`
	SessionEndTime *time.Time    `json:"session_end_time,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Field resolves a named attribute for match rule evaluation
func (a *Alert) Field(name string) (interface{}, bool) {
	switch name {
	case "title":
		return a.Title, true
	case "level":
		return string(a.Level), true
	case "status":
		return string(a.Status), true
	case "item":
		return a.Item, true
	case "resource_id":
		return a.ResourceID, true
	case "resource_type":
		return a.ResourceType, true
	case "resource_name":
		return a.ResourceName, true
	case "source_name":
		return a.SourceName, true
	case "fingerprint":
		return a.Fingerprint, true
	}
	if v, ok := a.Labels[name]; ok {
		return v, true
	}
	return nil, false
}
