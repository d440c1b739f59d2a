package model

import "time"

// IncidentStatus represents the lifecycle status of an incident
type IncidentStatus string

const (
	IncidentStatusPending    IncidentStatus = "pending"
	IncidentStatusProcessing IncidentStatus = "processing"
	IncidentStatusResolved   IncidentStatus = "resolved"
	IncidentStatusClosed     IncidentStatus = "closed"
)

// Terminal reports whether the status is final
func (s IncidentStatus) Terminal() bool {
	return s == IncidentStatusResolved || s == IncidentStatusClosed
}

// Incident is an aggregate of alerts correlated by an incident-type rule.
// Alert membership lives in the incident_alerts join table, never as
// back-pointers on the alerts themselves.
type Incident struct {
	IncidentID  string            `json:"incident_id"`
	Status      IncidentStatus    `json:"status"`
	Level       Level             `json:"level"`
	Title       string            `json:"title"`
	Content     string            `json:"content,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Operator    []string          `json:"operator,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	RuleID      string            `json:"rule_id,omitempty"`
	AlertCount  int               `json:"alert_count"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
