package model

import "time"

// NotificationKind distinguishes the trigger of a directive
type NotificationKind string

const (
	NotificationKindInitial  NotificationKind = "initial"
	NotificationKindReminder NotificationKind = "reminder"
	NotificationKindIncident NotificationKind = "incident"
)

// NotificationStatus tracks directive delivery handoff state
type NotificationStatus string

const (
	NotificationStatusPending   NotificationStatus = "pending"
	NotificationStatusPublished NotificationStatus = "published"
	NotificationStatusCancelled NotificationStatus = "cancelled"
)

// NotificationDirective is the routing output handed to the external
// channel-adapter layer. Suppressed directives are still recorded and
// published for audit; adapters must not deliver them.
type NotificationDirective struct {
	DirectiveID string             `json:"directive_id"`
	AlertID     string             `json:"alert_id,omitempty"`
	IncidentID  string             `json:"incident_id,omitempty"`
	Recipients  []string           `json:"recipients"`
	Channels    []string           `json:"channels"`
	Message     string             `json:"message"`
	Suppressed  bool               `json:"suppressed"`
	Kind        NotificationKind   `json:"kind"`
	Status      NotificationStatus `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
}
