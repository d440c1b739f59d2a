package model

import "time"

// EventAction describes what the source reported for an occurrence
type EventAction string

const (
	EventActionCreated EventAction = "created"
	EventActionClosed  EventAction = "closed"
)

// EventStatus represents the processing status of an event
type EventStatus string

const (
	EventStatusReceived   EventStatus = "received"
	EventStatusProcessing EventStatus = "processing"
	EventStatusResolved   EventStatus = "resolved"
	EventStatusClosed     EventStatus = "closed"
	EventStatusShield     EventStatus = "shield"
	EventStatusPending    EventStatus = "pending"
)

// Event is a normalized occurrence received from a collector source.
// Immutable once persisted except for Status and EndTime.
type Event struct {
	EventID      string            `json:"event_id"`
	SourceID     string            `json:"source_id"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Level        Level             `json:"level"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Item         string            `json:"item,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceName string            `json:"resource_name,omitempty"`
	Action       EventAction       `json:"action"`
	Status       EventStatus       `json:"status"`
	Value        *float64          `json:"value,omitempty"`

	// ExternalID carries the source's own identifier so a later
	// action=closed event can resolve the alert it opened.
	ExternalID string `json:"external_id,omitempty"`

	// GroupByField/GroupByValue are resolved by the ingestion layer
	// per source configuration and drive fingerprinting.
	GroupByField string `json:"group_by_field"`
	GroupByValue string `json:"group_by_value"`

	RuleID     string    `json:"rule_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Field resolves a named attribute for match rule evaluation.
// Attributes win over labels when both exist.
func (e *Event) Field(name string) (interface{}, bool) {
	switch name {
	case "title":
		return e.Title, true
	case "level":
		return string(e.Level), true
	case "source_id":
		return e.SourceID, true
	case "item":
		return e.Item, true
	case "resource_id":
		return e.ResourceID, true
	case "resource_type":
		return e.ResourceType, true
	case "resource_name":
		return e.ResourceName, true
	case "value":
		if e.Value == nil {
			return nil, false
		}
		return *e.Value, true
	}
	if v, ok := e.Labels[name]; ok {
		return v, true
	}
	return nil, false
}
