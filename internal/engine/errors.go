package engine

import "errors"

var (
	// ErrDuplicateEvent is returned when an event id has already been
	// ingested; the re-delivery must not contribute twice
	ErrDuplicateEvent = errors.New("duplicate event delivery")

	// ErrAlertNotFound is returned when an alert id does not exist
	ErrAlertNotFound = errors.New("alert not found")

	// ErrIncidentNotFound is returned when an incident id does not exist
	ErrIncidentNotFound = errors.New("incident not found")

	// ErrAlertTerminal is returned when an operation requires an open alert
	ErrAlertTerminal = errors.New("alert already in terminal status")
)
