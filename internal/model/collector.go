package model

import "time"

// CollectorTaskStatus represents the status of a collection task
type CollectorTaskStatus string

const (
	CollectorTaskStatusRunning CollectorTaskStatus = "running"
	CollectorTaskStatusSuccess CollectorTaskStatus = "success"
	CollectorTaskStatusError   CollectorTaskStatus = "error"
)

// CollectorTask tracks one run of a source collector. The health sweep
// transitions tasks stuck in running state past their timeout to error.
type CollectorTask struct {
	TaskID    string              `json:"task_id"`
	SourceID  string              `json:"source_id"`
	Status    CollectorTaskStatus `json:"status"`
	Message   string              `json:"message,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Timeout   time.Duration       `json:"timeout"`
}
