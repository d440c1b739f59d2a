package ingest

import "errors"

// Validation failures reject the event before it reaches the pipeline
var (
	ErrMissingEventID   = errors.New("event missing event_id")
	ErrMissingSource    = errors.New("event missing source_id")
	ErrMissingTitle     = errors.New("event missing title")
	ErrMissingStartTime = errors.New("event missing start_time")
	ErrMissingGroupBy   = errors.New("event missing group_by resolution")
)
