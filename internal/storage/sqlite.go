package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/model"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath. Existing
// state is kept: alerts, session windows and reminder tasks must survive
// process restarts.
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			level TEXT NOT NULL,
			start_time DATETIME NOT NULL,
			end_time DATETIME,
			labels TEXT,
			item TEXT,
			resource_id TEXT,
			resource_type TEXT,
			resource_name TEXT,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			value REAL,
			external_id TEXT,
			group_by_field TEXT NOT NULL,
			group_by_value TEXT NOT NULL,
			rule_id TEXT,
			received_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_source ON events(source_id, received_at);
		CREATE INDEX IF NOT EXISTS idx_events_external ON events(external_id);

		CREATE TABLE IF NOT EXISTS alerts (
			alert_id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			status TEXT NOT NULL,
			level TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT,
			labels TEXT,
			item TEXT,
			resource_id TEXT,
			resource_type TEXT,
			resource_name TEXT,
			source_name TEXT,
			group_by_field TEXT,
			rule_id TEXT,
			first_event_time DATETIME NOT NULL,
			last_event_time DATETIME NOT NULL,
			event_count INTEGER NOT NULL DEFAULT 0,
			operator TEXT,
			is_session_alert INTEGER NOT NULL DEFAULT 0,
			session_status TEXT,
			session_end_time DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_fingerprint ON alerts(fingerprint, status);
		CREATE INDEX IF NOT EXISTS idx_alerts_status_level ON alerts(status, level);

		CREATE TABLE IF NOT EXISTS alert_events (
			alert_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			assigned_at DATETIME NOT NULL,
			PRIMARY KEY (alert_id, event_id)
		);

		CREATE TABLE IF NOT EXISTS incidents (
			incident_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			level TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT,
			labels TEXT,
			operator TEXT,
			fingerprint TEXT,
			rule_id TEXT,
			alert_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);

		CREATE TABLE IF NOT EXISTS incident_alerts (
			incident_id TEXT NOT NULL,
			alert_id TEXT NOT NULL,
			assigned_at DATETIME NOT NULL,
			PRIMARY KEY (incident_id, alert_id)
		);
		CREATE INDEX IF NOT EXISTS idx_incident_alerts_alert ON incident_alerts(alert_id);

		CREATE TABLE IF NOT EXISTS session_windows (
			session_id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			session_start DATETIME NOT NULL,
			last_activity DATETIME NOT NULL,
			session_timeout INTEGER NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			event_ids TEXT,
			session_data TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_key ON session_windows(session_key, rule_id, is_active);
		CREATE INDEX IF NOT EXISTS idx_sessions_activity ON session_windows(is_active, last_activity);

		CREATE TABLE IF NOT EXISTS reminder_tasks (
			alert_id TEXT PRIMARY KEY,
			is_active INTEGER NOT NULL DEFAULT 1,
			reminder_count INTEGER NOT NULL DEFAULT 0,
			current_frequency_minutes INTEGER NOT NULL,
			current_max_reminders INTEGER NOT NULL,
			next_reminder_time DATETIME NOT NULL,
			last_reminder_time DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminder_tasks(is_active, next_reminder_time);

		CREATE TABLE IF NOT EXISTS notification_directives (
			directive_id TEXT PRIMARY KEY,
			alert_id TEXT,
			incident_id TEXT,
			recipients TEXT,
			channels TEXT,
			message TEXT,
			suppressed INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_directives_alert ON notification_directives(alert_id, status);

		CREATE TABLE IF NOT EXISTS collector_tasks (
			task_id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			started_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			timeout INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_collector_status ON collector_tasks(status, started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalJSON(v interface{}) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" || string(data) == "{}" || string(data) == "[]" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func unmarshalJSON(src sql.NullString, dst interface{}) {
	if src.Valid && src.String != "" {
		_ = json.Unmarshal([]byte(src.String), dst)
	}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// SaveEvent implements Store.SaveEvent
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *model.Event) error {
	var value sql.NullFloat64
	if event.Value != nil {
		value = sql.NullFloat64{Float64: *event.Value, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			event_id, source_id, title, description, level, start_time, end_time,
			labels, item, resource_id, resource_type, resource_name, action,
			status, value, external_id, group_by_field, group_by_value, rule_id, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID,
		event.SourceID,
		event.Title,
		nullString(event.Description),
		string(event.Level),
		event.StartTime,
		nullTime(event.EndTime),
		marshalJSON(event.Labels),
		nullString(event.Item),
		nullString(event.ResourceID),
		nullString(event.ResourceType),
		nullString(event.ResourceName),
		string(event.Action),
		string(event.Status),
		value,
		nullString(event.ExternalID),
		event.GroupByField,
		event.GroupByValue,
		nullString(event.RuleID),
		event.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// GetEvent implements Store.GetEvent
func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (*model.Event, error) {
	event := &model.Event{}
	var description, labels, item, resourceID, resourceType, resourceName sql.NullString
	var externalID, ruleID sql.NullString
	var endTime sql.NullTime
	var value sql.NullFloat64
	var level, action, status string

	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, source_id, title, description, level, start_time, end_time,
		       labels, item, resource_id, resource_type, resource_name, action,
		       status, value, external_id, group_by_field, group_by_value, rule_id, received_at
		FROM events WHERE event_id = ?`, eventID).Scan(
		&event.EventID,
		&event.SourceID,
		&event.Title,
		&description,
		&level,
		&event.StartTime,
		&endTime,
		&labels,
		&item,
		&resourceID,
		&resourceType,
		&resourceName,
		&action,
		&status,
		&value,
		&externalID,
		&event.GroupByField,
		&event.GroupByValue,
		&ruleID,
		&event.ReceivedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Description = description.String
	event.Level = model.Level(level)
	event.Action = model.EventAction(action)
	event.Status = model.EventStatus(status)
	event.Item = item.String
	event.ResourceID = resourceID.String
	event.ResourceType = resourceType.String
	event.ResourceName = resourceName.String
	event.ExternalID = externalID.String
	event.RuleID = ruleID.String
	unmarshalJSON(labels, &event.Labels)
	if endTime.Valid {
		event.EndTime = &endTime.Time
	}
	if value.Valid {
		event.Value = &value.Float64
	}
	return event, nil
}

// UpdateEventStatus implements Store.UpdateEventStatus
func (s *SQLiteStore) UpdateEventStatus(ctx context.Context, eventID string, status model.EventStatus, endTime *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ?, end_time = COALESCE(?, end_time) WHERE event_id = ?`,
		string(status), nullTime(endTime), eventID)
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	return nil
}

const alertColumns = `alert_id, fingerprint, status, level, title, content, labels,
	item, resource_id, resource_type, resource_name, source_name, group_by_field,
	rule_id, first_event_time, last_event_time, event_count, operator,
	is_session_alert, session_status, session_end_time, created_at, updated_at`

// SaveAlert implements Store.SaveAlert
func (s *SQLiteStore) SaveAlert(ctx context.Context, alert *model.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.AlertID,
		alert.Fingerprint,
		string(alert.Status),
		string(alert.Level),
		alert.Title,
		nullString(alert.Content),
		marshalJSON(alert.Labels),
		nullString(alert.Item),
		nullString(alert.ResourceID),
		nullString(alert.ResourceType),
		nullString(alert.ResourceName),
		nullString(alert.SourceName),
		nullString(alert.GroupByField),
		nullString(alert.RuleID),
		alert.FirstEventTime,
		alert.LastEventTime,
		alert.EventCount,
		marshalJSON(alert.Operator),
		alert.IsSessionAlert,
		nullString(string(alert.SessionStatus)),
		nullTime(alert.SessionEndTime),
		alert.CreatedAt,
		alert.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store alert: %w", err)
	}
	return nil
}

// UpdateAlert implements Store.UpdateAlert
func (s *SQLiteStore) UpdateAlert(ctx context.Context, alert *model.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET
			status = ?, level = ?, title = ?, content = ?, labels = ?,
			last_event_time = ?, event_count = ?, operator = ?,
			session_status = ?, session_end_time = ?, updated_at = ?
		WHERE alert_id = ?`,
		string(alert.Status),
		string(alert.Level),
		alert.Title,
		nullString(alert.Content),
		marshalJSON(alert.Labels),
		alert.LastEventTime,
		alert.EventCount,
		marshalJSON(alert.Operator),
		nullString(string(alert.SessionStatus)),
		nullTime(alert.SessionEndTime),
		alert.UpdatedAt,
		alert.AlertID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanAlert(row *sql.Row) (*model.Alert, error) {
	alert := &model.Alert{}
	var content, labels, item, resourceID, resourceType, resourceName sql.NullString
	var sourceName, groupByField, ruleID, operator, sessionStatus sql.NullString
	var sessionEndTime sql.NullTime
	var status, level string

	err := row.Scan(
		&alert.AlertID,
		&alert.Fingerprint,
		&status,
		&level,
		&alert.Title,
		&content,
		&labels,
		&item,
		&resourceID,
		&resourceType,
		&resourceName,
		&sourceName,
		&groupByField,
		&ruleID,
		&alert.FirstEventTime,
		&alert.LastEventTime,
		&alert.EventCount,
		&operator,
		&alert.IsSessionAlert,
		&sessionStatus,
		&sessionEndTime,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}

	alert.Status = model.AlertStatus(status)
	alert.Level = model.Level(level)
	alert.Content = content.String
	alert.Item = item.String
	alert.ResourceID = resourceID.String
	alert.ResourceType = resourceType.String
	alert.ResourceName = resourceName.String
	alert.SourceName = sourceName.String
	alert.GroupByField = groupByField.String
	alert.RuleID = ruleID.String
	alert.SessionStatus = model.SessionStatus(sessionStatus.String)
	unmarshalJSON(labels, &alert.Labels)
	unmarshalJSON(operator, &alert.Operator)
	if sessionEndTime.Valid {
		alert.SessionEndTime = &sessionEndTime.Time
	}
	return alert, nil
}

// GetAlert implements Store.GetAlert
func (s *SQLiteStore) GetAlert(ctx context.Context, alertID string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE alert_id = ?`, alertID)
	return s.scanAlert(row)
}

// GetOpenAlertByFingerprint implements Store.GetOpenAlertByFingerprint.
// The single-open-alert invariant makes the newest non-terminal row the
// only non-terminal row for the fingerprint.
func (s *SQLiteStore) GetOpenAlertByFingerprint(ctx context.Context, fingerprint string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE fingerprint = ? AND status NOT IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		fingerprint, string(model.AlertStatusResolved), string(model.AlertStatusClosed))
	return s.scanAlert(row)
}

// LinkAlertEvent implements Store.LinkAlertEvent
func (s *SQLiteStore) LinkAlertEvent(ctx context.Context, alertID, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alert_events (alert_id, event_id, assigned_at)
		VALUES (?, ?, ?)`, alertID, eventID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to link alert event: %w", err)
	}
	return nil
}

// ListAlertEventIDs implements Store.ListAlertEventIDs
func (s *SQLiteStore) ListAlertEventIDs(ctx context.Context, alertID string) ([]string, error) {
	return s.listIDs(ctx,
		`SELECT event_id FROM alert_events WHERE alert_id = ? ORDER BY assigned_at`, alertID)
}

// SaveIncident implements Store.SaveIncident
func (s *SQLiteStore) SaveIncident(ctx context.Context, incident *model.Incident) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (
			incident_id, status, level, title, content, labels, operator,
			fingerprint, rule_id, alert_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		incident.IncidentID,
		string(incident.Status),
		string(incident.Level),
		incident.Title,
		nullString(incident.Content),
		marshalJSON(incident.Labels),
		marshalJSON(incident.Operator),
		nullString(incident.Fingerprint),
		nullString(incident.RuleID),
		incident.AlertCount,
		incident.CreatedAt,
		incident.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store incident: %w", err)
	}
	return nil
}

// UpdateIncident implements Store.UpdateIncident
func (s *SQLiteStore) UpdateIncident(ctx context.Context, incident *model.Incident) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET
			status = ?, level = ?, title = ?, content = ?, labels = ?,
			operator = ?, alert_count = ?, updated_at = ?
		WHERE incident_id = ?`,
		string(incident.Status),
		string(incident.Level),
		incident.Title,
		nullString(incident.Content),
		marshalJSON(incident.Labels),
		marshalJSON(incident.Operator),
		incident.AlertCount,
		incident.UpdatedAt,
		incident.IncidentID,
	)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanIncident(row *sql.Row) (*model.Incident, error) {
	incident := &model.Incident{}
	var content, labels, operator, fingerprint, ruleID sql.NullString
	var status, level string

	err := row.Scan(
		&incident.IncidentID,
		&status,
		&level,
		&incident.Title,
		&content,
		&labels,
		&operator,
		&fingerprint,
		&ruleID,
		&incident.AlertCount,
		&incident.CreatedAt,
		&incident.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}

	incident.Status = model.IncidentStatus(status)
	incident.Level = model.Level(level)
	incident.Content = content.String
	incident.Fingerprint = fingerprint.String
	incident.RuleID = ruleID.String
	unmarshalJSON(labels, &incident.Labels)
	unmarshalJSON(operator, &incident.Operator)
	return incident, nil
}

const incidentColumns = `incident_id, status, level, title, content, labels,
	operator, fingerprint, rule_id, alert_count, created_at, updated_at`

// GetIncident implements Store.GetIncident
func (s *SQLiteStore) GetIncident(ctx context.Context, incidentID string) (*model.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE incident_id = ?`, incidentID)
	return s.scanIncident(row)
}

// GetOpenIncidentByAlertIDs implements Store.GetOpenIncidentByAlertIDs.
// Returns the most recently updated open incident already linked to any
// of the given alerts.
func (s *SQLiteStore) GetOpenIncidentByAlertIDs(ctx context.Context, alertIDs []string) (*model.Incident, error) {
	if len(alertIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?, ", len(alertIDs))
	placeholders = placeholders[:len(placeholders)-2]
	args := make([]interface{}, 0, len(alertIDs)+2)
	for _, id := range alertIDs {
		args = append(args, id)
	}
	args = append(args, string(model.IncidentStatusResolved), string(model.IncidentStatusClosed))

	row := s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE incident_id IN (
			SELECT incident_id FROM incident_alerts WHERE alert_id IN (`+placeholders+`)
		) AND status NOT IN (?, ?)
		ORDER BY updated_at DESC LIMIT 1`, args...)
	return s.scanIncident(row)
}

// LinkIncidentAlert implements Store.LinkIncidentAlert
func (s *SQLiteStore) LinkIncidentAlert(ctx context.Context, incidentID, alertID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO incident_alerts (incident_id, alert_id, assigned_at)
		VALUES (?, ?, ?)`, incidentID, alertID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to link incident alert: %w", err)
	}
	return nil
}

// ListIncidentAlertIDs implements Store.ListIncidentAlertIDs
func (s *SQLiteStore) ListIncidentAlertIDs(ctx context.Context, incidentID string) ([]string, error) {
	return s.listIDs(ctx,
		`SELECT alert_id FROM incident_alerts WHERE incident_id = ? ORDER BY assigned_at`, incidentID)
}

func (s *SQLiteStore) listIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
