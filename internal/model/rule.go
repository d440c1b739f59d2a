package model

import (
	"encoding/json"
	"time"
)

// RuleType selects what a correlation rule operates on
type RuleType string

const (
	RuleTypeEvent RuleType = "event" // groups raw events, feeds alert creation
	RuleTypeAlert RuleType = "alert" // groups alerts, feeds incident creation
)

// RuleScope selects which window items a rule considers
type RuleScope string

const (
	RuleScopeAll    RuleScope = "all"
	RuleScopeFilter RuleScope = "filter"
)

// WindowType selects the windowing semantics of a correlation rule
type WindowType string

const (
	WindowTypeSliding WindowType = "sliding"
	WindowTypeFixed   WindowType = "fixed"
	WindowTypeSession WindowType = "session"
)

// Alignment anchors fixed windows to a calendar unit
type Alignment string

const (
	AlignmentDay    Alignment = "day"
	AlignmentHour   Alignment = "hour"
	AlignmentMinute Alignment = "minute"
)

// CorrelationRule is read-mostly configuration describing how events or
// alerts are grouped and escalated. MatchRules is parsed once at load by
// the rule package.
type CorrelationRule struct {
	RuleID     string          `json:"rule_id"`
	Name       string          `json:"name"`
	RuleType   RuleType        `json:"rule_type"`
	Scope      RuleScope       `json:"scope"`
	MatchRules json.RawMessage `json:"match_rules,omitempty"`

	WindowType    WindowType    `json:"window_type"`
	WindowSize    time.Duration `json:"window_size"`
	SlideInterval time.Duration `json:"slide_interval,omitempty"` // sliding only
	Alignment     Alignment     `json:"alignment,omitempty"`      // fixed only

	// Session windows group by these fields; empty means fingerprint.
	SessionKeyFields []string      `json:"session_key_fields,omitempty"`
	SessionTimeout   time.Duration `json:"session_timeout,omitempty"`

	// MaxWindowSize caps session window item count; 0 means unbounded.
	MaxWindowSize int `json:"max_window_size,omitempty"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AggregationRule controls how events roll into alerts for a source
type AggregationRule struct {
	RuleID      string          `json:"rule_id"`
	Name        string          `json:"name"`
	Condition   json.RawMessage `json:"condition,omitempty"`
	Severity    Level           `json:"severity,omitempty"`
	Template    string          `json:"template,omitempty"`
	GroupBy     []string        `json:"group_by,omitempty"`
	Description string          `json:"description,omitempty"`
	IsActive    bool            `json:"is_active"`
}
