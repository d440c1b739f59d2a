package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/alert-correlation/internal/model"
)

// Policy configuration as it appears in config.yaml. Match rules are
// embedded JSON documents so the same syntax drives correlation rules,
// assignment and shields.

type ruleSpec struct {
	RuleID           string        `mapstructure:"rule_id"`
	Name             string        `mapstructure:"name"`
	RuleType         string        `mapstructure:"rule_type"`
	Scope            string        `mapstructure:"scope"`
	MatchRules       string        `mapstructure:"match_rules"`
	WindowType       string        `mapstructure:"window_type"`
	WindowSize       time.Duration `mapstructure:"window_size"`
	SlideInterval    time.Duration `mapstructure:"slide_interval"`
	Alignment        string        `mapstructure:"alignment"`
	SessionKeyFields []string      `mapstructure:"session_key_fields"`
	SessionTimeout   time.Duration `mapstructure:"session_timeout"`
	MaxWindowSize    int           `mapstructure:"max_window_size"`
	Disabled         bool          `mapstructure:"disabled"`
}

type aggregationSpec struct {
	RuleID    string `mapstructure:"rule_id"`
	Name      string `mapstructure:"name"`
	Condition string `mapstructure:"condition"`
	Severity  string `mapstructure:"severity"`
	Template  string `mapstructure:"template"`
	Disabled  bool   `mapstructure:"disabled"`
}

type frequencySpec struct {
	IntervalMinutes   int   `mapstructure:"interval_minutes"`
	MaxReminders      int   `mapstructure:"max_reminders"`
	EscalationMinutes []int `mapstructure:"escalation_minutes"`
}

type assignmentSpec struct {
	ID             string        `mapstructure:"id"`
	Name           string        `mapstructure:"name"`
	MatchType      string        `mapstructure:"match_type"`
	MatchRules     string        `mapstructure:"match_rules"`
	Personnel      []string      `mapstructure:"personnel"`
	NotifyChannels []string      `mapstructure:"notify_channels"`
	Frequency      frequencySpec `mapstructure:"notification_frequency"`
	Priority       int           `mapstructure:"priority"`
	Disabled       bool          `mapstructure:"disabled"`
}

type suppressionSpec struct {
	Type       string `mapstructure:"type"`
	StartTime  string `mapstructure:"start_time"`
	EndTime    string `mapstructure:"end_time"`
	StartOfDay string `mapstructure:"start_of_day"`
	EndOfDay   string `mapstructure:"end_of_day"`
	WeekDays   []int  `mapstructure:"week_days"`
}

type shieldSpec struct {
	ID          string          `mapstructure:"id"`
	Name        string          `mapstructure:"name"`
	MatchType   string          `mapstructure:"match_type"`
	MatchRules  string          `mapstructure:"match_rules"`
	Suppression suppressionSpec `mapstructure:"suppression"`
	Disabled    bool            `mapstructure:"disabled"`
}

func loadCorrelationRules() ([]*model.CorrelationRule, error) {
	var specs []ruleSpec
	if err := viper.UnmarshalKey("correlation_rules", &specs); err != nil {
		return nil, fmt.Errorf("failed to read correlation rules: %w", err)
	}

	rules := make([]*model.CorrelationRule, 0, len(specs))
	for _, spec := range specs {
		rules = append(rules, &model.CorrelationRule{
			RuleID:           spec.RuleID,
			Name:             spec.Name,
			RuleType:         model.RuleType(spec.RuleType),
			Scope:            model.RuleScope(spec.Scope),
			MatchRules:       rawMatchRules(spec.MatchRules),
			WindowType:       model.WindowType(spec.WindowType),
			WindowSize:       spec.WindowSize,
			SlideInterval:    spec.SlideInterval,
			Alignment:        model.Alignment(spec.Alignment),
			SessionKeyFields: spec.SessionKeyFields,
			SessionTimeout:   spec.SessionTimeout,
			MaxWindowSize:    spec.MaxWindowSize,
			IsActive:         !spec.Disabled,
		})
	}
	return rules, nil
}

func loadAggregationRules() ([]*model.AggregationRule, error) {
	var specs []aggregationSpec
	if err := viper.UnmarshalKey("aggregation_rules", &specs); err != nil {
		return nil, fmt.Errorf("failed to read aggregation rules: %w", err)
	}

	rules := make([]*model.AggregationRule, 0, len(specs))
	for _, spec := range specs {
		rules = append(rules, &model.AggregationRule{
			RuleID:    spec.RuleID,
			Name:      spec.Name,
			Condition: rawMatchRules(spec.Condition),
			Severity:  model.Level(spec.Severity),
			Template:  spec.Template,
			IsActive:  !spec.Disabled,
		})
	}
	return rules, nil
}

func loadAssignmentPolicies() ([]*model.AlertAssignment, error) {
	var specs []assignmentSpec
	if err := viper.UnmarshalKey("assignment_policies", &specs); err != nil {
		return nil, fmt.Errorf("failed to read assignment policies: %w", err)
	}

	policies := make([]*model.AlertAssignment, 0, len(specs))
	for _, spec := range specs {
		policies = append(policies, &model.AlertAssignment{
			ID:             spec.ID,
			Name:           spec.Name,
			MatchType:      model.MatchType(spec.MatchType),
			MatchRules:     rawMatchRules(spec.MatchRules),
			Personnel:      spec.Personnel,
			NotifyChannels: spec.NotifyChannels,
			NotificationFrequency: model.NotificationFrequency{
				IntervalMinutes:   spec.Frequency.IntervalMinutes,
				MaxReminders:      spec.Frequency.MaxReminders,
				EscalationMinutes: spec.Frequency.EscalationMinutes,
			},
			Priority: spec.Priority,
			IsActive: !spec.Disabled,
		})
	}
	return policies, nil
}

func loadShieldPolicies() ([]*model.AlertShield, error) {
	var specs []shieldSpec
	if err := viper.UnmarshalKey("shield_policies", &specs); err != nil {
		return nil, fmt.Errorf("failed to read shield policies: %w", err)
	}

	policies := make([]*model.AlertShield, 0, len(specs))
	for _, spec := range specs {
		suppression := model.SuppressionTime{
			Type:       model.SuppressionType(spec.Suppression.Type),
			StartOfDay: spec.Suppression.StartOfDay,
			EndOfDay:   spec.Suppression.EndOfDay,
			WeekDays:   spec.Suppression.WeekDays,
		}
		if spec.Suppression.StartTime != "" {
			start, err := time.Parse(time.RFC3339, spec.Suppression.StartTime)
			if err != nil {
				return nil, fmt.Errorf("shield %s: invalid start_time: %w", spec.ID, err)
			}
			suppression.StartTime = start
		}
		if spec.Suppression.EndTime != "" {
			end, err := time.Parse(time.RFC3339, spec.Suppression.EndTime)
			if err != nil {
				return nil, fmt.Errorf("shield %s: invalid end_time: %w", spec.ID, err)
			}
			suppression.EndTime = end
		}

		policies = append(policies, &model.AlertShield{
			ID:              spec.ID,
			Name:            spec.Name,
			MatchType:       model.MatchType(spec.MatchType),
			MatchRules:      rawMatchRules(spec.MatchRules),
			SuppressionTime: suppression,
			IsActive:        !spec.Disabled,
		})
	}
	return policies, nil
}

func rawMatchRules(doc string) json.RawMessage {
	if doc == "" {
		return nil
	}
	return json.RawMessage(doc)
}
