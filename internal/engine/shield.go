package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/model"
	"github.com/t77yq/alert-correlation/internal/rule"
)

// Shielder decides whether notifications for an alert are suppressed.
// Suppression gates delivery only; alert lifecycle state is untouched,
// and suppressed directives remain visible for audit.
type Shielder struct {
	logger *zap.Logger

	mu       sync.RWMutex
	policies []*compiledShield
}

type compiledShield struct {
	config  *model.AlertShield
	matches []*rule.MatchRule
}

// NewShielder creates a shielder with no policies loaded
func NewShielder(logger *zap.Logger) *Shielder {
	return &Shielder{logger: logger.Named("shielder")}
}

// LoadPolicies parses and swaps in a new shield policy set
func (s *Shielder) LoadPolicies(configs []*model.AlertShield) error {
	compiled := make([]*compiledShield, 0, len(configs))
	for _, config := range configs {
		if !config.IsActive {
			continue
		}
		matches, err := rule.ParseMatchRules(config.MatchRules)
		if err != nil {
			return fmt.Errorf("failed to compile shield policy %s: %w", config.ID, err)
		}
		compiled = append(compiled, &compiledShield{config: config, matches: matches})
	}

	s.mu.Lock()
	s.policies = compiled
	s.mu.Unlock()

	s.logger.Info("Loaded shield policies", zap.Int("count", len(compiled)))
	return nil
}

// Suppressed reports whether any active shield policy covers the alert
// at the given time, and which policy matched first
func (s *Shielder) Suppressed(alert *model.Alert, now time.Time) (bool, string) {
	s.mu.RLock()
	policies := s.policies
	s.mu.RUnlock()

	for _, p := range policies {
		if !policyApplies(p.config.MatchType, p.matches, alert) {
			continue
		}
		if suppressionCovers(&p.config.SuppressionTime, now) {
			return true, p.config.ID
		}
	}
	return false, ""
}

// suppressionCovers reports whether the window is in effect at t.
// Recurring windows compare wall-clock minutes in t's location; a
// window whose end precedes its start wraps past midnight.
func suppressionCovers(st *model.SuppressionTime, t time.Time) bool {
	switch st.Type {
	case model.SuppressionTypeOnce:
		return !t.Before(st.StartTime) && !t.After(st.EndTime)
	case model.SuppressionTypeDaily:
		return clockWithin(st.StartOfDay, st.EndOfDay, t)
	case model.SuppressionTypeWeek:
		if !weekdayIn(st.WeekDays, t.Weekday()) {
			return false
		}
		return clockWithin(st.StartOfDay, st.EndOfDay, t)
	default:
		return false
	}
}

func clockWithin(start, end string, t time.Time) bool {
	startAt, err := time.Parse("15:04", start)
	if err != nil {
		return false
	}
	endAt, err := time.Parse("15:04", end)
	if err != nil {
		return false
	}

	minute := t.Hour()*60 + t.Minute()
	startMin := startAt.Hour()*60 + startAt.Minute()
	endMin := endAt.Hour()*60 + endAt.Minute()

	if startMin <= endMin {
		return minute >= startMin && minute <= endMin
	}
	// wraps past midnight
	return minute >= startMin || minute <= endMin
}

func weekdayIn(days []int, day time.Weekday) bool {
	for _, d := range days {
		if time.Weekday(d) == day {
			return true
		}
	}
	return false
}
