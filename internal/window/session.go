package window

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/metrics"
	"github.com/t77yq/alert-correlation/internal/model"
)

// sessionState pairs the durable SessionWindow record with the
// in-memory item payloads accumulated since this process enrolled them.
// After a restart, a recovered window resumes with its persisted event
// id list; payloads enrolled before the restart are not replayed.
type sessionState struct {
	window *model.SessionWindow
	items  []Item
}

func (m *Manager) enrollSession(ctx context.Context, ruleConfig *model.CorrelationRule, key string, item Item, now time.Time) error {
	m.mu.Lock()

	wk := windowKey{ruleID: ruleConfig.RuleID, key: key}
	state, ok := m.session[wk]
	if !ok {
		// Recover an active window persisted by a previous run
		persisted, err := m.sessions.GetActiveSessionWindow(ctx, key, ruleConfig.RuleID)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to look up session window: %w", err)
		}
		if persisted != nil {
			state = &sessionState{window: persisted}
			m.session[wk] = state
			metrics.WindowsActive.WithLabelValues(string(model.WindowTypeSession)).Inc()
		}
	}

	// An existing window that has already idled out closes first; the
	// item then starts a new window (never extend across the gap).
	var toClose *sessionState
	if state != nil && state.window.Expired(now) {
		toClose = state
		delete(m.session, wk)
		metrics.WindowsActive.WithLabelValues(string(model.WindowTypeSession)).Dec()
		state = nil
	}

	if state == nil {
		state = &sessionState{
			window: &model.SessionWindow{
				SessionID:      "SESSION-" + uuid.New().String(),
				SessionKey:     key,
				RuleID:         ruleConfig.RuleID,
				SessionStart:   now,
				LastActivity:   now,
				SessionTimeout: ruleConfig.SessionTimeout,
				IsActive:       true,
				CreatedAt:      now,
				UpdatedAt:      now,
			},
		}
		m.session[wk] = state
		metrics.WindowsActive.WithLabelValues(string(model.WindowTypeSession)).Inc()

		state.window.EventIDs = append(state.window.EventIDs, item.ID)
		state.items = append(state.items, item)
		err := m.sessions.SaveSessionWindow(ctx, state.window)
		m.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to persist session window: %w", err)
		}
		if toClose != nil {
			m.closeSession(ctx, ruleConfig, toClose, "timeout")
		}
		return nil
	}

	// Extend the active window
	state.window.LastActivity = now
	state.window.UpdatedAt = now
	state.window.EventIDs = append(state.window.EventIDs, item.ID)
	state.items = append(state.items, item)

	var forceClose *sessionState
	if ruleConfig.MaxWindowSize > 0 && len(state.window.EventIDs) >= ruleConfig.MaxWindowSize {
		forceClose = state
		delete(m.session, wk)
		metrics.WindowsActive.WithLabelValues(string(model.WindowTypeSession)).Dec()
	}
	err := m.sessions.UpdateSessionWindow(ctx, state.window)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to persist session window: %w", err)
	}
	if forceClose != nil {
		m.closeSession(ctx, ruleConfig, forceClose, "max_size")
	}
	return nil
}

func (m *Manager) reapSessions(ctx context.Context, configs map[string]*model.CorrelationRule, now time.Time) {
	type pending struct {
		config *model.CorrelationRule
		state  *sessionState
	}
	var expired []pending

	m.mu.Lock()
	for wk, state := range m.session {
		if !state.window.Expired(now) {
			continue
		}
		if config, ok := configs[wk.ruleID]; ok {
			expired = append(expired, pending{config: config, state: state})
		}
		delete(m.session, wk)
		metrics.WindowsActive.WithLabelValues(string(model.WindowTypeSession)).Dec()
	}
	m.mu.Unlock()

	for _, p := range expired {
		m.closeSession(ctx, p.config, p.state, "timeout")
	}

	// Windows persisted by a previous run that never saw new activity
	// have no in-memory state; close them too so they cannot linger.
	orphans, err := m.sessions.ListExpiredSessionWindows(ctx, now)
	if err != nil {
		m.logger.Error("Failed to list expired session windows", zap.Error(err))
		return
	}
	for _, window := range orphans {
		if !window.IsActive {
			continue
		}
		config, ok := configs[window.RuleID]
		if !ok {
			continue
		}
		m.mu.Lock()
		_, tracked := m.session[windowKey{ruleID: window.RuleID, key: window.SessionKey}]
		m.mu.Unlock()
		if tracked {
			continue
		}
		m.closeSession(ctx, config, &sessionState{window: window}, "timeout")
	}
}

// closeSession persists the closure and triggers exactly one evaluation.
// The caller must already have removed the state from m.session.
func (m *Manager) closeSession(ctx context.Context, config *model.CorrelationRule, state *sessionState, reason string) {
	state.window.IsActive = false
	state.window.UpdatedAt = time.Now().UTC()
	if err := m.sessions.UpdateSessionWindow(ctx, state.window); err != nil {
		m.logger.Error("Failed to persist session close",
			zap.String("session_id", state.window.SessionID),
			zap.Error(err))
	}

	m.logger.Info("Session window closed",
		zap.String("session_id", state.window.SessionID),
		zap.String("rule_id", state.window.RuleID),
		zap.String("reason", reason),
		zap.Int("items", len(state.window.EventIDs)))
	metrics.SessionWindowsClosed.WithLabelValues(reason).Inc()
	metrics.WindowEvaluations.WithLabelValues(string(model.WindowTypeSession)).Inc()

	m.emit(config, state.window.SessionKey, state.items, true)
}
