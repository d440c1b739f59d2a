// Package window maintains per-rule, per-key collection windows over
// incoming events and alerts, and decides when a window's contents are
// handed to the correlation evaluator. Three semantics are supported:
// sliding (tick-driven re-evaluation), fixed (calendar-aligned, one
// evaluation at boundary crossing) and session (idle-timeout, one
// evaluation at close). Closed windows are never reopened; late items
// start a new window instance keyed the same way.
package window

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/metrics"
	"github.com/t77yq/alert-correlation/internal/model"
	"github.com/t77yq/alert-correlation/internal/rule"
)

// Item is one enrolled event or alert
type Item struct {
	ID      string
	At      time.Time
	Payload rule.Fielder
}

// Emit receives a window ready for evaluation. closed is false for
// sliding tick evaluations (the window stays open) and true for fixed
// and session closures.
type Emit func(ruleConfig *model.CorrelationRule, key string, items []Item, closed bool)

// SessionStore persists session window runtime state; storage.Store
// satisfies it.
type SessionStore interface {
	SaveSessionWindow(ctx context.Context, window *model.SessionWindow) error
	UpdateSessionWindow(ctx context.Context, window *model.SessionWindow) error
	GetActiveSessionWindow(ctx context.Context, sessionKey, ruleID string) (*model.SessionWindow, error)
	ListExpiredSessionWindows(ctx context.Context, now time.Time) ([]*model.SessionWindow, error)
}

type windowKey struct {
	ruleID string
	key    string
}

// Manager owns all active window descriptors. Enroll, Tick and Reap are
// safe for concurrent use; evaluation callbacks run synchronously under
// the manager's lock ordering guarantees (a given item reaches the
// evaluator at most once per tick for sliding, exactly once for
// fixed/session).
type Manager struct {
	logger   *zap.Logger
	sessions SessionStore
	emit     Emit

	mu      sync.Mutex
	sliding map[windowKey]*slidingWindow
	fixed   map[windowKey]map[int64]*fixedBucket
	session map[windowKey]*sessionState
}

// NewManager creates a window manager. emit must not be nil.
func NewManager(logger *zap.Logger, sessions SessionStore, emit Emit) *Manager {
	return &Manager{
		logger:   logger.Named("window"),
		sessions: sessions,
		emit:     emit,
		sliding:  make(map[windowKey]*slidingWindow),
		fixed:    make(map[windowKey]map[int64]*fixedBucket),
		session:  make(map[windowKey]*sessionState),
	}
}

// Enroll adds an item to the active window for (rule, key), creating
// the window if none exists. now is the arrival time; session idle
// gaps are measured against it.
func (m *Manager) Enroll(ctx context.Context, ruleConfig *model.CorrelationRule, key string, item Item, now time.Time) error {
	switch ruleConfig.WindowType {
	case model.WindowTypeSliding:
		m.enrollSliding(ruleConfig, key, item)
	case model.WindowTypeFixed:
		m.enrollFixed(ruleConfig, key, item)
	case model.WindowTypeSession:
		return m.enrollSession(ctx, ruleConfig, key, item, now)
	default:
		return fmt.Errorf("unknown window type %q for rule %s", ruleConfig.WindowType, ruleConfig.RuleID)
	}
	return nil
}

// Tick advances sliding evaluations and closes fixed windows whose
// boundary has passed. A skipped or delayed tick is caught up by the
// next one; correctness never depends on tick cadence.
func (m *Manager) Tick(ctx context.Context, rules []*model.CorrelationRule, now time.Time) {
	configs := make(map[string]*model.CorrelationRule, len(rules))
	for _, r := range rules {
		configs[r.RuleID] = r
	}

	m.tickSliding(configs, now)
	m.tickFixed(configs, now)
}

// Reap closes session windows whose idle gap exceeded their timeout.
// Each closed window is evaluated exactly once. A late sweep only
// delays closure; it never merges items across a timeout gap because
// the gap check compares stored activity times, not sweep times.
func (m *Manager) Reap(ctx context.Context, rules []*model.CorrelationRule, now time.Time) {
	configs := make(map[string]*model.CorrelationRule, len(rules))
	for _, r := range rules {
		configs[r.RuleID] = r
	}
	m.reapSessions(ctx, configs, now)
}

// CloseSessionsByKey force-closes all active session windows for a key
// without evaluation. Used by manual alert cancellation; idempotent.
func (m *Manager) CloseSessionsByKey(ctx context.Context, sessionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for wk, state := range m.session {
		if wk.key != sessionKey || !state.window.IsActive {
			continue
		}
		state.window.IsActive = false
		state.window.UpdatedAt = time.Now().UTC()
		if err := m.sessions.UpdateSessionWindow(ctx, state.window); err != nil {
			m.logger.Error("Failed to persist session close",
				zap.String("session_id", state.window.SessionID),
				zap.Error(err))
		}
		delete(m.session, wk)
		metrics.SessionWindowsClosed.WithLabelValues("cancelled").Inc()
		metrics.WindowsActive.WithLabelValues(string(model.WindowTypeSession)).Dec()
	}
}
