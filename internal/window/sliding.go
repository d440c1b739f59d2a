package window

import (
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/metrics"
	"github.com/t77yq/alert-correlation/internal/model"
)

// slidingWindow holds items for one (rule, key) pair. Evaluation is
// tick-driven: every slide_interval the window's current contents are
// handed to the evaluator without closing the window. Items age out
// once they fall behind window_size relative to evaluation time.
type slidingWindow struct {
	items    []Item
	lastEval time.Time
}

func (m *Manager) enrollSliding(ruleConfig *model.CorrelationRule, key string, item Item) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wk := windowKey{ruleID: ruleConfig.RuleID, key: key}
	w, ok := m.sliding[wk]
	if !ok {
		w = &slidingWindow{}
		m.sliding[wk] = w
		metrics.WindowsActive.WithLabelValues(string(model.WindowTypeSliding)).Inc()
	}
	w.items = append(w.items, item)
}

func (m *Manager) tickSliding(configs map[string]*model.CorrelationRule, now time.Time) {
	type pending struct {
		config *model.CorrelationRule
		key    string
		items  []Item
	}
	var ready []pending

	m.mu.Lock()
	for wk, w := range m.sliding {
		config, ok := configs[wk.ruleID]
		if !ok {
			delete(m.sliding, wk)
			metrics.WindowsActive.WithLabelValues(string(model.WindowTypeSliding)).Dec()
			continue
		}
		if now.Sub(w.lastEval) < config.SlideInterval {
			continue
		}
		w.lastEval = now

		// Age out items older than window_size relative to now
		cutoff := now.Add(-config.WindowSize)
		kept := w.items[:0]
		for _, item := range w.items {
			if !item.At.Before(cutoff) {
				kept = append(kept, item)
			}
		}
		w.items = kept

		if len(w.items) == 0 {
			delete(m.sliding, wk)
			metrics.WindowsActive.WithLabelValues(string(model.WindowTypeSliding)).Dec()
			continue
		}

		snapshot := make([]Item, len(w.items))
		copy(snapshot, w.items)
		ready = append(ready, pending{config: config, key: wk.key, items: snapshot})
	}
	m.mu.Unlock()

	// Evaluate outside the lock so emit handlers may enroll new items
	for _, p := range ready {
		m.logger.Debug("Sliding window tick",
			zap.String("rule_id", p.config.RuleID),
			zap.String("key", p.key),
			zap.Int("items", len(p.items)))
		metrics.WindowEvaluations.WithLabelValues(string(model.WindowTypeSliding)).Inc()
		m.emit(p.config, p.key, p.items, false)
	}
}
