package window

import (
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/metrics"
	"github.com/t77yq/alert-correlation/internal/model"
)

// fixedBucket collects items for one calendar-aligned window instance.
// Buckets are deleted at closure; an item arriving for an already
// closed boundary creates a fresh bucket (a new window instance) that
// closes at the next tick. Windows are never retroactively reopened.
type fixedBucket struct {
	boundary time.Time
	items    []Item
}

// alignBoundary computes the start of the window covering at. Sizes
// below the alignment unit subdivide the truncated unit; sizes at or
// above it truncate to the epoch grid, which stays unit-aligned as
// long as the size is a whole multiple of the unit. Rule loading
// rejects sizes that fit neither case.
func alignBoundary(at time.Time, alignment model.Alignment, size time.Duration) time.Time {
	at = at.UTC()
	if size <= 0 {
		size = time.Minute
	}
	unit := alignmentUnit(alignment)
	if size >= unit {
		return at.Truncate(size)
	}
	anchor := at.Truncate(unit)
	return anchor.Add(at.Sub(anchor) / size * size)
}

func alignmentUnit(alignment model.Alignment) time.Duration {
	switch alignment {
	case model.AlignmentDay:
		return 24 * time.Hour
	case model.AlignmentHour:
		return time.Hour
	default:
		return time.Minute
	}
}

func (m *Manager) enrollFixed(ruleConfig *model.CorrelationRule, key string, item Item) {
	boundary := alignBoundary(item.At, ruleConfig.Alignment, ruleConfig.WindowSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	wk := windowKey{ruleID: ruleConfig.RuleID, key: key}
	buckets, ok := m.fixed[wk]
	if !ok {
		buckets = make(map[int64]*fixedBucket)
		m.fixed[wk] = buckets
	}
	bucket, ok := buckets[boundary.Unix()]
	if !ok {
		bucket = &fixedBucket{boundary: boundary}
		buckets[boundary.Unix()] = bucket
		metrics.WindowsActive.WithLabelValues(string(model.WindowTypeFixed)).Inc()
	}
	bucket.items = append(bucket.items, item)
}

func (m *Manager) tickFixed(configs map[string]*model.CorrelationRule, now time.Time) {
	type pending struct {
		config *model.CorrelationRule
		key    string
		items  []Item
	}
	var closed []pending

	m.mu.Lock()
	for wk, buckets := range m.fixed {
		config, ok := configs[wk.ruleID]
		if !ok {
			for range buckets {
				metrics.WindowsActive.WithLabelValues(string(model.WindowTypeFixed)).Dec()
			}
			delete(m.fixed, wk)
			continue
		}
		for unix, bucket := range buckets {
			if bucket.boundary.Add(config.WindowSize).After(now) {
				continue
			}
			delete(buckets, unix)
			metrics.WindowsActive.WithLabelValues(string(model.WindowTypeFixed)).Dec()
			closed = append(closed, pending{config: config, key: wk.key, items: bucket.items})
		}
		if len(buckets) == 0 {
			delete(m.fixed, wk)
		}
	}
	m.mu.Unlock()

	for _, p := range closed {
		m.logger.Debug("Fixed window closed",
			zap.String("rule_id", p.config.RuleID),
			zap.String("key", p.key),
			zap.Int("items", len(p.items)))
		metrics.WindowEvaluations.WithLabelValues(string(model.WindowTypeFixed)).Inc()
		m.emit(p.config, p.key, p.items, true)
	}
}
