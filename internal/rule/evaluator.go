package rule

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/model"
)

// EvaluationResult is the outcome of applying a rule to window contents.
// Non-matching items are simply dropped from this rule's consideration;
// their own records are untouched.
type EvaluationResult struct {
	Matched bool
	Groups  [][]Fielder
}

// Evaluator applies correlation rules to window contents. Rules are
// loaded as a batch and replaced copy-on-write; evaluation is safe for
// concurrent use.
type Evaluator struct {
	logger *zap.Logger
	mu     sync.RWMutex
	rules  map[string]*compiledRule
}

type compiledRule struct {
	config  *model.CorrelationRule
	matches []*MatchRule
}

// NewEvaluator creates an evaluator with no rules loaded
func NewEvaluator(logger *zap.Logger) *Evaluator {
	return &Evaluator{
		logger: logger.Named("evaluator"),
		rules:  make(map[string]*compiledRule),
	}
}

// LoadRules parses and swaps in a new rule set. Parsing happens once
// here; Evaluate never touches raw JSON.
func (e *Evaluator) LoadRules(configs []*model.CorrelationRule) error {
	compiled := make(map[string]*compiledRule, len(configs))
	for _, config := range configs {
		if !config.IsActive {
			continue
		}
		if err := validateWindow(config); err != nil {
			return err
		}
		matches, err := ParseMatchRules(config.MatchRules)
		if err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", config.RuleID, err)
		}
		compiled[config.RuleID] = &compiledRule{config: config, matches: matches}
	}

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()

	e.logger.Info("Loaded correlation rules", zap.Int("count", len(compiled)))
	return nil
}

// validateWindow rejects fixed windows whose size neither divides nor
// is a multiple of the alignment unit. Boundaries fall off the
// calendar grid otherwise.
func validateWindow(config *model.CorrelationRule) error {
	if config.WindowType != model.WindowTypeFixed || config.WindowSize <= 0 {
		return nil
	}
	unit := time.Minute
	switch config.Alignment {
	case model.AlignmentDay:
		unit = 24 * time.Hour
	case model.AlignmentHour:
		unit = time.Hour
	}
	if config.WindowSize >= unit {
		if config.WindowSize%unit != 0 {
			return fmt.Errorf("%w: rule %s: %s is not a multiple of the %s unit", ErrWindowMisaligned, config.RuleID, config.WindowSize, config.Alignment)
		}
		return nil
	}
	if unit%config.WindowSize != 0 {
		return fmt.Errorf("%w: rule %s: %s does not divide the %s unit", ErrWindowMisaligned, config.RuleID, config.WindowSize, config.Alignment)
	}
	return nil
}

// Rules returns the loaded rule configurations
func (e *Evaluator) Rules() []*model.CorrelationRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	configs := make([]*model.CorrelationRule, 0, len(e.rules))
	for _, r := range e.rules {
		configs = append(configs, r.config)
	}
	return configs
}

// Rule returns a loaded rule configuration by ID
func (e *Evaluator) Rule(ruleID string) (*model.CorrelationRule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.rules[ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	return r.config, nil
}

// Evaluate applies the named rule to a closed or ticked window's
// contents. scope=all produces a single group with everything;
// scope=filter keeps only matching items.
func (e *Evaluator) Evaluate(ruleID string, items []Fielder) (EvaluationResult, error) {
	e.mu.RLock()
	r, ok := e.rules[ruleID]
	e.mu.RUnlock()
	if !ok {
		return EvaluationResult{}, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}

	if len(items) == 0 {
		return EvaluationResult{}, nil
	}

	if r.config.Scope == model.RuleScopeAll {
		return EvaluationResult{Matched: true, Groups: [][]Fielder{items}}, nil
	}

	var group []Fielder
	for _, item := range items {
		if MatchesAll(r.matches, item) {
			group = append(group, item)
		}
	}
	if len(group) == 0 {
		return EvaluationResult{}, nil
	}
	return EvaluationResult{Matched: true, Groups: [][]Fielder{group}}, nil
}
