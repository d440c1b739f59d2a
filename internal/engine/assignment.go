package engine

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/model"
	"github.com/t77yq/alert-correlation/internal/rule"
)

// Resolution is the routing outcome for one alert
type Resolution struct {
	PolicyIDs  []string
	Recipients []string
	Channels   []string
	Frequency  model.NotificationFrequency
}

// Assigner resolves alerts to recipients via routing policies.
// Policies are loaded as a batch and replaced copy-on-write. By
// default the highest-priority matching policy wins; additive mode
// merges recipients and channels across all matches, keeping the
// first match's frequency.
type Assigner struct {
	logger   *zap.Logger
	additive bool

	mu       sync.RWMutex
	policies []*compiledPolicy
}

type compiledPolicy struct {
	config  *model.AlertAssignment
	matches []*rule.MatchRule
}

// NewAssigner creates an assigner with no policies loaded
func NewAssigner(logger *zap.Logger, additive bool) *Assigner {
	return &Assigner{
		logger:   logger.Named("assigner"),
		additive: additive,
	}
}

// LoadPolicies parses and swaps in a new policy set, ordered by
// priority ascending (lower number wins)
func (s *Assigner) LoadPolicies(configs []*model.AlertAssignment) error {
	compiled := make([]*compiledPolicy, 0, len(configs))
	for _, config := range configs {
		if !config.IsActive {
			continue
		}
		matches, err := rule.ParseMatchRules(config.MatchRules)
		if err != nil {
			return fmt.Errorf("failed to compile assignment policy %s: %w", config.ID, err)
		}
		compiled = append(compiled, &compiledPolicy{config: config, matches: matches})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].config.Priority < compiled[j].config.Priority
	})

	s.mu.Lock()
	s.policies = compiled
	s.mu.Unlock()

	s.logger.Info("Loaded assignment policies", zap.Int("count", len(compiled)))
	return nil
}

// Resolve returns the routing outcome for an alert, or nil when no
// policy matches. The alert itself is not modified.
func (s *Assigner) Resolve(alert *model.Alert) *Resolution {
	s.mu.RLock()
	policies := s.policies
	s.mu.RUnlock()

	var resolution *Resolution
	for _, p := range policies {
		if !policyApplies(p.config.MatchType, p.matches, alert) {
			continue
		}
		if resolution == nil {
			resolution = &Resolution{
				PolicyIDs:  []string{p.config.ID},
				Recipients: append([]string(nil), p.config.Personnel...),
				Channels:   append([]string(nil), p.config.NotifyChannels...),
				Frequency:  p.config.NotificationFrequency,
			}
			if !s.additive {
				break
			}
			continue
		}
		resolution.PolicyIDs = append(resolution.PolicyIDs, p.config.ID)
		resolution.Recipients = mergeUnique(resolution.Recipients, p.config.Personnel)
		resolution.Channels = mergeUnique(resolution.Channels, p.config.NotifyChannels)
	}
	return resolution
}

func policyApplies(matchType model.MatchType, matches []*rule.MatchRule, alert *model.Alert) bool {
	if matchType == model.MatchTypeAll {
		return true
	}
	return rule.MatchesAll(matches, alert)
}

func mergeUnique(dst, src []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range src {
		if _, ok := seen[v]; !ok {
			dst = append(dst, v)
			seen[v] = struct{}{}
		}
	}
	return dst
}
