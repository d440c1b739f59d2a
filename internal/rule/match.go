// Package rule implements match-rule parsing and correlation rule
// evaluation. Rules arrive as JSON configuration, are parsed once into a
// tagged-variant AST at load time, and are evaluated by a small
// interpreter against events or alerts.
package rule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Fielder resolves named attributes for match evaluation. Event and
// Alert both implement it; attributes shadow labels of the same name.
type Fielder interface {
	Field(name string) (interface{}, bool)
}

// Op is the operator of a match rule node
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpRange    Op = "range"
	OpAnd      Op = "and"
	OpOr       Op = "or"
)

// MatchRule is one node of the match AST. Leaf nodes (eq/ne/in/contains/
// range) test a single field; compound nodes (and/or) combine children.
type MatchRule struct {
	Op     Op            `json:"op"`
	Field  string        `json:"field,omitempty"`
	Value  interface{}   `json:"value,omitempty"`
	Values []interface{} `json:"values,omitempty"`
	Min    *float64      `json:"min,omitempty"`
	Max    *float64      `json:"max,omitempty"`
	Rules  []*MatchRule  `json:"rules,omitempty"`
}

// ParseMatchRules parses a JSON array of match rules. A nil or empty
// document parses to no rules, which matches everything. The top-level
// list combines with AND semantics.
func ParseMatchRules(raw json.RawMessage) ([]*MatchRule, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var rules []*MatchRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse match rules: %w", err)
	}

	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

func (r *MatchRule) validate() error {
	switch r.Op {
	case OpAnd, OpOr:
		if len(r.Rules) == 0 {
			return ErrEmptyCompound
		}
		for _, child := range r.Rules {
			if err := child.validate(); err != nil {
				return err
			}
		}
		return nil
	case OpEq, OpNe, OpIn, OpContains, OpRange:
		if r.Field == "" {
			return ErrMissingField
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, r.Op)
	}
}

// Matches evaluates the rule against a single item
func (r *MatchRule) Matches(item Fielder) bool {
	switch r.Op {
	case OpAnd:
		for _, child := range r.Rules {
			if !child.Matches(item) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range r.Rules {
			if child.Matches(item) {
				return true
			}
		}
		return false
	}

	value, ok := item.Field(r.Field)
	if !ok {
		return false
	}

	switch r.Op {
	case OpEq:
		return equalValues(value, r.Value)
	case OpNe:
		return !equalValues(value, r.Value)
	case OpIn:
		for _, candidate := range r.Values {
			if equalValues(value, candidate) {
				return true
			}
		}
		return false
	case OpContains:
		haystack, hok := asString(value)
		needle, nok := asString(r.Value)
		return hok && nok && strings.Contains(haystack, needle)
	case OpRange:
		number, nok := asFloat(value)
		if !nok {
			return false
		}
		if r.Min != nil && number < *r.Min {
			return false
		}
		if r.Max != nil && number > *r.Max {
			return false
		}
		return true
	}
	return false
}

// MatchesAll applies a top-level rule list with AND semantics.
// An empty list matches everything.
func MatchesAll(rules []*MatchRule, item Fielder) bool {
	for _, r := range rules {
		if !r.Matches(item) {
			return false
		}
	}
	return true
}

// equalValues compares loosely-typed configuration values against item
// attributes. JSON numbers decode as float64, so numeric comparisons go
// through float conversion.
func equalValues(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	as, aok := asString(a)
	bs, bok := asString(b)
	return aok && bok && as == bs
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

