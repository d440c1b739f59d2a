package rule

import "errors"

var (
	// ErrUnknownOp is returned when a match rule uses an unsupported operator
	ErrUnknownOp = errors.New("unknown match operator")

	// ErrMissingField is returned when a leaf rule has no field name
	ErrMissingField = errors.New("match rule missing field")

	// ErrEmptyCompound is returned when an and/or rule has no children
	ErrEmptyCompound = errors.New("compound match rule has no children")

	// ErrRuleNotFound is returned when evaluating an unloaded rule
	ErrRuleNotFound = errors.New("correlation rule not found")

	// ErrWindowMisaligned is returned when a fixed window's size does
	// not fit its alignment grid
	ErrWindowMisaligned = errors.New("fixed window size off alignment grid")
)
