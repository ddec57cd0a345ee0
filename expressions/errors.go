package expressions

import (
	"fmt"

	"github.com/qtoggle/qtoggleserver/errors"
)

// Parse error kinds surfaced as structured API errors.
const (
	ParseEmpty             = "empty"
	ParseUnexpectedChar    = "unexpected-character"
	ParseUnexpectedEnd     = "unexpected-end"
	ParseUnbalancedParens  = "unbalanced-parentheses"
	ParseUnknownFunction   = "unknown-function"
	ParseInvalidArgCount   = "invalid-number-of-arguments"
	ParseInvalidArgKind    = "invalid-argument-kind"
	ParseNonSelfDependency = "non-self-dependency"
)

// ParseError describes where and why parsing failed. Pos is 1-based.
type ParseError struct {
	Kind  string
	Pos   int
	Token string
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("%s at position %d: %q", e.Kind, e.Pos, e.Token)
	}
	return fmt.Sprintf("%s at position %d", e.Kind, e.Pos)
}

// EvalError describes a runtime evaluation failure (arithmetic errors,
// invalid operands).
type EvalError struct {
	Reason string
}

// Error implements the error interface
func (e *EvalError) Error() string {
	return "expression evaluation: " + e.Reason
}

// ErrValueUnavailable marks an operand with no current value; AVAILABLE
// and DEFAULT catch it, everything else propagates it.
var ErrValueUnavailable = errors.ErrValueUnavailable

// CircularDependency reports an expression dependency cycle between
// ports, detected when the expression is set.
type CircularDependency struct {
	PortID string
}

// Error implements the error interface
func (e *CircularDependency) Error() string {
	return fmt.Sprintf("circular dependency through port %s", e.PortID)
}
