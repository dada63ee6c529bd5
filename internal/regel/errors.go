package regel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRule matches any *InvalidRuleError.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrComponentNotFound matches any *ComponentNotFoundError.
	ErrComponentNotFound = errors.New("component not found")
)

// InvalidRuleError reports a malformed rule tree: unsupported operation,
// missing or mistyped field, or a ValueRef with both or neither lookup form.
type InvalidRuleError struct {
	Operation Operation
	Field     string
	Reason    string
}

func (e *InvalidRuleError) Error() string {
	var b strings.Builder
	b.WriteString("invalid rule")
	switch {
	case e.Operation != "" && e.Field != "":
		fmt.Fprintf(&b, ": %s.%s", e.Operation, e.Field)
	case e.Operation != "":
		fmt.Fprintf(&b, ": %s", e.Operation)
	case e.Field != "":
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

// Is makes errors.Is(err, ErrInvalidRule) succeed.
func (e *InvalidRuleError) Is(target error) bool {
	return target == ErrInvalidRule
}

// ComponentNotFoundError reports runtime data the rule referenced but the
// caller did not supply: an unknown component, an unknown attribute on a
// known component, or an unknown context key.
type ComponentNotFoundError struct {
	Komponente string
	Attribut   string
	Quelle     string
}

func (e *ComponentNotFoundError) Error() string {
	switch {
	case e.Quelle != "":
		return fmt.Sprintf("context value not found: %q", e.Quelle)
	case e.Attribut != "":
		return fmt.Sprintf("attribute not found: %q on component %q", e.Attribut, e.Komponente)
	default:
		return fmt.Sprintf("component not found: %q", e.Komponente)
	}
}

// Is makes errors.Is(err, ErrComponentNotFound) succeed.
func (e *ComponentNotFoundError) Is(target error) bool {
	return target == ErrComponentNotFound
}

func invalid(op Operation, field, format string, args ...any) *InvalidRuleError {
	return &InvalidRuleError{Operation: op, Field: field, Reason: fmt.Sprintf(format, args...)}
}
