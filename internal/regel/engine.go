package regel

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	one  = decimal.NewFromInt(1)
	zero = decimal.Zero
)

// Engine evaluates and validates rule trees. It holds no mutable state, so
// one Engine can be shared by any number of goroutines as long as the maps
// handed to Execute are not mutated during the call.
type Engine struct{}

// NewEngine creates a rule engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Execute evaluates node against components and context and returns the
// exact decimal result. It returns an *InvalidRuleError for malformed trees
// and a *ComponentNotFoundError when referenced data is missing.
// Either map may be nil.
func (e *Engine) Execute(node Node, components Components, context ContextValues) (decimal.Decimal, error) {
	ev := evaluator{components: components, context: context}
	return ev.eval(node, "")
}

type evaluator struct {
	components Components
	context    ContextValues
}

// eval dispatches on the node variant. field names the parent field that
// held node and is only used for error messages about missing sub-trees.
func (ev *evaluator) eval(node Node, field string) (decimal.Decimal, error) {
	if isNil(node) {
		return zero, &InvalidRuleError{Field: field, Reason: "missing rule"}
	}

	switch n := node.(type) {
	case *Fixed:
		if !n.Wert.Valid {
			return zero, invalid(OpFixed, "wert", "required")
		}
		return n.Wert.Decimal, nil

	case *Multiply:
		if !n.Faktor.Valid {
			return zero, invalid(OpMultiply, "faktor", "required")
		}
		if n.Komponente == "" {
			return zero, invalid(OpMultiply, "komponente", "required")
		}
		if n.Attribut == "" {
			return zero, invalid(OpMultiply, "attribut", "required")
		}
		v, err := ev.lookup(n.Komponente, n.Attribut)
		if err != nil {
			return zero, err
		}
		return n.Faktor.Decimal.Mul(v), nil

	case *Add:
		if len(n.Terme) == 0 {
			return zero, invalid(OpAdd, "terme", "must be a non-empty list")
		}
		sum := zero
		for _, t := range n.Terme {
			v, err := ev.eval(t, "terme")
			if err != nil {
				return zero, err
			}
			sum = sum.Add(v)
		}
		return sum, nil

	case *Subtract:
		a, err := ev.eval(n.Minuend, "minuend")
		if err != nil {
			return zero, err
		}
		b, err := ev.eval(n.Subtrahend, "subtrahend")
		if err != nil {
			return zero, err
		}
		return a.Sub(b), nil

	case *Compare:
		return ev.compare(n)

	case *IfThenElse:
		cond, err := ev.eval(n.Bedingung, "bedingung")
		if err != nil {
			return zero, err
		}
		if !cond.IsZero() {
			return ev.eval(n.Dann, "dann")
		}
		return ev.eval(n.Sonst, "sonst")

	case *Logical:
		return ev.logical(n)

	case *Unsupported:
		return zero, &InvalidRuleError{Operation: n.Operation, Reason: "unsupported operation"}

	case *Malformed:
		return zero, &InvalidRuleError{Operation: n.Operation, Reason: joinProblems(n.Problems)}

	}

	// Node is sealed and every implementation is handled above.
	panic(fmt.Sprintf("regel: unhandled node type %T", node))
}

func (ev *evaluator) compare(n *Compare) (decimal.Decimal, error) {
	if !n.Operation.IsComparison() {
		return zero, &InvalidRuleError{Operation: n.Operation, Reason: "unsupported operation"}
	}
	if n.Links == nil {
		return zero, invalid(n.Operation, "links", "required")
	}
	if !n.Rechts.Valid {
		return zero, invalid(n.Operation, "rechts", "required")
	}
	left, err := ev.lookupValueRef(n.Operation, n.Links)
	if err != nil {
		return zero, err
	}
	right := n.Rechts.Decimal

	var holds bool
	switch n.Operation {
	case OpGreaterThan:
		holds = left.GreaterThan(right)
	case OpLessThan:
		holds = left.LessThan(right)
	case OpEquals:
		holds = left.Equal(right)
	case OpGreaterEqual:
		holds = left.GreaterThanOrEqual(right)
	case OpLessEqual:
		holds = left.LessThanOrEqual(right)
	}
	return boolean(holds), nil
}

// logical evaluates every condition so that a broken term is reported even
// when the result is already decided.
func (ev *evaluator) logical(n *Logical) (decimal.Decimal, error) {
	if !n.Operation.IsLogical() {
		return zero, &InvalidRuleError{Operation: n.Operation, Reason: "unsupported operation"}
	}
	if len(n.Bedingungen) == 0 {
		return zero, invalid(n.Operation, "bedingungen", "must be a non-empty list")
	}

	all, some := true, false
	for _, b := range n.Bedingungen {
		v, err := ev.eval(b, "bedingungen")
		if err != nil {
			return zero, err
		}
		if v.IsZero() {
			all = false
		} else {
			some = true
		}
	}

	if n.Operation == OpAnd {
		return boolean(all), nil
	}
	return boolean(some), nil
}

func boolean(b bool) decimal.Decimal {
	if b {
		return one
	}
	return zero
}
