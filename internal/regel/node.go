// Package regel implements the Regel rule language: a JSON-shaped tree of
// arithmetic, comparison, conditional and logical operations that computes a
// single exact decimal quantity from measured components or flat context values.
package regel

import (
	"github.com/shopspring/decimal"
)

// Operation is the tag that selects a node variant in the JSON representation.
type Operation string

// Supported operations.
const (
	OpFixed        Operation = "FIXED"
	OpMultiply     Operation = "MULTIPLY"
	OpAdd          Operation = "ADD"
	OpSubtract     Operation = "SUBTRACT"
	OpGreaterThan  Operation = "GREATER_THAN"
	OpLessThan     Operation = "LESS_THAN"
	OpEquals       Operation = "EQUALS"
	OpGreaterEqual Operation = "GREATER_EQUAL"
	OpLessEqual    Operation = "LESS_EQUAL"
	OpIfThenElse   Operation = "IF_THEN_ELSE"
	OpAnd          Operation = "AND"
	OpOr           Operation = "OR"
)

// IsComparison reports whether op is one of the five comparison operations.
func (op Operation) IsComparison() bool {
	switch op {
	case OpGreaterThan, OpLessThan, OpEquals, OpGreaterEqual, OpLessEqual:
		return true
	}
	return false
}

// IsLogical reports whether op is AND or OR.
func (op Operation) IsLogical() bool {
	return op == OpAnd || op == OpOr
}

// Node is a single rule tree node. The set of implementations is closed.
type Node interface {
	// Op returns the operation tag of the node.
	Op() Operation
	node()
}

// Components maps a component name to its numeric attributes,
// e.g. {"Tür": {"anzahl": 2, "höhe": 2.0}}.
type Components map[string]map[string]decimal.Decimal

// ContextValues maps flat context keys to numbers, e.g. {"distanz_km": 75}.
type ContextValues map[string]decimal.Decimal

// Fixed is a literal constant.
type Fixed struct {
	Wert decimal.NullDecimal
}

// Multiply computes Faktor × lookup(Komponente, Attribut).
type Multiply struct {
	Faktor     decimal.NullDecimal
	Komponente string
	Attribut   string
}

// Add sums all of its terms.
type Add struct {
	Terme []Node
}

// Subtract computes Minuend − Subtrahend.
type Subtract struct {
	Minuend    Node
	Subtrahend Node
}

// Compare is one of GREATER_THAN, LESS_THAN, EQUALS, GREATER_EQUAL and
// LESS_EQUAL. It yields 1 when the comparison holds and 0 otherwise.
type Compare struct {
	Operation Operation
	Links     *ValueRef
	Rechts    decimal.NullDecimal
}

// IfThenElse selects Dann when Bedingung evaluates to a non-zero value and
// Sonst otherwise. Only the selected branch is evaluated.
type IfThenElse struct {
	Bedingung Node
	Dann      Node
	Sonst     Node
}

// Logical is AND or OR over Bedingungen, yielding 1 or 0.
type Logical struct {
	Operation   Operation
	Bedingungen []Node
}

// Unsupported carries an operation tag outside the supported set.
// It is produced by decoding so that validation can report it.
type Unsupported struct {
	Operation Operation
}

// Malformed carries a node whose JSON shape could not be mapped onto its
// variant, e.g. "terme" given as an object instead of a list. Partial holds
// the variant with the offending Fields left empty; it is nil when the
// operation itself could not be determined.
type Malformed struct {
	Operation Operation
	Problems  []string
	Fields    []string
	Partial   Node
}

// ValueRef points at a scalar, either a component attribute or a context key.
// Exactly one of the two forms must be set.
type ValueRef struct {
	Komponente string
	Attribut   string
	Quelle     string
}

// IsComponent reports whether the reference uses the component form.
func (r *ValueRef) IsComponent() bool {
	return r.Komponente != "" || r.Attribut != ""
}

// IsContext reports whether the reference uses the context form.
func (r *ValueRef) IsContext() bool {
	return r.Quelle != ""
}

func (*Fixed) Op() Operation         { return OpFixed }
func (*Multiply) Op() Operation      { return OpMultiply }
func (*Add) Op() Operation           { return OpAdd }
func (*Subtract) Op() Operation      { return OpSubtract }
func (n *Compare) Op() Operation     { return n.Operation }
func (*IfThenElse) Op() Operation    { return OpIfThenElse }
func (n *Logical) Op() Operation     { return n.Operation }
func (n *Unsupported) Op() Operation { return n.Operation }
func (n *Malformed) Op() Operation   { return n.Operation }

func (*Fixed) node()       {}
func (*Multiply) node()    {}
func (*Add) node()         {}
func (*Subtract) node()    {}
func (*Compare) node()     {}
func (*IfThenElse) node()  {}
func (*Logical) node()     {}
func (*Unsupported) node() {}
func (*Malformed) node()   {}

// isNil reports whether node is nil or a typed nil pointer.
func isNil(node Node) bool {
	switch n := node.(type) {
	case nil:
		return true
	case *Fixed:
		return n == nil
	case *Multiply:
		return n == nil
	case *Add:
		return n == nil
	case *Subtract:
		return n == nil
	case *Compare:
		return n == nil
	case *IfThenElse:
		return n == nil
	case *Logical:
		return n == nil
	case *Unsupported:
		return n == nil
	case *Malformed:
		return n == nil
	}
	return false
}

// Builders for programmatic construction, mostly used by tests and tooling.

// NewFixed returns a FIXED node.
func NewFixed(wert decimal.Decimal) *Fixed {
	return &Fixed{Wert: valid(wert)}
}

// NewMultiply returns a MULTIPLY node.
func NewMultiply(faktor decimal.Decimal, komponente, attribut string) *Multiply {
	return &Multiply{Faktor: valid(faktor), Komponente: komponente, Attribut: attribut}
}

// NewAdd returns an ADD node.
func NewAdd(terme ...Node) *Add {
	return &Add{Terme: terme}
}

// NewSubtract returns a SUBTRACT node.
func NewSubtract(minuend, subtrahend Node) *Subtract {
	return &Subtract{Minuend: minuend, Subtrahend: subtrahend}
}

// NewCompare returns a comparison node for op.
func NewCompare(op Operation, links *ValueRef, rechts decimal.Decimal) *Compare {
	return &Compare{Operation: op, Links: links, Rechts: valid(rechts)}
}

// NewIfThenElse returns an IF_THEN_ELSE node.
func NewIfThenElse(bedingung, dann, sonst Node) *IfThenElse {
	return &IfThenElse{Bedingung: bedingung, Dann: dann, Sonst: sonst}
}

// NewAnd returns an AND node.
func NewAnd(bedingungen ...Node) *Logical {
	return &Logical{Operation: OpAnd, Bedingungen: bedingungen}
}

// NewOr returns an OR node.
func NewOr(bedingungen ...Node) *Logical {
	return &Logical{Operation: OpOr, Bedingungen: bedingungen}
}

// ComponentRef returns a component-form ValueRef.
func ComponentRef(komponente, attribut string) *ValueRef {
	return &ValueRef{Komponente: komponente, Attribut: attribut}
}

// ContextRef returns a context-form ValueRef.
func ContextRef(quelle string) *ValueRef {
	return &ValueRef{Quelle: quelle}
}

func valid(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
