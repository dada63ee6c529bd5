package regel

import (
	"strings"

	"github.com/shopspring/decimal"
)

// lookup resolves an attribute of a named component.
func (ev *evaluator) lookup(komponente, attribut string) (decimal.Decimal, error) {
	attrs, ok := ev.components[komponente]
	if !ok {
		return zero, &ComponentNotFoundError{Komponente: komponente}
	}
	v, ok := attrs[attribut]
	if !ok {
		return zero, &ComponentNotFoundError{Komponente: komponente, Attribut: attribut}
	}
	return v, nil
}

// lookupValueRef resolves ref through the component map or the context map.
// A reference that mixes both forms, or names neither, is a tree defect.
func (ev *evaluator) lookupValueRef(op Operation, ref *ValueRef) (decimal.Decimal, error) {
	if err := checkValueRef(op, ref); err != nil {
		return zero, err
	}
	if ref.IsContext() {
		v, ok := ev.context[ref.Quelle]
		if !ok {
			return zero, &ComponentNotFoundError{Quelle: ref.Quelle}
		}
		return v, nil
	}
	return ev.lookup(ref.Komponente, ref.Attribut)
}

// checkValueRef is shared by execution and validation.
func checkValueRef(op Operation, ref *ValueRef) *InvalidRuleError {
	switch {
	case ref.IsComponent() && ref.IsContext():
		return invalid(op, "links", "reference must use either komponente/attribut or quelle, not both")
	case !ref.IsComponent() && !ref.IsContext():
		return invalid(op, "links", "reference must set komponente/attribut or quelle")
	case ref.IsComponent() && ref.Komponente == "":
		return invalid(op, "links.komponente", "required")
	case ref.IsComponent() && ref.Attribut == "":
		return invalid(op, "links.attribut", "required")
	}
	return nil
}

func joinProblems(problems []string) string {
	if len(problems) == 0 {
		return "malformed node"
	}
	return strings.Join(problems, "; ")
}
