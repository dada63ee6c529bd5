package regel

import (
	"fmt"
	"slices"
	"sort"
)

// Report is the outcome of a validation pass.
type Report struct {
	Valid                bool     `json:"valid"`
	Errors               []string `json:"errors"`
	ReferencedComponents []string `json:"referencedComponents"`
	ReferencedSources    []string `json:"referencedSources"`
}

// Validate checks the structure of node without evaluating it and lists every
// component and context key it references. Both branches of IF_THEN_ELSE are
// inspected. Validate never fails; every finding becomes an entry in
// Report.Errors prefixed with the JSON path of the offending node.
func (e *Engine) Validate(node Node) Report {
	v := validator{
		components: make(map[string]struct{}),
		sources:    make(map[string]struct{}),
	}
	v.walk(node, "$")

	return Report{
		Valid:                len(v.errors) == 0,
		Errors:               nonNil(v.errors),
		ReferencedComponents: sortedKeys(v.components),
		ReferencedSources:    sortedKeys(v.sources),
	}
}

type validator struct {
	errors     []string
	components map[string]struct{}
	sources    map[string]struct{}
}

func (v *validator) errorf(path, format string, args ...any) {
	v.errors = append(v.errors, path+": "+fmt.Sprintf(format, args...))
}

func (v *validator) walk(node Node, path string) {
	v.check(node, path, nil)
}

// check validates node. Missing-field errors are left out for the fields in
// shaped, since decoding already reported what was wrong with them.
func (v *validator) check(node Node, path string, shaped []string) {
	if isNil(node) {
		v.errorf(path, "rule is required")
		return
	}

	missing := func(field, format string, args ...any) {
		if !slices.Contains(shaped, field) {
			v.errorf(path, format, args...)
		}
	}

	switch n := node.(type) {
	case *Fixed:
		if !n.Wert.Valid {
			missing("wert", "FIXED.wert is required")
		}

	case *Multiply:
		if !n.Faktor.Valid {
			missing("faktor", "MULTIPLY.faktor is required")
		}
		if n.Komponente == "" {
			missing("komponente", "MULTIPLY.komponente is required")
		} else {
			v.components[n.Komponente] = struct{}{}
		}
		if n.Attribut == "" {
			missing("attribut", "MULTIPLY.attribut is required")
		}

	case *Add:
		if len(n.Terme) == 0 {
			missing("terme", "ADD.terme must be a non-empty list")
		}
		v.walkList(n.Terme, path+".terme")

	case *Subtract:
		v.walk(n.Minuend, path+".minuend")
		v.walk(n.Subtrahend, path+".subtrahend")

	case *Compare:
		if !n.Operation.IsComparison() {
			v.errorf(path, "unsupported operation: %s", n.Operation)
			return
		}
		if n.Links == nil {
			missing("links", "%s.links is required", n.Operation)
		} else {
			v.ref(n.Operation, n.Links, path, !slices.Contains(shaped, "links"))
		}
		if !n.Rechts.Valid {
			missing("rechts", "%s.rechts is required", n.Operation)
		}

	case *IfThenElse:
		v.walk(n.Bedingung, path+".bedingung")
		v.walk(n.Dann, path+".dann")
		v.walk(n.Sonst, path+".sonst")

	case *Logical:
		if !n.Operation.IsLogical() {
			v.errorf(path, "unsupported operation: %s", n.Operation)
			return
		}
		if len(n.Bedingungen) == 0 {
			missing("bedingungen", "%s.bedingungen must be a non-empty list", n.Operation)
		}
		v.walkList(n.Bedingungen, path+".bedingungen")

	case *Unsupported:
		v.errorf(path, "unsupported operation: %s", n.Operation)

	case *Malformed:
		prefix := ""
		if n.Operation != "" {
			prefix = string(n.Operation) + "."
		}
		if len(n.Problems) == 0 {
			v.errorf(path, "%smalformed node", prefix)
		}
		for _, p := range n.Problems {
			v.errorf(path, "%s%s", prefix, p)
		}
		if !isNil(n.Partial) {
			v.check(n.Partial, path, n.Fields)
		}
	}
}

func (v *validator) walkList(nodes []Node, path string) {
	for i, n := range nodes {
		v.walk(n, fmt.Sprintf("%s[%d]", path, i))
	}
}

// ref collects the names ref points at. The form of ref is only checked
// when report is set.
func (v *validator) ref(op Operation, ref *ValueRef, path string, report bool) {
	if err := checkValueRef(op, ref); err != nil && report {
		v.errorf(path, "%s.%s %s", op, err.Field, err.Reason)
	}
	if ref.Komponente != "" {
		v.components[ref.Komponente] = struct{}{}
	}
	if ref.Quelle != "" {
		v.sources[ref.Quelle] = struct{}{}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
