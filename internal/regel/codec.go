package regel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

// DefaultMaxDepth bounds nesting for trees decoded from external input.
const DefaultMaxDepth = 64

// DecodeOption configures Decode.
type DecodeOption func(*decoder)

// WithMaxDepth limits the nesting depth of decoded trees. Zero or a negative
// value disables the limit.
func WithMaxDepth(n int) DecodeOption {
	return func(d *decoder) {
		d.maxDepth = n
	}
}

// Decode parses the JSON representation of a rule tree.
//
// Unknown operation tags and fields of the wrong JSON type do not fail
// decoding. They surface as *Unsupported and *Malformed nodes, so that
// Validate can report every defect of a stored rule at once. Decode only fails
// on invalid JSON or when the tree is nested deeper than the configured limit.
// Numbers are taken from their literal text and never pass through float64.
func Decode(data []byte, opts ...DecodeOption) (Node, error) {
	d := &decoder{maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(d)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode rule: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("failed to decode rule: unexpected data after rule object")
	}
	if raw == nil {
		return nil, &InvalidRuleError{Reason: "rule is null"}
	}

	return d.node(raw, 1)
}

type decoder struct {
	maxDepth int
}

func (d *decoder) node(v any, depth int) (Node, error) {
	if d.maxDepth > 0 && depth > d.maxDepth {
		return nil, &InvalidRuleError{Reason: fmt.Sprintf("rule nesting exceeds maximum depth of %d", d.maxDepth)}
	}

	m, ok := v.(map[string]any)
	if !ok {
		return &Malformed{Problems: []string{fmt.Sprintf("expected rule object, got %s", jsonType(v))}}, nil
	}

	rawOp, present := m["operation"]
	if !present || rawOp == nil {
		return &Malformed{Problems: []string{"operation is required"}}, nil
	}
	tag, ok := rawOp.(string)
	if !ok {
		return &Malformed{Problems: []string{fmt.Sprintf("operation must be a string, got %s", jsonType(rawOp))}}, nil
	}
	op := Operation(tag)

	f := fields{m: m}
	var n Node

	switch {
	case op == OpFixed:
		n = &Fixed{Wert: f.number("wert")}

	case op == OpMultiply:
		n = &Multiply{
			Faktor:     f.number("faktor"),
			Komponente: f.str("komponente"),
			Attribut:   f.str("attribut"),
		}

	case op == OpAdd:
		terme, err := d.list(&f, "terme", depth)
		if err != nil {
			return nil, err
		}
		n = &Add{Terme: terme}

	case op == OpSubtract:
		minuend, err := d.child(&f, "minuend", depth)
		if err != nil {
			return nil, err
		}
		subtrahend, err := d.child(&f, "subtrahend", depth)
		if err != nil {
			return nil, err
		}
		n = &Subtract{Minuend: minuend, Subtrahend: subtrahend}

	case op.IsComparison():
		n = &Compare{
			Operation: op,
			Links:     f.valueRef("links"),
			Rechts:    f.number("rechts"),
		}

	case op == OpIfThenElse:
		bedingung, err := d.child(&f, "bedingung", depth)
		if err != nil {
			return nil, err
		}
		dann, err := d.child(&f, "dann", depth)
		if err != nil {
			return nil, err
		}
		sonst, err := d.child(&f, "sonst", depth)
		if err != nil {
			return nil, err
		}
		n = &IfThenElse{Bedingung: bedingung, Dann: dann, Sonst: sonst}

	case op.IsLogical():
		bedingungen, err := d.list(&f, "bedingungen", depth)
		if err != nil {
			return nil, err
		}
		n = &Logical{Operation: op, Bedingungen: bedingungen}

	default:
		return &Unsupported{Operation: op}, nil
	}

	if len(f.problems) > 0 {
		return &Malformed{Operation: op, Problems: f.problems, Fields: f.bad, Partial: n}, nil
	}
	return n, nil
}

func (d *decoder) child(f *fields, key string, depth int) (Node, error) {
	v, ok := f.m[key]
	if !ok || v == nil {
		return nil, nil
	}
	return d.node(v, depth+1)
}

func (d *decoder) list(f *fields, key string, depth int) ([]Node, error) {
	v, ok := f.m[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		f.problem(key, "%s must be a list, got %s", key, jsonType(v))
		return nil, nil
	}
	nodes := make([]Node, 0, len(items))
	for _, item := range items {
		n, err := d.node(item, depth+1)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// fields reads typed values out of a decoded JSON object and collects shape
// problems instead of failing. bad holds the keys the problems are about.
type fields struct {
	m        map[string]any
	problems []string
	bad      []string
}

func (f *fields) problem(key, format string, args ...any) {
	f.problems = append(f.problems, fmt.Sprintf(format, args...))
	if !slices.Contains(f.bad, key) {
		f.bad = append(f.bad, key)
	}
}

func (f *fields) number(key string) decimal.NullDecimal {
	v, ok := f.m[key]
	if !ok || v == nil {
		return decimal.NullDecimal{}
	}
	d, err := toDecimal(v)
	if err != nil {
		f.problem(key, "%s %v", key, err)
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func (f *fields) str(key string) string {
	v, ok := f.m[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		f.problem(key, "%s must be a string, got %s", key, jsonType(v))
		return ""
	}
	return s
}

func (f *fields) valueRef(key string) *ValueRef {
	v, ok := f.m[key]
	if !ok || v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		f.problem(key, "%s must be an object, got %s", key, jsonType(v))
		return nil
	}
	sub := fields{m: m}
	ref := &ValueRef{
		Komponente: sub.str("komponente"),
		Attribut:   sub.str("attribut"),
		Quelle:     sub.str("quelle"),
	}
	for _, p := range sub.problems {
		f.problem(key, "%s.%s", key, p)
	}
	return ref
}

// Limits on decimal literals. Arithmetic rescales operands to a common
// exponent, so evaluation cost grows with the exponent, not the text length.
const (
	MaxExponent = 1000
	MaxDigits   = 1000
)

// CheckMagnitude returns an error when d exceeds MaxExponent or MaxDigits.
func CheckMagnitude(d decimal.Decimal) error {
	if exp := d.Exponent(); exp > MaxExponent || exp < -MaxExponent {
		return fmt.Errorf("exponent %d is out of range [-%d, %d]", exp, MaxExponent, MaxExponent)
	}
	if n := d.NumDigits(); n > MaxDigits {
		return fmt.Errorf("has %d digits, at most %d are allowed", n, MaxDigits)
	}
	return nil
}

// toDecimal converts a JSON number (or numeric string) through its literal
// text. Stored rules written by older tooling sometimes quote numbers.
func toDecimal(v any) (decimal.Decimal, error) {
	var (
		d   decimal.Decimal
		err error
	)
	switch x := v.(type) {
	case json.Number:
		d, err = decimal.NewFromString(x.String())
	case string:
		d, err = decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero, fmt.Errorf("must be a number, got %q", x)
		}
	default:
		return decimal.Zero, fmt.Errorf("must be a number, got %s", jsonType(v))
	}
	if err != nil {
		return decimal.Zero, err
	}
	return d, CheckMagnitude(d)
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Encode renders node in its JSON representation. Numbers are written as
// JSON numbers using their exact decimal text.
func Encode(node Node) ([]byte, error) {
	return json.Marshal(wire(node))
}

func wire(node Node) any {
	if isNil(node) {
		return nil
	}

	switch n := node.(type) {
	case *Fixed:
		return obj(OpFixed, "wert", num(n.Wert))
	case *Multiply:
		return obj(OpMultiply, "faktor", num(n.Faktor), "komponente", n.Komponente, "attribut", n.Attribut)
	case *Add:
		return obj(OpAdd, "terme", wireList(n.Terme))
	case *Subtract:
		return obj(OpSubtract, "minuend", wire(n.Minuend), "subtrahend", wire(n.Subtrahend))
	case *Compare:
		return obj(n.Operation, "links", wireRef(n.Links), "rechts", num(n.Rechts))
	case *IfThenElse:
		return obj(OpIfThenElse, "bedingung", wire(n.Bedingung), "dann", wire(n.Dann), "sonst", wire(n.Sonst))
	case *Logical:
		return obj(n.Operation, "bedingungen", wireList(n.Bedingungen))
	default:
		return map[string]any{"operation": node.Op()}
	}
}

// obj builds a JSON object from key/value pairs, dropping empty values.
func obj(op Operation, kv ...any) map[string]any {
	m := map[string]any{"operation": op}
	for i := 0; i+1 < len(kv); i += 2 {
		key := kv[i].(string)
		switch v := kv[i+1].(type) {
		case nil:
		case string:
			if v != "" {
				m[key] = v
			}
		case map[string]any:
			if v != nil {
				m[key] = v
			}
		case []any:
			if v != nil {
				m[key] = v
			}
		default:
			m[key] = v
		}
	}
	return m
}

func wireList(nodes []Node) []any {
	if nodes == nil {
		return nil
	}
	out := make([]any, len(nodes))
	for i, n := range nodes {
		out[i] = wire(n)
	}
	return out
}

func wireRef(ref *ValueRef) map[string]any {
	if ref == nil {
		return nil
	}
	m := map[string]any{}
	if ref.Komponente != "" {
		m["komponente"] = ref.Komponente
	}
	if ref.Attribut != "" {
		m["attribut"] = ref.Attribut
	}
	if ref.Quelle != "" {
		m["quelle"] = ref.Quelle
	}
	return m
}

func num(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return json.Number(d.Decimal.String())
}

// Tree wraps a Node so that rule trees can be embedded in JSON documents.
// A decoded tree keeps its compacted source in Raw and encodes back to it,
// so malformed nodes keep their offending fields. Raw takes precedence over
// Node when encoding.
type Tree struct {
	Node Node
	Raw  json.RawMessage
}

// UnmarshalJSON decodes the tree with DefaultMaxDepth.
func (t *Tree) UnmarshalJSON(data []byte) error {
	n, err := Decode(data)
	if err != nil {
		return err
	}
	var raw bytes.Buffer
	if err := json.Compact(&raw, data); err != nil {
		return fmt.Errorf("failed to decode rule: %w", err)
	}
	t.Node = n
	t.Raw = raw.Bytes()
	return nil
}

// MarshalJSON encodes the wrapped tree.
func (t Tree) MarshalJSON() ([]byte, error) {
	if len(t.Raw) > 0 {
		return t.Raw, nil
	}
	return Encode(t.Node)
}
