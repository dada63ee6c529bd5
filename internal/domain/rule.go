package domain

import (
	"encoding/json"
	"time"

	"github.com/opensource-finance/regelwerk/internal/regel"
	"github.com/shopspring/decimal"
)

// RuleKind tells which input a rule is written against.
type RuleKind string

const (
	// RuleKindKomponente rules read measured component attributes,
	// e.g. "three hinges per door taller than 2 m".
	RuleKindKomponente RuleKind = "komponente"

	// RuleKindPauschale rules are flat surcharges over context values,
	// e.g. a travel fee above 50 km.
	RuleKindPauschale RuleKind = "pauschale"
)

// RuleConfig is a stored Regel rule tree with its metadata.
type RuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	Kind RuleKind `json:"kind"`

	// Unit of the computed quantity, e.g. "Stk", "m", "EUR".
	Unit string `json:"unit,omitempty"`

	// Rule is the JSON rule tree, kept verbatim so that stored rules
	// round-trip unchanged.
	Rule json.RawMessage `json:"rule"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// CalculationInput is the runtime data a rule is evaluated against.
type CalculationInput struct {
	Components regel.Components    `json:"components"`
	Context    regel.ContextValues `json:"context,omitempty"`
}

// RuleResult is the output of a single rule evaluation.
// Value is null when the rule failed; Error and ErrorKind say why.
type RuleResult struct {
	RuleID    string              `json:"ruleId"`
	RuleName  string              `json:"ruleName,omitempty"`
	TenantID  string              `json:"tenantId"`
	Value     decimal.NullDecimal `json:"value"`
	Unit      string              `json:"unit,omitempty"`
	Error     string              `json:"error,omitempty"`
	ErrorKind string              `json:"errorKind,omitempty"`
	ProcessMs int64               `json:"processMs"` // Processing time in milliseconds
}

// Failed reports whether the rule produced no value.
func (r RuleResult) Failed() bool {
	return r.Error != ""
}

// Error kinds reported in RuleResult.ErrorKind.
const (
	ErrorKindInvalidRule       = "invalid_rule"
	ErrorKindComponentNotFound = "component_not_found"
	ErrorKindRuleNotFound      = "rule_not_found"
	ErrorKindCanceled          = "canceled"
)

// InlineRuleID names the result of an ad-hoc rule sent with a calculation request.
const InlineRuleID = "inline"

// GlobalTenantID is used for rules and rule sets that apply to all tenants.
const GlobalTenantID = "*"
