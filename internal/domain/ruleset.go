package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleSet groups rules into priced positions of a quote.
// Example: "Einbauschrank" combines hinges per door, handles per drawer
// and a travel surcharge, each with its own unit price.
type RuleSet struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// Currency of unit prices and totals, e.g. "EUR".
	Currency string `json:"currency,omitempty"`

	Positions []RuleSetPosition `json:"positions"`

	// Whether rule set is active
	Enabled bool `json:"enabled"`

	// Audit timestamps
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleSetPosition binds a rule to an optional unit price.
// Without a price the position reports its quantity only.
type RuleSetPosition struct {
	RuleID    string              `json:"ruleId"`
	Label     string              `json:"label,omitempty"`
	UnitPrice decimal.NullDecimal `json:"unitPrice"`
}

// RuleSetResult is a priced rule set.
type RuleSetResult struct {
	RuleSetID   string           `json:"ruleSetId"`
	RuleSetName string           `json:"ruleSetName"`
	Currency    string           `json:"currency,omitempty"`
	Positions   []PositionResult `json:"positions"`

	// Total is the exact sum of all position amounts.
	Total decimal.Decimal `json:"total"`

	// Complete is false when at least one position's rule failed.
	Complete  bool  `json:"complete"`
	ProcessMs int64 `json:"processMs,omitempty"`
}

// PositionResult shows how a single rule contributed to a rule set total.
type PositionResult struct {
	RuleID    string              `json:"ruleId"`
	Label     string              `json:"label,omitempty"`
	Quantity  decimal.NullDecimal `json:"quantity"`
	Unit      string              `json:"unit,omitempty"`
	UnitPrice decimal.NullDecimal `json:"unitPrice"`
	Amount    decimal.NullDecimal `json:"amount"` // quantity * unitPrice
	Error     string              `json:"error,omitempty"`
}
