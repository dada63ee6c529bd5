package domain

import (
	"time"

	"github.com/opensource-finance/regelwerk/internal/regel"
)

// Calculation is the complete result of evaluating rules against one input.
type Calculation struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Status    string    `json:"status"` // "OK", "PARTIAL" or "ERROR"
	Timestamp time.Time `json:"timestamp"`

	// Rule results in request order
	Results []RuleResult `json:"results"`

	// Priced rule set (if requested)
	RuleSet *RuleSetResult `json:"ruleSet,omitempty"`

	// Processing metadata
	Metadata CalculationMetadata `json:"metadata"`
}

// CalculationMetadata contains processing information.
type CalculationMetadata struct {
	TraceID        string `json:"traceId"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	RulesFailed    int    `json:"rulesFailed"`
	RulesMs        int64  `json:"rulesMs"`
	CalculationMs  int64  `json:"calculationMs"`
	TotalMs        int64  `json:"totalMs"`
	EngineVersion  string `json:"engineVersion"`
}

// Calculation status constants
const (
	StatusOK      = "OK"      // every rule produced a value
	StatusPartial = "PARTIAL" // some rules failed
	StatusError   = "ERROR"   // no rule produced a value
)

// CalculationRequest is the payload of POST /calculate and of
// calculation requests on the event bus.
// At least one of RuleIDs, Rule or RuleSetID must be set.
type CalculationRequest struct {
	// RequestID correlates asynchronous requests with their results.
	RequestID string `json:"requestId,omitempty"`

	RuleIDs   []string    `json:"ruleIds,omitempty"`
	Rule      *regel.Tree `json:"rule,omitempty"`
	RuleSetID string      `json:"ruleSetId,omitempty"`

	Components regel.Components    `json:"components"`
	Context    regel.ContextValues `json:"context,omitempty"`
}

// Input returns the runtime data of the request.
func (r *CalculationRequest) Input() *CalculationInput {
	return &CalculationInput{
		Components: r.Components,
		Context:    r.Context,
	}
}

// CalculationFailure is published when an asynchronous request could not
// be processed at all.
type CalculationFailure struct {
	RequestID string `json:"requestId,omitempty"`
	TenantID  string `json:"tenantId"`
	Error     string `json:"error"`
}
