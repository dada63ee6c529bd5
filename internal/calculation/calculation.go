// Package calculation runs calculation requests end to end: it resolves the
// rules a request needs, evaluates them, prices rule sets and aggregates
// everything into a single Calculation.
package calculation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/regelwerk/internal/domain"
	"github.com/opensource-finance/regelwerk/internal/regel"
	"github.com/opensource-finance/regelwerk/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EngineVersion is reported in calculation metadata.
const EngineVersion = "regelwerk-1.0"

var tracer = otel.Tracer("regelwerk-calculation")

var (
	// ErrEmptyRequest is returned for requests that name nothing to evaluate.
	ErrEmptyRequest = errors.New("ruleIds, rule or ruleSetId is required")

	// ErrRuleSetNotFound is returned when the requested rule set is not loaded.
	ErrRuleSetNotFound = errors.New("rule set not found")

	// ErrTooManyRules is returned when a request exceeds MaxRulesPerRequest.
	ErrTooManyRules = errors.New("too many rules in request")

	// ErrValueOutOfRange is returned when a component attribute or context
	// value exceeds the limits of regel.CheckMagnitude.
	ErrValueOutOfRange = errors.New("input value out of range")
)

// Processor turns calculation requests into calculations.
type Processor struct {
	registry *rules.Registry
	ruleSets *rules.RuleSetEngine

	// MaxRulesPerRequest caps the rules one request may evaluate.
	// Zero means unlimited.
	MaxRulesPerRequest int
}

// NewProcessor creates a new processor with default settings.
func NewProcessor(registry *rules.Registry, ruleSets *rules.RuleSetEngine) *Processor {
	return &Processor{
		registry:           registry,
		ruleSets:           ruleSets,
		MaxRulesPerRequest: 500,
	}
}

// Calculate evaluates everything the request names. Rule failures are part
// of the returned calculation; the error is reserved for requests that
// cannot be run at all.
func (p *Processor) Calculate(ctx context.Context, tenantID, traceID string, req *domain.CalculationRequest) (*domain.Calculation, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "calculation.calculate",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Int("request.rule_ids", len(req.RuleIDs)),
			attribute.String("request.rule_set_id", req.RuleSetID),
		),
	)
	defer span.End()

	if len(req.RuleIDs) == 0 && req.Rule == nil && req.RuleSetID == "" {
		span.SetStatus(codes.Error, "empty request")
		return nil, ErrEmptyRequest
	}
	if err := CheckInput(req); err != nil {
		span.SetStatus(codes.Error, "input value out of range")
		return nil, err
	}

	var set *domain.RuleSet
	if req.RuleSetID != "" {
		s, ok := p.ruleSets.Get(tenantID, req.RuleSetID)
		if !ok {
			span.SetStatus(codes.Error, "rule set not found")
			return nil, fmt.Errorf("%w: %s", ErrRuleSetNotFound, req.RuleSetID)
		}
		set = s
	}

	ruleIDs := mergeRuleIDs(req.RuleIDs, set)
	if p.MaxRulesPerRequest > 0 && len(ruleIDs) > p.MaxRulesPerRequest {
		span.SetStatus(codes.Error, "too many rules")
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyRules, len(ruleIDs), p.MaxRulesPerRequest)
	}

	input := req.Input()
	rulesStart := time.Now()

	var results []domain.RuleResult
	if len(ruleIDs) > 0 {
		results = p.registry.CalculateAll(ctx, tenantID, ruleIDs, input)
	}
	if req.Rule != nil {
		results = append(results, p.registry.CalculateTree(ctx, tenantID, req.Rule.Node, input))
	}

	var setResult *domain.RuleSetResult
	if set != nil {
		r := p.ruleSets.Evaluate(set, results)
		setResult = &r
	}

	calc := p.Process(ctx, &Input{
		TenantID:      tenantID,
		TraceID:       traceID,
		RuleResults:   results,
		RuleSetResult: setResult,
		StartTime:     start,
		RulesMs:       time.Since(rulesStart).Milliseconds(),
	})

	span.SetAttributes(
		attribute.String("calculation.id", calc.ID),
		attribute.String("calculation.status", calc.Status),
		attribute.Int("calculation.rules_failed", calc.Metadata.RulesFailed),
	)

	return calc, nil
}

// CheckInput rejects component and context values too large to compute with.
// Callers that serialize requests should check them first.
func CheckInput(req *domain.CalculationRequest) error {
	for name, attrs := range req.Components {
		for attr, v := range attrs {
			if err := regel.CheckMagnitude(v); err != nil {
				return fmt.Errorf("%w: %s.%s %v", ErrValueOutOfRange, name, attr, err)
			}
		}
	}
	for key, v := range req.Context {
		if err := regel.CheckMagnitude(v); err != nil {
			return fmt.Errorf("%w: context %s %v", ErrValueOutOfRange, key, err)
		}
	}
	return nil
}

// Input contains all data needed to build a calculation.
type Input struct {
	TenantID      string
	TraceID       string
	RuleResults   []domain.RuleResult
	RuleSetResult *domain.RuleSetResult
	StartTime     time.Time
	RulesMs       int64
}

// Process aggregates rule results into a calculation.
func (p *Processor) Process(ctx context.Context, input *Input) *domain.Calculation {
	start := time.Now()

	results := input.RuleResults
	if results == nil {
		results = []domain.RuleResult{}
	}

	calc := &domain.Calculation{
		ID:        uuid.New().String(),
		TenantID:  input.TenantID,
		Timestamp: time.Now().UTC(),
		Results:   results,
		RuleSet:   input.RuleSetResult,
	}

	failed := countFailed(results)
	calc.Status = status(len(results), failed)

	calc.Metadata = domain.CalculationMetadata{
		TraceID:        input.TraceID,
		RulesEvaluated: len(results),
		RulesFailed:    failed,
		RulesMs:        input.RulesMs,
		CalculationMs:  time.Since(start).Milliseconds(),
		TotalMs:        time.Since(input.StartTime).Milliseconds(),
		EngineVersion:  EngineVersion,
	}

	return calc
}

func countFailed(results []domain.RuleResult) int {
	n := 0
	for _, r := range results {
		if r.Failed() {
			n++
		}
	}
	return n
}

func status(total, failed int) string {
	switch {
	case total == 0 || failed == total:
		return domain.StatusError
	case failed > 0:
		return domain.StatusPartial
	default:
		return domain.StatusOK
	}
}

// mergeRuleIDs appends the rule set's rules to the explicitly requested ones,
// keeping the first occurrence of each ID.
func mergeRuleIDs(ids []string, set *domain.RuleSet) []string {
	seen := make(map[string]bool, len(ids))
	merged := make([]string, 0, len(ids))

	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			merged = append(merged, id)
		}
	}

	for _, id := range ids {
		add(id)
	}
	if set != nil {
		for _, id := range rules.RuleIDs(set) {
			add(id)
		}
	}
	return merged
}

// Errors returns the error messages of all failed rules.
func Errors(calc *domain.Calculation) []string {
	var errs []string
	for _, r := range calc.Results {
		if r.Failed() {
			errs = append(errs, fmt.Sprintf("%s: %s", r.RuleID, r.Error))
		}
	}
	return errs
}

// RequestDigest returns a stable key for caching the result of req.
// The request ID does not take part in the digest.
func RequestDigest(tenantID string, req *domain.CalculationRequest) (string, error) {
	keyed := *req
	keyed.RequestID = ""

	data, err := json.Marshal(struct {
		TenantID string                     `json:"tenantId"`
		Request  *domain.CalculationRequest `json:"request"`
	}{tenantID, &keyed})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
