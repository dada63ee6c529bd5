// Package rules keeps decoded Regel rule trees in memory and evaluates them
// against calculation inputs.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/regelwerk/internal/domain"
	"github.com/opensource-finance/regelwerk/internal/regel"
	"github.com/shopspring/decimal"
)

// Registry holds validated rule trees per tenant.
// Rules stored under domain.GlobalTenantID are visible to every tenant.
type Registry struct {
	mu         sync.RWMutex
	engine     *regel.Engine
	rules      map[string]map[string]*LoadedRule // tenantID -> ruleID -> rule
	maxWorkers int
	maxDepth   int
	generation atomic.Uint64
}

// LoadedRule is a rule configuration with its decoded tree.
type LoadedRule struct {
	Config *domain.RuleConfig
	Tree   regel.Node
}

// NewRegistry creates an empty registry. maxWorkers bounds concurrent rule
// evaluation per CalculateAll call; maxDepth bounds rule tree nesting.
func NewRegistry(maxWorkers, maxDepth int) *Registry {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &Registry{
		engine:     regel.NewEngine(),
		rules:      make(map[string]map[string]*LoadedRule),
		maxWorkers: maxWorkers,
		maxDepth:   maxDepth,
	}
}

// Engine returns the underlying rule engine.
func (r *Registry) Engine() *regel.Engine {
	return r.engine
}

// Decode parses a rule tree with the registry's depth limit.
func (r *Registry) Decode(data []byte) (regel.Node, error) {
	return regel.Decode(data, regel.WithMaxDepth(r.maxDepth))
}

// ValidateRule decodes and validates a rule without loading it.
// The error is non-nil only when the rule cannot be decoded at all;
// structural defects are reported in the returned report.
func (r *Registry) ValidateRule(cfg *domain.RuleConfig) (regel.Report, error) {
	if cfg == nil {
		return regel.Report{}, fmt.Errorf("rule config is required")
	}
	if len(cfg.Rule) == 0 {
		return regel.Report{}, fmt.Errorf("rule %s: rule tree is required", cfg.ID)
	}
	node, err := r.Decode(cfg.Rule)
	if err != nil {
		return regel.Report{}, fmt.Errorf("rule %s: %w", cfg.ID, err)
	}
	return r.engine.Validate(node), nil
}

// LoadRule validates a rule and loads it for its tenant.
func (r *Registry) LoadRule(cfg *domain.RuleConfig) error {
	loaded, err := r.compileRule(cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tenant := r.rules[cfg.TenantID]
	if tenant == nil {
		tenant = make(map[string]*LoadedRule)
		r.rules[cfg.TenantID] = tenant
	}
	tenant[cfg.ID] = loaded
	r.generation.Add(1)

	return nil
}

// LoadRules loads every enabled rule.
func (r *Registry) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := r.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules replaces all rules of a tenant. Either every enabled rule
// loads or the previous set stays in place.
func (r *Registry) ReloadRules(tenantID string, configs []*domain.RuleConfig) error {
	newRules := make(map[string]*LoadedRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		loaded, err := r.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = loaded
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[tenantID] = newRules
	r.generation.Add(1)

	return nil
}

// Remove unloads a rule.
func (r *Registry) Remove(tenantID, ruleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules[tenantID], ruleID)
	r.generation.Add(1)
}

// Generation changes whenever the loaded rules change.
func (r *Registry) Generation() uint64 {
	return r.generation.Load()
}

// Get returns the rule visible to tenantID, preferring the tenant's own
// rule over a global one.
func (r *Registry) Get(tenantID, ruleID string) (*LoadedRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(tenantID, ruleID)
}

func (r *Registry) get(tenantID, ruleID string) (*LoadedRule, bool) {
	if rule, ok := r.rules[tenantID][ruleID]; ok {
		return rule, true
	}
	rule, ok := r.rules[domain.GlobalTenantID][ruleID]
	return rule, ok
}

// GetLoadedRules returns the configurations visible to tenantID, sorted by ID.
func (r *Registry) GetLoadedRules(tenantID string) []*domain.RuleConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	visible := make(map[string]*domain.RuleConfig)
	for id, rule := range r.rules[domain.GlobalTenantID] {
		visible[id] = rule.Config
	}
	for id, rule := range r.rules[tenantID] {
		visible[id] = rule.Config
	}

	configs := make([]*domain.RuleConfig, 0, len(visible))
	for _, cfg := range visible {
		configs = append(configs, cfg)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs
}

// RulesCount returns the number of loaded rules across all tenants.
func (r *Registry) RulesCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, tenant := range r.rules {
		n += len(tenant)
	}
	return n
}

// Close unloads every rule.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = make(map[string]map[string]*LoadedRule)
	r.generation.Add(1)
	return nil
}

func (r *Registry) compileRule(cfg *domain.RuleConfig) (*LoadedRule, error) {
	if cfg == nil {
		return nil, fmt.Errorf("rule config is required")
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}

	if len(cfg.Rule) == 0 {
		return nil, fmt.Errorf("rule %s: rule tree is required", cfg.ID)
	}

	node, err := r.Decode(cfg.Rule)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", cfg.ID, err)
	}

	if report := r.engine.Validate(node); !report.Valid {
		return nil, fmt.Errorf("rule %s: %w: %s", cfg.ID, regel.ErrInvalidRule, strings.Join(report.Errors, "; "))
	}

	return &LoadedRule{
		Config: cfg,
		Tree:   node,
	}, nil
}

// Calculate evaluates a single loaded rule.
func (r *Registry) Calculate(ctx context.Context, tenantID, ruleID string, input *domain.CalculationInput) domain.RuleResult {
	rule, ok := r.Get(tenantID, ruleID)
	if !ok {
		return domain.RuleResult{
			RuleID:    ruleID,
			TenantID:  tenantID,
			Error:     fmt.Sprintf("rule %q not found", ruleID),
			ErrorKind: domain.ErrorKindRuleNotFound,
		}
	}
	return r.evaluate(ctx, tenantID, rule.Config, rule.Tree, input)
}

// CalculateTree evaluates an ad-hoc tree that is not part of the registry.
func (r *Registry) CalculateTree(ctx context.Context, tenantID string, tree regel.Node, input *domain.CalculationInput) domain.RuleResult {
	cfg := &domain.RuleConfig{ID: domain.InlineRuleID, TenantID: tenantID}
	return r.evaluate(ctx, tenantID, cfg, tree, input)
}

// CalculateAll evaluates rules in parallel and returns one result per rule
// ID in request order. With no IDs, every rule visible to the tenant is
// evaluated in ID order. Rule failures are reported per result.
func (r *Registry) CalculateAll(ctx context.Context, tenantID string, ruleIDs []string, input *domain.CalculationInput) []domain.RuleResult {
	if len(ruleIDs) == 0 {
		for _, cfg := range r.GetLoadedRules(tenantID) {
			ruleIDs = append(ruleIDs, cfg.ID)
		}
	}

	if len(ruleIDs) == 0 {
		return nil
	}

	// Parallel evaluation using worker pool pattern
	results := make([]domain.RuleResult, len(ruleIDs))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, r.maxWorkers)

	for i, id := range ruleIDs {
		wg.Add(1)
		go func(idx int, ruleID string) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = r.Calculate(ctx, tenantID, ruleID, input)
		}(i, id)
	}

	wg.Wait()

	return results
}

// evaluate runs a single tree and converts engine errors into result fields.
func (r *Registry) evaluate(ctx context.Context, tenantID string, cfg *domain.RuleConfig, tree regel.Node, input *domain.CalculationInput) domain.RuleResult {
	start := time.Now()

	result := domain.RuleResult{
		RuleID:   cfg.ID,
		RuleName: cfg.Name,
		TenantID: tenantID,
		Unit:     cfg.Unit,
	}

	if err := ctx.Err(); err != nil {
		result.Error = err.Error()
		result.ErrorKind = domain.ErrorKindCanceled
		return result
	}

	var components regel.Components
	var values regel.ContextValues
	if input != nil {
		components = input.Components
		values = input.Context
	}

	value, err := r.engine.Execute(tree, components, values)
	result.ProcessMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		result.ErrorKind = ErrorKind(err)
		return result
	}

	result.Value = decimal.NullDecimal{Decimal: value, Valid: true}
	return result
}

// ErrorKind classifies an engine error for API responses.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, regel.ErrComponentNotFound):
		return domain.ErrorKindComponentNotFound
	case errors.Is(err, regel.ErrInvalidRule):
		return domain.ErrorKindInvalidRule
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrorKindCanceled
	default:
		return ""
	}
}
