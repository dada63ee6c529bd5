package rules

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/regelwerk/internal/domain"
	"github.com/shopspring/decimal"
)

// RuleSetEngine prices rule results according to rule sets.
type RuleSetEngine struct {
	mu         sync.RWMutex
	sets       map[string]map[string]*domain.RuleSet // tenantID -> ruleSetID -> set
	generation atomic.Uint64
}

// NewRuleSetEngine creates a new rule set engine.
func NewRuleSetEngine() *RuleSetEngine {
	return &RuleSetEngine{
		sets: make(map[string]map[string]*domain.RuleSet),
	}
}

// LoadRuleSets adds the enabled rule sets, replacing sets with the same
// tenant and ID.
func (e *RuleSetEngine) LoadRuleSets(sets []*domain.RuleSet) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range sets {
		if !s.Enabled {
			continue
		}
		tenant := e.sets[s.TenantID]
		if tenant == nil {
			tenant = make(map[string]*domain.RuleSet)
			e.sets[s.TenantID] = tenant
		}
		tenant[s.ID] = s
	}
	e.generation.Add(1)
}

// ReloadRuleSets replaces all rule sets of a tenant (hot reload).
func (e *RuleSetEngine) ReloadRuleSets(tenantID string, sets []*domain.RuleSet) {
	fresh := make(map[string]*domain.RuleSet)
	for _, s := range sets {
		if s.Enabled {
			fresh[s.ID] = s
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sets[tenantID] = fresh
	e.generation.Add(1)
}

// Remove unloads a rule set.
func (e *RuleSetEngine) Remove(tenantID, setID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sets[tenantID], setID)
	e.generation.Add(1)
}

// Generation changes whenever the loaded rule sets change.
func (e *RuleSetEngine) Generation() uint64 {
	return e.generation.Load()
}

// Get returns the rule set visible to tenantID, preferring the tenant's own.
func (e *RuleSetEngine) Get(tenantID, setID string) (*domain.RuleSet, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if s, ok := e.sets[tenantID][setID]; ok {
		return s, true
	}
	s, ok := e.sets[domain.GlobalTenantID][setID]
	return s, ok
}

// GetLoadedRuleSets returns the rule sets visible to tenantID, sorted by ID.
func (e *RuleSetEngine) GetLoadedRuleSets(tenantID string) []*domain.RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()

	visible := make(map[string]*domain.RuleSet)
	for id, s := range e.sets[domain.GlobalTenantID] {
		visible[id] = s
	}
	for id, s := range e.sets[tenantID] {
		visible[id] = s
	}

	result := make([]*domain.RuleSet, 0, len(visible))
	for _, s := range visible {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// RuleSetCount returns the number of loaded rule sets across all tenants.
func (e *RuleSetEngine) RuleSetCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, tenant := range e.sets {
		n += len(tenant)
	}
	return n
}

// RuleIDs lists the rules a set needs, in position order without duplicates.
func RuleIDs(set *domain.RuleSet) []string {
	seen := make(map[string]bool, len(set.Positions))
	ids := make([]string, 0, len(set.Positions))
	for _, p := range set.Positions {
		if !seen[p.RuleID] {
			seen[p.RuleID] = true
			ids = append(ids, p.RuleID)
		}
	}
	return ids
}

// Evaluate prices a rule set from rule results.
//
// Algorithm:
// 1. Build a map of ruleID -> result
// 2. For each position, quantity = rule value, amount = quantity * unit price
// 3. Total = exact sum of all amounts
// 4. A position whose rule failed or is missing keeps its error and marks
// the result incomplete; it does not contribute to the total
func (e *RuleSetEngine) Evaluate(set *domain.RuleSet, ruleResults []domain.RuleResult) domain.RuleSetResult {
	start := time.Now()

	// Build rule result map for O(1) lookups
	byRule := make(map[string]domain.RuleResult, len(ruleResults))
	for _, r := range ruleResults {
		byRule[r.RuleID] = r
	}

	result := domain.RuleSetResult{
		RuleSetID:   set.ID,
		RuleSetName: set.Name,
		Currency:    set.Currency,
		Positions:   make([]domain.PositionResult, 0, len(set.Positions)),
		Total:       decimal.Zero,
		Complete:    true,
	}

	for _, pos := range set.Positions {
		pr := domain.PositionResult{
			RuleID:    pos.RuleID,
			Label:     pos.Label,
			UnitPrice: pos.UnitPrice,
		}

		rr, ok := byRule[pos.RuleID]
		switch {
		case !ok:
			pr.Error = "rule not evaluated"
			result.Complete = false
		case rr.Failed():
			pr.Error = rr.Error
			pr.Unit = rr.Unit
			result.Complete = false
		default:
			pr.Quantity = rr.Value
			pr.Unit = rr.Unit
			if pos.UnitPrice.Valid {
				amount := rr.Value.Decimal.Mul(pos.UnitPrice.Decimal)
				pr.Amount = decimal.NullDecimal{Decimal: amount, Valid: true}
				result.Total = result.Total.Add(amount)
			}
		}

		result.Positions = append(result.Positions, pr)
	}

	result.ProcessMs = time.Since(start).Milliseconds()
	return result
}

// Close cleans up the engine.
func (e *RuleSetEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sets = make(map[string]map[string]*domain.RuleSet)
	return nil
}
