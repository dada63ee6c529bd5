package rules

import (
	"testing"

	"github.com/opensource-finance/regelwerk/internal/domain"
	"github.com/shopspring/decimal"
)

func price(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
}

func value(s string) decimal.NullDecimal {
	return price(s)
}

func cabinetSet() *domain.RuleSet {
	return &domain.RuleSet{
		ID:       "einbauschrank",
		TenantID: "t1",
		Name:     "Einbauschrank",
		Currency: "EUR",
		Enabled:  true,
		Positions: []domain.RuleSetPosition{
			{RuleID: "scharniere", Label: "Topfscharnier", UnitPrice: price("4.35")},
			{RuleID: "griffe", Label: "Griff", UnitPrice: price("12.90")},
			{RuleID: "anfahrt", Label: "Anfahrt", UnitPrice: price("1")},
			{RuleID: "fugen", Label: "Fugenlänge"},
		},
	}
}

func TestRuleSetEngine_Evaluate(t *testing.T) {
	engine := NewRuleSetEngine()

	results := []domain.RuleResult{
		{RuleID: "scharniere", Value: value("6"), Unit: "Stk"},
		{RuleID: "griffe", Value: value("3"), Unit: "Stk"},
		{RuleID: "anfahrt", Value: value("45.50"), Unit: "EUR"},
		{RuleID: "fugen", Value: value("7.25"), Unit: "m"},
	}

	got := engine.Evaluate(cabinetSet(), results)

	if !got.Complete {
		t.Error("expected complete result")
	}
	// 6*4.35 + 3*12.90 + 45.50*1 = 26.10 + 38.70 + 45.50
	if got.Total.String() != "110.3" {
		t.Errorf("expected total 110.3, got %s", got.Total)
	}
	if got.Currency != "EUR" {
		t.Errorf("expected EUR, got %s", got.Currency)
	}
	if len(got.Positions) != 4 {
		t.Fatalf("expected 4 positions, got %d", len(got.Positions))
	}

	first := got.Positions[0]
	if first.Label != "Topfscharnier" || !first.Amount.Valid || first.Amount.Decimal.String() != "26.1" {
		t.Errorf("unexpected first position: %+v", first)
	}

	unpriced := got.Positions[3]
	if unpriced.Amount.Valid {
		t.Error("unpriced position must not have an amount")
	}
	if unpriced.Quantity.Decimal.String() != "7.25" || unpriced.Unit != "m" {
		t.Errorf("unexpected unpriced position: %+v", unpriced)
	}
}

func TestRuleSetEngine_EvaluateIncomplete(t *testing.T) {
	engine := NewRuleSetEngine()

	results := []domain.RuleResult{
		{RuleID: "scharniere", Value: value("6")},
		{RuleID: "griffe", Error: `component not found: "Schublade"`, ErrorKind: domain.ErrorKindComponentNotFound},
	}

	got := engine.Evaluate(cabinetSet(), results)

	if got.Complete {
		t.Error("expected incomplete result")
	}
	if got.Total.String() != "26.1" {
		t.Errorf("failed positions must not count, got total %s", got.Total)
	}
	if got.Positions[1].Error == "" {
		t.Error("failed position should carry the rule error")
	}
	if got.Positions[2].Error != "rule not evaluated" {
		t.Errorf("missing rule should be reported, got %q", got.Positions[2].Error)
	}
}

func TestRuleSetEngine_Loading(t *testing.T) {
	engine := NewRuleSetEngine()

	global := &domain.RuleSet{ID: "standard", TenantID: domain.GlobalTenantID, Enabled: true}
	disabled := &domain.RuleSet{ID: "alt", TenantID: "t1", Enabled: false}

	engine.LoadRuleSets([]*domain.RuleSet{cabinetSet(), global, disabled})

	if engine.RuleSetCount() != 2 {
		t.Errorf("expected 2 rule sets, got %d", engine.RuleSetCount())
	}
	if _, ok := engine.Get("t1", "einbauschrank"); !ok {
		t.Error("expected tenant rule set")
	}
	if _, ok := engine.Get("t2", "einbauschrank"); ok {
		t.Error("rule set must not leak to other tenants")
	}
	if _, ok := engine.Get("t2", "standard"); !ok {
		t.Error("global rule set should be visible")
	}

	loaded := engine.GetLoadedRuleSets("t1")
	if len(loaded) != 2 || loaded[0].ID != "einbauschrank" || loaded[1].ID != "standard" {
		t.Errorf("unexpected visible sets: %v", loaded)
	}

	engine.ReloadRuleSets("t1", nil)
	if _, ok := engine.Get("t1", "einbauschrank"); ok {
		t.Error("reload should replace the tenant's sets")
	}

	engine.Remove(domain.GlobalTenantID, "standard")
	if engine.RuleSetCount() != 0 {
		t.Errorf("expected 0 rule sets, got %d", engine.RuleSetCount())
	}
}

func TestRuleIDs(t *testing.T) {
	set := &domain.RuleSet{Positions: []domain.RuleSetPosition{
		{RuleID: "a"}, {RuleID: "b"}, {RuleID: "a"},
	}}

	ids := RuleIDs(set)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("expected [a b], got %v", ids)
	}
}

func TestRuleSetEngine_Generation(t *testing.T) {
	engine := NewRuleSetEngine()
	before := engine.Generation()

	engine.LoadRuleSets([]*domain.RuleSet{cabinetSet()})
	afterLoad := engine.Generation()
	if afterLoad == before {
		t.Error("loading should change the generation")
	}

	engine.Remove("t1", "einbauschrank")
	if engine.Generation() == afterLoad {
		t.Error("removing should change the generation")
	}
}
