package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/opensource-finance/regelwerk/internal/domain"
	"github.com/opensource-finance/regelwerk/internal/regel"
	"github.com/shopspring/decimal"
)

const hingesRule = `{
	"operation": "IF_THEN_ELSE",
	"bedingung": {"operation": "GREATER_THAN", "links": {"komponente": "Tür", "attribut": "höhe"}, "rechts": 2.0},
	"dann": {"operation": "MULTIPLY", "faktor": 3, "komponente": "Tür", "attribut": "anzahl"},
	"sonst": {"operation": "MULTIPLY", "faktor": 2, "komponente": "Tür", "attribut": "anzahl"}
}`

const travelRule = `{
	"operation": "IF_THEN_ELSE",
	"bedingung": {"operation": "GREATER_THAN", "links": {"quelle": "distanz_km"}, "rechts": 50},
	"dann": {"operation": "FIXED", "wert": 45.50},
	"sonst": {"operation": "FIXED", "wert": 0}
}`

func ruleConfig(tenantID, id, rule string) *domain.RuleConfig {
	return &domain.RuleConfig{
		ID:       id,
		TenantID: tenantID,
		Name:     id,
		Kind:     domain.RuleKindKomponente,
		Unit:     "Stk",
		Rule:     json.RawMessage(rule),
		Enabled:  true,
	}
}

func doorInput(höhe string) *domain.CalculationInput {
	return &domain.CalculationInput{
		Components: regel.Components{
			"Tür": {
				"anzahl": decimal.RequireFromString("2"),
				"höhe":   decimal.RequireFromString(höhe),
			},
		},
		Context: regel.ContextValues{
			"distanz_km": decimal.RequireFromString("75"),
		},
	}
}

func TestRegistryCreation(t *testing.T) {
	registry := NewRegistry(5, 64)
	defer registry.Close()

	if registry.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", registry.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	registry := NewRegistry(5, 64)
	defer registry.Close()

	if err := registry.LoadRule(ruleConfig("tenant-001", "scharniere", hingesRule)); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	if registry.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", registry.RulesCount())
	}

	rule, ok := registry.Get("tenant-001", "scharniere")
	if !ok {
		t.Fatal("expected rule to be loaded")
	}
	if rule.Tree.Op() != regel.OpIfThenElse {
		t.Errorf("expected IF_THEN_ELSE tree, got %s", rule.Tree.Op())
	}

	if _, ok := registry.Get("tenant-002", "scharniere"); ok {
		t.Error("rule must not be visible to another tenant")
	}
}

func TestLoadInvalidRule(t *testing.T) {
	registry := NewRegistry(5, 64)
	defer registry.Close()

	tests := []struct {
		name string
		rule string
	}{
		{"unsupported operation", `{"operation":"DIVIDE"}`},
		{"empty terme", `{"operation":"ADD","terme":[]}`},
		{"bad json", `{"operation":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.LoadRule(ruleConfig("tenant-001", "broken", tt.rule))
			if err == nil {
				t.Fatal("expected error for invalid rule")
			}
			if !strings.Contains(err.Error(), "broken") {
				t.Errorf("error should name the rule: %v", err)
			}
		})
	}

	err := registry.LoadRule(ruleConfig("tenant-001", "divide", `{"operation":"DIVIDE"}`))
	if !errors.Is(err, regel.ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule, got %v", err)
	}

	if registry.RulesCount() != 0 {
		t.Errorf("invalid rules must not be loaded, got %d", registry.RulesCount())
	}
}

func TestLoadRuleTooDeep(t *testing.T) {
	registry := NewRegistry(5, 3)
	defer registry.Close()

	deep := `{"operation":"ADD","terme":[{"operation":"ADD","terme":[{"operation":"ADD","terme":[{"operation":"FIXED","wert":1}]}]}]}`
	if err := registry.LoadRule(ruleConfig("t1", "deep", deep)); err == nil {
		t.Error("expected depth limit error")
	}
}

func TestValidateRule(t *testing.T) {
	registry := NewRegistry(5, 64)

	report, err := registry.ValidateRule(ruleConfig("t1", "scharniere", hingesRule))
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !report.Valid {
		t.Errorf("expected valid report, got %v", report.Errors)
	}
	if len(report.ReferencedComponents) != 1 || report.ReferencedComponents[0] != "Tür" {
		t.Errorf("expected [Tür], got %v", report.ReferencedComponents)
	}

	report, err = registry.ValidateRule(ruleConfig("t1", "divide", `{"operation":"DIVIDE"}`))
	if err != nil {
		t.Fatalf("validate must report, not fail: %v", err)
	}
	if report.Valid {
		t.Error("expected invalid report")
	}

	if registry.RulesCount() != 0 {
		t.Error("ValidateRule must not load rules")
	}

	if _, err := registry.ValidateRule(nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestLoadRulesSkipsDisabled(t *testing.T) {
	registry := NewRegistry(5, 64)

	disabled := ruleConfig("t1", "aus", hingesRule)
	disabled.Enabled = false

	err := registry.LoadRules([]*domain.RuleConfig{ruleConfig("t1", "an", hingesRule), disabled})
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	if registry.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", registry.RulesCount())
	}
}

func TestReloadRules(t *testing.T) {
	registry := NewRegistry(5, 64)
	registry.LoadRule(ruleConfig("t1", "alt", hingesRule))
	registry.LoadRule(ruleConfig("t2", "fremd", hingesRule))
	gen := registry.Generation()

	err := registry.ReloadRules("t1", []*domain.RuleConfig{ruleConfig("t1", "neu", travelRule)})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if registry.Generation() == gen {
		t.Error("reload should change the generation")
	}
	gen = registry.Generation()

	if _, ok := registry.Get("t1", "alt"); ok {
		t.Error("old rule should be gone after reload")
	}
	if _, ok := registry.Get("t1", "neu"); !ok {
		t.Error("new rule should be loaded")
	}
	if _, ok := registry.Get("t2", "fremd"); !ok {
		t.Error("reload must not touch other tenants")
	}

	// A broken rule aborts the reload and keeps the previous set.
	err = registry.ReloadRules("t1", []*domain.RuleConfig{
		ruleConfig("t1", "ok", hingesRule),
		ruleConfig("t1", "kaputt", `{"operation":"DIVIDE"}`),
	})
	if err == nil {
		t.Fatal("expected reload error")
	}
	if _, ok := registry.Get("t1", "neu"); !ok {
		t.Error("previous rules must survive a failed reload")
	}
	if registry.Generation() != gen {
		t.Error("a failed reload must not change the generation")
	}
}

func TestGlobalRulesVisibleToAllTenants(t *testing.T) {
	registry := NewRegistry(5, 64)
	registry.LoadRule(ruleConfig(domain.GlobalTenantID, "anfahrt", travelRule))
	registry.LoadRule(ruleConfig("t1", "scharniere", hingesRule))

	if _, ok := registry.Get("t2", "anfahrt"); !ok {
		t.Error("global rule should be visible to any tenant")
	}

	loaded := registry.GetLoadedRules("t1")
	if len(loaded) != 2 {
		t.Fatalf("expected 2 visible rules, got %d", len(loaded))
	}
	if loaded[0].ID != "anfahrt" || loaded[1].ID != "scharniere" {
		t.Errorf("expected rules sorted by id, got %s, %s", loaded[0].ID, loaded[1].ID)
	}

	if got := len(registry.GetLoadedRules("t2")); got != 1 {
		t.Errorf("expected 1 visible rule for t2, got %d", got)
	}
}

func TestCalculate(t *testing.T) {
	registry := NewRegistry(5, 64)
	registry.LoadRule(ruleConfig("t1", "scharniere", hingesRule))

	ctx := context.Background()

	result := registry.Calculate(ctx, "t1", "scharniere", doorInput("2.5"))
	if result.Failed() {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if !result.Value.Decimal.Equal(decimal.NewFromInt(6)) {
		t.Errorf("expected 6 for tall doors, got %s", result.Value.Decimal)
	}
	if result.Unit != "Stk" {
		t.Errorf("expected unit Stk, got %s", result.Unit)
	}

	result = registry.Calculate(ctx, "t1", "scharniere", doorInput("1.8"))
	if !result.Value.Decimal.Equal(decimal.NewFromInt(4)) {
		t.Errorf("expected 4 for short doors, got %s", result.Value.Decimal)
	}
}

func TestCalculateErrors(t *testing.T) {
	registry := NewRegistry(5, 64)
	registry.LoadRule(ruleConfig("t1", "scharniere", hingesRule))

	ctx := context.Background()

	result := registry.Calculate(ctx, "t1", "fehlt", doorInput("2.5"))
	if result.ErrorKind != domain.ErrorKindRuleNotFound {
		t.Errorf("expected rule_not_found, got %q", result.ErrorKind)
	}

	result = registry.Calculate(ctx, "t1", "scharniere", &domain.CalculationInput{})
	if result.ErrorKind != domain.ErrorKindComponentNotFound {
		t.Errorf("expected component_not_found, got %q", result.ErrorKind)
	}
	if result.Value.Valid {
		t.Error("failed result must not carry a value")
	}
	if !strings.Contains(result.Error, "Tür") {
		t.Errorf("error should name the component: %s", result.Error)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	result = registry.Calculate(cancelled, "t1", "scharniere", doorInput("2.5"))
	if result.ErrorKind != domain.ErrorKindCanceled {
		t.Errorf("expected canceled, got %q", result.ErrorKind)
	}
}

func TestCalculateTree(t *testing.T) {
	registry := NewRegistry(5, 64)

	tree, err := registry.Decode([]byte(travelRule))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	result := registry.CalculateTree(context.Background(), "t1", tree, doorInput("2"))
	if result.RuleID != domain.InlineRuleID {
		t.Errorf("expected inline rule id, got %s", result.RuleID)
	}
	if result.Value.Decimal.String() != "45.5" {
		t.Errorf("expected 45.5, got %s", result.Value.Decimal)
	}

	result = registry.CalculateTree(context.Background(), "t1", &regel.Unsupported{Operation: "DIVIDE"}, nil)
	if result.ErrorKind != domain.ErrorKindInvalidRule {
		t.Errorf("expected invalid_rule, got %q", result.ErrorKind)
	}
}

func TestCalculateAllKeepsRequestOrder(t *testing.T) {
	registry := NewRegistry(3, 64)

	for i := 0; i < 10; i++ {
		rule := fmt.Sprintf(`{"operation":"FIXED","wert":%d}`, i)
		registry.LoadRule(ruleConfig("t1", fmt.Sprintf("rule-%d", i), rule))
	}

	ids := []string{"rule-7", "rule-2", "missing", "rule-9"}
	results := registry.CalculateAll(context.Background(), "t1", ids, nil)

	if len(results) != len(ids) {
		t.Fatalf("expected %d results, got %d", len(ids), len(results))
	}
	for i, id := range ids {
		if results[i].RuleID != id {
			t.Errorf("result %d: expected %s, got %s", i, id, results[i].RuleID)
		}
	}
	if results[0].Value.Decimal.IntPart() != 7 || results[3].Value.Decimal.IntPart() != 9 {
		t.Errorf("unexpected values: %s, %s", results[0].Value.Decimal, results[3].Value.Decimal)
	}
	if results[2].ErrorKind != domain.ErrorKindRuleNotFound {
		t.Errorf("expected rule_not_found for missing rule, got %q", results[2].ErrorKind)
	}
}

func TestCalculateAllDefaultsToVisibleRules(t *testing.T) {
	registry := NewRegistry(5, 64)
	registry.LoadRule(ruleConfig(domain.GlobalTenantID, "anfahrt", travelRule))
	registry.LoadRule(ruleConfig("t1", "scharniere", hingesRule))

	results := registry.CalculateAll(context.Background(), "t1", nil, doorInput("2.5"))
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].RuleID != "anfahrt" || results[1].RuleID != "scharniere" {
		t.Errorf("expected id order, got %s, %s", results[0].RuleID, results[1].RuleID)
	}

	if results := registry.CalculateAll(context.Background(), "t9", []string{}, nil); len(results) != 1 {
		t.Errorf("expected only the global rule for t9, got %d", len(results))
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&regel.InvalidRuleError{Reason: "x"}, domain.ErrorKindInvalidRule},
		{&regel.ComponentNotFoundError{Komponente: "Tür"}, domain.ErrorKindComponentNotFound},
		{fmt.Errorf("wrapped: %w", context.Canceled), domain.ErrorKindCanceled},
		{errors.New("other"), ""},
	}

	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
