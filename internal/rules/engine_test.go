package rules

import (
	"context"
	"testing"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "test-rule-001",
		Name:       "Test Rule",
		Expression: `facts["velocity_burst"]`,
		Weight:     0.2,
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "invalid-rule",
		Name:       "Invalid Rule",
		Expression: "this is not valid CEL !!!",
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err == nil {
		t.Error("expected error for invalid CEL expression")
	}
}

func TestRejectNonBooleanOutput(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "string-rule",
		Expression: `"not a predicate"`,
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err == nil {
		t.Error("expected error for non-numeric, non-boolean expression")
	}
}

func TestEvaluateAll(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	configs := []*domain.RuleConfig{
		{ID: "burst", Expression: `facts["velocity_burst"]`, Reason: "high velocity", Weight: 0.2, Enabled: true},
		{ID: "travel", Expression: `facts["impossible_travel"]`, Reason: "impossible travel", Weight: 0.3, Enabled: true},
		{ID: "compound", Expression: `facts["velocity_burst"] && facts["night_transaction"]`, Reason: "night burst", Weight: 0.1, Enabled: true},
		{ID: "disabled", Expression: `facts["velocity_burst"]`, Reason: "never loaded", Enabled: false},
	}
	if err := engine.LoadRules(configs); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	if engine.RulesCount() != 3 {
		t.Fatalf("expected 3 enabled rules, got %d", engine.RulesCount())
	}

	facts := map[string]any{
		"velocity_burst":    true,
		"impossible_travel": false,
		"night_transaction": true,
	}

	results, err := engine.EvaluateAll(context.Background(), facts)
	if err != nil {
		t.Fatalf("EvaluateAll failed: %v", err)
	}

	fired := make(map[string]domain.RuleResult)
	for _, r := range results {
		if r.Fired {
			fired[r.RuleID] = r
		}
	}

	if len(fired) != 2 {
		t.Errorf("expected 2 fired rules, got %d", len(fired))
	}
	if _, ok := fired["burst"]; !ok {
		t.Error("expected burst to fire")
	}
	if _, ok := fired["compound"]; !ok {
		t.Error("expected compound to fire")
	}
	if _, ok := fired["travel"]; ok {
		t.Error("travel should not fire")
	}
	if fired["burst"].Reason != "high velocity" {
		t.Errorf("expected stable reason text, got %q", fired["burst"].Reason)
	}
}

func TestEvaluateDeterminism(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	_ = engine.LoadRule(&domain.RuleConfig{
		ID: "r1", Expression: `facts["a"] && !facts["b"]`, Reason: "a without b", Enabled: true,
	})

	facts := map[string]any{"a": true, "b": false}
	for i := 0; i < 10; i++ {
		results, err := engine.EvaluateAll(context.Background(), facts)
		if err != nil {
			t.Fatalf("EvaluateAll failed: %v", err)
		}
		if len(results) != 1 || !results[0].Fired || results[0].Reason != "a without b" {
			t.Fatalf("run %d: unexpected result %+v", i, results)
		}
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	_ = engine.LoadRule(&domain.RuleConfig{ID: "old", Expression: `facts["a"]`, Enabled: true})

	err := engine.ReloadRules([]*domain.RuleConfig{
		{ID: "new-1", Expression: `facts["a"]`, Enabled: true},
		{ID: "new-2", Expression: `facts["b"]`, Enabled: true},
	})
	if err != nil {
		t.Fatalf("ReloadRules failed: %v", err)
	}

	if engine.RulesCount() != 2 {
		t.Errorf("expected 2 rules after reload, got %d", engine.RulesCount())
	}
	for _, cfg := range engine.GetLoadedRules() {
		if cfg.ID == "old" {
			t.Error("old rule should have been dropped by reload")
		}
	}
}

func TestNumericPredicate(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	_ = engine.LoadRule(&domain.RuleConfig{
		ID:         "graded",
		Expression: `facts["activity"] > 10 ? 2.0 : 0.0`,
		Enabled:    true,
	})

	results, err := engine.EvaluateAll(context.Background(), map[string]any{"activity": 15})
	if err != nil {
		t.Fatalf("EvaluateAll failed: %v", err)
	}
	if !results[0].Fired {
		t.Fatal("expected graded rule to fire")
	}
	if results[0].Score != 2.0 {
		t.Errorf("expected score 2.0, got %f", results[0].Score)
	}
}
