package rules

import (
	"testing"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

func testTable() *domain.SignalTable {
	return &domain.SignalTable{
		ID:             "mule",
		Name:           "mule signals",
		AlertThreshold: 0.5,
		Signals: []domain.RuleConfig{
			{ID: "pass-through", Weight: 0.30},
			{ID: "structuring", Weight: 0.25},
			{ID: "shared-device", Weight: 0.15},
			{ID: "velocity", Weight: 0.10},
		},
	}
}

func TestSignalTableAccumulation(t *testing.T) {
	engine := NewSignalTableEngine()
	engine.LoadSignalTables([]*domain.SignalTable{testTable()})

	if engine.SignalTableCount() != 1 {
		t.Fatalf("expected 1 table, got %d", engine.SignalTableCount())
	}

	tests := []struct {
		name          string
		fired         []string
		wantScore     float64
		wantTriggered bool
	}{
		{"nothing fired", nil, 0, false},
		{"below threshold", []string{"velocity"}, 0.10, false},
		{"above threshold", []string{"pass-through", "shared-device", "velocity"}, 0.55, true},
		{"all fired", []string{"pass-through", "structuring", "shared-device", "velocity"}, 0.80, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var results []domain.RuleResult
			for _, id := range tt.fired {
				results = append(results, domain.RuleResult{RuleID: id, Fired: true})
			}
			// Unfired results must not contribute.
			results = append(results, domain.RuleResult{RuleID: "structuring", Fired: false})

			got, ok := engine.EvaluateSignalTable("mule", results)
			if !ok {
				t.Fatal("table not found")
			}
			if diff := got.Score - tt.wantScore; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("score: want %f, got %f", tt.wantScore, got.Score)
			}
			if got.Triggered != tt.wantTriggered {
				t.Errorf("triggered: want %v, got %v", tt.wantTriggered, got.Triggered)
			}
		})
	}
}

func TestSignalTableScoreCap(t *testing.T) {
	engine := NewSignalTableEngine()
	table := testTable()
	table.Signals = append(table.Signals,
		domain.RuleConfig{ID: "a", Weight: 0.30},
		domain.RuleConfig{ID: "b", Weight: 0.30},
	)
	engine.LoadSignalTables([]*domain.SignalTable{table})

	all := []domain.RuleResult{
		{RuleID: "pass-through", Fired: true},
		{RuleID: "structuring", Fired: true},
		{RuleID: "shared-device", Fired: true},
		{RuleID: "velocity", Fired: true},
		{RuleID: "a", Fired: true},
		{RuleID: "b", Fired: true},
	}

	got, ok := engine.EvaluateSignalTable("mule", all)
	if !ok {
		t.Fatal("table not found")
	}
	if got.Score != 1.0 {
		t.Errorf("expected capped score 1.0, got %f", got.Score)
	}
}

func TestSignalTableUnknownID(t *testing.T) {
	engine := NewSignalTableEngine()
	engine.LoadSignalTables([]*domain.SignalTable{testTable()})

	if _, ok := engine.EvaluateSignalTable("unknown", nil); ok {
		t.Error("expected miss for unknown table id")
	}
}

func TestEvaluateSignalTablesAll(t *testing.T) {
	engine := NewSignalTableEngine()
	engine.LoadSignalTables([]*domain.SignalTable{testTable()})

	results := engine.EvaluateSignalTables([]domain.RuleResult{
		{RuleID: "pass-through", Fired: true},
		{RuleID: "structuring", Fired: true},
	})
	if len(results) != 1 {
		t.Fatalf("expected 1 table result, got %d", len(results))
	}
	if !results[0].Triggered {
		t.Error("expected table to trigger at 0.55")
	}
	if len(results[0].Fired) != 2 {
		t.Errorf("expected 2 fired signals recorded, got %d", len(results[0].Fired))
	}
}
