package rules

import (
	"sync"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

// SignalTableEngine evaluates domain.SignalTable groups (the mule
// classifier's weighted signal accumulation) from the fired
// RuleResults an Engine already produced.
type SignalTableEngine struct {
	mu     sync.RWMutex
	tables map[string]*domain.SignalTable
}

// NewSignalTableEngine creates a new signal-table evaluation engine.
func NewSignalTableEngine() *SignalTableEngine {
	return &SignalTableEngine{tables: make(map[string]*domain.SignalTable)}
}

// LoadSignalTables loads signal-table configurations into the engine.
func (e *SignalTableEngine) LoadSignalTables(tables []*domain.SignalTable) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tables = make(map[string]*domain.SignalTable)
	for _, t := range tables {
		e.tables[t.ID] = t
	}
}

// ReloadSignalTables clears and reloads signal tables (hot reload).
func (e *SignalTableEngine) ReloadSignalTables(tables []*domain.SignalTable) {
	e.LoadSignalTables(tables)
}

// GetLoadedSignalTables returns currently loaded signal tables.
func (e *SignalTableEngine) GetLoadedSignalTables() []*domain.SignalTable {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]*domain.SignalTable, 0, len(e.tables))
	for _, t := range e.tables {
		result = append(result, t)
	}
	return result
}

// SignalTableCount returns the number of loaded signal tables.
func (e *SignalTableEngine) SignalTableCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tables)
}

// EvaluateSignalTables sums, for each loaded table, the weight of every
// fired signal among ruleResults, capped at 1.0.
func (e *SignalTableEngine) EvaluateSignalTables(ruleResults []domain.RuleResult) []domain.SignalTableResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.tables) == 0 {
		return nil
	}

	fired := make(map[string]domain.RuleResult, len(ruleResults))
	for _, r := range ruleResults {
		if r.Fired {
			fired[r.RuleID] = r
		}
	}

	results := make([]domain.SignalTableResult, 0, len(e.tables))
	for _, table := range e.tables {
		results = append(results, evaluateSignalTable(table, fired))
	}
	return results
}

func evaluateSignalTable(table *domain.SignalTable, fired map[string]domain.RuleResult) domain.SignalTableResult {
	result := domain.SignalTableResult{Threshold: table.AlertThreshold}

	var total float64
	for _, signal := range table.Signals {
		r, ok := fired[signal.ID]
		if !ok {
			continue
		}
		total += signal.Weight
		result.Fired = append(result.Fired, r)
	}

	result.Score = total
	if result.Score > 1.0 {
		result.Score = 1.0
	}
	result.Triggered = result.Score >= table.AlertThreshold
	return result
}

// EvaluateSignalTable evaluates a single table by ID.
func (e *SignalTableEngine) EvaluateSignalTable(tableID string, ruleResults []domain.RuleResult) (*domain.SignalTableResult, bool) {
	e.mu.RLock()
	table, exists := e.tables[tableID]
	if !exists {
		e.mu.RUnlock()
		return nil, false
	}

	fired := make(map[string]domain.RuleResult, len(ruleResults))
	for _, r := range ruleResults {
		if r.Fired {
			fired[r.RuleID] = r
		}
	}

	result := evaluateSignalTable(table, fired)
	e.mu.RUnlock()
	return &result, true
}

// Close cleans up the engine.
func (e *SignalTableEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables = make(map[string]*domain.SignalTable)
	return nil
}
