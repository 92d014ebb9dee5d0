package domain

// FeatureConfig bundles the configuration an extractor needs: the
// enumerated thresholds and the v3 signal parameters.
type FeatureConfig struct {
	Thresholds Thresholds
	V3Signals  V3SignalParams
}

// FeatureResult is an extractor's output: a bounded [0,100] score plus
// the named booleans it evaluated along the way. The fusion explainer
// reads Signals to emit reason clauses without re-querying the graph
// .
type FeatureResult struct {
	Score   float64
	Signals map[string]bool
}
