package metrics

// Composite score weights. Success dominates because a terse but wrong
// assistant is worse than a chatty correct one.
const (
	ConcisenessWeight = 0.3
	SuccessWeight     = 0.5
	EfficiencyWeight  = 0.2
)

// ConcisenessScore is the share of non-redundant calls, 0-100. No calls
// scores 0.
func ConcisenessScore(total, redundant int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(total-redundant) / float64(total) * 100
}

// SuccessScore is the share of successful calls, 0-100. No calls scores 0.
func SuccessScore(total, success int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(success) / float64(total) * 100
}

// EfficiencyScore compares average latency against a baseline: at or
// below baseline scores 100, slower decays proportionally. Zero latency
// (no timed calls) scores 0.
func EfficiencyScore(avgLatencyMs, baselineMs float64) float64 {
	if avgLatencyMs <= 0 || baselineMs <= 0 {
		return 0
	}
	ratio := baselineMs / avgLatencyMs
	if ratio > 1 {
		ratio = 1
	}
	return ratio * 100
}

// CompositeScore combines the three scores with the fixed weights.
func CompositeScore(conciseness, success, efficiency float64) float64 {
	return ConcisenessWeight*conciseness + SuccessWeight*success + EfficiencyWeight*efficiency
}
