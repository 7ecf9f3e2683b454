package types

import "time"

// BehaviorCalibrationMetrics is one metrics row per (scope, date, period).
// Weekly and monthly rows are derived by summing the constituent daily
// rows, then recomputing scores from the summed counts.
type BehaviorCalibrationMetrics struct {
	Scope          string     `json:"scope" db:"scope"`
	Date           time.Time  `json:"date" db:"date"`
	Period         PeriodType `json:"period" db:"period"`
	TotalCalls     int64      `json:"total_calls" db:"total_calls"`
	SuccessCalls   int64      `json:"success_calls" db:"success_calls"`
	FailedCalls    int64      `json:"failed_calls" db:"failed_calls"`
	RedundantCalls int64      `json:"redundant_calls" db:"redundant_calls"`
	RecoveredCalls int64      `json:"recovered_calls" db:"recovered_calls"`
	PromptTokens   int64      `json:"prompt_tokens" db:"prompt_tokens"`
	ResponseTokens int64      `json:"response_tokens" db:"response_tokens"`
	AvgLatencyMs   float64    `json:"avg_latency_ms" db:"avg_latency_ms"`

	ConcisenessScore float64 `json:"conciseness_score" db:"conciseness_score"`
	SuccessScore     float64 `json:"success_score" db:"success_score"`
	EfficiencyScore  float64 `json:"efficiency_score" db:"efficiency_score"`
	CompositeScore   float64 `json:"composite_score" db:"composite_score"`

	ComputedAt time.Time `json:"computed_at" db:"computed_at"`
}

// ToolReliabilityStats is the per (scope, tool, date) reliability view
// computed from raw ToolCallRecord rows.
type ToolReliabilityStats struct {
	Scope        string           `json:"scope"`
	ToolName     string           `json:"tool_name"`
	Date         time.Time        `json:"date"`
	TotalCalls   int64            `json:"total_calls"`
	SuccessCalls int64            `json:"success_calls"`
	FailedCalls  int64            `json:"failed_calls"`
	SuccessRate  float64          `json:"success_rate"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
	ErrorCounts  map[string]int64 `json:"error_counts,omitempty"`
	TopErrors    []string         `json:"top_errors,omitempty"`
}
