package types

// ErrorCategory is the machine-facing failure taxonomy consumed by the
// strategy planner. Classification priority is fixed: DATA_INSUFFICIENT,
// then FORMAT_ERROR, then ANALYSIS_ERROR, then LOGIC_ERROR.
type ErrorCategory string

const (
	ErrorDataInsufficient ErrorCategory = "DATA_INSUFFICIENT"
	ErrorAnalysis         ErrorCategory = "ANALYSIS_ERROR"
	ErrorFormat           ErrorCategory = "FORMAT_ERROR"
	ErrorLogic            ErrorCategory = "LOGIC_ERROR"
	ErrorUnknown          ErrorCategory = "UNKNOWN"
)

// Strategy is the correction strategy chosen for a failed tool call.
type Strategy string

const (
	StrategyReRetrieve      Strategy = "RE_RETRIEVE"
	StrategyReAnalyze       Strategy = "RE_ANALYZE"
	StrategyFormatFix       Strategy = "FORMAT_FIX"
	StrategyPromptInjection Strategy = "PROMPT_INJECTION"
	StrategyFullRetry       Strategy = "FULL_RETRY"
	// StrategyAbandon is never planned directly; it is the correction
	// model's verdict that no retry is worth attempting.
	StrategyAbandon Strategy = "ABANDON"
)

// GuidanceKind is the human-facing failure taxonomy used for recovery
// prompt composition. It is derived from the same raw error text as
// ErrorCategory but serves a different consumer.
type GuidanceKind string

const (
	GuidanceParameterError     GuidanceKind = "PARAMETER_ERROR"
	GuidanceDataNotFound       GuidanceKind = "DATA_NOT_FOUND"
	GuidanceServiceUnavailable GuidanceKind = "SERVICE_UNAVAILABLE"
	GuidanceValidationError    GuidanceKind = "VALIDATION_ERROR"
	GuidancePermissionError    GuidanceKind = "PERMISSION_ERROR"
	GuidanceBusinessError      GuidanceKind = "BUSINESS_ERROR"
	GuidanceResourceConflict   GuidanceKind = "RESOURCE_CONFLICT"
)

// ExecutionStatus is the terminal status of one tool call attempt.
type ExecutionStatus string

const (
	StatusSuccess   ExecutionStatus = "SUCCESS"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusTimeout   ExecutionStatus = "TIMEOUT"
	StatusRedundant ExecutionStatus = "REDUNDANT"
)

// CallState is the correction state machine for one failing tool call:
// NEW -> RETRYING(1..cap) -> RECOVERED | ABANDONED.
type CallState string

const (
	StateNew       CallState = "NEW"
	StateRetrying  CallState = "RETRYING"
	StateRecovered CallState = "RECOVERED"
	StateAbandoned CallState = "ABANDONED"
)

// PeriodType selects the aggregation window of a metrics row.
type PeriodType string

const (
	PeriodDaily   PeriodType = "DAILY"
	PeriodWeekly  PeriodType = "WEEKLY"
	PeriodMonthly PeriodType = "MONTHLY"
)

// DataStatus is the external verifier's judgement about the underlying
// data store for a failed query.
type DataStatus string

const (
	// DataStatusEmpty means the store genuinely holds no data; retrying
	// with different parameters cannot help.
	DataStatusEmpty DataStatus = "EMPTY"
	// DataStatusNoMatch means data exists but the query did not match it.
	DataStatusNoMatch DataStatus = "NO_MATCH"
	// DataStatusAvailable means data exists and should have matched.
	DataStatusAvailable DataStatus = "AVAILABLE"
)
