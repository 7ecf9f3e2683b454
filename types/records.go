package types

import (
	"time"

	"github.com/google/uuid"
)

// ToolCallRecord is one attempt at invoking a tool. Created on every
// attempt, mutated to mark redundancy or recovery, immutable once its
// status is terminal.
type ToolCallRecord struct {
	ID             string          `json:"id" db:"id"`
	Scope          string          `json:"scope" db:"scope"`
	SessionID      string          `json:"session_id" db:"session_id"`
	ToolName       string          `json:"tool_name" db:"tool_name"`
	Parameters     JSONMap         `json:"parameters" db:"parameters"`
	ParameterHash  string          `json:"parameter_hash" db:"parameter_hash"`
	Status         ExecutionStatus `json:"status" db:"status"`
	ErrorType      string          `json:"error_type,omitempty" db:"error_type"`
	ErrorMessage   string          `json:"error_message,omitempty" db:"error_message"`
	LatencyMs      int64           `json:"latency_ms" db:"latency_ms"`
	PromptTokens   int64           `json:"prompt_tokens" db:"prompt_tokens"`
	ResponseTokens int64           `json:"response_tokens" db:"response_tokens"`
	IsRedundant    bool            `json:"is_redundant" db:"is_redundant"`
	OriginalCallID string          `json:"original_call_id,omitempty" db:"original_call_id"`
	Recovered      bool            `json:"recovered" db:"recovered"`
	RecoveryUsed   Strategy        `json:"recovery_used,omitempty" db:"recovery_used"`
	RetryCount     int             `json:"retry_count" db:"retry_count"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// NewToolCallRecord builds a record for a fresh attempt.
func NewToolCallRecord(scope, sessionID, toolName string, params map[string]interface{}, paramHash string, now time.Time) *ToolCallRecord {
	return &ToolCallRecord{
		ID:            uuid.NewString(),
		Scope:         scope,
		SessionID:     sessionID,
		ToolName:      toolName,
		Parameters:    params,
		ParameterHash: paramHash,
		CreatedAt:     now,
	}
}

// CorrectionRecord is one correction cycle tied to a ToolCallRecord.
// Rounds increment until the call recovers or the cap is reached.
type CorrectionRecord struct {
	ID             string        `json:"id" db:"id"`
	ToolCallID     string        `json:"tool_call_id" db:"tool_call_id"`
	ToolName       string        `json:"tool_name" db:"tool_name"`
	ErrorCategory  ErrorCategory `json:"error_category" db:"error_category"`
	GuidanceKind   GuidanceKind  `json:"guidance_kind,omitempty" db:"guidance_kind"`
	Strategy       Strategy      `json:"strategy" db:"strategy"`
	InjectedPrompt string        `json:"injected_prompt,omitempty" db:"injected_prompt"`
	Round          int           `json:"round" db:"round"`
	Success        bool          `json:"success" db:"success"`
	FinalState     CallState     `json:"final_state" db:"final_state"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// ReflectionMemory is an episodic lesson written by the correction agent
// and read back as context for future corrections of the same tool.
// Succeeded stays false and OutcomeKnown false until the retried call's
// outcome is reported.
type ReflectionMemory struct {
	ID              string    `json:"id" db:"id"`
	ToolName        string    `json:"tool_name" db:"tool_name"`
	OriginalError   string    `json:"original_error" db:"original_error"`
	Strategy        Strategy  `json:"strategy" db:"strategy"`
	CorrectedParams JSONMap   `json:"corrected_params" db:"corrected_params"`
	Reflection      string    `json:"reflection" db:"reflection"`
	Confidence      float64   `json:"confidence" db:"confidence"`
	Succeeded       bool      `json:"succeeded" db:"succeeded"`
	OutcomeKnown    bool      `json:"outcome_known" db:"outcome_known"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// ToolCallCacheEntry is one row of the redundancy cache.
// Key = sessionID:toolName:parameterHash.
type ToolCallCacheEntry struct {
	CacheKey     string    `json:"cache_key" db:"cache_key"`
	SessionID    string    `json:"session_id" db:"session_id"`
	ToolName     string    `json:"tool_name" db:"tool_name"`
	Result       string    `json:"result" db:"result"`
	OriginCallID string    `json:"origin_call_id" db:"origin_call_id"`
	HitCount     int64     `json:"hit_count" db:"hit_count"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the entry is past its expiry at the given time.
func (e *ToolCallCacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// VerificationResult is the external verifier's structurally independent
// fact-check of whether the data implied by a failed call plausibly exists.
type VerificationResult struct {
	HasData     bool              `json:"has_data"`
	DataStatus  DataStatus        `json:"data_status"`
	RecordCount int               `json:"record_count"`
	Suggestion  string            `json:"suggestion,omitempty"`
	ContextInfo map[string]string `json:"context_info,omitempty"`
}

// CorrectionResult is the correction agent's answer to the tool-execution
// loop: either corrected parameters worth retrying, or a reasoned refusal.
type CorrectionResult struct {
	ShouldRetry     bool                   `json:"should_retry"`
	CorrectedParams map[string]interface{} `json:"corrected_params,omitempty"`
	Strategy        Strategy               `json:"strategy,omitempty"`
	Reflection      string                 `json:"reflection,omitempty"`
	// ReflectionID names the stored ReflectionMemory so the retry outcome
	// can be written back to it.
	ReflectionID string  `json:"reflection_id,omitempty"`
	Confidence   float64 `json:"confidence"`
	Explanation  string  `json:"explanation,omitempty"`
	// RequiresHuman marks permission and business-rule failures that need
	// operator confirmation before any further automated retry.
	RequiresHuman bool `json:"requires_human,omitempty"`
}
