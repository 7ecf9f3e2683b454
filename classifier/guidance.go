package classifier

import (
	"strings"

	"toolguard/types"
)

// guidanceRule binds one guidance kind to its keyword list. Rules are
// checked top to bottom; more specific kinds sit above the broad ones so
// that e.g. a permission denial never reads as a parameter problem.
type guidanceRule struct {
	kind     types.GuidanceKind
	keywords []string
}

var guidanceRules = []guidanceRule{
	{
		kind: types.GuidancePermissionError,
		keywords: []string{
			"permission denied", "access denied", "unauthorized",
			"forbidden", "not authorized", "insufficient privileges",
			"authentication failed", "invalid api key", "token expired",
		},
	},
	{
		kind: types.GuidanceResourceConflict,
		keywords: []string{
			"conflict", "already exists", "duplicate", "locked",
			"already in progress", "version mismatch", "concurrent modification",
		},
	},
	{
		kind: types.GuidanceServiceUnavailable,
		keywords: []string{
			"timeout", "timed out", "unavailable", "connection refused",
			"connection reset", "service down", "too many requests",
			"rate limit", "502", "503", "504", "internal server error",
		},
	},
	{
		kind: types.GuidanceDataNotFound,
		keywords: []string{
			"not found", "no results", "no data", "no records",
			"does not exist", "empty result", "no matching",
		},
	},
	{
		kind: types.GuidanceBusinessError,
		keywords: []string{
			"business rule", "not allowed in current state", "quota exceeded",
			"limit exceeded", "outside working hours", "workflow",
			"approval required", "order already closed", "batch already released",
		},
	},
	{
		kind: types.GuidanceValidationError,
		keywords: []string{
			"validation", "invalid value", "must be", "out of range",
			"too long", "too short", "constraint", "schema",
		},
	},
}

// GuidanceFor derives the human-facing guidance kind from raw error text.
// Unmatched text defaults to PARAMETER_ERROR, the most common and most
// actionable failure mode for tool calls.
func GuidanceFor(errorMessage string) types.GuidanceKind {
	text := strings.ToLower(errorMessage)
	for _, rule := range guidanceRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(text, keyword) {
				return rule.kind
			}
		}
	}
	return types.GuidanceParameterError
}

// NonRecoverable reports whether the failure is of a kind that retrying
// cannot fix: permission problems and broken tool configuration. The
// planner and the correction agent both refuse to spend rounds on these.
func NonRecoverable(errorMessage string) bool {
	text := strings.ToLower(errorMessage)
	fatal := []string{
		"permission denied", "access denied", "unauthorized", "forbidden",
		"not authorized", "invalid api key", "authentication failed",
		"tool not configured", "tool is disabled", "unknown tool",
		"misconfigured",
	}
	for _, keyword := range fatal {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
