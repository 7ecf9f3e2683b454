// Package composer turns a classified tool failure into a structured
// recovery prompt: what went wrong in plain language, concrete next
// steps, alternative tools from the same functional category, and
// parameter fixes extracted from the error text.
package composer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"toolguard/classifier"
	"toolguard/logger"
	"toolguard/store"
	"toolguard/types"
)

// RecoveryPrompt is the composed guidance handed back to the assistant
// loop after a failed tool call.
type RecoveryPrompt struct {
	Kind                 types.GuidanceKind `json:"guidance_kind"`
	SystemPrompt         string             `json:"system_prompt"`
	UserPrompt           string             `json:"user_prompt"`
	Suggestions          []string           `json:"suggestions"`
	AlternativeTools     []string           `json:"alternative_tools,omitempty"`
	ParameterFixes       map[string]string  `json:"parameter_fixes,omitempty"`
	ShouldRetry          bool               `json:"should_retry"`
	EstimatedSuccessRate *float64           `json:"estimated_success_rate,omitempty"`
	// AttemptID is the id of the correction record written for this
	// recovery attempt; hand it to CloseAttempt once the retry outcome is
	// known so the historical success rate reflects it.
	AttemptID string `json:"attempt_id,omitempty"`
}

// Composer builds recovery prompts. Safe for concurrent use.
type Composer struct {
	taxonomy    *Taxonomy
	corrections store.CorrectionStore
	rateWindow  time.Duration
	log         logger.LogFunc
	now         func() time.Time
}

// New builds a composer. corrections may be nil, in which case no
// historical success rate is attached and attempts are not recorded.
func New(taxonomy *Taxonomy, corrections store.CorrectionStore, rateWindow time.Duration, log logger.LogFunc) *Composer {
	if taxonomy == nil {
		taxonomy = NewTaxonomy()
	}
	if rateWindow <= 0 {
		rateWindow = 14 * 24 * time.Hour
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Composer{
		taxonomy:    taxonomy,
		corrections: corrections,
		rateWindow:  rateWindow,
		log:         log,
		now:         time.Now,
	}
}

const maxAlternatives = 3

// guidanceTemplate is the per-kind text block of a recovery prompt.
type guidanceTemplate struct {
	whatWentWrong string
	steps         []string
	retry         bool
}

var guidanceTemplates = map[types.GuidanceKind]guidanceTemplate{
	types.GuidanceParameterError: {
		whatWentWrong: "The tool rejected one or more of the parameters it was called with.",
		steps: []string{
			"Check each required parameter is present and spelled exactly as the tool expects",
			"Verify parameter values match the expected formats (dates as YYYY-MM-DD, IDs without whitespace)",
			"Remove parameters the tool does not accept",
			"Retry with the corrected parameters",
		},
		retry: true,
	},
	types.GuidanceDataNotFound: {
		whatWentWrong: "The query executed but matched no data.",
		steps: []string{
			"Widen the time range or relax the most specific filter",
			"Double-check identifiers (batch, order, equipment IDs) for typos",
			"Try a broader query first to confirm data exists in the area",
			"If nothing matches, tell the user plainly that no data was found",
		},
		retry: true,
	},
	types.GuidanceServiceUnavailable: {
		whatWentWrong: "The backing service did not answer in time or refused the connection.",
		steps: []string{
			"Wait briefly before retrying the same call once",
			"If it fails again, use an alternative tool that reads from a different service",
			"Report the outage to the user instead of retrying repeatedly",
		},
		retry: true,
	},
	types.GuidanceValidationError: {
		whatWentWrong: "A parameter value failed the tool's validation rules.",
		steps: []string{
			"Read the validation message and fix exactly the field it names",
			"Keep values inside the documented ranges and lengths",
			"Retry with the corrected value",
		},
		retry: true,
	},
	types.GuidancePermissionError: {
		whatWentWrong: "The current credentials are not allowed to perform this operation.",
		steps: []string{
			"Do not retry; a retry will fail the same way",
			"Tell the user which operation was denied and that access must be granted by an administrator",
		},
		retry: false,
	},
	types.GuidanceBusinessError: {
		whatWentWrong: "The operation is blocked by a business rule, not by a technical fault.",
		steps: []string{
			"Explain the rule to the user in plain language",
			"Suggest the allowed path (for example an approval step) instead of retrying",
			"Only retry if the user changes the request to satisfy the rule",
		},
		retry: false,
	},
	types.GuidanceResourceConflict: {
		whatWentWrong: "The target resource is locked or was modified concurrently.",
		steps: []string{
			"Re-read the resource to get its current state",
			"Retry the operation once against the fresh state",
			"If the conflict persists, surface it to the user rather than looping",
		},
		retry: true,
	},
}

var (
	missingParamRe = regexp.MustCompile(`(?i)missing required parameter[:\s]+['"]?(\w+)`)
	invalidParamRe = regexp.MustCompile(`(?i)(?:invalid|bad) (?:value for |parameter )['"]?(\w+)`)
	formatParamRe  = regexp.MustCompile(`(?i)parameter ['"]?(\w+)['"]? (?:must be|should be|expects) ([^.;]+)`)
)

// Compose builds the recovery prompt for one failed call. The attempt is
// recorded as a correction record when a correction store is wired.
func (c *Composer) Compose(ctx context.Context, call *types.ToolCallRecord, category types.ErrorCategory, strategy types.Strategy, round int) *RecoveryPrompt {
	kind := classifier.GuidanceFor(call.ErrorMessage)
	tmpl, ok := guidanceTemplates[kind]
	if !ok {
		tmpl = guidanceTemplates[types.GuidanceParameterError]
	}

	fixes := c.parameterFixes(call)
	alternatives := c.taxonomy.Alternatives(call.ToolName, maxAlternatives)

	prompt := &RecoveryPrompt{
		Kind:             kind,
		SystemPrompt:     c.systemPrompt(call, kind, tmpl, round),
		UserPrompt:       c.userPrompt(call, tmpl, fixes, alternatives),
		Suggestions:      tmpl.steps,
		AlternativeTools: alternatives,
		ParameterFixes:   fixes,
		ShouldRetry:      tmpl.retry,
	}

	if c.corrections != nil {
		if rate, err := c.corrections.RecoverySuccessRate(ctx, call.ToolName, kind, c.now().Add(-c.rateWindow)); err == nil && rate != nil {
			prompt.EstimatedSuccessRate = rate
		}
		prompt.AttemptID = c.recordAttempt(ctx, call, category, kind, strategy, prompt, round)
	}

	c.log(logger.ComponentRecoveryComposer, logger.CategoryCorrection, call.ID, "Recovery prompt composed", map[string]interface{}{
		"tool":          call.ToolName,
		"guidance_kind": string(kind),
		"should_retry":  prompt.ShouldRetry,
		"alternatives":  len(alternatives),
		"fixes":         len(fixes),
	})
	return prompt
}

func (c *Composer) systemPrompt(call *types.ToolCallRecord, kind types.GuidanceKind, tmpl guidanceTemplate, round int) string {
	var b strings.Builder
	b.WriteString("You are assisting with factory operations. The previous tool call failed and you must recover gracefully.\n\n")
	fmt.Fprintf(&b, "Failed tool: %s\nFailure kind: %s\nCorrection round: %d\n\n", call.ToolName, kind, round)
	b.WriteString("What went wrong: ")
	b.WriteString(tmpl.whatWentWrong)
	b.WriteString("\n\nFollow the recovery steps exactly. Never invent data to cover a failed call.")
	return b.String()
}

func (c *Composer) userPrompt(call *types.ToolCallRecord, tmpl guidanceTemplate, fixes map[string]string, alternatives []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The call to %s failed with: %s\n\nRecovery steps:\n", call.ToolName, call.ErrorMessage)
	for i, step := range tmpl.steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	if len(fixes) > 0 {
		b.WriteString("\nParameter fixes detected from the error:\n")
		for param, hint := range fixes {
			fmt.Fprintf(&b, "- %s: %s\n", param, hint)
		}
	}
	if len(alternatives) > 0 {
		fmt.Fprintf(&b, "\nAlternative tools in the same category: %s\n", strings.Join(alternatives, ", "))
	}
	return b.String()
}

// parameterFixes extracts concrete fix hints from the error text, then
// falls back to shape heuristics over the original parameters.
func (c *Composer) parameterFixes(call *types.ToolCallRecord) map[string]string {
	fixes := make(map[string]string)
	msg := call.ErrorMessage

	if m := missingParamRe.FindStringSubmatch(msg); m != nil {
		fixes[m[1]] = "required parameter is missing, add it to the call"
	}
	if m := invalidParamRe.FindStringSubmatch(msg); m != nil {
		fixes[m[1]] = "value was rejected, check spelling and allowed values"
	}
	if m := formatParamRe.FindStringSubmatch(msg); m != nil {
		fixes[m[1]] = "must be " + strings.TrimSpace(m[2])
	}

	lower := strings.ToLower(msg)
	for name, value := range call.Parameters {
		if _, already := fixes[name]; already {
			continue
		}
		s, isString := value.(string)
		switch {
		case strings.Contains(lower, "date") && looksLikeDateParam(name) && isString && !validDate(s):
			fixes[name] = "use YYYY-MM-DD format"
		case strings.Contains(lower, "id") && strings.HasSuffix(strings.ToLower(name), "id") && isString && strings.TrimSpace(s) != s:
			fixes[name] = "remove surrounding whitespace from the identifier"
		case strings.Contains(lower, "quantity") && strings.Contains(strings.ToLower(name), "quantity") && isString:
			fixes[name] = "pass the quantity as a number, not a string"
		}
	}

	if len(fixes) == 0 {
		return nil
	}
	return fixes
}

func looksLikeDateParam(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "date") || strings.Contains(n, "day") ||
		strings.HasSuffix(n, "_from") || strings.HasSuffix(n, "_to")
}

func validDate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

// recordAttempt stores the composed recovery as a correction record,
// best-effort, and returns its id.
func (c *Composer) recordAttempt(ctx context.Context, call *types.ToolCallRecord, category types.ErrorCategory, kind types.GuidanceKind, strategy types.Strategy, prompt *RecoveryPrompt, round int) string {
	rec := &types.CorrectionRecord{
		ID:             uuid.NewString(),
		ToolCallID:     call.ID,
		ToolName:       call.ToolName,
		ErrorCategory:  category,
		GuidanceKind:   kind,
		Strategy:       strategy,
		InjectedPrompt: prompt.UserPrompt,
		Round:          round,
		FinalState:     types.StateRetrying,
		CreatedAt:      c.now(),
	}
	if err := c.corrections.SaveCorrection(ctx, rec); err != nil {
		c.log(logger.ComponentRecoveryComposer, logger.CategoryError, call.ID, "Failed to record recovery attempt", map[string]interface{}{
			"error": err.Error(),
		})
		return ""
	}
	return rec.ID
}

// CloseAttempt writes the retry outcome back onto a recorded recovery
// attempt. Without this the (tool, failureType) success rate would count
// every attempt as unsuccessful forever.
func (c *Composer) CloseAttempt(ctx context.Context, attemptID string, succeeded bool, state types.CallState) {
	if c.corrections == nil || attemptID == "" {
		return
	}
	rec, err := c.corrections.GetCorrection(ctx, attemptID)
	if err != nil {
		c.log(logger.ComponentRecoveryComposer, logger.CategoryError, attemptID, "Failed to load recovery attempt", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	rec.Success = succeeded
	rec.FinalState = state
	if err := c.corrections.UpdateCorrection(ctx, rec); err != nil {
		c.log(logger.ComponentRecoveryComposer, logger.CategoryError, attemptID, "Failed to close recovery attempt", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
