// Package agent runs the LLM-backed correction cycle for a failing tool
// call: it checks whether a retry can possibly help, gathers reflections
// from past corrections of the same tool, asks the correction model for
// fixed parameters, and degrades to a safe no-retry answer whenever any
// step fails.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"toolguard/classifier"
	"toolguard/logger"
	"toolguard/planner"
	"toolguard/store"
	"toolguard/types"
)

// minConfidence is the floor below which a proposed correction is not
// worth a retry.
const minConfidence = 0.3

// Options configures the correction agent.
type Options struct {
	Model             string
	MaxRounds         int           // 0 means planner.MaxCorrectionRounds
	ReflectionContext int           // prior reflections per prompt, 0 means 3
	Log               logger.LogFunc
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxRounds <= 0 {
		o.MaxRounds = planner.MaxCorrectionRounds
	}
	if o.ReflectionContext <= 0 {
		o.ReflectionContext = 3
	}
	if o.Log == nil {
		o.Log = logger.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Agent is the correction agent. Safe for concurrent use.
type Agent struct {
	client      CompletionClient
	reflections store.ReflectionStore
	opts        Options
}

// New builds an agent. reflections may be nil; the agent then works
// without episodic memory.
func New(client CompletionClient, reflections store.ReflectionStore, opts Options) *Agent {
	return &Agent{
		client:      client,
		reflections: reflections,
		opts:        opts.withDefaults(),
	}
}

// correctionResponse is the JSON document the correction model must
// return.
type correctionResponse struct {
	ErrorAnalysis      string                 `json:"errorAnalysis"`
	CorrectionStrategy string                 `json:"correctionStrategy"`
	CorrectedParams    map[string]interface{} `json:"correctedParams"`
	Reflection         string                 `json:"reflection"`
	Confidence         float64                `json:"confidence"`
}

// AnalyzeAndCorrect decides whether and how to retry a failing call.
// attempt is the 1-based correction round about to run. The method never
// returns an error: every failure path degrades to a no-retry result.
func (a *Agent) AnalyzeAndCorrect(ctx context.Context, call *types.ToolCallRecord, verification *types.VerificationResult, attempt int) *types.CorrectionResult {
	// Pre-checks run before any model call; they catch the cases where a
	// retry cannot possibly change the outcome.
	if attempt > a.opts.MaxRounds {
		return a.refuse(call, fmt.Sprintf("correction round cap of %d exhausted", a.opts.MaxRounds), false)
	}
	if verification != nil && verification.DataStatus == types.DataStatusEmpty {
		return a.refuse(call, "verification confirms the underlying data does not exist", false)
	}
	if classifier.NonRecoverable(call.ErrorMessage) {
		return a.refuse(call, "failure is a permission or configuration problem that a retry cannot fix", true)
	}
	if a.client == nil {
		return a.refuse(call, "no correction model configured", false)
	}

	prompt := a.buildPrompt(ctx, call, verification, attempt)
	req := types.OpenAIRequest{
		Model: a.opts.Model,
		Messages: []types.OpenAIMessage{
			{Role: "system", Content: correctionSystemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   1024,
		Temperature: 0.1,
	}

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		a.opts.Log(logger.ComponentCorrectionAgent, logger.CategoryError, call.ID, "Correction model call failed", map[string]interface{}{
			"error": err.Error(),
		})
		return a.refuse(call, "correction model unavailable", false)
	}

	parsed, err := parseCorrection(resp)
	if err != nil {
		a.opts.Log(logger.ComponentCorrectionAgent, logger.CategoryError, call.ID, "Failed to parse correction response", map[string]interface{}{
			"error": err.Error(),
		})
		return a.refuse(call, "correction response unparseable", false)
	}

	strategy := types.Strategy(strings.ToUpper(strings.TrimSpace(parsed.CorrectionStrategy)))
	result := &types.CorrectionResult{
		Strategy:    strategy,
		Reflection:  parsed.Reflection,
		Confidence:  parsed.Confidence,
		Explanation: parsed.ErrorAnalysis,
	}

	switch {
	case strategy == types.StrategyAbandon:
		result.ShouldRetry = false
	case parsed.Confidence < minConfidence:
		result.ShouldRetry = false
		result.Explanation = fmt.Sprintf("confidence %.2f below retry threshold; %s", parsed.Confidence, parsed.ErrorAnalysis)
	case len(parsed.CorrectedParams) == 0:
		result.ShouldRetry = false
	default:
		result.ShouldRetry = true
		result.CorrectedParams = parsed.CorrectedParams
	}

	result.ReflectionID = a.storeReflection(ctx, call, strategy, parsed)

	a.opts.Log(logger.ComponentCorrectionAgent, logger.CategoryCorrection, call.ID, "Correction analysis complete", map[string]interface{}{
		"tool":         call.ToolName,
		"attempt":      attempt,
		"should_retry": result.ShouldRetry,
		"strategy":     string(strategy),
		"confidence":   parsed.Confidence,
	})
	return result
}

// ReportOutcome records the result of a retried call against the most
// recent reflection for its tool.
func (a *Agent) ReportOutcome(ctx context.Context, reflectionID string, succeeded bool) {
	if a.reflections == nil || reflectionID == "" {
		return
	}
	if err := a.reflections.MarkReflectionOutcome(ctx, reflectionID, succeeded); err != nil {
		a.opts.Log(logger.ComponentCorrectionAgent, logger.CategoryError, "", "Failed to mark reflection outcome", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

const correctionSystemPrompt = `You are a tool call correction specialist for a factory operations assistant.
You analyze a failed tool call and propose corrected parameters, or advise abandoning the retry.
Respond with ONLY a JSON object in this exact format:
{
  "errorAnalysis": "what went wrong, one or two sentences",
  "correctionStrategy": "RE_RETRIEVE | RE_ANALYZE | FORMAT_FIX | PROMPT_INJECTION | FULL_RETRY | ABANDON",
  "correctedParams": { "param": "value" },
  "reflection": "a reusable lesson for future calls to this tool",
  "confidence": 0.0
}
Use ABANDON with empty correctedParams when no correction can help.
Never invent identifiers or data that the error does not support.`

func (a *Agent) buildPrompt(ctx context.Context, call *types.ToolCallRecord, verification *types.VerificationResult, attempt int) string {
	paramsJSON, _ := json.MarshalIndent(call.Parameters, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "FAILED TOOL CALL (correction round %d of %d):\n", attempt, a.opts.MaxRounds)
	fmt.Fprintf(&b, "Tool: %s\nParameters:\n%s\nError: %s\n", call.ToolName, paramsJSON, call.ErrorMessage)

	if verification != nil {
		fmt.Fprintf(&b, "\nVERIFICATION:\nData status: %s\nRecords found: %d\n", verification.DataStatus, verification.RecordCount)
		if verification.Suggestion != "" {
			fmt.Fprintf(&b, "Verifier suggestion: %s\n", verification.Suggestion)
		}
		for key, value := range verification.ContextInfo {
			fmt.Fprintf(&b, "%s: %s\n", key, value)
		}
	}

	if a.reflections != nil {
		recent, err := a.reflections.RecentByTool(ctx, call.ToolName, a.opts.ReflectionContext)
		if err == nil && len(recent) > 0 {
			b.WriteString("\nLESSONS FROM PAST CORRECTIONS OF THIS TOOL (newest first):\n")
			for i, r := range recent {
				outcome := "outcome unknown"
				if r.OutcomeKnown {
					if r.Succeeded {
						outcome = "retry succeeded"
					} else {
						outcome = "retry failed"
					}
				}
				fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, r.Reflection, outcome)
			}
		}
	}

	b.WriteString("\nPropose corrected parameters for a retry, or ABANDON if nothing can help.")
	return b.String()
}

// parseCorrection extracts the correction JSON from the model response,
// tolerating prose and Markdown fences around it.
func parseCorrection(resp *types.OpenAIResponse) (*correctionResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in correction response")
	}
	content := resp.Choices[0].Message.Content

	var jsonStr string

	jsonStart := strings.Index(content, "{")
	jsonEnd := strings.LastIndex(content, "}") + 1
	if jsonStart != -1 && jsonEnd > jsonStart {
		jsonStr = content[jsonStart:jsonEnd]
	} else if fenceStart := strings.Index(content, "```json"); fenceStart != -1 {
		fenceStart += 7
		if fenceEnd := strings.Index(content[fenceStart:], "```"); fenceEnd != -1 {
			jsonStr = strings.TrimSpace(content[fenceStart : fenceStart+fenceEnd])
		}
	} else if fenceStart := strings.Index(content, "```"); fenceStart != -1 {
		fenceStart += 3
		if fenceEnd := strings.Index(content[fenceStart:], "```"); fenceEnd != -1 {
			candidate := strings.TrimSpace(content[fenceStart : fenceStart+fenceEnd])
			if strings.HasPrefix(candidate, "{") && strings.HasSuffix(candidate, "}") {
				jsonStr = candidate
			}
		}
	}

	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON object found in correction response")
	}

	var parsed correctionResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse correction JSON: %v", err)
	}
	return &parsed, nil
}

// refuse builds the degraded no-retry result.
func (a *Agent) refuse(call *types.ToolCallRecord, reason string, requiresHuman bool) *types.CorrectionResult {
	a.opts.Log(logger.ComponentCorrectionAgent, logger.CategoryWarning, call.ID, "Retry refused", map[string]interface{}{
		"tool":   call.ToolName,
		"reason": reason,
	})
	return &types.CorrectionResult{
		ShouldRetry:   false,
		Strategy:      types.StrategyAbandon,
		Explanation:   reason,
		RequiresHuman: requiresHuman,
	}
}

// storeReflection persists the model's reflection best-effort and
// returns the stored id, empty when nothing was written.
func (a *Agent) storeReflection(ctx context.Context, call *types.ToolCallRecord, strategy types.Strategy, parsed *correctionResponse) string {
	if a.reflections == nil || parsed.Reflection == "" {
		return ""
	}
	rec := &types.ReflectionMemory{
		ID:              uuid.NewString(),
		ToolName:        call.ToolName,
		OriginalError:   call.ErrorMessage,
		Strategy:        strategy,
		CorrectedParams: parsed.CorrectedParams,
		Reflection:      parsed.Reflection,
		Confidence:      parsed.Confidence,
		CreatedAt:       a.opts.Now(),
	}
	if err := a.reflections.AppendReflection(ctx, rec); err != nil {
		a.opts.Log(logger.ComponentCorrectionAgent, logger.CategoryError, call.ID, "Failed to store reflection", map[string]interface{}{
			"error": err.Error(),
		})
		return ""
	}
	return rec.ID
}

// PruneReflections drops reflections older than the retention cutoff.
func (a *Agent) PruneReflections(ctx context.Context, cutoff time.Time) int {
	if a.reflections == nil {
		return 0
	}
	n, err := a.reflections.PruneReflectionsBefore(ctx, cutoff)
	if err != nil {
		a.opts.Log(logger.ComponentCorrectionAgent, logger.CategoryError, "", "Reflection prune failed", map[string]interface{}{
			"error": err.Error(),
		})
		return 0
	}
	if n > 0 {
		a.opts.Log(logger.ComponentCorrectionAgent, logger.CategoryCleanup, "", "Pruned old reflections", map[string]interface{}{
			"count": n,
		})
	}
	return n
}
