// Package guard composes the reliability components into the three
// operations a tool-execution loop calls: a preflight redundancy check
// before a tool runs, an outcome report after it runs, and a failure
// handler that classifies the error, plans a correction round, composes
// recovery guidance and asks the correction agent for fixed parameters.
package guard

import (
	"context"
	"time"

	"toolguard/agent"
	"toolguard/cache"
	"toolguard/classifier"
	"toolguard/composer"
	"toolguard/logger"
	"toolguard/planner"
	"toolguard/store"
	"toolguard/types"
)

// Preflight is the answer to "should this tool call run at all".
type Preflight struct {
	Redundant    bool   `json:"redundant"`
	CachedResult string `json:"cached_result,omitempty"`
	// OriginalCallID is the id of the earlier call this one duplicates.
	OriginalCallID string `json:"original_call_id,omitempty"`
}

// Correction bundles everything the loop needs to act on a failure.
type Correction struct {
	Category      types.ErrorCategory      `json:"category"`
	Confidence    float64                  `json:"confidence"`
	Strategy      types.Strategy           `json:"strategy"`
	Round         int                      `json:"round"`
	Recovery      *composer.RecoveryPrompt `json:"recovery,omitempty"`
	Agent         *types.CorrectionResult  `json:"agent,omitempty"`
	ShouldRetry   bool                     `json:"should_retry"`
	AbandonReason string                   `json:"abandon_reason,omitempty"`
	// RequiresHuman marks permission and business-rule failures that need
	// operator confirmation before anything further is attempted.
	RequiresHuman bool `json:"requires_human,omitempty"`
}

// Service is the reliability facade. All fields are required except
// Agent, which may be nil when correction is disabled.
type Service struct {
	Cache      *cache.Service
	Classifier *classifier.Classifier
	Planner    *planner.Planner
	Composer   *composer.Composer
	Agent      *agent.Agent
	Calls      store.CallStore
	Log        logger.LogFunc
	Now        func() time.Time
}

// New wires the facade. log may be nil.
func New(cacheSvc *cache.Service, cls *classifier.Classifier, pln *planner.Planner, cmp *composer.Composer, agt *agent.Agent, calls store.CallStore, log logger.LogFunc) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		Cache:      cacheSvc,
		Classifier: cls,
		Planner:    pln,
		Composer:   cmp,
		Agent:      agt,
		Calls:      calls,
		Log:        log,
		Now:        time.Now,
	}
}

// BeforeCall runs the redundancy check for a call about to execute. A
// redundant call is recorded as such so the calibration metrics see it.
func (s *Service) BeforeCall(ctx context.Context, scope, sessionID, toolName string, params map[string]interface{}) *Preflight {
	if !s.Cache.IsRedundant(ctx, sessionID, toolName, params) {
		return &Preflight{}
	}

	pre := &Preflight{Redundant: true}
	if entry, ok := s.Cache.GetCachedEntry(ctx, sessionID, toolName, params); ok {
		pre.CachedResult = entry.Result
		pre.OriginalCallID = entry.OriginCallID
	}

	rec := types.NewToolCallRecord(scope, sessionID, toolName, params, cache.HashParameters(params), s.Now())
	rec.Status = types.StatusRedundant
	rec.IsRedundant = true
	rec.OriginalCallID = pre.OriginalCallID
	if err := s.Calls.SaveCall(ctx, rec); err != nil {
		s.Log(logger.ComponentRedundancyCache, logger.CategoryError, rec.ID, "Failed to record redundant call", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return pre
}

// AfterCall records an executed call and, on success, caches its result
// for the session. The returned record is the one to hand to
// HandleFailure when the call failed.
func (s *Service) AfterCall(ctx context.Context, scope, sessionID, toolName string, params map[string]interface{}, result string, callErr error, latency time.Duration) *types.ToolCallRecord {
	rec := types.NewToolCallRecord(scope, sessionID, toolName, params, cache.HashParameters(params), s.Now())
	rec.LatencyMs = latency.Milliseconds()

	if callErr == nil {
		rec.Status = types.StatusSuccess
		if err := s.Cache.CacheResult(ctx, sessionID, toolName, params, result, rec.ID, 0); err != nil {
			s.Log(logger.ComponentRedundancyCache, logger.CategoryWarning, rec.ID, "Failed to cache result", map[string]interface{}{
				"error": err.Error(),
			})
		}
	} else {
		rec.Status = types.StatusFailed
		rec.ErrorMessage = callErr.Error()
		category, _ := s.Classifier.Classify(rec.ErrorMessage, "")
		rec.ErrorType = string(category)
	}

	if err := s.Calls.SaveCall(ctx, rec); err != nil {
		s.Log(logger.ComponentStore, logger.CategoryError, rec.ID, "Failed to record call", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return rec
}

// HandleFailure runs the correction pipeline for a failed call. The
// returned Correction says whether to retry, with what parameters, and
// what recovery guidance to inject into the conversation.
func (s *Service) HandleFailure(ctx context.Context, call *types.ToolCallRecord, reviewFeedback string, verification *types.VerificationResult) *Correction {
	category, confidence := s.Classifier.Classify(call.ErrorMessage, reviewFeedback)
	out := &Correction{Category: category, Confidence: confidence}

	if !s.Planner.Recoverable(call.ErrorMessage, verification) {
		reason := "verified empty data store, a retry cannot produce data"
		if classifier.NonRecoverable(call.ErrorMessage) {
			reason = "permission or configuration failure, not retryable"
			out.RequiresHuman = true
		}
		s.abandon(ctx, call.ID, out, reason)
		return out
	}

	round, strategy, ok := s.Planner.BeginRound(ctx, call.ID, category)
	if !ok {
		out.Round = round
		s.abandon(ctx, call.ID, out, "no further correction rounds permitted")
		return out
	}
	out.Round = round
	out.Strategy = strategy

	out.Recovery = s.Composer.Compose(ctx, call, category, strategy, round)
	out.ShouldRetry = out.Recovery.ShouldRetry

	if !out.ShouldRetry {
		// Permission and business-rule guidance refuses the retry before
		// the model is ever consulted.
		if out.Recovery.Kind == types.GuidancePermissionError || out.Recovery.Kind == types.GuidanceBusinessError {
			out.RequiresHuman = true
		}
		s.Composer.CloseAttempt(ctx, out.Recovery.AttemptID, false, types.StateAbandoned)
		s.abandon(ctx, call.ID, out, string(out.Recovery.Kind)+" guidance advises against retrying")
		return out
	}

	if s.Agent != nil {
		out.Agent = s.Agent.AnalyzeAndCorrect(ctx, call, verification, round)
		out.ShouldRetry = out.Agent.ShouldRetry
		if !out.Agent.ShouldRetry {
			out.RequiresHuman = out.Agent.RequiresHuman
			s.Composer.CloseAttempt(ctx, out.Recovery.AttemptID, false, types.StateAbandoned)
			s.abandon(ctx, call.ID, out, out.Agent.Explanation)
		}
	}
	return out
}

// abandon records the terminal verdict and evicts the planner track; the
// caller holds the reason in the returned Correction, so nothing further
// will be asked about this call.
func (s *Service) abandon(ctx context.Context, callID string, out *Correction, reason string) {
	s.Planner.MarkAbandoned(ctx, callID, reason)
	s.Planner.Forget(callID)
	out.Strategy = types.StrategyAbandon
	out.ShouldRetry = false
	out.AbandonReason = reason
}

// ReportRetryOutcome closes the correction loop for a call after its
// retry ran. On success the original record is marked recovered and the
// round's recovery attempt and reflection are labeled, so the historical
// success rate and the Reflexion memory both learn from it.
func (s *Service) ReportRetryOutcome(ctx context.Context, call *types.ToolCallRecord, correction *Correction, succeeded bool) {
	if s.Agent != nil && correction != nil && correction.Agent != nil {
		s.Agent.ReportOutcome(ctx, correction.Agent.ReflectionID, succeeded)
	}

	if succeeded {
		category, _ := s.Classifier.Classify(call.ErrorMessage, "")
		strategy := types.StrategyFullRetry
		if correction != nil {
			strategy = correction.Strategy
		}
		s.Planner.MarkRecovered(ctx, call.ID, category, strategy)
		call.Recovered = true
		call.RecoveryUsed = strategy
		call.RetryCount = s.Planner.CurrentRound(call.ID)
		if err := s.Calls.UpdateCall(ctx, call); err != nil {
			s.Log(logger.ComponentStore, logger.CategoryError, call.ID, "Failed to mark call recovered", map[string]interface{}{
				"error": err.Error(),
			})
		}
		if correction != nil && correction.Recovery != nil {
			s.Composer.CloseAttempt(ctx, correction.Recovery.AttemptID, true, types.StateRecovered)
		}
		s.Planner.Forget(call.ID)
		return
	}

	if !s.Planner.ShouldRetry(call.ID) {
		s.Planner.MarkAbandoned(ctx, call.ID, "retries exhausted without recovery")
		if correction != nil && correction.Recovery != nil {
			s.Composer.CloseAttempt(ctx, correction.Recovery.AttemptID, false, types.StateAbandoned)
		}
	}
}
