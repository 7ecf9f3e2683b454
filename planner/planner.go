// Package planner decides what to do about a classified failure: which
// correction strategy to run, whether another round is allowed, and how
// the per-call correction state machine advances.
package planner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"toolguard/classifier"
	"toolguard/logger"
	"toolguard/store"
	"toolguard/types"
)

// MaxCorrectionRounds caps the correction rounds per failing call.
const MaxCorrectionRounds = 3

// StrategyFor maps an error category to its correction strategy. The
// mapping is total: every category, including UNKNOWN, has a strategy.
func StrategyFor(category types.ErrorCategory) types.Strategy {
	switch category {
	case types.ErrorDataInsufficient:
		return types.StrategyReRetrieve
	case types.ErrorAnalysis:
		return types.StrategyReAnalyze
	case types.ErrorFormat:
		return types.StrategyFormatFix
	case types.ErrorLogic:
		return types.StrategyPromptInjection
	default:
		return types.StrategyFullRetry
	}
}

// callTrack is the correction state for one tool call. Round advances via
// CAS so concurrent correction attempts on the same call serialize into a
// strict 1..MaxCorrectionRounds sequence with no duplicates.
type callTrack struct {
	round atomic.Int32

	mu    sync.Mutex
	state types.CallState
}

// Planner owns the round accounting and state machine for failing calls.
// It is safe for concurrent use.
type Planner struct {
	corrections store.CorrectionStore
	maxRounds   int
	log         logger.LogFunc
	now         func() time.Time

	mu     sync.Mutex
	tracks map[string]*callTrack
}

// New builds a planner. corrections may be nil; correction records are
// then kept only in the state machine.
func New(corrections store.CorrectionStore, log logger.LogFunc) *Planner {
	if log == nil {
		log = logger.Nop()
	}
	return &Planner{
		corrections: corrections,
		maxRounds:   MaxCorrectionRounds,
		log:         log,
		now:         time.Now,
		tracks:      make(map[string]*callTrack),
	}
}

func (p *Planner) track(toolCallID string) *callTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tracks[toolCallID]
	if !ok {
		t = &callTrack{state: types.StateNew}
		p.tracks[toolCallID] = t
	}
	return t
}

// CurrentRound returns the number of correction rounds already begun for
// the call. Zero for calls the planner has never seen.
func (p *Planner) CurrentRound(toolCallID string) int {
	p.mu.Lock()
	t, ok := p.tracks[toolCallID]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return int(t.round.Load())
}

// State returns the correction state of the call, StateNew if unseen.
func (p *Planner) State(toolCallID string) types.CallState {
	p.mu.Lock()
	t, ok := p.tracks[toolCallID]
	p.mu.Unlock()
	if !ok {
		return types.StateNew
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ShouldRetry reports whether another correction round may begin. False
// once the round cap is reached or the call is in a terminal state.
func (p *Planner) ShouldRetry(toolCallID string) bool {
	t := p.track(toolCallID)
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state == types.StateRecovered || state == types.StateAbandoned {
		return false
	}
	return int(t.round.Load()) < p.maxRounds
}

// BeginRound attempts to start the next correction round for the call and
// returns the round number (1-based) plus the planned strategy. ok is
// false when the cap is exhausted or the call is already terminal; the
// call is moved to ABANDONED when the cap is the reason.
func (p *Planner) BeginRound(ctx context.Context, toolCallID string, category types.ErrorCategory) (round int, strategy types.Strategy, ok bool) {
	t := p.track(toolCallID)

	t.mu.Lock()
	if t.state == types.StateRecovered || t.state == types.StateAbandoned {
		t.mu.Unlock()
		return int(t.round.Load()), "", false
	}
	t.mu.Unlock()

	for {
		current := t.round.Load()
		if int(current) >= p.maxRounds {
			p.abandon(ctx, toolCallID, t, "correction round cap reached")
			return int(current), "", false
		}
		if t.round.CompareAndSwap(current, current+1) {
			round = int(current) + 1
			break
		}
	}

	t.mu.Lock()
	t.state = types.StateRetrying
	t.mu.Unlock()

	strategy = StrategyFor(category)
	correctionRounds.WithLabelValues(string(strategy)).Inc()
	p.log(logger.ComponentStrategyPlanner, logger.CategoryCorrection, toolCallID, "Correction round started", map[string]interface{}{
		"round":    round,
		"category": string(category),
		"strategy": string(strategy),
	})
	p.persist(ctx, toolCallID, category, strategy, round, types.StateRetrying, false)
	return round, strategy, true
}

// MarkRecovered moves the call to its terminal RECOVERED state.
func (p *Planner) MarkRecovered(ctx context.Context, toolCallID string, category types.ErrorCategory, strategy types.Strategy) {
	t := p.track(toolCallID)
	t.mu.Lock()
	t.state = types.StateRecovered
	t.mu.Unlock()

	correctionOutcomes.WithLabelValues("recovered").Inc()
	round := int(t.round.Load())
	p.log(logger.ComponentStrategyPlanner, logger.CategorySuccess, toolCallID, "Call recovered", map[string]interface{}{
		"round":    round,
		"strategy": string(strategy),
	})
	p.persist(ctx, toolCallID, category, strategy, round, types.StateRecovered, true)
}

// MarkAbandoned moves the call to its terminal ABANDONED state.
func (p *Planner) MarkAbandoned(ctx context.Context, toolCallID, reason string) {
	t := p.track(toolCallID)
	p.abandon(ctx, toolCallID, t, reason)
}

func (p *Planner) abandon(ctx context.Context, toolCallID string, t *callTrack, reason string) {
	t.mu.Lock()
	alreadyTerminal := t.state == types.StateAbandoned || t.state == types.StateRecovered
	if !alreadyTerminal {
		t.state = types.StateAbandoned
	}
	t.mu.Unlock()
	if alreadyTerminal {
		return
	}

	correctionOutcomes.WithLabelValues("abandoned").Inc()
	p.log(logger.ComponentStrategyPlanner, logger.CategoryWarning, toolCallID, "Call abandoned", map[string]interface{}{
		"round":  int(t.round.Load()),
		"reason": reason,
	})
	p.persist(ctx, toolCallID, types.ErrorUnknown, types.StrategyAbandon, int(t.round.Load()), types.StateAbandoned, false)
}

// Recoverable judges whether a failure is worth correcting at all.
// Permission and configuration failures are never recoverable, and when
// the verifier reports the underlying store genuinely empty no amount of
// parameter fixing can help.
func (p *Planner) Recoverable(errorMessage string, verification *types.VerificationResult) bool {
	if classifier.NonRecoverable(errorMessage) {
		return false
	}
	if verification != nil && verification.DataStatus == types.DataStatusEmpty {
		return false
	}
	return true
}

// Forget drops the in-memory track for a call. Used once the call's
// outcome is final and recorded.
func (p *Planner) Forget(toolCallID string) {
	p.mu.Lock()
	delete(p.tracks, toolCallID)
	p.mu.Unlock()
}

// persist writes a correction record best-effort; planning never fails
// because the store does.
func (p *Planner) persist(ctx context.Context, toolCallID string, category types.ErrorCategory, strategy types.Strategy, round int, state types.CallState, success bool) {
	if p.corrections == nil {
		return
	}
	rec := &types.CorrectionRecord{
		ID:            uuid.NewString(),
		ToolCallID:    toolCallID,
		ErrorCategory: category,
		Strategy:      strategy,
		Round:         round,
		Success:       success,
		FinalState:    state,
		CreatedAt:     p.now(),
	}
	if err := p.corrections.SaveCorrection(ctx, rec); err != nil {
		p.log(logger.ComponentStrategyPlanner, logger.CategoryError, toolCallID, "Failed to persist correction record", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
