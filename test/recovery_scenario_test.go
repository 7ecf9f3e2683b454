package test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolguard/agent"
	"toolguard/cache"
	"toolguard/classifier"
	"toolguard/composer"
	"toolguard/guard"
	"toolguard/planner"
	"toolguard/store"
	"toolguard/types"
)

// scriptedLLM plays the correction model with a fixed answer.
type scriptedLLM struct {
	content string
}

func (s *scriptedLLM) Complete(ctx context.Context, req types.OpenAIRequest) (*types.OpenAIResponse, error) {
	return &types.OpenAIResponse{
		Choices: []types.OpenAIChoice{
			{Message: types.OpenAIMessage{Role: "assistant", Content: s.content}},
		},
	}, nil
}

func newGuard(t *testing.T, llm agent.CompletionClient) (*guard.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	cacheSvc := cache.New(mem, mem, cache.Options{})

	var correctionAgent *agent.Agent
	if llm != nil {
		correctionAgent = agent.New(llm, mem, agent.Options{Model: "test-model"})
	}

	g := guard.New(
		cacheSvc,
		classifier.New(nil),
		planner.New(mem, nil),
		composer.New(composer.NewTaxonomy(), mem, 0, nil),
		correctionAgent,
		mem,
		nil,
	)
	return g, mem
}

// TestBatchRecoveryScenario walks the full correction cycle: a batch query
// fails because the filter was too narrow, the pipeline classifies the
// failure, plans a retrieval retry, the correction model widens the
// parameters, and the retried call succeeds.
func TestBatchRecoveryScenario(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{content: `{
		"errorAnalysis": "The batch filter excluded archived batches.",
		"correctionStrategy": "RE_RETRIEVE",
		"correctedParams": {"batch_id": "B1", "include_archived": true},
		"reflection": "Include archived batches when a batch lookup comes up empty.",
		"confidence": 0.85
	}`}
	g, mem := newGuard(t, llm)

	params := map[string]interface{}{"batch_id": "B1"}

	// Preflight: nothing cached yet.
	pre := g.BeforeCall(ctx, "plant-a", "sess-1", "query_production_batch", params)
	assert.False(t, pre.Redundant)

	// The tool runs and fails.
	failed := g.AfterCall(ctx, "plant-a", "sess-1", "query_production_batch", params,
		"", errors.New("batch not found, no results"), 300*time.Millisecond)
	assert.Equal(t, types.StatusFailed, failed.Status)
	assert.Equal(t, string(types.ErrorDataInsufficient), failed.ErrorType)

	// The verifier confirms data exists but the query missed it.
	verification := &types.VerificationResult{
		HasData:     true,
		DataStatus:  types.DataStatusNoMatch,
		RecordCount: 3,
		Suggestion:  "batch B1 exists in the archive",
	}

	correction := g.HandleFailure(ctx, failed, "", verification)
	require.True(t, correction.ShouldRetry)
	assert.Equal(t, types.ErrorDataInsufficient, correction.Category)
	assert.Equal(t, types.StrategyReRetrieve, correction.Strategy)
	assert.Equal(t, 1, correction.Round)
	require.NotNil(t, correction.Agent)
	assert.Equal(t, true, correction.Agent.CorrectedParams["include_archived"])
	require.NotNil(t, correction.Recovery)
	assert.NotEmpty(t, correction.Recovery.Suggestions)

	// The retry with widened parameters succeeds.
	retried := g.AfterCall(ctx, "plant-a", "sess-1", "query_production_batch",
		correction.Agent.CorrectedParams, `{"batch": "B1", "status": "archived"}`, nil, 250*time.Millisecond)
	assert.Equal(t, types.StatusSuccess, retried.Status)

	g.ReportRetryOutcome(ctx, failed, correction, true)

	// The original call is marked recovered after one round.
	recovered, err := mem.GetCall(ctx, failed.ID)
	require.NoError(t, err)
	assert.True(t, recovered.Recovered)
	assert.Equal(t, types.StrategyReRetrieve, recovered.RecoveryUsed)
	assert.Equal(t, 1, recovered.RetryCount)

	// The recovery attempt counts toward the historical success rate the
	// composer consults on the next failure of this kind.
	rate, err := mem.RecoverySuccessRate(ctx, "query_production_batch", types.GuidanceDataNotFound, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.Greater(t, *rate, 0.0)

	// The lesson is remembered for the next failure of this tool, and the
	// outcome is written back to it.
	reflections, err := mem.RecentByTool(ctx, "query_production_batch", 3)
	require.NoError(t, err)
	require.NotEmpty(t, reflections)
	assert.Contains(t, reflections[0].Reflection, "archived")
	assert.True(t, reflections[0].OutcomeKnown)
	assert.True(t, reflections[0].Succeeded)

	// Repeating the corrected call inside the session is now redundant and
	// points back at the call that produced the cached result.
	pre = g.BeforeCall(ctx, "plant-a", "sess-1", "query_production_batch", correction.Agent.CorrectedParams)
	assert.True(t, pre.Redundant)
	assert.Contains(t, pre.CachedResult, "archived")
	assert.Equal(t, retried.ID, pre.OriginalCallID)
}

// TestCorrectionExhaustionScenario drives a persistently failing call
// through the round cap.
func TestCorrectionExhaustionScenario(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{content: `{
		"errorAnalysis": "Trying a different filter.",
		"correctionStrategy": "RE_RETRIEVE",
		"correctedParams": {"batch_id": "B1", "attempt": "next"},
		"reflection": "still searching",
		"confidence": 0.6
	}`}
	g, _ := newGuard(t, llm)

	failed := g.AfterCall(ctx, "plant-a", "sess-1", "query_production_batch",
		map[string]interface{}{"batch_id": "B1"}, "", errors.New("batch not found"), time.Second)

	for round := 1; round <= planner.MaxCorrectionRounds; round++ {
		correction := g.HandleFailure(ctx, failed, "", nil)
		require.True(t, correction.ShouldRetry, "round %d", round)
		assert.Equal(t, round, correction.Round)
		g.ReportRetryOutcome(ctx, failed, correction, false)
	}

	final := g.HandleFailure(ctx, failed, "", nil)
	assert.False(t, final.ShouldRetry)
	assert.Equal(t, types.StrategyAbandon, final.Strategy)
	assert.NotEmpty(t, final.AbandonReason)
}

// TestNonRecoverableFailureScenario: permission failures abandon without
// consuming rounds or consulting the model.
func TestNonRecoverableFailureScenario(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, nil)

	failed := g.AfterCall(ctx, "plant-a", "sess-1", "query_quality_holds",
		map[string]interface{}{"hold_id": "H1"}, "", errors.New("permission denied for role operator"), time.Second)

	correction := g.HandleFailure(ctx, failed, "", nil)
	assert.False(t, correction.ShouldRetry)
	assert.Equal(t, types.StrategyAbandon, correction.Strategy)
	assert.Equal(t, 0, correction.Round)
}

// TestSessionCacheClearScenario: ending a session wipes its cached
// results so a new conversation starts clean.
func TestSessionCacheClearScenario(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, nil)

	params := map[string]interface{}{"line": "L3"}
	g.AfterCall(ctx, "plant-a", "sess-1", "query_equipment_status", params, `{"status":"running"}`, nil, 100*time.Millisecond)

	pre := g.BeforeCall(ctx, "plant-a", "sess-1", "query_equipment_status", params)
	require.True(t, pre.Redundant)

	stats := g.Cache.GetSessionStats("sess-1")
	assert.Equal(t, int64(1), stats.RedundantCalls)

	removed := g.Cache.ClearSession(ctx, "sess-1")
	assert.GreaterOrEqual(t, removed, 1)

	pre = g.BeforeCall(ctx, "plant-a", "sess-1", "query_equipment_status", params)
	assert.False(t, pre.Redundant)
	assert.Equal(t, guard.Preflight{}, *pre)
}
