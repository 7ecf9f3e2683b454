package planner

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolguard/store"
	"toolguard/types"
)

func TestStrategyForIsTotal(t *testing.T) {
	tests := []struct {
		category types.ErrorCategory
		expected types.Strategy
	}{
		{types.ErrorDataInsufficient, types.StrategyReRetrieve},
		{types.ErrorAnalysis, types.StrategyReAnalyze},
		{types.ErrorFormat, types.StrategyFormatFix},
		{types.ErrorLogic, types.StrategyPromptInjection},
		{types.ErrorUnknown, types.StrategyFullRetry},
		{types.ErrorCategory("SOMETHING_NEW"), types.StrategyFullRetry},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, StrategyFor(tt.category), string(tt.category))
	}
}

func TestPlannerRoundProgression(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemory(), nil)

	assert.Equal(t, 0, p.CurrentRound("call-1"))
	assert.Equal(t, types.StateNew, p.State("call-1"))
	assert.True(t, p.ShouldRetry("call-1"))

	for want := 1; want <= MaxCorrectionRounds; want++ {
		round, strategy, ok := p.BeginRound(ctx, "call-1", types.ErrorDataInsufficient)
		require.True(t, ok)
		assert.Equal(t, want, round)
		assert.Equal(t, types.StrategyReRetrieve, strategy)
		assert.Equal(t, types.StateRetrying, p.State("call-1"))
	}

	// Round cap reached: no fourth round, call abandoned.
	assert.False(t, p.ShouldRetry("call-1"))
	_, _, ok := p.BeginRound(ctx, "call-1", types.ErrorDataInsufficient)
	assert.False(t, ok)
	assert.Equal(t, types.StateAbandoned, p.State("call-1"))
	assert.Equal(t, MaxCorrectionRounds, p.CurrentRound("call-1"))
}

func TestPlannerConcurrentRoundsAreLinear(t *testing.T) {
	ctx := context.Background()
	p := New(nil, nil)

	var mu sync.Mutex
	seen := make(map[int]int)
	var started int

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			round, _, ok := p.BeginRound(ctx, "call-1", types.ErrorFormat)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				seen[round]++
				started++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, MaxCorrectionRounds, started, "exactly the cap's worth of rounds may start")
	for round := 1; round <= MaxCorrectionRounds; round++ {
		assert.Equal(t, 1, seen[round], "round %d must start exactly once", round)
	}
}

func TestPlannerTerminalStatesBlockRetry(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemory(), nil)

	p.BeginRound(ctx, "recovered-call", types.ErrorFormat)
	p.MarkRecovered(ctx, "recovered-call", types.ErrorFormat, types.StrategyFormatFix)
	assert.Equal(t, types.StateRecovered, p.State("recovered-call"))
	assert.False(t, p.ShouldRetry("recovered-call"))
	_, _, ok := p.BeginRound(ctx, "recovered-call", types.ErrorFormat)
	assert.False(t, ok)

	p.BeginRound(ctx, "dead-call", types.ErrorUnknown)
	p.MarkAbandoned(ctx, "dead-call", "operator gave up")
	assert.False(t, p.ShouldRetry("dead-call"))

	// Abandoning twice stays terminal without flapping.
	p.MarkAbandoned(ctx, "dead-call", "again")
	assert.Equal(t, types.StateAbandoned, p.State("dead-call"))

	// A recovered call cannot be abandoned after the fact.
	p.MarkAbandoned(ctx, "recovered-call", "too late")
	assert.Equal(t, types.StateRecovered, p.State("recovered-call"))
}

func TestPlannerRecoverable(t *testing.T) {
	p := New(nil, nil)

	assert.True(t, p.Recoverable("batch not found", nil))
	assert.False(t, p.Recoverable("permission denied", nil))
	assert.False(t, p.Recoverable("batch not found", &types.VerificationResult{
		DataStatus: types.DataStatusEmpty,
	}))
	assert.True(t, p.Recoverable("batch not found", &types.VerificationResult{
		HasData:    true,
		DataStatus: types.DataStatusNoMatch,
	}))
}

func TestPlannerPersistsCorrectionRecords(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	p := New(mem, nil)

	round, _, ok := p.BeginRound(ctx, "call-1", types.ErrorDataInsufficient)
	require.True(t, ok)
	require.Equal(t, 1, round)
	p.MarkRecovered(ctx, "call-1", types.ErrorDataInsufficient, types.StrategyReRetrieve)

	rec, err := mem.LatestForCall(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateRecovered, rec.FinalState)
	assert.True(t, rec.Success)
	assert.Equal(t, types.StrategyReRetrieve, rec.Strategy)
}

func TestPlannerForget(t *testing.T) {
	ctx := context.Background()
	p := New(nil, nil)
	p.BeginRound(ctx, "call-1", types.ErrorFormat)
	require.Equal(t, 1, p.CurrentRound("call-1"))

	p.Forget("call-1")
	assert.Equal(t, 0, p.CurrentRound("call-1"))
	assert.Equal(t, types.StateNew, p.State("call-1"))
}
