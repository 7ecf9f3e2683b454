package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolguard/store"
	"toolguard/types"
)

// mockClient returns a canned response or error and captures the request.
type mockClient struct {
	content string
	err     error
	lastReq types.OpenAIRequest
	calls   int
}

func (m *mockClient) Complete(ctx context.Context, req types.OpenAIRequest) (*types.OpenAIResponse, error) {
	m.lastReq = req
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &types.OpenAIResponse{
		Choices: []types.OpenAIChoice{
			{Message: types.OpenAIMessage{Role: "assistant", Content: m.content}},
		},
	}, nil
}

func failedCall(tool, errMsg string) *types.ToolCallRecord {
	rec := types.NewToolCallRecord("default", "s1", tool, map[string]interface{}{"batch_id": "B1"}, "hash", time.Now())
	rec.Status = types.StatusFailed
	rec.ErrorMessage = errMsg
	return rec
}

const goodCorrection = `{
	"errorAnalysis": "The batch filter was too narrow.",
	"correctionStrategy": "RE_RETRIEVE",
	"correctedParams": {"batch_id": "B1", "include_archived": true},
	"reflection": "Widen filters before concluding data is absent.",
	"confidence": 0.8
}`

func TestAgentAcceptsCorrection(t *testing.T) {
	client := &mockClient{content: goodCorrection}
	mem := store.NewMemory()
	a := New(client, mem, Options{Model: "qwen2.5-coder"})

	result := a.AnalyzeAndCorrect(context.Background(), failedCall("query_material_batch", "batch not found"), nil, 1)

	assert.True(t, result.ShouldRetry)
	assert.Equal(t, types.StrategyReRetrieve, result.Strategy)
	assert.Equal(t, 0.8, result.Confidence)
	assert.Equal(t, true, result.CorrectedParams["include_archived"])

	// Low temperature, model from options.
	assert.Equal(t, 0.1, client.lastReq.Temperature)
	assert.Equal(t, "qwen2.5-coder", client.lastReq.Model)

	// Reflection persisted, with its id surfaced so the retry outcome can
	// be written back later.
	reflections, err := mem.RecentByTool(context.Background(), "query_material_batch", 3)
	require.NoError(t, err)
	require.Len(t, reflections, 1)
	assert.Equal(t, "Widen filters before concluding data is absent.", reflections[0].Reflection)
	assert.False(t, reflections[0].OutcomeKnown)
	assert.Equal(t, reflections[0].ID, result.ReflectionID)
}

func TestAgentOutcomeClosesReflection(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	a := New(&mockClient{content: goodCorrection}, mem, Options{})

	result := a.AnalyzeAndCorrect(ctx, failedCall("query_material_batch", "batch not found"), nil, 1)
	require.NotEmpty(t, result.ReflectionID)

	a.ReportOutcome(ctx, result.ReflectionID, true)

	reflections, err := mem.RecentByTool(ctx, "query_material_batch", 1)
	require.NoError(t, err)
	require.Len(t, reflections, 1)
	assert.True(t, reflections[0].OutcomeKnown)
	assert.True(t, reflections[0].Succeeded)
}

func TestAgentParsesFencedJSON(t *testing.T) {
	client := &mockClient{content: "Here is the corrected call:\n```json\n" + goodCorrection + "\n```"}
	a := New(client, nil, Options{})

	result := a.AnalyzeAndCorrect(context.Background(), failedCall("query_material_batch", "batch not found"), nil, 1)
	assert.True(t, result.ShouldRetry)
	assert.Equal(t, "B1", result.CorrectedParams["batch_id"])
}

func TestAgentLowConfidenceRefusesRetry(t *testing.T) {
	client := &mockClient{content: `{
		"errorAnalysis": "Unclear failure.",
		"correctionStrategy": "RE_RETRIEVE",
		"correctedParams": {"batch_id": "B2"},
		"reflection": "guess",
		"confidence": 0.2
	}`}
	a := New(client, nil, Options{})

	result := a.AnalyzeAndCorrect(context.Background(), failedCall("query_material_batch", "odd failure"), nil, 1)
	assert.False(t, result.ShouldRetry)
	assert.Contains(t, result.Explanation, "below retry threshold")
}

func TestAgentAbandonStrategyRefusesRetry(t *testing.T) {
	client := &mockClient{content: `{
		"errorAnalysis": "Data genuinely missing.",
		"correctionStrategy": "ABANDON",
		"correctedParams": {},
		"reflection": "Do not retry missing master data.",
		"confidence": 0.9
	}`}
	a := New(client, nil, Options{})

	result := a.AnalyzeAndCorrect(context.Background(), failedCall("query_material_batch", "batch not found"), nil, 1)
	assert.False(t, result.ShouldRetry)
	assert.Equal(t, types.StrategyAbandon, result.Strategy)
}

func TestAgentPreChecks(t *testing.T) {
	client := &mockClient{content: goodCorrection}
	a := New(client, nil, Options{MaxRounds: 3})
	ctx := context.Background()

	// Round cap.
	result := a.AnalyzeAndCorrect(ctx, failedCall("t", "batch not found"), nil, 4)
	assert.False(t, result.ShouldRetry)

	// Verified-empty store.
	result = a.AnalyzeAndCorrect(ctx, failedCall("t", "batch not found"),
		&types.VerificationResult{DataStatus: types.DataStatusEmpty}, 1)
	assert.False(t, result.ShouldRetry)

	// Permission failure needs a human.
	result = a.AnalyzeAndCorrect(ctx, failedCall("t", "permission denied"), nil, 1)
	assert.False(t, result.ShouldRetry)
	assert.True(t, result.RequiresHuman)

	// None of the pre-check refusals consulted the model.
	assert.Equal(t, 0, client.calls)
}

func TestAgentDegradesOnClientError(t *testing.T) {
	a := New(&mockClient{err: errors.New("connection refused")}, nil, Options{})
	result := a.AnalyzeAndCorrect(context.Background(), failedCall("t", "batch not found"), nil, 1)
	assert.False(t, result.ShouldRetry)
	assert.NotEmpty(t, result.Explanation)
}

func TestAgentDegradesOnGarbageResponse(t *testing.T) {
	a := New(&mockClient{content: "I cannot help with that."}, nil, Options{})
	result := a.AnalyzeAndCorrect(context.Background(), failedCall("t", "batch not found"), nil, 1)
	assert.False(t, result.ShouldRetry)
}

func TestAgentPromptIncludesReflectionsAndVerification(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.AppendReflection(ctx, &types.ReflectionMemory{
		ID:         "r1",
		ToolName:   "query_material_batch",
		Reflection: "Always widen the date range first.",
		CreatedAt:  time.Now(),
	}))

	client := &mockClient{content: goodCorrection}
	a := New(client, mem, Options{})

	verification := &types.VerificationResult{
		HasData:     true,
		DataStatus:  types.DataStatusNoMatch,
		RecordCount: 42,
		Suggestion:  "try the previous production week",
	}
	a.AnalyzeAndCorrect(ctx, failedCall("query_material_batch", "batch not found"), verification, 2)

	require.Len(t, client.lastReq.Messages, 2)
	userPrompt := client.lastReq.Messages[1].Content
	assert.Contains(t, userPrompt, "Always widen the date range first.")
	assert.Contains(t, userPrompt, "NO_MATCH")
	assert.Contains(t, userPrompt, "try the previous production week")
	assert.Contains(t, userPrompt, "round 2 of 3")
}

func TestAgentReportOutcome(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.AppendReflection(ctx, &types.ReflectionMemory{
		ID:        "r1",
		ToolName:  "t",
		CreatedAt: time.Now(),
	}))

	a := New(nil, mem, Options{})
	a.ReportOutcome(ctx, "r1", true)

	reflections, err := mem.RecentByTool(ctx, "t", 1)
	require.NoError(t, err)
	require.Len(t, reflections, 1)
	assert.True(t, reflections[0].OutcomeKnown)
	assert.True(t, reflections[0].Succeeded)
}

func TestAgentPruneReflections(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	old := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, mem.AppendReflection(ctx, &types.ReflectionMemory{ID: "old", ToolName: "t", CreatedAt: old}))
	require.NoError(t, mem.AppendReflection(ctx, &types.ReflectionMemory{ID: "new", ToolName: "t", CreatedAt: time.Now()}))

	a := New(nil, mem, Options{})
	removed := a.PruneReflections(ctx, time.Now().Add(-30*24*time.Hour))
	assert.Equal(t, 1, removed)

	remaining, err := mem.RecentByTool(ctx, "t", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "new", remaining[0].ID)
}
