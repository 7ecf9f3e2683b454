package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"toolguard/types"
)

func TestClassifyCategories(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		expected types.ErrorCategory
	}{
		{"data not found", "batch not found", types.ErrorDataInsufficient},
		{"empty result", "query returned empty result set", types.ErrorDataInsufficient},
		{"format", "failed to parse response: invalid json", types.ErrorFormat},
		{"date format", "invalid date supplied for start_date", types.ErrorFormat},
		{"analysis", "aggregation failed for yield summary", types.ErrorAnalysis},
		{"logic", "conflicting parameters: line and work_center", types.ErrorLogic},
		{"unknown", "something odd happened", types.ErrorUnknown},
		{"empty message", "", types.ErrorUnknown},
	}

	c := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			category, _ := c.Classify(tt.message, "")
			assert.Equal(t, tt.expected, category)
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := New(nil)
	msg := "no results for batch B1, parse error in fallback"
	first, firstConf := c.Classify(msg, "")
	for i := 0; i < 10; i++ {
		category, conf := c.Classify(msg, "")
		assert.Equal(t, first, category)
		assert.Equal(t, firstConf, conf)
	}
}

func TestClassifyPriorityOrder(t *testing.T) {
	c := New(nil)

	// Matches both DATA_INSUFFICIENT ("not found") and FORMAT_ERROR
	// ("parse error"); the earlier group wins.
	category, _ := c.Classify("record not found while handling parse error", "")
	assert.Equal(t, types.ErrorDataInsufficient, category)

	// FORMAT_ERROR outranks ANALYSIS_ERROR.
	category, _ = c.Classify("malformed input caused analysis failed", "")
	assert.Equal(t, types.ErrorFormat, category)
}

func TestClassifyConfidenceScaling(t *testing.T) {
	c := New(nil)

	_, oneMatch := c.Classify("batch not found", "")
	assert.Equal(t, 0.5, oneMatch)

	_, twoMatches := c.Classify("batch not found, no results", "")
	assert.InDelta(t, 0.65, twoMatches, 1e-9)

	// Many matches cap at 0.95.
	_, many := c.Classify("not found, no results, no data, empty result, no records, no matching, insufficient data", "")
	assert.Equal(t, 0.95, many)

	_, unknown := c.Classify("completely novel failure", "")
	assert.LessOrEqual(t, unknown, 0.3)
}

func TestClassifyUsesReviewFeedback(t *testing.T) {
	c := New(nil)
	category, _ := c.Classify("call failed", "the response was malformed and truncated")
	assert.Equal(t, types.ErrorFormat, category)
}

func TestClassifyApplyOverrides(t *testing.T) {
	c := New(nil)
	c.ApplyOverrides(map[string][]string{
		string(types.ErrorDataInsufficient): {"keine daten", "nicht gefunden"},
	})

	category, _ := c.Classify("Charge nicht gefunden", "")
	assert.Equal(t, types.ErrorDataInsufficient, category)

	// The replaced English patterns no longer match, but the other groups
	// keep their built-ins.
	category, _ = c.Classify("batch not found", "")
	assert.Equal(t, types.ErrorUnknown, category)
	category, _ = c.Classify("invalid json", "")
	assert.Equal(t, types.ErrorFormat, category)
}
