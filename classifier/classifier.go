// Package classifier maps raw tool failure text onto the two error
// taxonomies of the reliability core: the machine-facing category that
// drives strategy planning, and the human-facing guidance kind that
// drives recovery prompt composition.
package classifier

import (
	"strings"

	"toolguard/logger"
	"toolguard/types"
)

// patternGroup is one category's keyword list. Matching is lowercase
// substring containment; lists are localizable, the group order is not.
type patternGroup struct {
	category types.ErrorCategory
	patterns []string
}

// Classifier is the deterministic failure classifier. Pattern groups are
// evaluated in a fixed priority order and the first group with any match
// wins, so the same error text always yields the same category.
type Classifier struct {
	groups []patternGroup
	log    logger.LogFunc
}

// New builds a classifier with the built-in pattern lists.
func New(log logger.LogFunc) *Classifier {
	if log == nil {
		log = logger.Nop()
	}
	return &Classifier{
		log: log,
		// Priority order is load-bearing: DATA_INSUFFICIENT, then
		// FORMAT_ERROR, then ANALYSIS_ERROR, then LOGIC_ERROR.
		groups: []patternGroup{
			{
				category: types.ErrorDataInsufficient,
				patterns: []string{
					"not found", "no results", "no data", "empty result",
					"no records", "no matching", "0 rows", "zero rows",
					"insufficient data", "missing data", "nothing matched",
					"no such batch", "out of range",
				},
			},
			{
				category: types.ErrorFormat,
				patterns: []string{
					"format", "malformed", "parse error", "failed to parse",
					"invalid json", "unmarshal", "invalid date", "bad syntax",
					"type mismatch", "expected type", "schema violation",
					"encoding error",
				},
			},
			{
				category: types.ErrorAnalysis,
				patterns: []string{
					"analysis failed", "analysis error", "cannot compute",
					"calculation failed", "aggregation failed",
					"inconsistent result", "ambiguous result",
					"summarization failed", "unable to analyze",
				},
			},
			{
				category: types.ErrorLogic,
				patterns: []string{
					"logic error", "contradiction", "constraint violated",
					"invalid state", "precondition failed", "assertion failed",
					"conflicting parameters", "impossible combination",
					"circular reference",
				},
			},
		},
	}
}

// ApplyOverrides replaces the pattern list of any category present in the
// override map, keeping the priority order intact. Used for localization.
func (c *Classifier) ApplyOverrides(patterns map[string][]string) {
	for i := range c.groups {
		if override, exists := patterns[string(c.groups[i].category)]; exists && len(override) > 0 {
			lowered := make([]string, len(override))
			for j, p := range override {
				lowered[j] = strings.ToLower(p)
			}
			c.groups[i].patterns = lowered
		}
	}
}

// unknownConfidence caps the confidence reported for unclassifiable text.
const unknownConfidence = 0.3

// Classify maps an error message plus optional reviewer feedback to an
// error category and a confidence in [0.5, 0.95] (UNKNOWN is fixed at
// 0.3). Classification never fails: unmatched text is UNKNOWN.
func (c *Classifier) Classify(errorMessage, reviewFeedback string) (types.ErrorCategory, float64) {
	text := strings.ToLower(errorMessage)
	if reviewFeedback != "" {
		text += " " + strings.ToLower(reviewFeedback)
	}

	for _, group := range c.groups {
		matches := 0
		for _, pattern := range group.patterns {
			if strings.Contains(text, pattern) {
				matches++
			}
		}
		if matches > 0 {
			confidence := confidenceFor(matches)
			c.log(logger.ComponentFailureClassifier, logger.CategoryClassification, "", "Error classified", map[string]interface{}{
				"category":   string(group.category),
				"matches":    matches,
				"confidence": confidence,
			})
			return group.category, confidence
		}
	}

	c.log(logger.ComponentFailureClassifier, logger.CategoryClassification, "", "Error did not match any category", map[string]interface{}{
		"category": string(types.ErrorUnknown),
	})
	return types.ErrorUnknown, unknownConfidence
}

// confidenceFor scales the match count of the winning group into
// [0.5, 0.95]: one match is the floor, each extra match adds 0.15.
func confidenceFor(matches int) float64 {
	confidence := 0.5 + 0.15*float64(matches-1)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return confidence
}
