package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"toolguard/types"
)

func TestGuidanceForKinds(t *testing.T) {
	tests := []struct {
		message  string
		expected types.GuidanceKind
	}{
		{"permission denied for query_quality_holds", types.GuidancePermissionError},
		{"batch is locked by another operator", types.GuidanceResourceConflict},
		{"upstream timed out after 30s", types.GuidanceServiceUnavailable},
		{"no records match the given filters", types.GuidanceDataNotFound},
		{"approval required before release", types.GuidanceBusinessError},
		{"validation failed: quantity must be positive", types.GuidanceValidationError},
		{"wrong argument shape", types.GuidanceParameterError},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.expected, GuidanceFor(tt.message))
		})
	}
}

func TestGuidancePermissionOutranksParameter(t *testing.T) {
	// Text that mentions both a denied permission and an invalid value
	// must read as a permission problem.
	kind := GuidanceFor("access denied: invalid value for plant_id")
	assert.Equal(t, types.GuidancePermissionError, kind)
}

func TestNonRecoverable(t *testing.T) {
	assert.True(t, NonRecoverable("permission denied"))
	assert.True(t, NonRecoverable("tool not configured: query_sensor_readings"))
	assert.True(t, NonRecoverable("401 Unauthorized"))

	assert.False(t, NonRecoverable("batch not found"))
	assert.False(t, NonRecoverable("timeout contacting MES"))
	assert.False(t, NonRecoverable(""))
}
