package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashParametersOrderIndependence(t *testing.T) {
	a := HashParameters(map[string]interface{}{
		"batch_id": "B1",
		"date":     "2026-08-27",
		"limit":    50,
	})
	b := HashParameters(map[string]interface{}{
		"limit":    50,
		"date":     "2026-08-27",
		"batch_id": "B1",
	})
	assert.Equal(t, a, b, "map iteration order must not affect the hash")
}

func TestHashParametersValueSensitivity(t *testing.T) {
	base := HashParameters(map[string]interface{}{"batch_id": "B1"})

	assert.NotEqual(t, base, HashParameters(map[string]interface{}{"batch_id": "B2"}))
	assert.NotEqual(t, base, HashParameters(map[string]interface{}{"batch": "B1"}))
	assert.NotEqual(t, base, HashParameters(map[string]interface{}{"batch_id": "B1", "limit": 1}))
}

func TestHashParametersNestedValues(t *testing.T) {
	a := HashParameters(map[string]interface{}{
		"filter": map[string]interface{}{"line": "L3", "shift": "night"},
	})
	b := HashParameters(map[string]interface{}{
		"filter": map[string]interface{}{"shift": "night", "line": "L3"},
	})
	// Nested maps serialize via encoding/json, which sorts object keys.
	assert.Equal(t, a, b)
}

func TestHashParametersUnserializableValueDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		h := HashParameters(map[string]interface{}{"ch": make(chan int)})
		assert.NotEmpty(t, h)
	})
}

func TestHashParametersEmpty(t *testing.T) {
	assert.Equal(t, HashParameters(nil), HashParameters(map[string]interface{}{}))
}

func TestCacheKeyComposition(t *testing.T) {
	key := CacheKey("sess-1", "query_material_stock", map[string]interface{}{"batch_id": "B1"})
	assert.Contains(t, key, "sess-1:query_material_stock:")

	other := CacheKey("sess-2", "query_material_stock", map[string]interface{}{"batch_id": "B1"})
	assert.NotEqual(t, key, other, "cache keys are session scoped")
}
