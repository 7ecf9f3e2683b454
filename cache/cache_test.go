package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolguard/store"
	"toolguard/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, clock *fakeClock) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	svc := New(mem, mem, Options{
		TTL:           30 * time.Minute,
		RecencyWindow: 5 * time.Minute,
		Now:           clock.Now,
	})
	return svc, mem
}

func TestCacheReflexiveRedundancy(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, _ := newTestCache(t, clock)

	params := map[string]interface{}{"batch_id": "B1"}

	assert.False(t, svc.IsRedundant(ctx, "s1", "query_material_batch", params))

	require.NoError(t, svc.CacheResult(ctx, "s1", "query_material_batch", params, `{"qty": 120}`, "call-1", 0))
	assert.True(t, svc.IsRedundant(ctx, "s1", "query_material_batch", params))

	result, ok := svc.GetCachedResult(ctx, "s1", "query_material_batch", params)
	require.True(t, ok)
	assert.Equal(t, `{"qty": 120}`, result)
}

func TestCacheSessionIsolation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, _ := newTestCache(t, clock)

	params := map[string]interface{}{"batch_id": "B1"}
	require.NoError(t, svc.CacheResult(ctx, "s1", "query_material_batch", params, "r", "call-1", 0))

	assert.True(t, svc.IsRedundant(ctx, "s1", "query_material_batch", params))
	assert.False(t, svc.IsRedundant(ctx, "s2", "query_material_batch", params))
}

func TestCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, _ := newTestCache(t, clock)

	params := map[string]interface{}{"batch_id": "B1"}
	require.NoError(t, svc.CacheResult(ctx, "s1", "query_material_batch", params, "r", "call-1", 0))

	clock.Advance(29 * time.Minute)
	assert.True(t, svc.IsRedundant(ctx, "s1", "query_material_batch", params))

	clock.Advance(2 * time.Minute)
	assert.False(t, svc.IsRedundant(ctx, "s1", "query_material_batch", params))

	_, ok := svc.GetCachedResult(ctx, "s1", "query_material_batch", params)
	assert.False(t, ok)
}

func TestCacheRecentCallFallback(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, mem := newTestCache(t, clock)

	params := map[string]interface{}{"order_id": "PO-9"}
	rec := types.NewToolCallRecord("default", "s1", "query_production_orders", params, HashParameters(params), clock.Now())
	rec.Status = types.StatusSuccess
	rec.LatencyMs = 800
	require.NoError(t, mem.SaveCall(ctx, rec))

	// No explicit cache write, but the identical call just succeeded.
	clock.Advance(2 * time.Minute)
	assert.True(t, svc.IsRedundant(ctx, "s1", "query_production_orders", params))

	clock.Advance(10 * time.Minute)
	assert.False(t, svc.IsRedundant(ctx, "s1", "query_production_orders", params), "fallback window is 5 minutes")
}

func TestCacheClearSession(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, mem := newTestCache(t, clock)

	paramsA := map[string]interface{}{"batch_id": "B1"}
	paramsB := map[string]interface{}{"batch_id": "B2"}
	require.NoError(t, svc.CacheResult(ctx, "s1", "query_material_batch", paramsA, "a", "c1", 0))
	require.NoError(t, svc.CacheResult(ctx, "s1", "query_material_batch", paramsB, "b", "c2", 0))
	require.NoError(t, svc.CacheResult(ctx, "s2", "query_material_batch", paramsA, "c", "c3", 0))

	removed := svc.ClearSession(ctx, "s1")
	assert.Equal(t, 2, removed)

	assert.False(t, svc.IsRedundant(ctx, "s1", "query_material_batch", paramsA))
	assert.True(t, svc.IsRedundant(ctx, "s2", "query_material_batch", paramsA))

	// Durable tier cleared too.
	_, err := mem.GetEntry(ctx, CacheKey("s1", "query_material_batch", paramsA))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCacheClearSessionSuppressesFallback(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, mem := newTestCache(t, clock)

	params := map[string]interface{}{"order_id": "PO-9"}
	rec := types.NewToolCallRecord("default", "s1", "query_production_orders", params, HashParameters(params), clock.Now())
	rec.Status = types.StatusSuccess
	require.NoError(t, mem.SaveCall(ctx, rec))

	clock.Advance(time.Minute)
	require.True(t, svc.IsRedundant(ctx, "s1", "query_production_orders", params))

	svc.ClearSession(ctx, "s1")
	assert.False(t, svc.IsRedundant(ctx, "s1", "query_production_orders", params),
		"calls made before the clear no longer count as recent")
}

func TestCacheSessionStats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, _ := newTestCache(t, clock)

	params := map[string]interface{}{"batch_id": "B1"}

	svc.IsRedundant(ctx, "s1", "query_material_batch", params) // miss
	require.NoError(t, svc.CacheResult(ctx, "s1", "query_material_batch", params, "r", "", 0))
	svc.IsRedundant(ctx, "s1", "query_material_batch", params) // hit
	svc.IsRedundant(ctx, "s1", "query_material_batch", params) // hit

	stats := svc.GetSessionStats("s1")
	assert.Equal(t, int64(3), stats.TotalCalls)
	assert.Equal(t, int64(2), stats.RedundantCalls)
	assert.Equal(t, int64(2), stats.CacheHits)
	assert.Equal(t, int64(3000), stats.TimeSavedMs, "two hits at the 1500ms default estimate")

	svc.ClearSession(ctx, "s1")
	assert.Equal(t, SessionStats{}, svc.GetSessionStats("s1"))
}

func TestCacheTimeSavedUsesOriginLatency(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, mem := newTestCache(t, clock)

	params := map[string]interface{}{"batch_id": "B1"}
	rec := types.NewToolCallRecord("default", "s1", "query_material_batch", params, HashParameters(params), clock.Now())
	rec.Status = types.StatusSuccess
	rec.LatencyMs = 4200
	require.NoError(t, mem.SaveCall(ctx, rec))
	require.NoError(t, svc.CacheResult(ctx, "s1", "query_material_batch", params, "r", rec.ID, 0))

	assert.True(t, svc.IsRedundant(ctx, "s1", "query_material_batch", params))
	assert.Equal(t, int64(4200), svc.GetSessionStats("s1").TimeSavedMs)
}

func TestCacheCleanupExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, _ := newTestCache(t, clock)

	require.NoError(t, svc.CacheResult(ctx, "s1", "tool_a", map[string]interface{}{"k": 1}, "r", "", 10*time.Minute))
	require.NoError(t, svc.CacheResult(ctx, "s1", "tool_b", map[string]interface{}{"k": 1}, "r", "", time.Hour))

	clock.Advance(30 * time.Minute)
	removed := svc.CleanupExpired(ctx)
	// Both tiers held the expired entry.
	assert.Equal(t, 2, removed)

	assert.False(t, svc.IsRedundant(ctx, "s1", "tool_a", map[string]interface{}{"k": 1}))
	assert.True(t, svc.IsRedundant(ctx, "s1", "tool_b", map[string]interface{}{"k": 1}))
}

func TestCacheConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc, _ := newTestCache(t, clock)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				params := map[string]interface{}{"i": n, "j": j}
				svc.IsRedundant(ctx, "s1", "tool", params)
				_ = svc.CacheResult(ctx, "s1", "tool", params, fmt.Sprintf("r-%d-%d", n, j), "", 0)
				svc.IsRedundant(ctx, "s1", "tool", params)
			}
		}(i)
	}
	wg.Wait()

	stats := svc.GetSessionStats("s1")
	assert.Equal(t, int64(800), stats.TotalCalls)
	assert.Equal(t, int64(400), stats.RedundantCalls)
}
