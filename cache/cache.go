// Package cache implements the redundancy-detection service: a
// content-addressable, two-tier tool-result cache that answers "have we
// already made this call" before a tool executes.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"toolguard/internal"
	"toolguard/logger"
	"toolguard/store"
	"toolguard/types"
)

// Options tunes a cache Service.
type Options struct {
	TTL           time.Duration // validity window of cached results
	RecencyWindow time.Duration // recent-call fallback window
	SweepInterval time.Duration // background expiry sweep cadence
	EstSavedMs    int64         // time-saved estimate when origin latency is unknown
	Log           logger.LogFunc
	Now           func() time.Time // injectable clock for tests
}

func (o *Options) withDefaults() {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Minute
	}
	if o.RecencyWindow <= 0 {
		o.RecencyWindow = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Minute
	}
	if o.EstSavedMs <= 0 {
		o.EstSavedMs = 1500
	}
	if o.Log == nil {
		o.Log = logger.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// SessionStats are the per-session dedup counters. Values are atomic and
// approximate; the dashboard treats them as monotonic gauges.
type SessionStats struct {
	TotalCalls     int64 `json:"total_calls"`
	RedundantCalls int64 `json:"redundant_calls"`
	CacheHits      int64 `json:"cache_hits"`
	TimeSavedMs    int64 `json:"time_saved_ms"`
}

type sessionCounters struct {
	total     atomic.Int64
	redundant atomic.Int64
	hits      atomic.Int64
	savedMs   atomic.Int64
}

// Service is the redundancy cache. The fast path is an in-process map;
// the slow path is a durable CacheStore; the last resort is a recent-call
// lookup against the call log. Construct with New, then Start the
// background sweep and Stop it on shutdown.
type Service struct {
	opts    Options
	durable store.CacheStore
	calls   store.CallStore

	mu        sync.RWMutex
	local     map[string]*types.ToolCallCacheEntry
	clearedAt map[string]time.Time // session clear watermark, bounds the fallback

	counters sync.Map // sessionID -> *sessionCounters

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a cache service. durable may be nil (single-tier, in-process
// only); calls may be nil to disable the recent-call fallback.
func New(durable store.CacheStore, calls store.CallStore, opts Options) *Service {
	opts.withDefaults()
	return &Service{
		opts:      opts,
		durable:   durable,
		calls:     calls,
		local:     make(map[string]*types.ToolCallCacheEntry),
		clearedAt: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the periodic expiry sweep.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed := s.CleanupExpired(context.Background())
				if removed > 0 {
					s.opts.Log(logger.ComponentRedundancyCache, logger.CategoryCleanup, "", "Expiry sweep completed", map[string]interface{}{
						"entries_removed": removed,
					})
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the sweep and waits for it to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) session(sessionID string) *sessionCounters {
	if c, ok := s.counters.Load(sessionID); ok {
		return c.(*sessionCounters)
	}
	c, _ := s.counters.LoadOrStore(sessionID, &sessionCounters{})
	return c.(*sessionCounters)
}

// IsRedundant reports whether an equivalent call already has a usable
// result. Every classification updates the session counters.
func (s *Service) IsRedundant(ctx context.Context, sessionID, toolName string, params map[string]interface{}) bool {
	counters := s.session(sessionID)
	counters.total.Add(1)

	entry, tier := s.lookup(ctx, sessionID, toolName, params)
	if entry == nil {
		cacheLookups.WithLabelValues("miss").Inc()
		return false
	}

	counters.redundant.Add(1)
	counters.hits.Add(1)
	saved := s.opts.EstSavedMs
	if s.calls != nil && entry.OriginCallID != "" {
		if origin, err := s.calls.GetCall(ctx, entry.OriginCallID); err == nil && origin.LatencyMs > 0 {
			saved = origin.LatencyMs
		}
	}
	counters.savedMs.Add(saved)
	cacheLookups.WithLabelValues(tier).Inc()

	s.opts.Log(logger.ComponentRedundancyCache, logger.CategoryCache, internal.GetRequestID(ctx), "Redundant call detected", map[string]interface{}{
		"session_id": sessionID,
		"tool_name":  toolName,
		"tier":       tier,
		"origin":     entry.OriginCallID,
	})
	return true
}

// GetCachedResult returns the cached result payload for the triple, if a
// valid entry exists.
func (s *Service) GetCachedResult(ctx context.Context, sessionID, toolName string, params map[string]interface{}) (string, bool) {
	entry, ok := s.GetCachedEntry(ctx, sessionID, toolName, params)
	if !ok {
		return "", false
	}
	return entry.Result, true
}

// GetCachedEntry returns the full cache entry for the triple, including
// the id of the original call the entry duplicates. The entry's hit
// counter is bumped best-effort.
func (s *Service) GetCachedEntry(ctx context.Context, sessionID, toolName string, params map[string]interface{}) (*types.ToolCallCacheEntry, bool) {
	entry, _ := s.lookup(ctx, sessionID, toolName, params)
	if entry == nil {
		return nil, false
	}
	entry.HitCount++
	s.mu.Lock()
	s.local[entry.CacheKey] = entry
	s.mu.Unlock()
	if s.durable != nil {
		// Hit counts are last-writer-wins; a lost bump is acceptable.
		if err := s.durable.PutEntry(ctx, entry); err != nil {
			s.opts.Log(logger.ComponentRedundancyCache, logger.CategoryWarning, internal.GetRequestID(ctx), "Failed to persist hit count", map[string]interface{}{
				"cache_key": entry.CacheKey,
				"error":     err.Error(),
			})
		}
	}
	return entry, true
}

// lookup walks the tiers: local map, durable store, recent-call fallback.
// Expiry is checked lazily on every read.
func (s *Service) lookup(ctx context.Context, sessionID, toolName string, params map[string]interface{}) (*types.ToolCallCacheEntry, string) {
	key := CacheKey(sessionID, toolName, params)
	now := s.opts.Now()

	s.mu.RLock()
	entry, ok := s.local[key]
	s.mu.RUnlock()
	if ok {
		if !entry.Expired(now) {
			copied := *entry
			return &copied, "local_hit"
		}
		s.evictLocal(key, now)
	}

	if s.durable != nil {
		durableEntry, err := s.durable.GetEntry(ctx, key)
		if err == nil {
			if !durableEntry.Expired(now) {
				s.mu.Lock()
				s.local[key] = durableEntry
				s.mu.Unlock()
				copied := *durableEntry
				return &copied, "durable_hit"
			}
			_ = s.durable.DeleteEntry(ctx, key)
		}
	}

	if s.calls != nil {
		since := now.Add(-s.opts.RecencyWindow)
		s.mu.RLock()
		if cleared, ok := s.clearedAt[sessionID]; ok && cleared.After(since) {
			// A cleared session must not look redundant through calls made
			// before the clear.
			since = cleared
		}
		s.mu.RUnlock()
		rec, err := s.calls.RecentSuccessfulCall(ctx, key, since)
		if err == nil {
			// A recent successful identical call counts as redundant even
			// without an explicit cache write.
			return &types.ToolCallCacheEntry{
				CacheKey:     key,
				SessionID:    sessionID,
				ToolName:     toolName,
				OriginCallID: rec.ID,
				CreatedAt:    rec.CreatedAt,
				ExpiresAt:    rec.CreatedAt.Add(s.opts.RecencyWindow),
			}, "fallback_hit"
		}
	}

	return nil, ""
}

// evictLocal deletes a local entry only if it is still expired at delete
// time, so a concurrent refresh is not lost.
func (s *Service) evictLocal(key string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.local[key]; ok && entry.Expired(now) {
		delete(s.local, key)
		cacheEvictions.Inc()
	}
}

// CacheResult stores a successful tool result in both tiers. A repeated
// write for the same triple refreshes the payload and extends the expiry.
func (s *Service) CacheResult(ctx context.Context, sessionID, toolName string, params map[string]interface{}, result, originCallID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.opts.TTL
	}
	now := s.opts.Now()
	entry := &types.ToolCallCacheEntry{
		CacheKey:     CacheKey(sessionID, toolName, params),
		SessionID:    sessionID,
		ToolName:     toolName,
		Result:       result,
		OriginCallID: originCallID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	s.mu.Lock()
	if prior, ok := s.local[entry.CacheKey]; ok {
		entry.HitCount = prior.HitCount
	}
	s.local[entry.CacheKey] = entry
	s.mu.Unlock()

	if s.durable != nil {
		if err := s.durable.PutEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// ClearSession removes every cache entry for a session from both tiers
// and resets its counters. Returns the number of entries removed.
func (s *Service) ClearSession(ctx context.Context, sessionID string) int {
	prefix := sessionID + ":"
	removed := 0

	s.mu.Lock()
	for key := range s.local {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.local, key)
			removed++
		}
	}
	s.clearedAt[sessionID] = s.opts.Now()
	s.mu.Unlock()

	if s.durable != nil {
		if n, err := s.durable.DeleteSession(ctx, sessionID); err == nil && n > removed {
			removed = n
		}
	}

	s.counters.Delete(sessionID)

	s.opts.Log(logger.ComponentRedundancyCache, logger.CategoryCleanup, internal.GetRequestID(ctx), "Session cache cleared", map[string]interface{}{
		"session_id":      sessionID,
		"entries_removed": removed,
	})
	return removed
}

// CleanupExpired sweeps both tiers and deletes entries past expiry.
// Safe to run concurrently with live reads and writes: each deletion
// re-checks expiry at delete time.
func (s *Service) CleanupExpired(ctx context.Context) int {
	now := s.opts.Now()
	removed := 0

	s.mu.RLock()
	var candidates []string
	for key, entry := range s.local {
		if entry.Expired(now) {
			candidates = append(candidates, key)
		}
	}
	s.mu.RUnlock()

	for _, key := range candidates {
		s.mu.Lock()
		if entry, ok := s.local[key]; ok && entry.Expired(now) {
			delete(s.local, key)
			removed++
			cacheEvictions.Inc()
		}
		s.mu.Unlock()
	}

	if s.durable != nil {
		if n, err := s.durable.DeleteExpired(ctx, now); err == nil {
			removed += n
		} else {
			s.opts.Log(logger.ComponentRedundancyCache, logger.CategoryWarning, "", "Durable expiry sweep failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return removed
}

// GetSessionStats returns a snapshot of the session's dedup counters.
func (s *Service) GetSessionStats(sessionID string) SessionStats {
	c, ok := s.counters.Load(sessionID)
	if !ok {
		return SessionStats{}
	}
	counters := c.(*sessionCounters)
	return SessionStats{
		TotalCalls:     counters.total.Load(),
		RedundantCalls: counters.redundant.Load(),
		CacheHits:      counters.hits.Load(),
		TimeSavedMs:    counters.savedMs.Load(),
	}
}
