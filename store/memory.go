package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"toolguard/types"
)

// Memory is the in-process implementation of every store interface.
// It is the default collaborator when no DATABASE_URL is configured and
// the fixture used throughout the tests.
type Memory struct {
	mu          sync.RWMutex
	calls       map[string]*types.ToolCallRecord
	callOrder   []string
	corrections map[string]*types.CorrectionRecord
	corrOrder   []string
	reflections []*types.ReflectionMemory
	cache       map[string]*types.ToolCallCacheEntry
	metrics     map[string]*types.BehaviorCalibrationMetrics
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		calls:       make(map[string]*types.ToolCallRecord),
		corrections: make(map[string]*types.CorrectionRecord),
		cache:       make(map[string]*types.ToolCallCacheEntry),
		metrics:     make(map[string]*types.BehaviorCalibrationMetrics),
	}
}

func copyCall(rec *types.ToolCallRecord) *types.ToolCallRecord {
	c := *rec
	return &c
}

// SaveCall stores a new tool call attempt.
func (m *Memory) SaveCall(ctx context.Context, rec *types.ToolCallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.calls[rec.ID]; !exists {
		m.callOrder = append(m.callOrder, rec.ID)
	}
	m.calls[rec.ID] = copyCall(rec)
	return nil
}

// UpdateCall overwrites an existing record (redundancy/recovery marking).
func (m *Memory) UpdateCall(ctx context.Context, rec *types.ToolCallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.calls[rec.ID]; !exists {
		return ErrNotFound
	}
	m.calls[rec.ID] = copyCall(rec)
	return nil
}

// GetCall returns one record by id.
func (m *Memory) GetCall(ctx context.Context, id string) (*types.ToolCallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, exists := m.calls[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyCall(rec), nil
}

// RecentSuccessfulCall returns the newest successful call matching the
// cache key within the recency window.
func (m *Memory) RecentSuccessfulCall(ctx context.Context, cacheKey string, since time.Time) (*types.ToolCallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *types.ToolCallRecord
	for _, rec := range m.calls {
		if rec.Status != types.StatusSuccess || rec.CreatedAt.Before(since) {
			continue
		}
		key := rec.SessionID + ":" + rec.ToolName + ":" + rec.ParameterHash
		if key != cacheKey {
			continue
		}
		if best == nil || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copyCall(best), nil
}

// ListCallsByDate returns calls for a scope in [from, to).
func (m *Memory) ListCallsByDate(ctx context.Context, scope string, from, to time.Time) ([]*types.ToolCallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.ToolCallRecord
	for _, id := range m.callOrder {
		rec := m.calls[id]
		if rec.Scope != scope {
			continue
		}
		if rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to) {
			continue
		}
		out = append(out, copyCall(rec))
	}
	return out, nil
}

// RecentCalls returns the newest calls for a scope, newest first.
func (m *Memory) RecentCalls(ctx context.Context, scope string, limit int) ([]*types.ToolCallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.ToolCallRecord
	for i := len(m.callOrder) - 1; i >= 0 && len(out) < limit; i-- {
		rec := m.calls[m.callOrder[i]]
		if rec.Scope == scope {
			out = append(out, copyCall(rec))
		}
	}
	return out, nil
}

// SaveCorrection stores a correction cycle row.
func (m *Memory) SaveCorrection(ctx context.Context, rec *types.CorrectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *rec
	if _, exists := m.corrections[rec.ID]; !exists {
		m.corrOrder = append(m.corrOrder, rec.ID)
	}
	m.corrections[rec.ID] = &c
	return nil
}

// UpdateCorrection overwrites an existing correction row.
func (m *Memory) UpdateCorrection(ctx context.Context, rec *types.CorrectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.corrections[rec.ID]; !exists {
		return ErrNotFound
	}
	c := *rec
	m.corrections[rec.ID] = &c
	return nil
}

// GetCorrection returns one correction row by id.
func (m *Memory) GetCorrection(ctx context.Context, id string) (*types.CorrectionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, exists := m.corrections[id]
	if !exists {
		return nil, ErrNotFound
	}
	c := *rec
	return &c, nil
}

// LatestForCall returns the correction row with the highest round for a
// tool call.
func (m *Memory) LatestForCall(ctx context.Context, toolCallID string) (*types.CorrectionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *types.CorrectionRecord
	for _, id := range m.corrOrder {
		rec := m.corrections[id]
		if rec.ToolCallID != toolCallID {
			continue
		}
		// Later insertions win round ties, so the terminal row of a round
		// shadows its retrying row.
		if best == nil || rec.Round >= best.Round {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	c := *best
	return &c, nil
}

// RecoverySuccessRate computes the trailing success rate for a
// (tool, failureType) pair; nil when no history exists.
func (m *Memory) RecoverySuccessRate(ctx context.Context, toolName string, failureType types.GuidanceKind, since time.Time) (*float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var attempts, successes int
	for _, rec := range m.corrections {
		if rec.ToolName != toolName || rec.GuidanceKind != failureType {
			continue
		}
		if rec.CreatedAt.Before(since) {
			continue
		}
		attempts++
		if rec.Success {
			successes++
		}
	}
	if attempts == 0 {
		return nil, nil
	}
	rate := float64(successes) / float64(attempts)
	return &rate, nil
}

// AppendReflection appends to the episodic log.
func (m *Memory) AppendReflection(ctx context.Context, rec *types.ReflectionMemory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *rec
	m.reflections = append(m.reflections, &c)
	return nil
}

// RecentByTool returns up to n reflections for the tool, newest first.
func (m *Memory) RecentByTool(ctx context.Context, toolName string, n int) ([]*types.ReflectionMemory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*types.ReflectionMemory
	for _, rec := range m.reflections {
		if rec.ToolName == toolName {
			matched = append(matched, rec)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > n {
		matched = matched[:n]
	}
	out := make([]*types.ReflectionMemory, 0, len(matched))
	for _, rec := range matched {
		c := *rec
		out = append(out, &c)
	}
	return out, nil
}

// MarkReflectionOutcome records whether the retried call succeeded.
func (m *Memory) MarkReflectionOutcome(ctx context.Context, id string, succeeded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.reflections {
		if rec.ID == id {
			rec.Succeeded = succeeded
			rec.OutcomeKnown = true
			return nil
		}
	}
	return ErrNotFound
}

// PruneReflectionsBefore drops reflections older than the cutoff.
func (m *Memory) PruneReflectionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.reflections[:0]
	removed := 0
	for _, rec := range m.reflections {
		if rec.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	m.reflections = kept
	return removed, nil
}

// GetEntry returns a cache entry or ErrNotFound.
func (m *Memory) GetEntry(ctx context.Context, cacheKey string) (*types.ToolCallCacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, exists := m.cache[cacheKey]
	if !exists {
		return nil, ErrNotFound
	}
	c := *entry
	return &c, nil
}

// PutEntry inserts or refreshes a cache entry.
func (m *Memory) PutEntry(ctx context.Context, entry *types.ToolCallCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *entry
	m.cache[entry.CacheKey] = &c
	return nil
}

// DeleteEntry removes one cache entry.
func (m *Memory) DeleteEntry(ctx context.Context, cacheKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, cacheKey)
	return nil
}

// DeleteSession removes all cache entries for a session.
func (m *Memory) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := sessionID + ":"
	removed := 0
	for key := range m.cache {
		if strings.HasPrefix(key, prefix) {
			delete(m.cache, key)
			removed++
		}
	}
	return removed, nil
}

// DeleteExpired removes entries past expiry, re-checking under the lock.
func (m *Memory) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.cache {
		if entry.Expired(now) {
			delete(m.cache, key)
			removed++
		}
	}
	return removed, nil
}

func metricsKey(scope string, date time.Time, period types.PeriodType) string {
	return scope + "|" + date.Format("2006-01-02") + "|" + string(period)
}

// UpsertMetrics overwrites the row for (scope, date, period).
func (m *Memory) UpsertMetrics(ctx context.Context, row *types.BehaviorCalibrationMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *row
	m.metrics[metricsKey(row.Scope, row.Date, row.Period)] = &c
	return nil
}

// GetMetrics returns one metrics row or ErrNotFound.
func (m *Memory) GetMetrics(ctx context.Context, scope string, date time.Time, period types.PeriodType) (*types.BehaviorCalibrationMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, exists := m.metrics[metricsKey(scope, date, period)]
	if !exists {
		return nil, ErrNotFound
	}
	c := *row
	return &c, nil
}

// ListMetricsRange returns rows for [start, end] ordered by date.
func (m *Memory) ListMetricsRange(ctx context.Context, scope string, start, end time.Time, period types.PeriodType) ([]*types.BehaviorCalibrationMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.BehaviorCalibrationMetrics
	for _, row := range m.metrics {
		if row.Scope != scope || row.Period != period {
			continue
		}
		if row.Date.Before(start) || row.Date.After(end) {
			continue
		}
		c := *row
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}
