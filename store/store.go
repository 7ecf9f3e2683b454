// Package store defines the persistence boundary of the reliability core
// and ships three collaborators that satisfy it: an in-memory store (the
// default, also used by tests), a Postgres store built on sqlx, and a
// Badger-backed durable cache tier.
package store

import (
	"context"
	"errors"
	"time"

	"toolguard/types"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// CallStore persists tool call attempts and answers the windowed queries
// the cache and the calibration jobs need.
type CallStore interface {
	SaveCall(ctx context.Context, rec *types.ToolCallRecord) error
	UpdateCall(ctx context.Context, rec *types.ToolCallRecord) error
	GetCall(ctx context.Context, id string) (*types.ToolCallRecord, error)
	// RecentSuccessfulCall returns the newest successful call for the cache
	// key created at or after since, or ErrNotFound.
	RecentSuccessfulCall(ctx context.Context, cacheKey string, since time.Time) (*types.ToolCallRecord, error)
	// ListCallsByDate returns calls for a scope in [from, to).
	ListCallsByDate(ctx context.Context, scope string, from, to time.Time) ([]*types.ToolCallRecord, error)
	RecentCalls(ctx context.Context, scope string, limit int) ([]*types.ToolCallRecord, error)
}

// CorrectionStore persists correction cycles and recovery attempts.
type CorrectionStore interface {
	SaveCorrection(ctx context.Context, rec *types.CorrectionRecord) error
	UpdateCorrection(ctx context.Context, rec *types.CorrectionRecord) error
	GetCorrection(ctx context.Context, id string) (*types.CorrectionRecord, error)
	LatestForCall(ctx context.Context, toolCallID string) (*types.CorrectionRecord, error)
	// RecoverySuccessRate returns the historical success rate for
	// (tool, failureType) attempts created at or after since, or nil when
	// no history exists.
	RecoverySuccessRate(ctx context.Context, toolName string, failureType types.GuidanceKind, since time.Time) (*float64, error)
}

// ReflectionStore is the bounded episodic memory of past corrections.
type ReflectionStore interface {
	AppendReflection(ctx context.Context, rec *types.ReflectionMemory) error
	// RecentByTool returns up to n reflections for the tool, newest first.
	RecentByTool(ctx context.Context, toolName string, n int) ([]*types.ReflectionMemory, error)
	MarkReflectionOutcome(ctx context.Context, id string, succeeded bool) error
	PruneReflectionsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// CacheStore is the durable tier of the redundancy cache.
type CacheStore interface {
	GetEntry(ctx context.Context, cacheKey string) (*types.ToolCallCacheEntry, error)
	PutEntry(ctx context.Context, entry *types.ToolCallCacheEntry) error
	DeleteEntry(ctx context.Context, cacheKey string) error
	// DeleteSession removes every entry whose key starts with sessionID:
	// and returns the number removed.
	DeleteSession(ctx context.Context, sessionID string) (int, error)
	// DeleteExpired removes entries whose expiry is at or before now,
	// re-checking expiry at delete time.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// MetricsStore persists calibration metrics rows keyed by
// (scope, date, period).
type MetricsStore interface {
	UpsertMetrics(ctx context.Context, row *types.BehaviorCalibrationMetrics) error
	GetMetrics(ctx context.Context, scope string, date time.Time, period types.PeriodType) (*types.BehaviorCalibrationMetrics, error)
	// ListMetricsRange returns rows for a scope and period with date in
	// [start, end], ordered by date ascending.
	ListMetricsRange(ctx context.Context, scope string, start, end time.Time, period types.PeriodType) ([]*types.BehaviorCalibrationMetrics, error)
}

// Store bundles the record-keeping interfaces a full deployment needs.
type Store interface {
	CallStore
	CorrectionStore
	ReflectionStore
	MetricsStore
}
