package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"toolguard/types"
)

// Postgres implements every store interface on top of sqlx + lib/pq.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres connects to the given DSN and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection (used by tests).
func NewPostgresFromDB(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS tool_call_records (
	id              TEXT PRIMARY KEY,
	scope           TEXT NOT NULL DEFAULT 'global',
	session_id      TEXT NOT NULL,
	tool_name       TEXT NOT NULL,
	parameters      JSONB NOT NULL DEFAULT '{}',
	parameter_hash  TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT '',
	error_type      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	latency_ms      BIGINT NOT NULL DEFAULT 0,
	prompt_tokens   BIGINT NOT NULL DEFAULT 0,
	response_tokens BIGINT NOT NULL DEFAULT 0,
	is_redundant    BOOLEAN NOT NULL DEFAULT FALSE,
	original_call_id TEXT NOT NULL DEFAULT '',
	recovered       BOOLEAN NOT NULL DEFAULT FALSE,
	recovery_used   TEXT NOT NULL DEFAULT '',
	retry_count     INT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_records_session
	ON tool_call_records (session_id, tool_name, parameter_hash, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_call_records_scope_date
	ON tool_call_records (scope, created_at);

CREATE TABLE IF NOT EXISTS correction_records (
	id              TEXT PRIMARY KEY,
	tool_call_id    TEXT NOT NULL,
	tool_name       TEXT NOT NULL,
	error_category  TEXT NOT NULL,
	guidance_kind   TEXT NOT NULL DEFAULT '',
	strategy        TEXT NOT NULL,
	injected_prompt TEXT NOT NULL DEFAULT '',
	round           INT NOT NULL DEFAULT 0,
	success         BOOLEAN NOT NULL DEFAULT FALSE,
	final_state     TEXT NOT NULL DEFAULT 'NEW',
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_corrections_call ON correction_records (tool_call_id, round DESC);
CREATE INDEX IF NOT EXISTS idx_corrections_tool ON correction_records (tool_name, guidance_kind, created_at);

CREATE TABLE IF NOT EXISTS reflection_memories (
	id               TEXT PRIMARY KEY,
	tool_name        TEXT NOT NULL,
	original_error   TEXT NOT NULL DEFAULT '',
	strategy         TEXT NOT NULL DEFAULT '',
	corrected_params JSONB NOT NULL DEFAULT '{}',
	reflection       TEXT NOT NULL DEFAULT '',
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	succeeded        BOOLEAN NOT NULL DEFAULT FALSE,
	outcome_known    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reflections_tool ON reflection_memories (tool_name, created_at DESC);

CREATE TABLE IF NOT EXISTS tool_call_cache (
	cache_key      TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	tool_name      TEXT NOT NULL,
	result         TEXT NOT NULL DEFAULT '',
	origin_call_id TEXT NOT NULL DEFAULT '',
	hit_count      BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_session ON tool_call_cache (session_id);
CREATE INDEX IF NOT EXISTS idx_cache_expiry ON tool_call_cache (expires_at);

CREATE TABLE IF NOT EXISTS behavior_calibration_metrics (
	scope            TEXT NOT NULL,
	date             DATE NOT NULL,
	period           TEXT NOT NULL,
	total_calls      BIGINT NOT NULL DEFAULT 0,
	success_calls    BIGINT NOT NULL DEFAULT 0,
	failed_calls     BIGINT NOT NULL DEFAULT 0,
	redundant_calls  BIGINT NOT NULL DEFAULT 0,
	recovered_calls  BIGINT NOT NULL DEFAULT 0,
	prompt_tokens    BIGINT NOT NULL DEFAULT 0,
	response_tokens  BIGINT NOT NULL DEFAULT 0,
	avg_latency_ms   DOUBLE PRECISION NOT NULL DEFAULT 0,
	conciseness_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	success_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
	efficiency_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	composite_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
	computed_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (scope, date, period)
);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// SaveCall inserts a tool call attempt.
func (p *Postgres) SaveCall(ctx context.Context, rec *types.ToolCallRecord) error {
	query := `
		INSERT INTO tool_call_records (
			id, scope, session_id, tool_name, parameters, parameter_hash,
			status, error_type, error_message, latency_ms, prompt_tokens,
			response_tokens, is_redundant, original_call_id, recovered,
			recovery_used, retry_count, created_at
		) VALUES (
			:id, :scope, :session_id, :tool_name, :parameters, :parameter_hash,
			:status, :error_type, :error_message, :latency_ms, :prompt_tokens,
			:response_tokens, :is_redundant, :original_call_id, :recovered,
			:recovery_used, :retry_count, :created_at
		)
	`
	if _, err := p.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to save tool call record: %w", err)
	}
	return nil
}

// UpdateCall rewrites the mutable columns of an attempt.
func (p *Postgres) UpdateCall(ctx context.Context, rec *types.ToolCallRecord) error {
	query := `
		UPDATE tool_call_records SET
			status = :status,
			error_type = :error_type,
			error_message = :error_message,
			latency_ms = :latency_ms,
			prompt_tokens = :prompt_tokens,
			response_tokens = :response_tokens,
			is_redundant = :is_redundant,
			original_call_id = :original_call_id,
			recovered = :recovered,
			recovery_used = :recovery_used,
			retry_count = :retry_count
		WHERE id = :id
	`
	res, err := p.db.NamedExecContext(ctx, query, rec)
	if err != nil {
		return fmt.Errorf("failed to update tool call record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCall returns one record by id.
func (p *Postgres) GetCall(ctx context.Context, id string) (*types.ToolCallRecord, error) {
	var rec types.ToolCallRecord
	err := p.db.GetContext(ctx, &rec, `SELECT * FROM tool_call_records WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool call record: %w", err)
	}
	return &rec, nil
}

// RecentSuccessfulCall implements the recent-call fallback lookup.
func (p *Postgres) RecentSuccessfulCall(ctx context.Context, cacheKey string, since time.Time) (*types.ToolCallRecord, error) {
	var rec types.ToolCallRecord
	query := `
		SELECT * FROM tool_call_records
		WHERE session_id || ':' || tool_name || ':' || parameter_hash = $1
		  AND status = $2
		  AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1
	`
	err := p.db.GetContext(ctx, &rec, query, cacheKey, types.StatusSuccess, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recent successful call: %w", err)
	}
	return &rec, nil
}

// ListCallsByDate returns calls for a scope in [from, to).
func (p *Postgres) ListCallsByDate(ctx context.Context, scope string, from, to time.Time) ([]*types.ToolCallRecord, error) {
	var recs []*types.ToolCallRecord
	query := `
		SELECT * FROM tool_call_records
		WHERE scope = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at
	`
	if err := p.db.SelectContext(ctx, &recs, query, scope, from, to); err != nil {
		return nil, fmt.Errorf("failed to list tool call records: %w", err)
	}
	return recs, nil
}

// RecentCalls returns the newest calls for a scope, newest first.
func (p *Postgres) RecentCalls(ctx context.Context, scope string, limit int) ([]*types.ToolCallRecord, error) {
	var recs []*types.ToolCallRecord
	query := `
		SELECT * FROM tool_call_records
		WHERE scope = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	if err := p.db.SelectContext(ctx, &recs, query, scope, limit); err != nil {
		return nil, fmt.Errorf("failed to list recent calls: %w", err)
	}
	return recs, nil
}

// SaveCorrection inserts a correction cycle row.
func (p *Postgres) SaveCorrection(ctx context.Context, rec *types.CorrectionRecord) error {
	query := `
		INSERT INTO correction_records (
			id, tool_call_id, tool_name, error_category, guidance_kind,
			strategy, injected_prompt, round, success, final_state, created_at
		) VALUES (
			:id, :tool_call_id, :tool_name, :error_category, :guidance_kind,
			:strategy, :injected_prompt, :round, :success, :final_state, :created_at
		)
	`
	if _, err := p.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to save correction record: %w", err)
	}
	return nil
}

// UpdateCorrection rewrites a correction cycle row.
func (p *Postgres) UpdateCorrection(ctx context.Context, rec *types.CorrectionRecord) error {
	query := `
		UPDATE correction_records SET
			round = :round,
			success = :success,
			final_state = :final_state,
			injected_prompt = :injected_prompt
		WHERE id = :id
	`
	res, err := p.db.NamedExecContext(ctx, query, rec)
	if err != nil {
		return fmt.Errorf("failed to update correction record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCorrection returns one correction row by id.
func (p *Postgres) GetCorrection(ctx context.Context, id string) (*types.CorrectionRecord, error) {
	var rec types.CorrectionRecord
	err := p.db.GetContext(ctx, &rec, `SELECT * FROM correction_records WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get correction record: %w", err)
	}
	return &rec, nil
}

// LatestForCall returns the highest-round correction row for a call.
func (p *Postgres) LatestForCall(ctx context.Context, toolCallID string) (*types.CorrectionRecord, error) {
	var rec types.CorrectionRecord
	query := `
		SELECT * FROM correction_records
		WHERE tool_call_id = $1
		ORDER BY round DESC, created_at DESC
		LIMIT 1
	`
	err := p.db.GetContext(ctx, &rec, query, toolCallID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest correction: %w", err)
	}
	return &rec, nil
}

// RecoverySuccessRate computes the trailing (tool, failureType) rate.
func (p *Postgres) RecoverySuccessRate(ctx context.Context, toolName string, failureType types.GuidanceKind, since time.Time) (*float64, error) {
	var row struct {
		Attempts  int64 `db:"attempts"`
		Successes int64 `db:"successes"`
	}
	query := `
		SELECT COUNT(*) AS attempts,
		       COUNT(*) FILTER (WHERE success) AS successes
		FROM correction_records
		WHERE tool_name = $1 AND guidance_kind = $2 AND created_at >= $3
	`
	if err := p.db.GetContext(ctx, &row, query, toolName, failureType, since); err != nil {
		return nil, fmt.Errorf("failed to query recovery success rate: %w", err)
	}
	if row.Attempts == 0 {
		return nil, nil
	}
	rate := float64(row.Successes) / float64(row.Attempts)
	return &rate, nil
}

// AppendReflection inserts an episodic memory row.
func (p *Postgres) AppendReflection(ctx context.Context, rec *types.ReflectionMemory) error {
	query := `
		INSERT INTO reflection_memories (
			id, tool_name, original_error, strategy, corrected_params,
			reflection, confidence, succeeded, outcome_known, created_at
		) VALUES (
			:id, :tool_name, :original_error, :strategy, :corrected_params,
			:reflection, :confidence, :succeeded, :outcome_known, :created_at
		)
	`
	if _, err := p.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to append reflection: %w", err)
	}
	return nil
}

// RecentByTool returns up to n reflections for the tool, newest first.
func (p *Postgres) RecentByTool(ctx context.Context, toolName string, n int) ([]*types.ReflectionMemory, error) {
	var recs []*types.ReflectionMemory
	query := `
		SELECT * FROM reflection_memories
		WHERE tool_name = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	if err := p.db.SelectContext(ctx, &recs, query, toolName, n); err != nil {
		return nil, fmt.Errorf("failed to list reflections: %w", err)
	}
	return recs, nil
}

// MarkReflectionOutcome records the retried call's outcome.
func (p *Postgres) MarkReflectionOutcome(ctx context.Context, id string, succeeded bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE reflection_memories SET succeeded = $1, outcome_known = TRUE WHERE id = $2`,
		succeeded, id)
	if err != nil {
		return fmt.Errorf("failed to mark reflection outcome: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneReflectionsBefore drops reflections older than the cutoff.
func (p *Postgres) PruneReflectionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM reflection_memories WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune reflections: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetEntry returns a cache entry or ErrNotFound.
func (p *Postgres) GetEntry(ctx context.Context, cacheKey string) (*types.ToolCallCacheEntry, error) {
	var entry types.ToolCallCacheEntry
	err := p.db.GetContext(ctx, &entry, `SELECT * FROM tool_call_cache WHERE cache_key = $1`, cacheKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return &entry, nil
}

// PutEntry upserts a cache entry; repeated writes refresh the expiry.
func (p *Postgres) PutEntry(ctx context.Context, entry *types.ToolCallCacheEntry) error {
	query := `
		INSERT INTO tool_call_cache (
			cache_key, session_id, tool_name, result, origin_call_id,
			hit_count, created_at, expires_at
		) VALUES (
			:cache_key, :session_id, :tool_name, :result, :origin_call_id,
			:hit_count, :created_at, :expires_at
		)
		ON CONFLICT (cache_key) DO UPDATE SET
			result = EXCLUDED.result,
			origin_call_id = EXCLUDED.origin_call_id,
			hit_count = EXCLUDED.hit_count,
			expires_at = EXCLUDED.expires_at
	`
	if _, err := p.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// DeleteEntry removes one cache entry.
func (p *Postgres) DeleteEntry(ctx context.Context, cacheKey string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM tool_call_cache WHERE cache_key = $1`, cacheKey); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// DeleteSession removes all cache entries for a session.
func (p *Postgres) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM tool_call_cache WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear session cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteExpired removes entries whose expiry has passed. The predicate
// runs inside the DELETE so entries refreshed concurrently survive.
func (p *Postgres) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM tool_call_cache WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpsertMetrics overwrites the row for (scope, date, period).
func (p *Postgres) UpsertMetrics(ctx context.Context, row *types.BehaviorCalibrationMetrics) error {
	query := `
		INSERT INTO behavior_calibration_metrics (
			scope, date, period, total_calls, success_calls, failed_calls,
			redundant_calls, recovered_calls, prompt_tokens, response_tokens,
			avg_latency_ms, conciseness_score, success_score, efficiency_score,
			composite_score, computed_at
		) VALUES (
			:scope, :date, :period, :total_calls, :success_calls, :failed_calls,
			:redundant_calls, :recovered_calls, :prompt_tokens, :response_tokens,
			:avg_latency_ms, :conciseness_score, :success_score, :efficiency_score,
			:composite_score, :computed_at
		)
		ON CONFLICT (scope, date, period) DO UPDATE SET
			total_calls = EXCLUDED.total_calls,
			success_calls = EXCLUDED.success_calls,
			failed_calls = EXCLUDED.failed_calls,
			redundant_calls = EXCLUDED.redundant_calls,
			recovered_calls = EXCLUDED.recovered_calls,
			prompt_tokens = EXCLUDED.prompt_tokens,
			response_tokens = EXCLUDED.response_tokens,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			conciseness_score = EXCLUDED.conciseness_score,
			success_score = EXCLUDED.success_score,
			efficiency_score = EXCLUDED.efficiency_score,
			composite_score = EXCLUDED.composite_score,
			computed_at = EXCLUDED.computed_at
	`
	if _, err := p.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to upsert metrics row: %w", err)
	}
	return nil
}

// GetMetrics returns one metrics row or ErrNotFound.
func (p *Postgres) GetMetrics(ctx context.Context, scope string, date time.Time, period types.PeriodType) (*types.BehaviorCalibrationMetrics, error) {
	var row types.BehaviorCalibrationMetrics
	query := `SELECT * FROM behavior_calibration_metrics WHERE scope = $1 AND date = $2 AND period = $3`
	err := p.db.GetContext(ctx, &row, query, scope, date, period)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics row: %w", err)
	}
	return &row, nil
}

// ListMetricsRange returns rows with date in [start, end] ordered by date.
func (p *Postgres) ListMetricsRange(ctx context.Context, scope string, start, end time.Time, period types.PeriodType) ([]*types.BehaviorCalibrationMetrics, error) {
	var rows []*types.BehaviorCalibrationMetrics
	query := `
		SELECT * FROM behavior_calibration_metrics
		WHERE scope = $1 AND period = $2 AND date >= $3 AND date <= $4
		ORDER BY date
	`
	if err := p.db.SelectContext(ctx, &rows, query, scope, period, start, end); err != nil {
		return nil, fmt.Errorf("failed to list metrics range: %w", err)
	}
	return rows, nil
}
