// Package metrics computes behavior calibration scores from raw tool
// call records: daily rows per scope, weekly and monthly aggregates
// recomputed from summed counts, tool reliability rankings, and the
// dashboard snapshot the operations UI reads.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"toolguard/logger"
	"toolguard/store"
	"toolguard/types"
)

// Service computes and persists calibration metrics.
type Service struct {
	calls      store.CallStore
	metrics    store.MetricsStore
	baselineMs float64
	log        logger.LogFunc
	now        func() time.Time
}

// New builds a metrics service. baselineMs <= 0 means 1000.
func New(calls store.CallStore, metricsStore store.MetricsStore, baselineMs float64, log logger.LogFunc) *Service {
	if baselineMs <= 0 {
		baselineMs = 1000
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		calls:      calls,
		metrics:    metricsStore,
		baselineMs: baselineMs,
		log:        log,
		now:        time.Now,
	}
}

// dayStart truncates a timestamp to midnight UTC.
func dayStart(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

// ComputeDaily builds and upserts the daily metrics row for a scope and
// date from the raw call records of that day.
func (s *Service) ComputeDaily(ctx context.Context, scope string, date time.Time) (*types.BehaviorCalibrationMetrics, error) {
	from := dayStart(date)
	to := from.Add(24 * time.Hour)

	calls, err := s.calls.ListCallsByDate(ctx, scope, from, to)
	if err != nil {
		return nil, fmt.Errorf("list calls for %s: %w", from.Format("2006-01-02"), err)
	}

	row := &types.BehaviorCalibrationMetrics{
		Scope:      scope,
		Date:       from,
		Period:     types.PeriodDaily,
		ComputedAt: s.now(),
	}

	var latencySum int64
	var timedCalls int64
	for _, call := range calls {
		row.TotalCalls++
		switch call.Status {
		case types.StatusSuccess:
			row.SuccessCalls++
		case types.StatusFailed, types.StatusTimeout:
			row.FailedCalls++
		}
		if call.IsRedundant {
			row.RedundantCalls++
		}
		if call.Recovered {
			row.RecoveredCalls++
		}
		row.PromptTokens += call.PromptTokens
		row.ResponseTokens += call.ResponseTokens
		if call.LatencyMs > 0 {
			latencySum += call.LatencyMs
			timedCalls++
		}
	}
	if timedCalls > 0 {
		row.AvgLatencyMs = float64(latencySum) / float64(timedCalls)
	}

	s.score(row)

	if err := s.metrics.UpsertMetrics(ctx, row); err != nil {
		return nil, fmt.Errorf("upsert daily metrics: %w", err)
	}
	s.log(logger.ComponentCalibrationMetrics, logger.CategoryMetrics, "", "Daily metrics computed", map[string]interface{}{
		"scope":     scope,
		"date":      from.Format("2006-01-02"),
		"total":     row.TotalCalls,
		"composite": row.CompositeScore,
	})
	return row, nil
}

// Aggregate builds the weekly or monthly row anchored at date by summing
// the period's daily rows and recomputing scores from the summed counts.
// Weekly covers the 7 days starting at date; monthly covers date's
// calendar month.
func (s *Service) Aggregate(ctx context.Context, scope string, date time.Time, period types.PeriodType) (*types.BehaviorCalibrationMetrics, error) {
	var start, end time.Time
	switch period {
	case types.PeriodWeekly:
		start = dayStart(date)
		end = start.Add(6 * 24 * time.Hour)
	case types.PeriodMonthly:
		d := date.UTC()
		start = time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, -1)
	default:
		return nil, fmt.Errorf("aggregate: unsupported period %s", period)
	}

	dailies, err := s.metrics.ListMetricsRange(ctx, scope, start, end, types.PeriodDaily)
	if err != nil {
		return nil, fmt.Errorf("list daily metrics: %w", err)
	}

	row := &types.BehaviorCalibrationMetrics{
		Scope:      scope,
		Date:       start,
		Period:     period,
		ComputedAt: s.now(),
	}

	var weightedLatency float64
	var timedCalls int64
	for _, d := range dailies {
		row.TotalCalls += d.TotalCalls
		row.SuccessCalls += d.SuccessCalls
		row.FailedCalls += d.FailedCalls
		row.RedundantCalls += d.RedundantCalls
		row.RecoveredCalls += d.RecoveredCalls
		row.PromptTokens += d.PromptTokens
		row.ResponseTokens += d.ResponseTokens
		if d.AvgLatencyMs > 0 && d.TotalCalls > 0 {
			weightedLatency += d.AvgLatencyMs * float64(d.TotalCalls)
			timedCalls += d.TotalCalls
		}
	}
	if timedCalls > 0 {
		row.AvgLatencyMs = weightedLatency / float64(timedCalls)
	}

	s.score(row)

	if err := s.metrics.UpsertMetrics(ctx, row); err != nil {
		return nil, fmt.Errorf("upsert %s metrics: %w", period, err)
	}
	return row, nil
}

// score fills the four score fields from the row's counts.
func (s *Service) score(row *types.BehaviorCalibrationMetrics) {
	row.ConcisenessScore = ConcisenessScore(row.TotalCalls, row.RedundantCalls)
	row.SuccessScore = SuccessScore(row.TotalCalls, row.SuccessCalls)
	row.EfficiencyScore = EfficiencyScore(row.AvgLatencyMs, s.baselineMs)
	row.CompositeScore = CompositeScore(row.ConcisenessScore, row.SuccessScore, row.EfficiencyScore)
}

// Trend returns the daily rows for the last n days ending at date,
// oldest first.
func (s *Service) Trend(ctx context.Context, scope string, date time.Time, n int) ([]*types.BehaviorCalibrationMetrics, error) {
	if n <= 0 {
		n = 7
	}
	end := dayStart(date)
	start := end.AddDate(0, 0, -(n - 1))
	return s.metrics.ListMetricsRange(ctx, scope, start, end, types.PeriodDaily)
}

// TrendRange returns the stored rows for a period type between two
// anchor dates inclusive, oldest first.
func (s *Service) TrendRange(ctx context.Context, scope string, start, end time.Time, period types.PeriodType) ([]*types.BehaviorCalibrationMetrics, error) {
	return s.metrics.ListMetricsRange(ctx, scope, dayStart(start), dayStart(end), period)
}

// ToolReliabilityRanking computes per-tool reliability over [from, to),
// most reliable first. Ties break toward the busier tool.
func (s *Service) ToolReliabilityRanking(ctx context.Context, scope string, from, to time.Time) ([]*types.ToolReliabilityStats, error) {
	calls, err := s.calls.ListCallsByDate(ctx, scope, from, to)
	if err != nil {
		return nil, err
	}

	byTool := make(map[string]*types.ToolReliabilityStats)
	latencySums := make(map[string]int64)
	timedCalls := make(map[string]int64)
	for _, call := range calls {
		st, ok := byTool[call.ToolName]
		if !ok {
			st = &types.ToolReliabilityStats{
				Scope:       scope,
				ToolName:    call.ToolName,
				Date:        dayStart(from),
				ErrorCounts: make(map[string]int64),
			}
			byTool[call.ToolName] = st
		}
		st.TotalCalls++
		switch call.Status {
		case types.StatusSuccess:
			st.SuccessCalls++
		case types.StatusFailed, types.StatusTimeout:
			st.FailedCalls++
			if call.ErrorType != "" {
				st.ErrorCounts[call.ErrorType]++
			}
		}
		if call.LatencyMs > 0 {
			latencySums[call.ToolName] += call.LatencyMs
			timedCalls[call.ToolName]++
		}
	}

	ranking := make([]*types.ToolReliabilityStats, 0, len(byTool))
	for tool, st := range byTool {
		if st.TotalCalls > 0 {
			st.SuccessRate = float64(st.SuccessCalls) / float64(st.TotalCalls) * 100
		}
		if timedCalls[tool] > 0 {
			st.AvgLatencyMs = float64(latencySums[tool]) / float64(timedCalls[tool])
		}
		st.TopErrors = topErrors(st.ErrorCounts, 3)
		ranking = append(ranking, st)
	}

	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].SuccessRate != ranking[j].SuccessRate {
			return ranking[i].SuccessRate > ranking[j].SuccessRate
		}
		if ranking[i].TotalCalls != ranking[j].TotalCalls {
			return ranking[i].TotalCalls > ranking[j].TotalCalls
		}
		return ranking[i].ToolName < ranking[j].ToolName
	})
	return ranking, nil
}

// topErrors returns the n most frequent error types, ties alphabetical.
func topErrors(counts map[string]int64, n int) []string {
	type pair struct {
		errType string
		count   int64
	}
	pairs := make([]pair, 0, len(counts))
	for e, c := range counts {
		pairs = append(pairs, pair{e, c})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].errType < pairs[j].errType
	})
	if len(pairs) > n {
		pairs = pairs[:n]
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.errType
	}
	return out
}

// DashboardSnapshot is everything the operations dashboard needs in one
// read.
type DashboardSnapshot struct {
	Scope       string                              `json:"scope"`
	Date        time.Time                           `json:"date"`
	Current     *types.BehaviorCalibrationMetrics   `json:"current,omitempty"`
	Trend       []*types.BehaviorCalibrationMetrics `json:"trend,omitempty"`
	ToolRanking []*types.ToolReliabilityStats       `json:"tool_ranking,omitempty"`
	RecentCalls []*types.ToolCallRecord             `json:"recent_calls,omitempty"`
}

const dashboardRecentCalls = 20

// Dashboard assembles the snapshot for a scope at date: today's daily
// row (computed on the fly when absent), a 7-day trend, the tool
// ranking over the trend window, and the latest raw calls.
func (s *Service) Dashboard(ctx context.Context, scope string, date time.Time) (*DashboardSnapshot, error) {
	day := dayStart(date)
	snap := &DashboardSnapshot{Scope: scope, Date: day}

	current, err := s.metrics.GetMetrics(ctx, scope, day, types.PeriodDaily)
	if err != nil {
		current, err = s.ComputeDaily(ctx, scope, day)
		if err != nil {
			return nil, err
		}
	}
	snap.Current = current

	trend, err := s.Trend(ctx, scope, day, 7)
	if err != nil {
		return nil, err
	}
	snap.Trend = trend

	ranking, err := s.ToolReliabilityRanking(ctx, scope, day.AddDate(0, 0, -6), day.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	snap.ToolRanking = ranking

	recent, err := s.calls.RecentCalls(ctx, scope, dashboardRecentCalls)
	if err != nil {
		return nil, err
	}
	snap.RecentCalls = recent

	return snap, nil
}
