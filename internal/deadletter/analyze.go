package deadletter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KingEverett/Hermes-sub000/internal/store"
)

// Analyze aggregates quarantine failure patterns over the lookback
// window and derives operator recommendations. The result is cached
// briefly since the underlying aggregate queries are expensive.
func (s *Service) Analyze(ctx context.Context, daysBack int) (*Analysis, error) {
	if daysBack < 1 {
		daysBack = 7
	}

	cacheKey := fmt.Sprintf("dlq_analysis:%d", daysBack)
	if s.cache != nil {
		var cached Analysis
		if ok, err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	since := time.Now().AddDate(0, 0, -daysBack)

	byCategory, err := s.store.QuarantineCategoryCounts(ctx, since)
	if err != nil {
		return nil, err
	}
	byTaskName, err := s.store.QuarantineTaskNameCounts(ctx, since)
	if err != nil {
		return nil, err
	}
	byReason, err := s.store.QuarantineReasonCounts(ctx, since)
	if err != nil {
		return nil, err
	}
	recent, err := s.store.RecentQuarantined(ctx, since, 10)
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		WindowDays:     daysBack,
		ByCategory:     toMap(byCategory),
		ByTaskName:     toMap(byTaskName),
		ByReason:       toMap(byReason),
		RecentFailures: recent,
		GeneratedAt:    time.Now(),
	}
	for _, row := range byCategory {
		a.TotalTasks += row.Count
	}
	if n := len(byTaskName); n > 0 {
		top := byTaskName
		if n > 5 {
			top = byTaskName[:5]
		}
		a.TopFailingTasks = top
	}
	a.Recommendations = recommendations(a)

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cacheKey, a, s.analysisTTL); err != nil {
			s.logger.Debug("analysis cache write failed", zap.Error(err))
		}
	}
	return a, nil
}

func toMap(rows []store.CountRow) map[string]int {
	m := make(map[string]int, len(rows))
	for _, r := range rows {
		m[r.Key] = r.Count
	}
	return m
}

// recommendations applies threshold heuristics over the aggregates. An
// empty window yields an explanatory message, never an error.
func recommendations(a *Analysis) []string {
	if a.TotalTasks == 0 {
		return []string{fmt.Sprintf("No quarantined tasks in the last %d days.", a.WindowDays)}
	}

	var out []string
	total := float64(a.TotalTasks)

	if n := a.ByCategory[string(store.CategoryTimeout)]; float64(n)/total > 0.30 {
		out = append(out, fmt.Sprintf(
			"%d of %d failures (%.0f%%) are timeouts; review task time limits and downstream latency.",
			n, a.TotalTasks, float64(n)/total*100))
	}
	if n := a.ByCategory[string(store.CategoryConnection)]; float64(n)/total > 0.30 {
		out = append(out, fmt.Sprintf(
			"%d of %d failures (%.0f%%) are connection errors; check broker and database availability.",
			n, a.TotalTasks, float64(n)/total*100))
	}
	if n := a.ByCategory[string(store.CategoryMemory)]; float64(n)/total > 0.20 {
		out = append(out, fmt.Sprintf(
			"%d of %d failures (%.0f%%) are memory related; consider raising worker memory limits or splitting work.",
			n, a.TotalTasks, float64(n)/total*100))
	}
	for _, row := range a.TopFailingTasks {
		if float64(row.Count)/total > 0.40 {
			out = append(out, fmt.Sprintf(
				"Task %q accounts for %.0f%% of failures; it needs focused debugging.",
				row.Key, float64(row.Count)/total*100))
			break
		}
	}
	if a.TotalTasks > 50 {
		out = append(out, fmt.Sprintf(
			"%d tasks quarantined in %d days is a high volume; consider a bulk retry after fixing root causes.",
			a.TotalTasks, a.WindowDays))
	}

	if len(out) == 0 {
		out = append(out, "No dominant failure pattern; review recent failures individually.")
	}
	return out
}
