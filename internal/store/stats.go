package store

import (
	"sort"
	"time"
)

// ExecutionStats aggregates outcomes over a trailing window. Point-in-time
// gauges (running, queued, awaiting approval) ignore the window.
type ExecutionStats struct {
	WindowHours      int     `json:"window_hours"`
	Total            int     `json:"total"`
	Succeeded        int     `json:"succeeded"`
	Failed           int     `json:"failed"`
	Cancelled        int     `json:"cancelled"`
	TimedOut         int     `json:"timed_out"`
	SuccessRate      float64 `json:"success_rate"`
	Running          int     `json:"running"`
	Queued           int     `json:"queued"`
	AwaitingApproval int     `json:"awaiting_approval"`
}

// StepDurations summarises completed step latency for one step type.
type StepDurations struct {
	StepType string  `json:"step_type"`
	Count    int     `json:"count"`
	MeanMS   float64 `json:"mean_ms"`
	P50MS    float64 `json:"p50_ms"`
	P95MS    float64 `json:"p95_ms"`
	P99MS    float64 `json:"p99_ms"`
}

// SLAViolation flags a running execution past its execution budget.
type SLAViolation struct {
	ExecutionID  string `json:"execution_id"`
	TenantID     string `json:"tenant_id"`
	SLAClass     string `json:"sla_class"`
	ActionClass  string `json:"action_class"`
	RunningForMS int64  `json:"running_for_ms"`
	BudgetMS     int64  `json:"budget_ms"`
}

// GetExecutionStats computes success and failure rates over the window.
func (s *Store) GetExecutionStats(window time.Duration) (*ExecutionStats, error) {
	cutoff := fmtTime(time.Now().UTC().Add(-window))
	stats := &ExecutionStats{WindowHours: int(window.Hours())}

	err := s.db.QueryRow(`SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN timed_out = 1 THEN 1 ELSE 0 END), 0)
		FROM executions WHERE created_at >= ?`,
		StatusSucceeded, StatusFailed, StatusCancelled, cutoff).
		Scan(&stats.Total, &stats.Succeeded, &stats.Failed, &stats.Cancelled, &stats.TimedOut)
	if err != nil {
		return nil, err
	}

	terminal := stats.Succeeded + stats.Failed + stats.Cancelled
	if terminal > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(terminal)
	}

	err = s.db.QueryRow(`SELECT
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM executions`,
		StatusRunning, StatusAwaitingApproval).
		Scan(&stats.Running, &stats.AwaitingApproval)
	if err != nil {
		return nil, err
	}

	stats.Queued, err = s.QueueDepth()
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// GetStepDurations computes latency percentiles per step type over the
// window. Percentiles are computed here rather than in SQL; SQLite has no
// percentile aggregate.
func (s *Store) GetStepDurations(window time.Duration) ([]StepDurations, error) {
	cutoff := fmtTime(time.Now().UTC().Add(-window))
	rows, err := s.db.Query(`SELECT step_type, started_at, ended_at FROM steps
		WHERE ended_at IS NOT NULL AND started_at IS NOT NULL AND ended_at >= ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byType := make(map[string][]float64)
	for rows.Next() {
		var stepType, startedAt, endedAt string
		if err := rows.Scan(&stepType, &startedAt, &endedAt); err != nil {
			continue
		}
		d := parseTime(endedAt).Sub(parseTime(startedAt))
		if d < 0 {
			continue
		}
		byType[stepType] = append(byType[stepType], float64(d.Milliseconds()))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	out := make([]StepDurations, 0, len(types))
	for _, t := range types {
		samples := byType[t]
		sort.Float64s(samples)
		var sum float64
		for _, v := range samples {
			sum += v
		}
		out = append(out, StepDurations{
			StepType: t,
			Count:    len(samples),
			MeanMS:   sum / float64(len(samples)),
			P50MS:    percentile(samples, 50),
			P95MS:    percentile(samples, 95),
			P99MS:    percentile(samples, 99),
		})
	}
	return out, nil
}

// MeanStepDuration averages the most recent completed runs of a step type.
// Feeds completion estimates; ok=false when there is no history.
func (s *Store) MeanStepDuration(stepType string) (time.Duration, bool) {
	rows, err := s.db.Query(`SELECT started_at, ended_at FROM steps
		WHERE step_type = ? AND status = ? AND started_at IS NOT NULL AND ended_at IS NOT NULL
		ORDER BY ended_at DESC LIMIT 200`, stepType, StatusSucceeded)
	if err != nil {
		return 0, false
	}
	defer rows.Close()

	var total time.Duration
	var n int
	for rows.Next() {
		var startedAt, endedAt string
		if err := rows.Scan(&startedAt, &endedAt); err != nil {
			continue
		}
		d := parseTime(endedAt).Sub(parseTime(startedAt))
		if d >= 0 {
			total += d
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return total / time.Duration(n), true
}

// GetSLAViolations lists running executions that outlived their budget.
func (s *Store) GetSLAViolations(now time.Time) ([]SLAViolation, error) {
	rows, err := s.db.Query(`SELECT e.id, e.tenant_id, e.sla_class, e.action_class, e.started_at, p.execution_timeout_ms
		FROM executions e
		JOIN timeout_policies p ON p.sla_class = e.sla_class AND p.action_class = e.action_class
		WHERE e.status = ? AND e.started_at IS NOT NULL`, StatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]SLAViolation, 0)
	for rows.Next() {
		var (
			v         SLAViolation
			startedAt string
			budgetMS  int64
		)
		if err := rows.Scan(&v.ExecutionID, &v.TenantID, &v.SLAClass, &v.ActionClass, &startedAt, &budgetMS); err != nil {
			continue
		}
		running := now.Sub(parseTime(startedAt))
		budget := time.Duration(budgetMS) * time.Millisecond
		if running > budget {
			v.RunningForMS = running.Milliseconds()
			v.BudgetMS = budgetMS
			out = append(out, v)
		}
	}
	return out, rows.Err()
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted))*p/100+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
