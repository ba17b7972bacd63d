// Package progress derives completion snapshots for executions. Nothing here
// is persisted: a snapshot is recomputed from the step rows on every call, so
// it always agrees with what the executor last wrote.
package progress

import (
	"time"

	"github.com/marcus-qen/lictor/internal/store"
)

// Snapshot describes how far an execution has got. Fraction weighs a running
// step as half done. EstimatedCompletion is present only when every
// unfinished step type has duration history to price it with.
type Snapshot struct {
	ExecutionID         string     `json:"execution_id"`
	Status              string     `json:"status"`
	TotalSteps          int        `json:"total_steps"`
	CompletedSteps      int        `json:"completed_steps"`
	RunningSteps        int        `json:"running_steps"`
	Fraction            float64    `json:"fraction"`
	CurrentStep         string     `json:"current_step,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// Reporter computes snapshots against the store.
type Reporter struct {
	store *store.Store
}

func NewReporter(st *store.Store) *Reporter {
	return &Reporter{store: st}
}

// Snapshot computes the progress of one execution within a tenant.
func (r *Reporter) Snapshot(tenantID, executionID string) (*Snapshot, error) {
	ex, err := r.store.GetExecutionScoped(tenantID, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := r.store.StepsForExecution(ex.ID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ExecutionID: ex.ID,
		Status:      ex.Status,
		TotalSteps:  len(steps),
	}
	for _, s := range steps {
		switch s.Status {
		case store.StatusSucceeded, store.StatusFailed:
			snap.CompletedSteps++
		case store.StatusRunning:
			snap.RunningSteps++
			if snap.CurrentStep == "" {
				snap.CurrentStep = s.Type
			}
		}
	}

	switch {
	case ex.Status == store.StatusSucceeded:
		snap.Fraction = 1
	case snap.TotalSteps > 0:
		snap.Fraction = (float64(snap.CompletedSteps) + 0.5*float64(snap.RunningSteps)) / float64(snap.TotalSteps)
	}

	if !store.IsTerminal(ex.Status) {
		if eta, ok := r.estimate(steps); ok {
			snap.EstimatedCompletion = &eta
		}
	}
	return snap, nil
}

// estimate prices the unfinished steps from historical mean durations, with
// the running step credited for time already spent. All unfinished step
// types need history; a partial sum is not an estimate.
func (r *Reporter) estimate(steps []store.Step) (time.Time, bool) {
	now := time.Now().UTC()
	var remaining time.Duration
	found := false
	for _, s := range steps {
		switch s.Status {
		case store.StatusSucceeded, store.StatusFailed:
			continue
		}
		mean, ok := r.store.MeanStepDuration(s.Type)
		if !ok {
			return time.Time{}, false
		}
		found = true
		if s.Status == store.StatusRunning && s.StartedAt != nil {
			if elapsed := now.Sub(*s.StartedAt); elapsed < mean {
				remaining += mean - elapsed
			}
			continue
		}
		remaining += mean
	}
	if !found {
		return time.Time{}, false
	}
	return now.Add(remaining), true
}
