// Package health aggregates component checks into one report: store
// reachability, the redis cancellation fast path when configured, worker
// heartbeat freshness, and a scan for executions running past their budget.
package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/marcus-qen/lictor/internal/cancel"
	"github.com/marcus-qen/lictor/internal/store"
)

// Component is one named check inside a report.
type Component struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report is a point-in-time view of engine health. OK is the conjunction of
// the component checks; SLA violations are listed but do not degrade it,
// since an overrunning execution is a workload fact rather than an engine
// fault.
type Report struct {
	OK            bool                 `json:"ok"`
	CheckedAt     time.Time            `json:"checked_at"`
	Uptime        string               `json:"uptime"`
	GoVersion     string               `json:"go_version"`
	Goroutines    int                  `json:"goroutines"`
	Components    []Component          `json:"components"`
	SLAViolations []store.SLAViolation `json:"sla_violations,omitempty"`
}

// Checker runs the component checks. Heartbeats is optional; when nil the
// worker check is skipped (immediate-only deployments run no pool).
type Checker struct {
	store      *store.Store
	cancels    *cancel.Registry
	heartbeats func() []time.Time
	staleAfter time.Duration
	startedAt  time.Time
}

func NewChecker(st *store.Store, cancels *cancel.Registry, heartbeats func() []time.Time, staleAfter time.Duration) *Checker {
	return &Checker{
		store:      st,
		cancels:    cancels,
		heartbeats: heartbeats,
		staleAfter: staleAfter,
		startedAt:  time.Now(),
	}
}

// Check runs every configured component check and returns the report.
func (c *Checker) Check(ctx context.Context) *Report {
	rep := &Report{
		OK:         true,
		CheckedAt:  time.Now().UTC(),
		Uptime:     time.Since(c.startedAt).Round(time.Second).String(),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
	}
	add := func(name string, ok bool, detail string) {
		rep.Components = append(rep.Components, Component{Name: name, OK: ok, Detail: detail})
		if !ok {
			rep.OK = false
		}
	}

	if err := c.store.Ping(); err != nil {
		add("store", false, err.Error())
	} else {
		add("store", true, "")
	}

	if c.cancels != nil && c.cancels.HasFastPath() {
		if err := c.cancels.Ping(ctx); err != nil {
			add("cancel_fast_path", false, err.Error())
		} else {
			add("cancel_fast_path", true, "")
		}
	}

	if c.heartbeats != nil {
		beats := c.heartbeats()
		stale := 0
		for _, beat := range beats {
			if time.Since(beat) > c.staleAfter {
				stale++
			}
		}
		if stale > 0 {
			add("workers", false, fmt.Sprintf("%d of %d workers stale", stale, len(beats)))
		} else {
			add("workers", true, fmt.Sprintf("%d workers", len(beats)))
		}
	}

	viol, err := c.store.GetSLAViolations(time.Now().UTC())
	if err != nil {
		add("sla_scan", false, err.Error())
	} else {
		rep.SLAViolations = viol
		add("sla_scan", true, fmt.Sprintf("%d violations", len(viol)))
	}
	return rep
}
