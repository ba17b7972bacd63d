/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the execution engine.
//
// All metrics are registered with the default registry and served on the
// engine's /metrics/prometheus endpoint.
//
// Metric naming follows Prometheus conventions:
//   - lictor_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ExecutionsTotal counts finished executions by terminal status and SLA class.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lictor_executions_total",
			Help: "Total number of finished executions by status and SLA class.",
		},
		[]string{"status", "sla_class"},
	)

	// ExecutionDurationSeconds is a histogram of execution duration by SLA class.
	ExecutionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lictor_execution_duration_seconds",
			Help:    "Duration of executions in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		},
		[]string{"sla_class"},
	)

	// StepDurationSeconds is a histogram of step duration by step type.
	StepDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lictor_step_duration_seconds",
			Help:    "Duration of plan steps in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"step_type"},
	)

	// QueueDepth is the number of items currently waiting in the queue.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lictor_queue_depth",
			Help: "Number of queue items waiting for a worker.",
		},
	)

	// QueueWaitSeconds is a histogram of time between enqueue and lease.
	QueueWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lictor_queue_wait_seconds",
			Help:    "Seconds between enqueue and worker lease.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	// MutexConflictsTotal counts fast-failed lock acquisitions.
	MutexConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lictor_mutex_conflicts_total",
			Help: "Total per-asset mutex conflicts.",
		},
	)

	// RBACViolationsTotal counts authorization denials by severity.
	RBACViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lictor_rbac_violations_total",
			Help: "Total RBAC denials by severity.",
		},
		[]string{"severity"},
	)

	// TimeoutsTotal counts budget breaches by tier (step or execution).
	TimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lictor_timeouts_total",
			Help: "Total timeout budget breaches by tier.",
		},
		[]string{"tier"},
	)

	// CancellationsTotal counts executions cancelled by an actor.
	CancellationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lictor_cancellations_total",
			Help: "Total cancelled executions.",
		},
	)

	// DeadLetteredTotal counts queue items moved to the DLQ by error class.
	DeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lictor_dead_lettered_total",
			Help: "Total queue items moved to the dead letter queue.",
		},
		[]string{"reason"},
	)

	// RetriesTotal counts requeues with backoff by SLA class.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lictor_queue_retries_total",
			Help: "Total queue retries by SLA class.",
		},
		[]string{"sla_class"},
	)

	// ApprovalDecisionsTotal counts approval outcomes.
	ApprovalDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lictor_approval_decisions_total",
			Help: "Total approval decisions by outcome.",
		},
		[]string{"decision"},
	)

	// ActiveExecutions is the number of executions currently running.
	ActiveExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lictor_active_executions",
			Help: "Number of executions currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDurationSeconds,
		StepDurationSeconds,
		QueueDepth,
		QueueWaitSeconds,
		MutexConflictsTotal,
		RBACViolationsTotal,
		TimeoutsTotal,
		CancellationsTotal,
		DeadLetteredTotal,
		RetriesTotal,
		ApprovalDecisionsTotal,
		ActiveExecutions,
	)
}

// RecordExecutionComplete records metrics for a finished execution.
func RecordExecutionComplete(status, slaClass string, duration time.Duration) {
	ExecutionsTotal.WithLabelValues(status, slaClass).Inc()
	ExecutionDurationSeconds.WithLabelValues(slaClass).Observe(duration.Seconds())
}

// RecordStepDuration records a single finished step.
func RecordStepDuration(stepType string, duration time.Duration) {
	StepDurationSeconds.WithLabelValues(stepType).Observe(duration.Seconds())
}

// RecordQueueWait records the time an item spent waiting for a worker.
func RecordQueueWait(wait time.Duration) {
	QueueWaitSeconds.Observe(wait.Seconds())
}

// RecordMutexConflict records a single fast-failed lock acquisition.
func RecordMutexConflict() {
	MutexConflictsTotal.Inc()
}

// RecordRBACViolation records a single authorization denial.
func RecordRBACViolation(severity string) {
	RBACViolationsTotal.WithLabelValues(severity).Inc()
}

// RecordTimeout records a budget breach. Tier is "step" or "execution".
func RecordTimeout(tier string) {
	TimeoutsTotal.WithLabelValues(tier).Inc()
}

// RecordCancellation records a cancelled execution.
func RecordCancellation() {
	CancellationsTotal.Inc()
}

// RecordDeadLetter records a queue item moved to the DLQ.
func RecordDeadLetter(reason string) {
	DeadLetteredTotal.WithLabelValues(reason).Inc()
}

// RecordRetry records a requeue with backoff.
func RecordRetry(slaClass string) {
	RetriesTotal.WithLabelValues(slaClass).Inc()
}

// RecordApprovalDecision records an approval outcome.
func RecordApprovalDecision(decision string) {
	ApprovalDecisionsTotal.WithLabelValues(decision).Inc()
}
