/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getCounter(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	// Prometheus histogram implements prometheus.Metric via the observer
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordExecutionComplete(t *testing.T) {
	RecordExecutionComplete("succeeded", "fast", 3*time.Second)

	val := getCounterValue(ExecutionsTotal, "succeeded", "fast")
	if val < 1 {
		t.Errorf("ExecutionsTotal = %f, want >= 1", val)
	}

	count := getHistogramCount(ExecutionDurationSeconds, "fast")
	if count < 1 {
		t.Errorf("ExecutionDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordStepDuration(t *testing.T) {
	RecordStepDuration("command", 1500*time.Millisecond)
	RecordStepDuration("command", 2*time.Second)

	count := getHistogramCount(StepDurationSeconds, "command")
	if count < 2 {
		t.Errorf("StepDurationSeconds sample count = %d, want >= 2", count)
	}
}

func TestRecordMutexConflict(t *testing.T) {
	before := getCounter(MutexConflictsTotal)
	RecordMutexConflict()
	RecordMutexConflict()

	if got := getCounter(MutexConflictsTotal); got < before+2 {
		t.Errorf("MutexConflictsTotal = %f, want >= %f", got, before+2)
	}
}

func TestRecordRBACViolation(t *testing.T) {
	RecordRBACViolation("critical")

	val := getCounterValue(RBACViolationsTotal, "critical")
	if val < 1 {
		t.Errorf("RBACViolationsTotal = %f, want >= 1", val)
	}
}

func TestRecordTimeoutTiers(t *testing.T) {
	RecordTimeout("step")
	RecordTimeout("execution")

	if val := getCounterValue(TimeoutsTotal, "step"); val < 1 {
		t.Errorf("TimeoutsTotal[step] = %f, want >= 1", val)
	}
	if val := getCounterValue(TimeoutsTotal, "execution"); val < 1 {
		t.Errorf("TimeoutsTotal[execution] = %f, want >= 1", val)
	}
}

func TestRecordDeadLetter(t *testing.T) {
	RecordDeadLetter("permission_error")

	val := getCounterValue(DeadLetteredTotal, "permission_error")
	if val < 1 {
		t.Errorf("DeadLetteredTotal = %f, want >= 1", val)
	}
}

func TestActiveExecutions(t *testing.T) {
	ActiveExecutions.Set(0) // Reset

	ActiveExecutions.Inc()
	ActiveExecutions.Inc()

	val := getGaugeValue(ActiveExecutions)
	if val != 2 {
		t.Errorf("ActiveExecutions = %f, want 2", val)
	}

	ActiveExecutions.Dec()
	val = getGaugeValue(ActiveExecutions)
	if val != 1 {
		t.Errorf("ActiveExecutions after Dec = %f, want 1", val)
	}
}

func TestLabelIsolation(t *testing.T) {
	RecordExecutionComplete("failed", "long", 40*time.Second)

	failedLong := getCounterValue(ExecutionsTotal, "failed", "long")
	failedFast := getCounterValue(ExecutionsTotal, "failed", "fast")

	if failedLong < 1 {
		t.Error("failed/long should be >= 1")
	}
	if failedFast != 0 {
		t.Errorf("failed/fast = %f, want 0", failedFast)
	}
}
