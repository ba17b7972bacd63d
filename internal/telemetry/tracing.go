/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the execution
// engine.
//
// Spans cover plan admission, each run of an execution, and each step
// invocation. Custom span attributes use the `lictor.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "lictor.io/engine"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("lictor-engine"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartSubmitSpan creates the span covering admission of one plan.
func StartSubmitSpan(ctx context.Context, tenantID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "router.submit",
		trace.WithAttributes(
			attribute.String("lictor.tenant_id", tenantID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSubmitSpan enriches the submit span with the admission outcome.
func EndSubmitSpan(span trace.Span, executionID, mode string, deduped bool) {
	span.SetAttributes(
		attribute.String("lictor.execution_id", executionID),
		attribute.String("lictor.mode", mode),
		attribute.Bool("lictor.deduped", deduped),
	)
	span.End()
}

// StartExecutionSpan creates the parent span for one run of an execution.
func StartExecutionSpan(ctx context.Context, executionID, tenantID, mode, slaClass string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "execution.run",
		trace.WithAttributes(
			attribute.String("lictor.execution_id", executionID),
			attribute.String("lictor.tenant_id", tenantID),
			attribute.String("lictor.mode", mode),
			attribute.String("lictor.sla_class", slaClass),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndExecutionSpan enriches the run span with the status the run ended on.
func EndExecutionSpan(span trace.Span, status string) {
	span.SetAttributes(attribute.String("lictor.status", status))
	span.End()
}

// StartStepSpan creates a child span for one step invocation.
func StartStepSpan(ctx context.Context, ordinal int, stepType, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "execution.step",
		trace.WithAttributes(
			attribute.Int("lictor.ordinal", ordinal),
			attribute.String("lictor.step_type", stepType),
			attribute.String("lictor.target", target),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndStepSpan enriches the step span with the step outcome.
func EndStepSpan(span trace.Span, outcome, errClass string) {
	span.SetAttributes(attribute.String("lictor.step_outcome", outcome))
	if errClass != "" {
		span.SetAttributes(attribute.String("lictor.error_class", errClass))
	}
	span.End()
}
