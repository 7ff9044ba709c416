// Package telemetry wraps OpenTelemetry metrics and tracing for the session
// runner. Instruments are constructed once in the composition root and passed
// to the components that record them; all methods are nil-safe so tests and
// minimal deployments can omit telemetry entirely.
//
// The package uses the global otel providers. Configure them (for example via
// OTEL_EXPORTER_OTLP_ENDPOINT) before constructing Instruments; without
// configuration the no-op providers apply and recording is free.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/ambient-code/session-runner"

// Instruments bundles the counters and tracer used across the runtime.
type Instruments struct {
	tracer trace.Tracer

	flushes   metric.Int64Counter
	toolCalls metric.Int64Counter
	synced    metric.Int64Counter
	reports   metric.Int64Counter
}

// New constructs Instruments backed by the global otel meter and tracer
// providers.
func New() *Instruments {
	meter := otel.Meter(scope)
	in := &Instruments{tracer: otel.Tracer(scope)}
	in.flushes, _ = meter.Int64Counter("session_log_flushes_total")
	in.toolCalls, _ = meter.Int64Counter("session_tool_calls_total")
	in.synced, _ = meter.Int64Counter("session_workspace_files_total")
	in.reports, _ = meter.Int64Counter("session_status_reports_total")
	return in
}

// RecordFlush counts one message log flush attempt and its outcome.
func (in *Instruments) RecordFlush(ctx context.Context, ok bool) {
	if in == nil || in.flushes == nil {
		return
	}
	in.flushes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

// RecordToolCall counts one tool invocation observed in the event stream.
func (in *Instruments) RecordToolCall(ctx context.Context, name string) {
	if in == nil || in.toolCalls == nil {
		return
	}
	in.toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", name)))
}

// RecordSync counts files transferred during a workspace sync. Direction is
// "pull" or "push".
func (in *Instruments) RecordSync(ctx context.Context, direction string, n int64) {
	if in == nil || in.synced == nil || n == 0 {
		return
	}
	in.synced.Add(ctx, n, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordReport counts one status report attempt keyed by phase.
func (in *Instruments) RecordReport(ctx context.Context, phase string) {
	if in == nil || in.reports == nil {
		return
	}
	in.reports.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// StartPhase opens a span covering one lifecycle phase. The returned function
// ends the span and must be called exactly once.
func (in *Instruments) StartPhase(ctx context.Context, name string) (context.Context, func()) {
	if in == nil || in.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := in.tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}
