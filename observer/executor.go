package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/repl"
)

// ObservedExecutor wraps a repl.Executor with OTEL instrumentation.
type ObservedExecutor struct {
	inner repl.Executor
	inst  *Instruments
}

var _ repl.Executor = (*ObservedExecutor)(nil)

// WrapExecutor returns an instrumented executor.
func WrapExecutor(inner repl.Executor, inst *Instruments) *ObservedExecutor {
	return &ObservedExecutor{inner: inner, inst: inst}
}

func (o *ObservedExecutor) Execute(ctx context.Context, sessionID string, req repl.ExecutionRequest) (repl.ExecutionResult, error) {
	attrs := []trace.SpanStartOption{trace.WithAttributes(
		AttrSessionID.String(sessionID),
		AttrCodeLength.Int(len(req.Code)),
		AttrSoftInterrupt.Int64(req.SoftInterrupt.Milliseconds()),
		AttrHardTimeout.Int64(req.HardTimeout.Milliseconds()),
	)}
	if req.Tools != nil {
		attrs = append(attrs, trace.WithAttributes(AttrToolsBound.StringSlice(req.Tools.Tools)))
	}
	ctx, span := o.inst.Tracer.Start(ctx, "code.execute", attrs...)
	defer span.End()
	start := time.Now()

	res, err := o.inner.Execute(ctx, sessionID, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := executionStatus(res, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		AttrCodeStatus.String(status),
		AttrOutputLength.Int(len(res.Output)),
		AttrArtifactCount.Int(len(res.Artifacts)),
	)

	o.inst.CodeExecutions.Add(ctx, 1, metric.WithAttributes(AttrCodeStatus.String(status)))
	o.inst.CodeDuration.Record(ctx, durationMs, metric.WithAttributes(AttrCodeStatus.String(status)))
	o.inst.OutputLength.Record(ctx, int64(len(res.Output)))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	if status == "fatal" {
		rec.SetSeverity(otellog.SeverityError)
	}
	rec.SetBody(otellog.StringValue("code executed"))
	rec.AddAttributes(
		otellog.String("session.id", sessionID),
		otellog.String("code.status", status),
		otellog.Int("code.output_length", len(res.Output)),
		otellog.Int("code.artifact_count", len(res.Artifacts)),
		otellog.Float64("code.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return res, err
}

func executionStatus(res repl.ExecutionResult, err error) string {
	var (
		death *repl.RuntimeDeathError
		start *repl.RuntimeStartError
	)
	switch {
	case errors.As(err, &death), errors.As(err, &start):
		return "fatal"
	case errors.Is(err, repl.ErrHardTimeout):
		return "timeout"
	case err != nil:
		return "error"
	case res.Interrupted:
		return "interrupted"
	case res.IsError:
		return "user_error"
	default:
		return "ok"
	}
}
