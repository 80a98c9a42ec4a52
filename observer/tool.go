package observer

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/router"
)

// Resolver maps a requested tool name to its registered definition.
// *router.Router implements it.
type Resolver interface {
	Lookup(name string) (repl.Tool, repl.ToolDefinition, bool)
}

// ObserveCalls returns router middleware that records a span, call metrics
// and a log record for every tool call. Calls the router rejects before the
// tool runs are recorded with their error code as status.
func ObserveCalls(inst *Instruments, tools Resolver) router.Middleware {
	return func(next router.CallFunc) router.CallFunc {
		return func(ctx context.Context, call repl.BridgeCall, origin repl.Origin) (json.RawMessage, error) {
			def := repl.ToolDefinition{Name: call.Tool}
			if _, found, ok := tools.Lookup(call.Tool); ok {
				def = found
			}
			ctx, span := inst.Tracer.Start(ctx, "tool.call", trace.WithAttributes(
				AttrToolName.String(def.Name),
				AttrToolOrigin.String(origin.String()),
				AttrToolComposite.Bool(def.Composite),
				AttrToolHelper.Bool(def.Helper),
			))
			defer span.End()
			start := time.Now()

			out, err := next(ctx, call, origin)

			durationMs := float64(time.Since(start).Milliseconds())
			status := callStatus(err)
			span.SetAttributes(
				AttrToolStatus.String(status),
				AttrToolResultLength.Int(len(out)),
			)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}

			inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
				AttrToolName.String(def.Name),
				AttrToolOrigin.String(origin.String()),
				attribute.String("status", status),
			))
			inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
				AttrToolName.String(def.Name),
				AttrToolOrigin.String(origin.String()),
			))

			var rec otellog.Record
			rec.SetSeverity(otellog.SeverityInfo)
			if err != nil {
				rec.SetSeverity(otellog.SeverityWarn)
			}
			rec.SetBody(otellog.StringValue("tool call"))
			rec.AddAttributes(
				otellog.String("tool.name", def.Name),
				otellog.String("tool.origin", origin.String()),
				otellog.String("tool.status", status),
				otellog.Bool("tool.composite", def.Composite),
				otellog.Int("tool.result_length", len(out)),
				otellog.Float64("tool.duration_ms", durationMs),
			)
			inst.Logger.Emit(ctx, rec)

			return out, err
		}
	}
}

// callStatus is "ok" or the stable error code of a failed call.
func callStatus(err error) string {
	if err == nil {
		return "ok"
	}
	return repl.ErrorCode(err)
}
