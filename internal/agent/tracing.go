package agent

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// startExecutionSpan 为一次执行开启根 span。
func (a *Agent) startExecutionSpan(ctx context.Context, exec *Execution, steps int) (context.Context, trace.Span) {
	ctx, span := a.tracer.Start(ctx, "agent.execute")
	span.SetAttributes(
		attribute.String("execution.id", exec.ID),
		attribute.String("execution.benchmark", exec.BenchmarkID),
		attribute.Int("execution.steps", steps),
	)
	return ctx, span
}

// endExecutionSpan 记录执行结果并结束 span。
func (a *Agent) endExecutionSpan(span trace.Span, exec *Execution) {
	span.SetAttributes(
		attribute.Bool("execution.success", exec.Succeeded()),
		attribute.Bool("execution.aborted", exec.Aborted),
		attribute.Float64("execution.value_change_usd", exec.Exit.TotalUSD-exec.Entry.TotalUSD),
	)
	if exec.Err != nil {
		span.RecordError(exec.Err)
		span.SetStatus(codes.Error, exec.Error)
	}
	span.End()
}

// startStepSpan 为流程中的一步开启 span。
func (a *Agent) startStepSpan(ctx context.Context, result StepResult) (context.Context, trace.Span) {
	ctx, span := a.tracer.Start(ctx, "agent.step")
	span.SetAttributes(
		attribute.Int("step.number", result.Step),
		attribute.Bool("step.critical", result.Critical),
	)
	return ctx, span
}

func (a *Agent) endStepSpan(span trace.Span, result StepResult) {
	span.SetAttributes(
		attribute.Bool("step.success", result.Success),
		attribute.Int("step.turns", result.Turns),
		attribute.String("step.tool", result.Tool),
	)
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.Error)
	}
	span.End()
}

// startToolSpan 为一次工具调用开启 span。
func (a *Agent) startToolSpan(ctx context.Context, tool string) (context.Context, trace.Span) {
	ctx, span := a.tracer.Start(ctx, "tool."+tool)
	span.SetAttributes(attribute.String("tool.name", tool))
	return ctx, span
}

func (a *Agent) endToolSpan(span trace.Span, signatures int, err error) {
	span.SetAttributes(attribute.Int("tool.signatures", signatures))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// stageEvent 把阶段事件挂到当前 span 上。
func stageEvent(ctx context.Context, ev Event) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("stage", ev.Stage.String())}
	if ev.Step > 0 {
		attrs = append(attrs, attribute.Int("step", ev.Step))
	}
	if ev.Error != "" {
		attrs = append(attrs, attribute.String("error", ev.Error))
	}
	span.AddEvent(ev.Message, trace.WithAttributes(attrs...))
}
