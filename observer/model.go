package observer

import (
	"context"
	"time"

	driftkit "github.com/driftkit-ai/driftkit"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedModelClient wraps a driftkit.ModelClient with OTEL instrumentation.
type ObservedModelClient struct {
	inner driftkit.ModelClient
	inst  *Instruments
	model string
}

// WrapModelClient returns an instrumented client that emits traces, metrics,
// and logs. The model name labels metrics and feeds cost calculation for
// requests that do not set ModelRequest.Model.
func WrapModelClient(inner driftkit.ModelClient, model string, inst *Instruments) *ObservedModelClient {
	return &ObservedModelClient{inner: inner, inst: inst, model: model}
}

var _ driftkit.ModelClient = (*ObservedModelClient)(nil)

func (o *ObservedModelClient) Name() string { return o.inner.Name() }

func (o *ObservedModelClient) Execute(ctx context.Context, req driftkit.ModelRequest) (driftkit.ModelResponse, error) {
	model := o.requestModel(req)
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrModelName.String(model),
			AttrModelClient.String(o.inner.Name()),
		),
	}
	spanName := "model.execute"
	method := "execute"
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
		spanName = "model.execute_with_tools"
		method = "execute_with_tools"
	}

	ctx, span := o.inst.Tracer.Start(ctx, spanName, spanAttrs...)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Execute(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, model, method, status, durationMs, resp.Usage)
	return resp, err
}

// ExecuteStream returns a cold stream whose events pass through unchanged.
// The span covers the whole production, from first subscription to the
// terminal event, and records the chunk count.
func (o *ObservedModelClient) ExecuteStream(ctx context.Context, req driftkit.ModelRequest) *driftkit.Stream {
	model := o.requestModel(req)
	return driftkit.NewStream(ctx, func(ctx context.Context, emit func(driftkit.StreamEvent)) {
		ctx, span := o.inst.Tracer.Start(ctx, "model.execute_stream", trace.WithAttributes(
			AttrModelName.String(model),
			AttrModelClient.String(o.inner.Name()),
		))
		defer span.End()
		start := time.Now()

		chunks := 0
		var usage driftkit.Usage
		var streamErr error
		for ev := range o.inner.ExecuteStream(ctx, req).Subscribe() {
			if ev.Delta != "" {
				chunks++
			}
			if ev.Response != nil {
				usage = ev.Response.Usage
			}
			if ev.Err != nil {
				streamErr = ev.Err
			}
			emit(ev)
		}

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if streamErr != nil {
			status = "error"
			span.RecordError(streamErr)
			span.SetStatus(codes.Error, streamErr.Error())
		}

		span.SetAttributes(AttrStreamChunks.Int(chunks))
		o.record(ctx, span, model, "execute_stream", status, durationMs, usage)
	})
}

func (o *ObservedModelClient) requestModel(req driftkit.ModelRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return o.model
}

func (o *ObservedModelClient) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, usage driftkit.Usage) {
	cost := o.inst.Cost.Calculate(model, usage.PromptTokens, usage.CompletionTokens)

	attrs := metric.WithAttributes(
		AttrModelName.String(model),
		AttrModelClient.String(o.inner.Name()),
		AttrModelMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.PromptTokens),
		AttrTokensOutput.Int(usage.CompletionTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.PromptTokens), metric.WithAttributes(
		AttrModelName.String(model),
		AttrModelClient.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.CompletionTokens), metric.WithAttributes(
		AttrModelName.String(model),
		AttrModelClient.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.ModelRequests.Add(ctx, 1, metric.WithAttributes(
		AttrModelName.String(model),
		AttrModelClient.String(o.inner.Name()),
		AttrModelMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.ModelDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("model call completed"))
	rec.AddAttributes(
		otellog.String("model.name", model),
		otellog.String("model.client", o.inner.Name()),
		otellog.String("model.method", method),
		otellog.Int("model.tokens.input", usage.PromptTokens),
		otellog.Int("model.tokens.output", usage.CompletionTokens),
		otellog.Float64("model.cost_usd", cost),
		otellog.Float64("model.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}
