package observer

import (
	"context"
	"fmt"

	driftkit "github.com/driftkit-ai/driftkit"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NewTracer returns a driftkit.Tracer backed by the global OTEL
// TracerProvider. Call Init first; without it spans go to a no-op backend.
func NewTracer() driftkit.Tracer {
	return tracerAdapter{tr: otel.Tracer(scopeName)}
}

type tracerAdapter struct {
	tr trace.Tracer
}

var _ driftkit.Tracer = tracerAdapter{}

func (t tracerAdapter) Start(ctx context.Context, name string, attrs ...driftkit.SpanAttr) (context.Context, driftkit.Span) {
	ctx, sp := t.tr.Start(ctx, name, trace.WithAttributes(keyValues(attrs)...))
	return ctx, spanAdapter{sp: sp}
}

type spanAdapter struct {
	sp trace.Span
}

var _ driftkit.Span = spanAdapter{}

func (s spanAdapter) SetAttr(attrs ...driftkit.SpanAttr) {
	s.sp.SetAttributes(keyValues(attrs)...)
}

func (s spanAdapter) Event(name string, attrs ...driftkit.SpanAttr) {
	s.sp.AddEvent(name, trace.WithAttributes(keyValues(attrs)...))
}

func (s spanAdapter) Error(err error) {
	s.sp.RecordError(err)
	s.sp.SetStatus(codes.Error, err.Error())
}

func (s spanAdapter) End() { s.sp.End() }

// keyValues converts span attributes to their OTEL form. Unsupported value
// types are stringified rather than dropped.
func keyValues(attrs []driftkit.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out = append(out, attribute.String(a.Key, v))
		case int:
			out = append(out, attribute.Int(a.Key, v))
		case int64:
			out = append(out, attribute.Int64(a.Key, v))
		case float64:
			out = append(out, attribute.Float64(a.Key, v))
		case bool:
			out = append(out, attribute.Bool(a.Key, v))
		default:
			out = append(out, attribute.String(a.Key, fmt.Sprint(v)))
		}
	}
	return out
}
