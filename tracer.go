package driftkit

import "context"

// Tracer creates spans around engine, agent, retrieval, and ingestion
// operations. The observer package provides an OpenTelemetry-backed
// implementation; components skip span creation when no Tracer is set.
type Tracer interface {
	// Start opens a span and returns the child context carrying it.
	// The returned Span must be ended exactly once.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced operation.
type Span interface {
	// SetAttr adds attributes after the span was started.
	SetAttr(attrs ...SpanAttr)
	// Event records a point-in-time annotation on the span.
	Event(name string, attrs ...SpanAttr)
	// Error marks the span failed and records err.
	Error(err error)
	// End completes the span.
	End()
}

// AttrValue enumerates the value types a span attribute can carry.
type AttrValue interface {
	string | int | int64 | float64 | bool
}

// SpanAttr is a key-value pair attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

// Attr builds a span attribute from any supported value type.
func Attr[V AttrValue](key string, value V) SpanAttr {
	return SpanAttr{Key: key, Value: value}
}
