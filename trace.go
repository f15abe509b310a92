package driftkit

import (
	"context"
	"log/slog"
	"sync"
)

// RequestContext identifies where in the system a model round trip happened.
// Zero fields are simply absent from the record.
type RequestContext struct {
	ChatID     string `json:"chatId,omitempty"`
	WorkflowID string `json:"workflowId,omitempty"`
	StepID     string `json:"stepId,omitempty"`
	RunID      string `json:"runId,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
}

// requestContextKey carries a RequestContext through a context.Context.
type requestContextKey struct{}

// WithRequestContext returns a child context carrying rc. The agent layer
// reads it back when building trace records.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom extracts the RequestContext from ctx, if present.
func RequestContextFrom(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}

// RequestType classifies a model round trip by modality.
type RequestType string

const (
	RequestTextToText  RequestType = "TEXT_TO_TEXT"
	RequestTextToImage RequestType = "TEXT_TO_IMAGE"
	RequestImageToText RequestType = "IMAGE_TO_TEXT"
	RequestTranscribe  RequestType = "TRANSCRIBE"
)

// TraceRecord captures one model round trip end to end.
type TraceRecord struct {
	ID          string            `json:"id"`
	Context     RequestContext    `json:"context"`
	RequestType RequestType       `json:"requestType,omitempty"`
	PromptID    string            `json:"promptId,omitempty"`
	Method      string            `json:"method,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Request     ModelRequest      `json:"request"`
	Response    ModelResponse     `json:"response"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   ErrorKind         `json:"errorKind,omitempty"`
	StartedAt   int64             `json:"startedTime"`
	EndedAt     int64             `json:"endedTime"`
}

// Latency returns the round-trip duration in milliseconds.
func (r TraceRecord) Latency() int64 { return r.EndedAt - r.StartedAt }

// TraceSink receives trace records. A failing or slow sink must never fail
// the model call it observes; callers wrap sinks with NewAsyncSink to enforce
// that.
type TraceSink interface {
	Record(ctx context.Context, rec TraceRecord) error
}

// TraceSinkFunc adapts a function to the TraceSink interface.
type TraceSinkFunc func(ctx context.Context, rec TraceRecord) error

// Record implements TraceSink.
func (f TraceSinkFunc) Record(ctx context.Context, rec TraceRecord) error { return f(ctx, rec) }

// NopSink discards all records.
type NopSink struct{}

// Record implements TraceSink.
func (NopSink) Record(context.Context, TraceRecord) error { return nil }

// --- Async delivery ---

// AsyncSink decouples trace delivery from the model call path. Records are
// queued and delivered by a small worker pool; when the queue is full the
// record is dropped and logged rather than blocking the caller.
type AsyncSink struct {
	delegate TraceSink
	queue    chan TraceRecord
	logger   *slog.Logger
	wg       sync.WaitGroup
	once     sync.Once
}

// AsyncSinkOption configures an AsyncSink.
type AsyncSinkOption func(*asyncSinkConfig)

type asyncSinkConfig struct {
	workers   int
	queueSize int
	logger    *slog.Logger
}

// WithSinkWorkers sets the delivery worker count (default 2).
func WithSinkWorkers(n int) AsyncSinkOption {
	return func(c *asyncSinkConfig) { c.workers = n }
}

// WithSinkQueueSize sets the pending-record capacity (default 256).
func WithSinkQueueSize(n int) AsyncSinkOption {
	return func(c *asyncSinkConfig) { c.queueSize = n }
}

// WithSinkLogger sets the logger for dropped records and delivery failures.
func WithSinkLogger(l *slog.Logger) AsyncSinkOption {
	return func(c *asyncSinkConfig) { c.logger = l }
}

// NewAsyncSink wraps delegate with asynchronous delivery.
func NewAsyncSink(delegate TraceSink, opts ...AsyncSinkOption) *AsyncSink {
	cfg := asyncSinkConfig{workers: 2, queueSize: 256, logger: nopLogger}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &AsyncSink{
		delegate: delegate,
		queue:    make(chan TraceRecord, cfg.queueSize),
		logger:   cfg.logger,
	}
	for i := 0; i < cfg.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Record implements TraceSink. Never blocks: full queue drops the record.
func (s *AsyncSink) Record(_ context.Context, rec TraceRecord) error {
	select {
	case s.queue <- rec:
	default:
		s.logger.Warn("trace record dropped, sink queue full", "traceId", rec.ID)
	}
	return nil
}

// Close stops accepting records and waits for queued ones to be delivered.
func (s *AsyncSink) Close() {
	s.once.Do(func() { close(s.queue) })
	s.wg.Wait()
}

func (s *AsyncSink) worker() {
	defer s.wg.Done()
	for rec := range s.queue {
		if err := s.delegate.Record(context.Background(), rec); err != nil {
			s.logger.Warn("trace delivery failed", "traceId", rec.ID, "error", err)
		}
	}
}

// --- Fan-out ---

// SinkRegistry fans records out to every registered sink. Registration order
// is delivery order; one sink's failure does not stop the others.
type SinkRegistry struct {
	mu    sync.RWMutex
	sinks []TraceSink
}

var _ TraceSink = (*SinkRegistry)(nil)

// NewSinkRegistry creates an empty registry.
func NewSinkRegistry(sinks ...TraceSink) *SinkRegistry {
	return &SinkRegistry{sinks: sinks}
}

// Add registers a sink.
func (r *SinkRegistry) Add(s TraceSink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Record implements TraceSink. Returns the first delivery error after all
// sinks have been offered the record.
func (r *SinkRegistry) Record(ctx context.Context, rec TraceRecord) error {
	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()

	var first error
	for _, s := range sinks {
		if err := s.Record(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
