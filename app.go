package driftkit

import (
	"context"
	"errors"
	"log/slog"
)

// App owns the process lifecycle: the schema, prompt, and dictionary
// registries, the workflow engine, the chat service, and the trace sinks.
// There are no package-level singletons; everything the engine and agents
// need is constructed here and released by Shutdown.
type App struct {
	schemas *SchemaRegistry
	prompts *PromptRegistry
	dict    *Dictionary
	engine  *Engine
	chats   *ChatService
	sinks   *SinkRegistry
	async   *AsyncSink

	logger *slog.Logger
	tracer Tracer

	runs        ContextRepository
	chatStore   ChatStore
	promptStore PromptStore
	retryStore  RetryStateStore

	engineOpts []EngineOption
	promptOpts []PromptOption
	shutdowns  []func(context.Context) error
}

// AppOption configures an App.
type AppOption func(*App)

// WithAppLogger sets the structured logger shared by all owned components.
func WithAppLogger(l *slog.Logger) AppOption {
	return func(a *App) { a.logger = l }
}

// WithAppTracer sets the span tracer injected into the engine and chat
// service.
func WithAppTracer(t Tracer) AppOption {
	return func(a *App) { a.tracer = t }
}

// WithRunRepository sets the workflow run store (default in-memory).
func WithRunRepository(r ContextRepository) AppOption {
	return func(a *App) { a.runs = r }
}

// WithChatStore sets the session and message store (default in-memory).
func WithChatStore(s ChatStore) AppOption {
	return func(a *App) { a.chatStore = s }
}

// WithPromptStore sets the prompt version store (default in-memory).
func WithPromptStore(s PromptStore) AppOption {
	return func(a *App) { a.promptStore = s }
}

// WithAppRetryStore sets the retry and breaker state store (default
// in-memory).
func WithAppRetryStore(s RetryStateStore) AppOption {
	return func(a *App) { a.retryStore = s }
}

// WithTraceSinks registers durable trace sinks. Delivery is decoupled from
// the model call path through an owned AsyncSink.
func WithTraceSinks(sinks ...TraceSink) AppOption {
	return func(a *App) {
		for _, s := range sinks {
			a.sinks.Add(s)
		}
	}
}

// WithAppDictionary sets the dictionary backing @{groupId} prompt expansion.
func WithAppDictionary(d *Dictionary) AppOption {
	return func(a *App) { a.dict = d }
}

// WithAppEngineOptions appends raw engine options (pool, clock, breaker,
// listeners, default retry).
func WithAppEngineOptions(opts ...EngineOption) AppOption {
	return func(a *App) { a.engineOpts = append(a.engineOpts, opts...) }
}

// WithAppPromptOptions appends raw prompt registry options (fallback fs).
func WithAppPromptOptions(opts ...PromptOption) AppOption {
	return func(a *App) { a.promptOpts = append(a.promptOpts, opts...) }
}

// OnShutdown registers a hook run during Shutdown, after the engine pool and
// sinks have drained. Hooks run in registration order.
func OnShutdown(fn func(context.Context) error) AppOption {
	return func(a *App) { a.shutdowns = append(a.shutdowns, fn) }
}

// NewApp wires the registries, engine, and chat service together.
func NewApp(opts ...AppOption) *App {
	a := &App{
		schemas: NewSchemaRegistry(),
		dict:    NewDictionary(),
		sinks:   NewSinkRegistry(),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.runs == nil {
		a.runs = NewInMemoryContextRepository()
	}
	if a.chatStore == nil {
		a.chatStore = NewInMemoryChatStore()
	}
	if a.promptStore == nil {
		a.promptStore = NewInMemoryPromptStore()
	}

	promptOpts := append([]PromptOption{
		WithPromptDictionary(a.dict),
		WithPromptLogger(a.logger),
	}, a.promptOpts...)
	a.prompts = NewPromptRegistry(a.promptStore, promptOpts...)

	a.async = NewAsyncSink(a.sinks, WithSinkLogger(a.logger))

	engineOpts := append([]EngineOption{
		WithEngineLogger(a.logger),
	}, a.engineOpts...)
	if a.tracer != nil {
		engineOpts = append(engineOpts, WithEngineTracer(a.tracer))
	}
	if a.retryStore != nil {
		engineOpts = append(engineOpts, WithRetryStore(a.retryStore))
	}
	a.engine = NewEngine(a.schemas, a.runs, engineOpts...)

	chatOpts := []ChatServiceOption{WithChatLogger(a.logger)}
	if a.tracer != nil {
		chatOpts = append(chatOpts, WithChatTracer(a.tracer))
	}
	a.chats = NewChatService(a.engine, a.chatStore, chatOpts...)

	return a
}

// Schemas returns the schema registry.
func (a *App) Schemas() *SchemaRegistry { return a.schemas }

// Prompts returns the prompt registry.
func (a *App) Prompts() *PromptRegistry { return a.prompts }

// Dictionary returns the dictionary registry.
func (a *App) Dictionary() *Dictionary { return a.dict }

// Engine returns the workflow engine.
func (a *App) Engine() *Engine { return a.engine }

// Chats returns the chat session service.
func (a *App) Chats() *ChatService { return a.chats }

// Sink returns the app's trace sink. Agents constructed by the embedding
// application pass it via WithSink; delivery is asynchronous and never fails
// a model call.
func (a *App) Sink() TraceSink { return a.async }

// RegisterWorkflow validates and registers a workflow with the engine.
func (a *App) RegisterWorkflow(wf *Workflow) error { return a.engine.RegisterWorkflow(wf) }

// RegisterTask binds a background task name used by Async step outcomes.
func (a *App) RegisterTask(name string, fn AsyncTaskFunc) { a.engine.RegisterTask(name, fn) }

// Run blocks until ctx is cancelled, then shuts the app down. Serving
// transports (HTTP, gRPC) are layered on top by the caller; the app itself
// only owns in-process resources.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("app running", "workflows", len(a.engine.WorkflowIDs()))
	<-ctx.Done()
	return a.Shutdown(context.WithoutCancel(ctx))
}

// Shutdown stops the engine's worker pool, drains the trace sink queue, and
// runs the registered hooks. Safe to call once.
func (a *App) Shutdown(ctx context.Context) error {
	a.engine.Close()
	a.async.Close()

	var errs []error
	for _, fn := range a.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.logger.Info("app stopped")
	return nil
}
