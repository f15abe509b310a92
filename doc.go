// Package driftkit is a server-side toolkit for building AI-assistant
// backends around a durable, resumable workflow engine.
//
// It provides modular, interface-driven building blocks: a reflective schema
// registry, a versioned prompt registry, a model client abstraction, a typed
// agent layer with tool calling and tracing, a retrieval pipeline, and the
// workflow execution core that drives multi-step LLM-backed conversations
// with suspend/resume, retry, and circuit breaking.
//
// # Quick Start
//
// Declare a workflow and drive it through a chat session:
//
//	app := driftkit.NewApp()
//	defer app.Shutdown(context.Background())
//
//	err := app.RegisterWorkflow(driftkit.NewWorkflow("echo",
//		driftkit.Step("echo", echoStep, driftkit.Initial()),
//	))
//
//	resp, err := app.Chats().ExecuteChat(ctx, driftkit.ChatRequest{
//		ChatID:     "c1",
//		WorkflowID: "echo",
//		Properties: []driftkit.Property{{Name: "q", Value: "hi"}},
//	})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [ModelClient] — LLM backend (text, image, streaming, tool calling)
//   - [Embedder] — text-to-vector embedding
//   - [VectorStore] — vector persistence with similarity search
//   - [Tool] — named, typed capability an agent can expose to the model
//   - [ContextRepository] — durable workflow run state
//   - [RetryStateStore] — retry context and circuit-breaker snapshots
//   - [TraceSink] — durable record of every model round-trip
//
// # Included Implementations
//
// Storage: store/sqlite (local, pure Go), store/postgres (pgx).
// Ingestion: ingest (loaders, extractors, splitters, pipeline).
// Observability: observer (OpenTelemetry traces, metrics, logs).
// Transport: api (HTTP surface over chi).
//
// See the cmd/driftkit directory for a complete server binary.
package driftkit
