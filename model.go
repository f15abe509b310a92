package driftkit

import (
	"context"
	"encoding/json"
)

// --- Model protocol types ---

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ModelMessage is one turn of a model conversation.
type ModelMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Images     []ImageData     `json:"images,omitempty"`
	ToolCalls  []ModelToolCall `json:"toolCalls,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
}

// ImageData is inline image content attached to a message.
type ImageData struct {
	MimeType string `json:"mimeType"`
	Base64   string `json:"base64"`
}

// ModelToolCall is a tool invocation requested by the model.
type ModelToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// Response format types.
const (
	FormatText       = "text"
	FormatJSONObject = "json_object"
	FormatJSONSchema = "json_schema"
)

// ResponseFormat constrains the shape of the model's reply.
type ResponseFormat struct {
	Type string `json:"type"`
	// SchemaName identifies the schema when Type is FormatJSONSchema.
	SchemaName string `json:"schemaName,omitempty"`
	// Schema is the JSON Schema document the reply must satisfy.
	Schema json.RawMessage `json:"schema,omitempty"`
}

// TextFormat returns a plain-text response format.
func TextFormat() *ResponseFormat { return &ResponseFormat{Type: FormatText} }

// JSONObjectFormat returns a free-form JSON response format.
func JSONObjectFormat() *ResponseFormat { return &ResponseFormat{Type: FormatJSONObject} }

// SchemaFormat returns a response format constrained by a registered schema.
func SchemaFormat(s Schema) *ResponseFormat {
	return &ResponseFormat{Type: FormatJSONSchema, SchemaName: s.ID, Schema: JSONSchema(s)}
}

// ModelRequest is a provider-independent completion request.
type ModelRequest struct {
	Model       string            `json:"model,omitempty"`
	Messages    []ModelMessage    `json:"messages"`
	Tools       []ToolDefinition  `json:"tools,omitempty"`
	Format      *ResponseFormat   `json:"format,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"maxTokens,omitempty"`
	// Variables carries the rendered prompt variables for tracing.
	Variables map[string]string `json:"variables,omitempty"`
}

// SystemMessage prepends convenience.
func SystemMessage(text string) ModelMessage { return ModelMessage{Role: RoleSystem, Content: text} }

// UserMessage builds a user turn.
func UserMessage(text string) ModelMessage { return ModelMessage{Role: RoleUser, Content: text} }

// AssistantMessage builds an assistant turn.
func AssistantMessage(text string) ModelMessage {
	return ModelMessage{Role: RoleAssistant, Content: text}
}

// ToolResultMessage builds a tool-result turn for a prior tool call.
func ToolResultMessage(callID, content string) ModelMessage {
	return ModelMessage{Role: RoleTool, ToolCallID: callID, Content: content}
}

// Usage reports token accounting for one model round trip.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// ModelResponse is a provider-independent completion result.
type ModelResponse struct {
	ID           string          `json:"id"`
	Model        string          `json:"model,omitempty"`
	Content      string          `json:"content"`
	ToolCalls    []ModelToolCall `json:"toolCalls,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Usage        Usage           `json:"usage"`
	CreatedAt    int64           `json:"createdTime"`
}

// --- Client contract ---

// ModelClient abstracts the LLM backend. Implementations translate the
// provider-independent request into their wire protocol and classify provider
// failures as *ModelError values so the engine can route retries.
type ModelClient interface {
	// Execute sends a request and returns the complete response.
	Execute(ctx context.Context, req ModelRequest) (ModelResponse, error)
	// ExecuteStream returns a cold stream for the request. No provider work
	// happens until the first Subscribe call.
	ExecuteStream(ctx context.Context, req ModelRequest) *Stream
	// Name returns the backend name, e.g. "openai" or "anthropic".
	Name() string
}

// ImageRequest asks for image generation from a text prompt.
type ImageRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	// Size is provider-specific, e.g. "1024x1024". Empty means the
	// provider default.
	Size string `json:"size,omitempty"`
	N    int    `json:"n,omitempty"`
}

// ImageResponse carries generated images, inline or by URL.
type ImageResponse struct {
	Images []ImageData `json:"images,omitempty"`
	URLs   []string    `json:"urls,omitempty"`
	Usage  Usage       `json:"usage"`
}

// ImageGenerator is implemented by model clients that support text-to-image.
// Callers type-assert from ModelClient and fall back when the assertion fails.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (ImageResponse, error)
}

// TranscribeRequest asks for speech-to-text over inline audio.
type TranscribeRequest struct {
	Model    string `json:"model,omitempty"`
	MimeType string `json:"mimeType"`
	Audio    []byte `json:"audio"`
	Language string `json:"language,omitempty"`
}

// Transcriber is implemented by model clients that support transcription.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (string, error)
}

// RequestTypeOf classifies a completion request for tracing: requests whose
// messages carry image content are image-to-text, the rest text-to-text.
func RequestTypeOf(req ModelRequest) RequestType {
	for _, m := range req.Messages {
		if len(m.Images) > 0 {
			return RequestImageToText
		}
	}
	return RequestTextToText
}

// Embedder abstracts text embedding.
type Embedder interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
}
