package driftkit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const defaultMaxToolDepth = 10

// Agent wraps a ModelClient with prompt resolution, optional tools, and
// tracing. Every model round trip emits one TraceRecord to the configured
// sink; sink failures never fail the call.
type Agent struct {
	name         string
	client       ModelClient
	model        string
	systemPrompt string
	prompts      *PromptRegistry
	promptMethod string
	language     string
	schemas      *SchemaRegistry
	tools        *ToolRegistry
	maxToolDepth int
	temperature  *float64
	maxTokens    int
	sink         TraceSink
	tracer       Tracer
	logger       *slog.Logger
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithSystemPrompt sets a static system prompt. Ignored when a prompt
// registry method is configured.
func WithSystemPrompt(prompt string) AgentOption {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithPromptMethod resolves the system prompt from the registry at call time,
// so prompt edits take effect without a restart.
func WithPromptMethod(reg *PromptRegistry, method, language string) AgentOption {
	return func(a *Agent) {
		a.prompts = reg
		a.promptMethod = method
		a.language = language
	}
}

// WithSchemas sets the schema registry used for structured output.
func WithSchemas(reg *SchemaRegistry) AgentOption {
	return func(a *Agent) { a.schemas = reg }
}

// WithTools adds tools available during ExecuteWithTools.
func WithTools(tools ...Tool) AgentOption {
	return func(a *Agent) {
		for _, t := range tools {
			a.tools.Add(t)
		}
	}
}

// WithMaxToolDepth caps tool-loop iterations (default 10).
func WithMaxToolDepth(n int) AgentOption {
	return func(a *Agent) { a.maxToolDepth = n }
}

// WithModel selects the backend model name.
func WithModel(model string) AgentOption {
	return func(a *Agent) { a.model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) AgentOption {
	return func(a *Agent) { a.temperature = &t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) AgentOption {
	return func(a *Agent) { a.maxTokens = n }
}

// WithSink sets the trace sink for model round trips.
func WithSink(sink TraceSink) AgentOption {
	return func(a *Agent) { a.sink = sink }
}

// WithAgentTracer sets the span tracer.
func WithAgentTracer(tracer Tracer) AgentOption {
	return func(a *Agent) { a.tracer = tracer }
}

// WithAgentLogger sets the structured logger.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// NewAgent creates an Agent over the given client.
func NewAgent(name string, client ModelClient, opts ...AgentOption) *Agent {
	a := &Agent{
		name:         name,
		client:       client,
		tools:        NewToolRegistry(),
		maxToolDepth: defaultMaxToolDepth,
		sink:         NopSink{},
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the agent's name.
func (a *Agent) Name() string { return a.name }

// Run implements the Runner contract used by agent compositions.
func (a *Agent) Run(ctx context.Context, input string) (string, error) {
	return a.ExecuteText(ctx, input, nil)
}

// resolveSystemPrompt returns the effective system prompt and the prompt id
// for tracing. Registry-backed prompts are rendered with vars.
func (a *Agent) resolveSystemPrompt(ctx context.Context, vars map[string]string) (string, string, error) {
	if a.prompts == nil || a.promptMethod == "" {
		return a.systemPrompt, "", nil
	}
	rendered, p, err := a.prompts.RenderFor(ctx, a.promptMethod, a.language, vars)
	if err != nil {
		return "", "", err
	}
	return rendered, p.ID, nil
}

// call performs one traced model round trip.
func (a *Agent) call(ctx context.Context, req ModelRequest, promptID string) (ModelResponse, error) {
	if a.model != "" && req.Model == "" {
		req.Model = a.model
	}
	req.Temperature = a.temperature
	if a.maxTokens > 0 {
		req.MaxTokens = a.maxTokens
	}

	var span Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "agent.call",
			Attr("agent", a.name),
			Attr("messages", len(req.Messages)))
	}

	start := NowUnixMilli()
	resp, err := a.client.Execute(ctx, req)
	end := NowUnixMilli()

	rec := TraceRecord{
		ID:          NewID(),
		RequestType: RequestTypeOf(req),
		PromptID:    promptID,
		Method:      a.promptMethod,
		Variables:   req.Variables,
		Request:     req,
		Response:    resp,
		StartedAt:   start,
		EndedAt:     end,
	}
	if rc, ok := RequestContextFrom(ctx); ok {
		rec.Context = rc
	}
	if err != nil {
		rec.Error = err.Error()
		rec.ErrorKind = KindOf(err)
	}
	if sinkErr := a.sink.Record(ctx, rec); sinkErr != nil {
		a.logger.Warn("trace sink failed", "agent", a.name, "error", sinkErr)
	}

	if span != nil {
		span.SetAttr(Attr("tokens", resp.Usage.Total()))
		if err != nil {
			span.Error(err)
		}
		span.End()
	}
	return resp, err
}

// buildMessages assembles the conversation for one request.
func (a *Agent) buildMessages(system, input string) []ModelMessage {
	var msgs []ModelMessage
	if system != "" {
		msgs = append(msgs, SystemMessage(system))
	}
	msgs = append(msgs, UserMessage(input))
	return msgs
}

// ExecuteText sends input with the agent's system prompt and returns the
// response text.
func (a *Agent) ExecuteText(ctx context.Context, input string, vars map[string]string) (string, error) {
	system, promptID, err := a.resolveSystemPrompt(ctx, vars)
	if err != nil {
		return "", err
	}
	resp, err := a.call(ctx, ModelRequest{
		Messages:  a.buildMessages(system, input),
		Variables: vars,
	}, promptID)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// ExecuteStream sends input and returns a cold stream of response tokens.
func (a *Agent) ExecuteStream(ctx context.Context, input string, vars map[string]string) *Stream {
	system, _, err := a.resolveSystemPrompt(ctx, vars)
	if err != nil {
		return errorStream(err)
	}
	req := ModelRequest{
		Model:     a.model,
		Messages:  a.buildMessages(system, input),
		Variables: vars,
	}
	return a.client.ExecuteStream(ctx, req)
}

// ExecuteStructured sends input constrained to T's registered schema, then
// validates and decodes the reply. Validation or decode failures return a
// KindStructuredParse error; model transport failures keep their own kind.
func ExecuteStructured[T any](ctx context.Context, a *Agent, input string, vars map[string]string) (T, error) {
	var zero T
	if a.schemas == nil {
		return zero, NewError(KindValidation, "agent %q has no schema registry", a.name)
	}
	schema, err := a.schemas.Register(zero)
	if err != nil {
		return zero, err
	}

	system, promptID, err := a.resolveSystemPrompt(ctx, vars)
	if err != nil {
		return zero, err
	}
	resp, err := a.call(ctx, ModelRequest{
		Messages:  a.buildMessages(system, input),
		Format:    SchemaFormat(schema),
		Variables: vars,
	}, promptID)
	if err != nil {
		return zero, err
	}

	payload := extractJSON(resp.Content)
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(JSONSchema(schema)),
		gojsonschema.NewStringLoader(payload),
	)
	if err != nil {
		return zero, WrapError(KindStructuredParse, err, "response is not valid JSON")
	}
	if !result.Valid() {
		var issues []string
		for _, e := range result.Errors() {
			issues = append(issues, e.String())
		}
		return zero, NewError(KindStructuredParse, "response violates schema %s: %s",
			schema.ID, strings.Join(issues, "; "))
	}

	var out T
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return zero, WrapError(KindStructuredParse, err, "cannot decode response into %T", out)
	}
	return out, nil
}

// extractJSON strips markdown code fences models sometimes wrap around JSON.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// ExecuteWithTools runs the tool loop: the model may request tool calls, each
// result is fed back, until it answers with text or the depth cap is hit.
func (a *Agent) ExecuteWithTools(ctx context.Context, input string, vars map[string]string) (string, error) {
	system, promptID, err := a.resolveSystemPrompt(ctx, vars)
	if err != nil {
		return "", err
	}
	msgs := a.buildMessages(system, input)
	defs := a.tools.Definitions()

	for depth := 0; depth < a.maxToolDepth; depth++ {
		resp, err := a.call(ctx, ModelRequest{
			Messages:  msgs,
			Tools:     defs,
			Variables: vars,
		}, promptID)
		if err != nil {
			return "", err
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		msgs = append(msgs, ModelMessage{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			msgs = append(msgs, ToolResultMessage(call.ID, a.runTool(ctx, call)))
		}
	}
	return "", NewError(KindToolDepth, "agent %q exceeded %d tool iterations", a.name, a.maxToolDepth)
}

// runTool executes one tool call. Tool errors are returned to the model as
// result text so it can recover; only the loop's transport errors abort.
func (a *Agent) runTool(ctx context.Context, call ModelToolCall) string {
	tool, ok := a.tools.Get(call.Name)
	if !ok {
		a.logger.Warn("model requested unknown tool", "agent", a.name, "tool", call.Name)
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}
	out, err := tool.Execute(ctx, call.Args)
	if err != nil {
		a.logger.Warn("tool failed", "agent", a.name, "tool", call.Name, "error", err)
		return fmt.Sprintf("error: %v", err)
	}
	return out
}
