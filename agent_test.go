package driftkit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

// scriptedClient returns canned responses in order and records requests.
type scriptedClient struct {
	mu        sync.Mutex
	responses []ModelResponse
	errs      []error
	requests  []ModelRequest
	calls     int
}

func (c *scriptedClient) Execute(_ context.Context, req ModelRequest) (ModelResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return ModelResponse{}, c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return ModelResponse{Content: "done"}, nil
}

func (c *scriptedClient) ExecuteStream(ctx context.Context, req ModelRequest) *Stream {
	return NewStream(ctx, func(ctx context.Context, emit func(StreamEvent)) {
		resp, err := c.Execute(ctx, req)
		if err != nil {
			emit(StreamEvent{Done: true, Err: err})
			return
		}
		emit(StreamEvent{Delta: resp.Content})
		emit(StreamEvent{Done: true, Response: &resp})
	})
}

func (c *scriptedClient) Name() string { return "scripted" }

func TestExecuteTextUsesSystemPrompt(t *testing.T) {
	client := &scriptedClient{responses: []ModelResponse{{Content: "pong"}}}
	agent := NewAgent("echo", client, WithSystemPrompt("You echo."))

	out, err := agent.ExecuteText(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("ExecuteText: %v", err)
	}
	if out != "pong" {
		t.Errorf("output = %q, want pong", out)
	}
	req := client.requests[0]
	if len(req.Messages) != 2 || req.Messages[0].Role != RoleSystem || req.Messages[0].Content != "You echo." {
		t.Errorf("messages = %+v, want system prompt first", req.Messages)
	}
}

func TestExecuteTextRendersRegistryPrompt(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryPromptStore()
	if _, err := store.Save(ctx, Prompt{Method: "greet", Language: "en", Message: "Greet {{name}} warmly."}); err != nil {
		t.Fatal(err)
	}
	client := &scriptedClient{}
	agent := NewAgent("greeter", client,
		WithPromptMethod(NewPromptRegistry(store), "greet", "en"))

	if _, err := agent.ExecuteText(ctx, "hello", map[string]string{"name": "Ada"}); err != nil {
		t.Fatalf("ExecuteText: %v", err)
	}
	if got := client.requests[0].Messages[0].Content; got != "Greet Ada warmly." {
		t.Errorf("system prompt = %q, want rendered template", got)
	}
}

func TestExecuteTextEmitsTrace(t *testing.T) {
	sink := &captureSink{}
	client := &scriptedClient{responses: []ModelResponse{{Content: "ok", Usage: Usage{PromptTokens: 5, CompletionTokens: 7}}}}
	agent := NewAgent("traced", client, WithSink(sink))

	ctx := WithRequestContext(context.Background(), RequestContext{ChatID: "c1", StepID: "s1"})
	if _, err := agent.ExecuteText(ctx, "x", nil); err != nil {
		t.Fatalf("ExecuteText: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("got %d trace records, want 1", sink.count())
	}
	rec := sink.recs[0]
	if rec.Context.ChatID != "c1" || rec.Context.StepID != "s1" {
		t.Errorf("trace context = %+v", rec.Context)
	}
	if rec.Response.Usage.Total() != 12 {
		t.Errorf("trace usage = %+v, want 12 total", rec.Response.Usage)
	}
}

func TestSinkFailureDoesNotFailCall(t *testing.T) {
	sink := &captureSink{err: errors.New("sink down")}
	client := &scriptedClient{responses: []ModelResponse{{Content: "fine"}}}
	agent := NewAgent("a", client, WithSink(sink))

	out, err := agent.ExecuteText(context.Background(), "x", nil)
	if err != nil || out != "fine" {
		t.Fatalf("call failed because of sink: out=%q err=%v", out, err)
	}
}

type weatherOut struct {
	City    string `json:"city" schema:"required"`
	TempC   int    `json:"tempC" schema:"required"`
	Outlook string `json:"outlook" enum:"sunny,cloudy,rain"`
}

func TestExecuteStructured(t *testing.T) {
	client := &scriptedClient{responses: []ModelResponse{
		{Content: "```json\n{\"city\":\"Oslo\",\"tempC\":4,\"outlook\":\"cloudy\"}\n```"},
	}}
	agent := NewAgent("forecaster", client, WithSchemas(NewSchemaRegistry()))

	got, err := ExecuteStructured[weatherOut](context.Background(), agent, "weather in Oslo", nil)
	if err != nil {
		t.Fatalf("ExecuteStructured: %v", err)
	}
	if got.City != "Oslo" || got.TempC != 4 || got.Outlook != "cloudy" {
		t.Errorf("result = %+v", got)
	}
	if f := client.requests[0].Format; f == nil || f.Type != FormatJSONSchema {
		t.Errorf("request format = %+v, want json_schema", f)
	}
}

func TestExecuteStructuredRejectsInvalid(t *testing.T) {
	client := &scriptedClient{responses: []ModelResponse{
		{Content: `{"tempC":"warm"}`},
	}}
	agent := NewAgent("forecaster", client, WithSchemas(NewSchemaRegistry()))

	_, err := ExecuteStructured[weatherOut](context.Background(), agent, "weather", nil)
	if KindOf(err) != KindStructuredParse {
		t.Fatalf("error kind = %v, want %v (err=%v)", KindOf(err), KindStructuredParse, err)
	}
}

func TestExecuteWithToolsLoop(t *testing.T) {
	lookupArgs := json.RawMessage(`{"city":"Oslo"}`)
	client := &scriptedClient{responses: []ModelResponse{
		{ToolCalls: []ModelToolCall{{ID: "t1", Name: "lookup", Args: lookupArgs}}},
		{Content: "It is 4C in Oslo."},
	}}
	var gotArgs string
	tool := NewTool("lookup", "city weather", json.RawMessage(`{"type":"object"}`),
		func(_ context.Context, args json.RawMessage) (string, error) {
			gotArgs = string(args)
			return "4C", nil
		})
	agent := NewAgent("w", client, WithTools(tool))

	out, err := agent.ExecuteWithTools(context.Background(), "weather in Oslo", nil)
	if err != nil {
		t.Fatalf("ExecuteWithTools: %v", err)
	}
	if out != "It is 4C in Oslo." {
		t.Errorf("output = %q", out)
	}
	if gotArgs != string(lookupArgs) {
		t.Errorf("tool args = %q, want %q", gotArgs, lookupArgs)
	}
	// Second request must carry the assistant tool call and the tool result.
	second := client.requests[1].Messages
	if len(second) != 3 || second[2].Role != RoleTool || second[2].Content != "4C" {
		t.Errorf("second request messages = %+v", second)
	}
}

func TestExecuteWithToolsDepthCap(t *testing.T) {
	// The model keeps asking for tools forever.
	var endless []ModelResponse
	for i := 0; i < 20; i++ {
		endless = append(endless, ModelResponse{ToolCalls: []ModelToolCall{{ID: "t", Name: "noop", Args: json.RawMessage(`{}`)}}})
	}
	client := &scriptedClient{responses: endless}
	tool := NewTool("noop", "", json.RawMessage(`{"type":"object"}`),
		func(context.Context, json.RawMessage) (string, error) { return "ok", nil })
	agent := NewAgent("looper", client, WithTools(tool), WithMaxToolDepth(3))

	_, err := agent.ExecuteWithTools(context.Background(), "go", nil)
	if KindOf(err) != KindToolDepth {
		t.Fatalf("error kind = %v, want %v", KindOf(err), KindToolDepth)
	}
	if client.calls != 3 {
		t.Errorf("model called %d times, want 3", client.calls)
	}
}

func TestToolErrorFedBackToModel(t *testing.T) {
	client := &scriptedClient{responses: []ModelResponse{
		{ToolCalls: []ModelToolCall{{ID: "t1", Name: "flaky", Args: json.RawMessage(`{}`)}}},
		{Content: "recovered"},
	}}
	tool := NewTool("flaky", "", json.RawMessage(`{"type":"object"}`),
		func(context.Context, json.RawMessage) (string, error) {
			return "", errors.New("boom")
		})
	agent := NewAgent("a", client, WithTools(tool))

	out, err := agent.ExecuteWithTools(context.Background(), "x", nil)
	if err != nil {
		t.Fatalf("tool error aborted the loop: %v", err)
	}
	if out != "recovered" {
		t.Errorf("output = %q", out)
	}
	result := client.requests[1].Messages[2].Content
	if !strings.Contains(result, "boom") {
		t.Errorf("tool result = %q, want error text fed back", result)
	}
}

func TestSequentialAgentPipes(t *testing.T) {
	upper := runnerFunc{"upper", func(_ context.Context, in string) (string, error) {
		return strings.ToUpper(in), nil
	}}
	exclaim := runnerFunc{"exclaim", func(_ context.Context, in string) (string, error) {
		return in + "!", nil
	}}
	seq := NewSequentialAgent("pipeline", upper, exclaim)

	out, err := seq.Run(context.Background(), "hey")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "HEY!" {
		t.Errorf("output = %q, want HEY!", out)
	}
}

func TestLoopAgentStopsOnCondition(t *testing.T) {
	count := 0
	doubler := runnerFunc{"doubler", func(_ context.Context, in string) (string, error) {
		count++
		return in + in, nil
	}}
	loop := NewLoopAgent("grow", doubler, func(_ context.Context, _ int, out string) bool {
		return len(out) < 8
	}, 100)

	out, err := loop.Run(context.Background(), "a")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "aaaaaaaa" || count != 3 {
		t.Errorf("out=%q iterations=%d, want aaaaaaaa after 3", out, count)
	}
}

func TestLoopAgentConditionDelegates(t *testing.T) {
	echo := runnerFunc{"echo", func(_ context.Context, in string) (string, error) {
		return in + ".", nil
	}}
	judge := runnerFunc{"judge", func(_ context.Context, in string) (string, error) {
		if strings.Count(in, ".") >= 2 {
			return "done", nil
		}
		return "continue", nil
	}}
	loop := NewLoopAgent("refine", echo, func(ctx context.Context, _ int, out string) bool {
		verdict, err := judge.Run(ctx, out)
		return err == nil && verdict != "done"
	}, 10)

	out, err := loop.Run(context.Background(), "draft")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "draft.." {
		t.Errorf("output = %q, want draft..", out)
	}
}

func TestAgentToolDelegates(t *testing.T) {
	inner := runnerFunc{"translator", func(_ context.Context, in string) (string, error) {
		return "hola " + in, nil
	}}
	tool := NewAgentTool(inner, "translates to Spanish")

	if tool.Definition().Name != "translator" {
		t.Errorf("tool name = %q", tool.Definition().Name)
	}
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"input":"friend"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hola friend" {
		t.Errorf("output = %q", out)
	}
}

type runnerFunc struct {
	name string
	fn   func(ctx context.Context, input string) (string, error)
}

func (r runnerFunc) Name() string { return r.name }
func (r runnerFunc) Run(ctx context.Context, input string) (string, error) {
	return r.fn(ctx, input)
}
