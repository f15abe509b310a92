package driftkit

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Runner is the minimal contract agent compositions build on. *Agent,
// *SequentialAgent, and *LoopAgent all satisfy it.
type Runner interface {
	Name() string
	Run(ctx context.Context, input string) (string, error)
}

// --- Sequential composition ---

// SequentialAgent pipes each runner's output into the next one's input.
type SequentialAgent struct {
	name    string
	runners []Runner
	logger  *slog.Logger
}

var _ Runner = (*SequentialAgent)(nil)

// NewSequentialAgent composes runners into a pipeline.
func NewSequentialAgent(name string, runners ...Runner) *SequentialAgent {
	return &SequentialAgent{name: name, runners: runners, logger: nopLogger}
}

// Name returns the composition's name.
func (s *SequentialAgent) Name() string { return s.name }

// Run executes the pipeline. The first error aborts the chain.
func (s *SequentialAgent) Run(ctx context.Context, input string) (string, error) {
	out := input
	for _, r := range s.runners {
		var err error
		out, err = r.Run(ctx, out)
		if err != nil {
			return "", WrapError(KindOf(err), err, "stage %q failed", r.Name())
		}
	}
	return out, nil
}

// --- Loop composition ---

// LoopCondition inspects one iteration's output and reports whether the loop
// should continue. The context is the loop's own, so a condition can call out
// (another agent, a store) to decide.
type LoopCondition func(ctx context.Context, iteration int, output string) bool

// LoopAgent repeats an inner runner, feeding each output back as the next
// input, until the condition says stop or maxIterations is reached.
type LoopAgent struct {
	name          string
	inner         Runner
	condition     LoopCondition
	maxIterations int
}

var _ Runner = (*LoopAgent)(nil)

// NewLoopAgent composes a bounded loop around inner. A nil condition loops
// until maxIterations.
func NewLoopAgent(name string, inner Runner, condition LoopCondition, maxIterations int) *LoopAgent {
	if maxIterations <= 0 {
		maxIterations = 1
	}
	return &LoopAgent{name: name, inner: inner, condition: condition, maxIterations: maxIterations}
}

// Name returns the composition's name.
func (l *LoopAgent) Name() string { return l.name }

// Run executes the loop and returns the last iteration's output.
func (l *LoopAgent) Run(ctx context.Context, input string) (string, error) {
	out := input
	for i := 0; i < l.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return "", WrapError(KindCancelled, err, "loop %q cancelled", l.name)
		}
		var err error
		out, err = l.inner.Run(ctx, out)
		if err != nil {
			return "", err
		}
		if l.condition != nil && !l.condition(ctx, i, out) {
			break
		}
	}
	return out, nil
}

// --- Agent as tool ---

// AgentTool exposes a runner as a Tool so a coordinating agent can delegate
// subtasks to it during a tool loop.
type AgentTool struct {
	runner      Runner
	description string
}

var _ Tool = (*AgentTool)(nil)

// NewAgentTool wraps runner as a tool named after it.
func NewAgentTool(runner Runner, description string) *AgentTool {
	return &AgentTool{runner: runner, description: description}
}

// Definition implements Tool. The single "input" parameter is the delegated
// task text.
func (t *AgentTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.runner.Name(),
		Description: t.description,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"input": {"type": "string", "description": "Task for the delegate agent"}
			},
			"required": ["input"],
			"additionalProperties": false
		}`),
	}
}

// Execute implements Tool.
func (t *AgentTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Input string `json:"input"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", NewError(KindValidation, "invalid arguments for agent tool %q: %v", t.runner.Name(), err)
	}
	return t.runner.Run(ctx, params.Input)
}
