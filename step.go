package driftkit

import (
	"context"
	"time"
)

// StepInput is what a step executor receives: the run identity plus either
// the trigger data, the previous step's output, or the instantiated user
// input for steps that require it.
type StepInput struct {
	RunID      string
	WorkflowID string
	ChatID     string
	// Data is the typed input: trigger record, previous output, or the
	// record instantiated from resume properties.
	Data any
	// Values is the raw property bag the input was built from, when any.
	Values map[string]string
	// CustomData is the run's free-form scratch space, shared across steps.
	CustomData map[string]string
}

// StepFunc executes one workflow step and reports what happens next through
// a StepOutcome.
type StepFunc func(ctx context.Context, in StepInput) StepOutcome

// outcomeKind discriminates the StepOutcome variant.
type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeBranch
	outcomeSuspend
	outcomeAsync
	outcomeComplete
	outcomeFail
)

// StepOutcome is the tagged result variant a step returns. Construct it with
// Continue, Branch, Suspend, Async, Complete, or Fail; the zero value is not
// valid.
type StepOutcome struct {
	kind       outcomeKind
	data       any
	nextStepID string
	messageID  string
	nextSchema *SchemaRef
	taskName   string
	taskArgs   any
	percent    int
	err        error
}

// Continue advances to the first declared next step, recording data as this
// step's output.
func Continue(data any) StepOutcome {
	return StepOutcome{kind: outcomeContinue, data: data}
}

// Branch advances to the named next step, which must be one of this step's
// declared next steps.
func Branch(nextStepID string, data any) StepOutcome {
	return StepOutcome{kind: outcomeBranch, nextStepID: nextStepID, data: data}
}

// Suspend pauses the run until a resume arrives for messageID. nextSchema
// describes the input the resume must carry.
func Suspend(messageID string, nextSchema SchemaRef) StepOutcome {
	return StepOutcome{kind: outcomeSuspend, messageID: messageID, nextSchema: &nextSchema}
}

// Async pauses the run while the named background task executes; its output
// becomes this step's output. percent is surfaced to the caller as progress.
func Async(taskName string, args any, percent int) StepOutcome {
	return StepOutcome{kind: outcomeAsync, taskName: taskName, taskArgs: args, percent: percent}
}

// Complete finishes the run with result as the final output.
func Complete(result any) StepOutcome {
	return StepOutcome{kind: outcomeComplete, data: result}
}

// Fail terminates the run with err. Wrap err in an *Error to control the
// reported kind.
func Fail(err error) StepOutcome {
	return StepOutcome{kind: outcomeFail, err: err}
}

// Err returns the failure carried by a Fail outcome.
func (o StepOutcome) Err() error { return o.err }

// Data returns the output payload carried by the outcome.
func (o StepOutcome) Data() any { return o.data }

// --- Step definition ---

// OnLimit selects what happens when a step's invocation limit is exceeded.
type OnLimit string

const (
	// LimitStop completes the run with the last recorded output.
	LimitStop OnLimit = "STOP"
	// LimitLoopReset resets the count to 1 and keeps going.
	LimitLoopReset OnLimit = "LOOP-RESET"
	// LimitFail fails the run with KindInvocationLimit.
	LimitFail OnLimit = "FAIL"
)

// RetryPolicy controls re-execution of a failed step. Delays grow as
// delay * multiplier^(attempt-1), capped at MaxDelay.
type RetryPolicy struct {
	Delay       time.Duration
	MaxAttempts int
	Multiplier  float64
	MaxDelay    time.Duration
}

// DelayFor returns the backoff before the given attempt (1-based).
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	d := float64(p.Delay)
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	limit := p.MaxDelay
	if limit <= 0 {
		limit = 5 * time.Minute
	}
	if d > float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// StepDefinition is one node of a workflow graph.
type StepDefinition struct {
	ID                string
	Action            StepFunc
	UserInputRequired bool
	InputSchema       string
	OutputSchema      string
	AsyncExecution    bool
	Retry             *RetryPolicy
	InvocationsLimit  int
	OnInvocationLimit OnLimit
	Next              []string
	TrueStep          string
	FalseStep         string
	Initial           bool
	Terminal          bool
	Timeout           time.Duration
}

// edges returns all outgoing edges, including conditional branches.
func (s *StepDefinition) edges() []string {
	out := append([]string(nil), s.Next...)
	if s.TrueStep != "" {
		out = append(out, s.TrueStep)
	}
	if s.FalseStep != "" {
		out = append(out, s.FalseStep)
	}
	return out
}

// allowsNext reports whether id is a declared next step.
func (s *StepDefinition) allowsNext(id string) bool {
	for _, n := range s.edges() {
		if n == id {
			return true
		}
	}
	return false
}
