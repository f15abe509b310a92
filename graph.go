package driftkit

import "time"

// Workflow is a validated graph of step definitions.
type Workflow struct {
	ID          string
	Description string
	steps       map[string]*StepDefinition
	order       []string
	initialID   string
}

// WorkflowOption configures a workflow under construction.
type WorkflowOption func(*Workflow)

// StepOption configures one step definition.
type StepOption func(*StepDefinition)

// WithDescription sets the workflow's description.
func WithDescription(desc string) WorkflowOption {
	return func(w *Workflow) { w.Description = desc }
}

// Step declares a workflow step with its executor.
func Step(id string, action StepFunc, opts ...StepOption) WorkflowOption {
	return func(w *Workflow) {
		def := &StepDefinition{ID: id, Action: action, OnInvocationLimit: LimitFail}
		for _, opt := range opts {
			opt(def)
		}
		if _, dup := w.steps[id]; !dup {
			w.order = append(w.order, id)
		}
		w.steps[id] = def
	}
}

// Next declares the ordered next steps. Continue picks the first; Branch may
// pick any of them.
func Next(stepIDs ...string) StepOption {
	return func(d *StepDefinition) { d.Next = append(d.Next, stepIDs...) }
}

// TrueStep declares the branch taken on a boolean step's true outcome.
func TrueStep(id string) StepOption {
	return func(d *StepDefinition) { d.TrueStep = id }
}

// FalseStep declares the branch taken on a boolean step's false outcome.
func FalseStep(id string) StepOption {
	return func(d *StepDefinition) { d.FalseStep = id }
}

// UserInput marks the step as needing user-provided input conforming to the
// named schema. The engine instantiates the resume properties against it.
func UserInput(schemaID string) StepOption {
	return func(d *StepDefinition) {
		d.UserInputRequired = true
		d.InputSchema = schemaID
	}
}

// InputSchema names the step's input record type.
func InputSchema(schemaID string) StepOption {
	return func(d *StepDefinition) { d.InputSchema = schemaID }
}

// OutputSchema names the step's output record type.
func OutputSchema(schemaID string) StepOption {
	return func(d *StepDefinition) { d.OutputSchema = schemaID }
}

// AsyncExec marks the step as running its work through a background task.
func AsyncExec() StepOption {
	return func(d *StepDefinition) { d.AsyncExecution = true }
}

// WithRetry attaches a retry policy to the step.
func WithRetry(policy RetryPolicy) StepOption {
	return func(d *StepDefinition) { d.Retry = &policy }
}

// InvocationsLimit caps how many times the step may run within one run, and
// selects the behaviour on reaching the cap.
func InvocationsLimit(n int, onLimit OnLimit) StepOption {
	return func(d *StepDefinition) {
		d.InvocationsLimit = n
		d.OnInvocationLimit = onLimit
	}
}

// Initial marks the workflow's entry step.
func Initial() StepOption {
	return func(d *StepDefinition) { d.Initial = true }
}

// Terminal marks a step with no outgoing edges whose outcome ends the run.
func Terminal() StepOption {
	return func(d *StepDefinition) { d.Terminal = true }
}

// StepTimeout sets a per-invocation deadline. Exceeding it fails the step
// with KindTimeout, subject to the retry policy.
func StepTimeout(d time.Duration) StepOption {
	return func(def *StepDefinition) { def.Timeout = d }
}

// NewWorkflow builds a workflow graph. Call Validate (or let the engine do it
// on registration) before executing.
func NewWorkflow(id string, opts ...WorkflowOption) *Workflow {
	w := &Workflow{ID: id, steps: make(map[string]*StepDefinition)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Step returns the definition for a step id.
func (w *Workflow) Step(id string) (*StepDefinition, bool) {
	s, ok := w.steps[id]
	return s, ok
}

// InitialStep returns the entry step.
func (w *Workflow) InitialStep() *StepDefinition {
	return w.steps[w.initialID]
}

// StepIDs returns step ids in declaration order.
func (w *Workflow) StepIDs() []string {
	return append([]string(nil), w.order...)
}

// Validate checks the graph's structural invariants:
// every referenced next step exists, exactly one initial step is declared,
// every step is reachable from it, no step is both initial and terminal,
// terminal steps have no outgoing edges, and cycles pass only through steps
// carrying an invocation limit.
func (w *Workflow) Validate() error {
	if len(w.steps) == 0 {
		return NewError(KindValidation, "workflow %q has no steps", w.ID)
	}

	var initials []string
	for _, id := range w.order {
		s := w.steps[id]
		if s.Initial {
			initials = append(initials, id)
		}
		if s.Initial && s.Terminal {
			return NewError(KindValidation, "workflow %q: step %q is both initial and terminal", w.ID, id)
		}
		if s.Terminal && len(s.edges()) > 0 {
			return NewError(KindValidation, "workflow %q: terminal step %q has outgoing edges", w.ID, id)
		}
		for _, next := range s.edges() {
			if _, ok := w.steps[next]; !ok {
				return NewError(KindUnknownStep, "workflow %q: step %q references unknown step %q", w.ID, id, next)
			}
		}
		if s.Action == nil {
			return NewError(KindValidation, "workflow %q: step %q has no action", w.ID, id)
		}
	}
	switch len(initials) {
	case 0:
		return NewError(KindValidation, "workflow %q declares no initial step", w.ID)
	case 1:
		w.initialID = initials[0]
	default:
		return NewError(KindValidation, "workflow %q declares %d initial steps", w.ID, len(initials))
	}

	reached := make(map[string]bool)
	w.walk(w.initialID, reached)
	for _, id := range w.order {
		if !reached[id] {
			return NewError(KindValidation, "workflow %q: step %q is unreachable from %q", w.ID, id, w.initialID)
		}
	}

	for _, id := range w.order {
		if w.onCycle(id) && w.steps[id].InvocationsLimit <= 0 {
			return NewError(KindValidation, "workflow %q: step %q is on a cycle without an invocation limit", w.ID, id)
		}
	}
	return nil
}

func (w *Workflow) walk(id string, seen map[string]bool) {
	if seen[id] {
		return
	}
	seen[id] = true
	for _, next := range w.steps[id].edges() {
		w.walk(next, seen)
	}
}

// onCycle reports whether id can reach itself.
func (w *Workflow) onCycle(id string) bool {
	seen := make(map[string]bool)
	var visit func(from string) bool
	visit = func(from string) bool {
		for _, next := range w.steps[from].edges() {
			if next == id {
				return true
			}
			if !seen[next] {
				seen[next] = true
				if visit(next) {
					return true
				}
			}
		}
		return false
	}
	return visit(id)
}
