package driftkit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
)

// AsyncTaskFunc is a named background task a step can delegate to via the
// Async outcome. Its result becomes the suspended step's output.
type AsyncTaskFunc func(ctx context.Context, args any) (any, error)

// EngineResult is what the engine returns for a started or resumed run.
// Exactly one of the three shapes applies: completed (terminal), suspended
// (messageId plus next schema or progress), or failed (error kind and text).
type EngineResult struct {
	RunID           string     `json:"runId"`
	Status          RunStatus  `json:"status"`
	Completed       bool       `json:"completed"`
	Text            string     `json:"text,omitempty"`
	Data            any        `json:"data,omitempty"`
	PercentComplete int        `json:"percentComplete"`
	MessageID       string     `json:"messageId,omitempty"`
	NextSchema      *SchemaRef `json:"nextSchema,omitempty"`
	ErrorKind       ErrorKind  `json:"errorKind,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
}

// Engine schedules workflow runs: step dispatch, suspend/resume, retry,
// circuit breaking, and persistence of every transition. One worker at a
// time mutates a given run; distinct runs execute in parallel on the pool.
type Engine struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	tasks     map[string]AsyncTaskFunc
	messages  map[string]string       // outstanding messageId -> runId
	results   map[string]EngineResult // async messageId -> latest status
	cancels   map[string]context.CancelFunc
	runLocks  map[string]*sync.Mutex

	schemas      *SchemaRegistry
	runs         ContextRepository
	retryStore   RetryStateStore
	breaker      *CircuitBreaker
	pool         *WorkerPool
	clock        clockwork.Clock
	tracer       Tracer
	logger       *slog.Logger
	listeners    []RetryListener
	defaultRetry RetryPolicy
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEnginePool sets the worker pool runs execute on. Default: workers =
// NumCPU, queue 64.
func WithEnginePool(p *WorkerPool) EngineOption {
	return func(e *Engine) { e.pool = p }
}

// WithEngineClock injects the clock used for retry backoff, letting tests
// advance time instead of sleeping.
func WithEngineClock(c clockwork.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithBreaker sets the per-step circuit breaker. Default: disabled.
func WithBreaker(b *CircuitBreaker) EngineOption {
	return func(e *Engine) { e.breaker = b }
}

// WithRetryStore sets the retry state store (default in-memory).
func WithRetryStore(s RetryStateStore) EngineOption {
	return func(e *Engine) { e.retryStore = s }
}

// WithRetryListeners registers retry observers.
func WithRetryListeners(listeners ...RetryListener) EngineOption {
	return func(e *Engine) { e.listeners = append(e.listeners, listeners...) }
}

// WithDefaultRetry sets the policy applied when a step declares none.
func WithDefaultRetry(p RetryPolicy) EngineOption {
	return func(e *Engine) { e.defaultRetry = p }
}

// WithEngineTracer sets the span tracer.
func WithEngineTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithEngineLogger sets the structured logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine over the given schema registry and run
// repository.
func NewEngine(schemas *SchemaRegistry, runs ContextRepository, opts ...EngineOption) *Engine {
	e := &Engine{
		workflows:    make(map[string]*Workflow),
		tasks:        make(map[string]AsyncTaskFunc),
		messages:     make(map[string]string),
		results:      make(map[string]EngineResult),
		cancels:      make(map[string]context.CancelFunc),
		runLocks:     make(map[string]*sync.Mutex),
		schemas:      schemas,
		runs:         runs,
		clock:        clockwork.NewRealClock(),
		logger:       nopLogger,
		defaultRetry: RetryPolicy{MaxAttempts: 1},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retryStore == nil {
		e.retryStore = NewInMemoryRetryStateStore()
	}
	if e.pool == nil {
		e.pool = NewWorkerPool(4, 64)
	}
	return e
}

// RegisterWorkflow validates and registers a workflow graph. Registration
// after startup is allowed; re-registering an id replaces the graph.
func (e *Engine) RegisterWorkflow(wf *Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()
	return nil
}

// RegisterTask binds a background task name used by Async outcomes.
func (e *Engine) RegisterTask(name string, fn AsyncTaskFunc) {
	e.mu.Lock()
	e.tasks[name] = fn
	e.mu.Unlock()
}

// Workflow returns a registered workflow.
func (e *Engine) Workflow(id string) (*Workflow, bool) {
	e.mu.RLock()
	wf, ok := e.workflows[id]
	e.mu.RUnlock()
	return wf, ok
}

// WorkflowIDs lists registered workflows.
func (e *Engine) WorkflowIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.workflows))
	for id := range e.workflows {
		ids = append(ids, id)
	}
	return ids
}

// Close shuts down the worker pool.
func (e *Engine) Close() { e.pool.Close() }

// --- Run entry points ---

// Execute starts a new run of workflowID with the given trigger data and
// drives it until it suspends or terminates. The run's state is persisted
// before the result is returned.
func (e *Engine) Execute(ctx context.Context, workflowID, chatID string, trigger map[string]string) (EngineResult, error) {
	wf, ok := e.Workflow(workflowID)
	if !ok {
		return EngineResult{}, NewError(KindUnknownWorkflow, "workflow %q is not registered", workflowID)
	}

	run := WorkflowRun{
		RunID:            NewID(),
		WorkflowID:       workflowID,
		ChatID:           chatID,
		Status:           RunRunning,
		CurrentStepID:    wf.InitialStep().ID,
		TriggerData:      copyMap(trigger),
		CustomData:       make(map[string]string),
		InvocationCounts: make(map[string]int),
		CreatedAt:        NowUnixMilli(),
		UpdatedAt:        NowUnixMilli(),
	}

	input, err := e.buildInput(wf.InitialStep(), trigger)
	if err != nil {
		return EngineResult{}, err
	}

	return e.dispatch(ctx, wf, &run, input, trigger)
}

// Resume re-enters a suspended run with user-provided values for the
// outstanding messageID. A second resume for the same messageID, or one that
// does not match the run's suspension marker, fails with KindInvalidResume.
func (e *Engine) Resume(ctx context.Context, messageID string, values map[string]string) (EngineResult, error) {
	e.mu.Lock()
	runID, ok := e.messages[messageID]
	e.mu.Unlock()
	if !ok {
		return EngineResult{}, NewError(KindInvalidResume, "no suspended run for message %q", messageID)
	}

	unlock := e.lockRun(runID)
	defer unlock()

	run, found, err := e.runs.Find(ctx, runID)
	if err != nil {
		return EngineResult{}, WrapError(KindInfrastructure, err, "loading run %s", runID)
	}
	if !found || run.Status != RunSuspended || run.SuspendedMessageID != messageID {
		return EngineResult{}, NewError(KindInvalidResume, "message %q does not match a suspension", messageID)
	}

	wf, ok := e.Workflow(run.WorkflowID)
	if !ok {
		return EngineResult{}, NewError(KindUnknownWorkflow, "workflow %q is not registered", run.WorkflowID)
	}
	step, ok := wf.Step(run.CurrentStepID)
	if !ok {
		return EngineResult{}, NewError(KindUnknownStep, "run %s suspended on unknown step %q", runID, run.CurrentStepID)
	}

	input, err := e.buildInput(step, values)
	if err != nil {
		return EngineResult{}, err
	}

	e.clearSuspension(&run, messageID)
	run.Status = RunRunning
	return e.dispatchLocked(ctx, wf, &run, input, values)
}

// AsyncStatus returns the tracked status of an async message.
func (e *Engine) AsyncStatus(messageID string) (EngineResult, bool) {
	e.mu.RLock()
	res, ok := e.results[messageID]
	e.mu.RUnlock()
	return res, ok
}

// Cancel stops a run. A running worker observes the cancellation at its next
// step boundary; a suspended run is transitioned immediately.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	cancel, active := e.cancels[runID]
	e.mu.Unlock()
	if active {
		cancel()
		return nil
	}

	unlock := e.lockRun(runID)
	defer unlock()
	run, found, err := e.runs.Find(ctx, runID)
	if err != nil {
		return WrapError(KindInfrastructure, err, "loading run %s", runID)
	}
	if !found {
		return NewError(KindNotFound, "run %q not found", runID)
	}
	if run.Status == RunCompleted || run.Status == RunFailed || run.Status == RunCancelled {
		return nil
	}
	e.clearSuspension(&run, run.SuspendedMessageID)
	run.Status = RunCancelled
	run.UpdatedAt = NowUnixMilli()
	return e.runs.Save(ctx, run)
}

// RunSnapshot returns the persisted state of a run.
func (e *Engine) RunSnapshot(ctx context.Context, runID string) (WorkflowRun, bool, error) {
	return e.runs.Find(ctx, runID)
}

// --- Internals ---

// lockRun serializes mutation of one run.
func (e *Engine) lockRun(runID string) func() {
	e.mu.Lock()
	l, ok := e.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		e.runLocks[runID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// dispatch acquires the run lock and executes the loop on the worker pool.
func (e *Engine) dispatch(ctx context.Context, wf *Workflow, run *WorkflowRun, input any, values map[string]string) (EngineResult, error) {
	unlock := e.lockRun(run.RunID)
	defer unlock()
	return e.dispatchLocked(ctx, wf, run, input, values)
}

// dispatchLocked runs the step loop through the pool. Saturation falls back
// to the caller's goroutine, preserving backpressure.
func (e *Engine) dispatchLocked(ctx context.Context, wf *Workflow, run *WorkflowRun, input any, values map[string]string) (EngineResult, error) {
	rctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[run.RunID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, run.RunID)
		e.mu.Unlock()
	}()

	type outcome struct {
		res EngineResult
		err error
	}
	done := make(chan outcome, 1)
	e.pool.Submit(func() {
		res, err := e.runLoop(rctx, wf, run, input, values)
		done <- outcome{res, err}
	})
	out := <-done
	return out.res, out.err
}

// buildInput constructs a step's typed input from a property bag. Steps with
// a registered input schema get an instantiated record; others receive the
// raw map. An empty bag with no required schema yields an empty record.
func (e *Engine) buildInput(step *StepDefinition, values map[string]string) (any, error) {
	if step.InputSchema == "" {
		return values, nil
	}
	if _, ok := e.schemas.SchemaByID(step.InputSchema); !ok {
		return nil, NewError(KindValidation, "step %q references unregistered schema %q", step.ID, step.InputSchema)
	}
	return e.schemas.Instantiate(step.InputSchema, values)
}

// runLoop drives one run until it suspends or terminates. The caller holds
// the run lock.
func (e *Engine) runLoop(ctx context.Context, wf *Workflow, run *WorkflowRun, input any, values map[string]string) (EngineResult, error) {
	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "engine.run",
			Attr("workflowId", wf.ID), Attr("runId", run.RunID))
		defer span.End()
	}

	for {
		if ctx.Err() != nil {
			return e.cancelRun(run)
		}

		step, ok := wf.Step(run.CurrentStepID)
		if !ok {
			return e.failRun(run, NewError(KindUnknownStep, "workflow %q has no step %q", wf.ID, run.CurrentStepID))
		}

		// A step that needs user input suspends until a resume provides it.
		if step.UserInputRequired && values == nil {
			return e.suspendForInput(run, step)
		}

		// Invocation limit is enforced before the executor runs.
		run.InvocationCounts[step.ID]++
		if step.InvocationsLimit > 0 && run.InvocationCounts[step.ID] > step.InvocationsLimit {
			switch step.OnInvocationLimit {
			case LimitStop:
				last, _ := run.LastOutput()
				return e.completeRun(run, last.Data)
			case LimitLoopReset:
				run.InvocationCounts[step.ID] = 1
			default:
				return e.failRun(run, NewError(KindInvocationLimit,
					"step %q exceeded its invocation limit of %d", step.ID, step.InvocationsLimit))
			}
		}

		if e.breaker != nil {
			if err := e.breaker.Allow(wf.ID, step.ID); err != nil {
				return e.failRun(run, err)
			}
		}

		out := e.invokeStep(ctx, step, StepInput{
			RunID:      run.RunID,
			WorkflowID: wf.ID,
			ChatID:     run.ChatID,
			Data:       input,
			Values:     values,
			CustomData: run.CustomData,
		})

		if out.kind == outcomeFail {
			if e.breaker != nil {
				e.breaker.RecordFailure(wf.ID, step.ID)
			}
			retry, res, err := e.handleFailure(ctx, run, step, out.err)
			if !retry {
				return res, err
			}
			continue
		}

		if e.breaker != nil {
			e.breaker.RecordSuccess(wf.ID, step.ID)
		}
		if err := e.retryStore.DeleteRetry(ctx, run.RunID, step.ID); err != nil {
			e.logger.Warn("retry context cleanup failed", "runId", run.RunID, "stepId", step.ID, "error", err)
		}

		switch out.kind {
		case outcomeSuspend:
			return e.suspend(run, out.messageID, out.nextSchema, 0, false)

		case outcomeAsync:
			return e.suspendAsync(ctx, run, step, out)

		case outcomeComplete:
			e.commitOutput(run, step.ID, out.data)
			return e.completeRun(run, out.data)

		case outcomeBranch:
			e.commitOutput(run, step.ID, out.data)
			if !step.allowsNext(out.nextStepID) {
				return e.failRun(run, NewError(KindInvalidBranch,
					"step %q cannot branch to %q", step.ID, out.nextStepID))
			}
			run.CurrentStepID = out.nextStepID

		case outcomeContinue:
			e.commitOutput(run, step.ID, out.data)
			if step.Terminal || len(step.Next) == 0 {
				return e.completeRun(run, out.data)
			}
			run.CurrentStepID = step.Next[0]

		default:
			return e.failRun(run, NewError(KindPermanent, "step %q returned an invalid outcome", step.ID))
		}

		input = out.data
		values = nil
		if err := e.persist(run); err != nil {
			return e.failRun(run, err)
		}
	}
}

// invokeStep runs the executor under the step's deadline. A deadline overrun
// is a KindTimeout failure even if the executor ignores its context.
func (e *Engine) invokeStep(ctx context.Context, step *StepDefinition, in StepInput) StepOutcome {
	sctx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	done := make(chan StepOutcome, 1)
	go func() {
		done <- step.Action(sctx, in)
	}()

	select {
	case out := <-done:
		if out.kind == outcomeFail && out.err == nil {
			out.err = NewError(KindPermanent, "step %q failed without an error", step.ID)
		}
		return out
	case <-sctx.Done():
		if ctx.Err() != nil {
			return Fail(WrapError(KindCancelled, ctx.Err(), "step %q cancelled", step.ID))
		}
		return Fail(NewError(KindTimeout, "step %q exceeded its deadline of %s", step.ID, step.Timeout))
	}
}

// handleFailure applies the retry policy. Returns retry=true when the step
// should re-execute after backoff; otherwise the terminal result.
func (e *Engine) handleFailure(ctx context.Context, run *WorkflowRun, step *StepDefinition, cause error) (bool, EngineResult, error) {
	if KindOf(cause) == KindCancelled {
		res, err := e.cancelRun(run)
		return false, res, err
	}
	if !IsRetryable(cause) {
		res, err := e.failRun(run, cause)
		return false, res, err
	}

	policy := e.defaultRetry
	if step.Retry != nil {
		policy = *step.Retry
	}

	rc, found, err := e.retryStore.LoadRetry(ctx, run.RunID, step.ID)
	if err != nil {
		e.logger.Warn("retry context load failed", "runId", run.RunID, "stepId", step.ID, "error", err)
	}
	if !found {
		rc = RetryContext{RunID: run.RunID, StepID: step.ID, FirstAttemptAt: NowUnixMilli()}
	}
	rc.AttemptNumber++
	rc.LastError = cause.Error()

	if rc.AttemptNumber > 1 {
		notifyListeners(ctx, e.logger, e.listeners, "onRetryFailure", rc, cause)
	}

	if rc.AttemptNumber >= policy.MaxAttempts {
		notifyListeners(ctx, e.logger, e.listeners, "onRetryExhausted", rc, cause)
		if derr := e.retryStore.DeleteRetry(ctx, run.RunID, step.ID); derr != nil {
			e.logger.Warn("retry context cleanup failed", "runId", run.RunID, "error", derr)
		}
		res, ferr := e.failRun(run, cause)
		return false, res, ferr
	}

	delay := policy.DelayFor(rc.AttemptNumber)
	rc.NextDelay = delay
	if serr := e.retryStore.SaveRetry(ctx, rc); serr != nil {
		e.logger.Warn("retry context save failed", "runId", run.RunID, "stepId", step.ID, "error", serr)
	}
	notifyListeners(ctx, e.logger, e.listeners, "beforeRetry", rc, cause)

	e.logger.Info("retrying step", "runId", run.RunID, "stepId", step.ID,
		"attempt", rc.AttemptNumber, "delay", delay)
	select {
	case <-e.clock.After(delay):
		return true, EngineResult{}, nil
	case <-ctx.Done():
		res, err := e.cancelRun(run)
		return false, res, err
	}
}

// suspendForInput pauses the run because the current step needs user input.
func (e *Engine) suspendForInput(run *WorkflowRun, step *StepDefinition) (EngineResult, error) {
	var ref *SchemaRef
	if step.InputSchema != "" {
		ref = &SchemaRef{SchemaName: step.InputSchema}
	}
	return e.suspend(run, NewID(), ref, 0, false)
}

// suspend commits the SUSPENDED transition and registers the messageId.
func (e *Engine) suspend(run *WorkflowRun, messageID string, next *SchemaRef, percent int, async bool) (EngineResult, error) {
	run.Status = RunSuspended
	run.SuspendedMessageID = messageID
	run.SuspendedAsync = async
	run.NextSchema = next
	run.UpdatedAt = NowUnixMilli()
	if err := e.persist(run); err != nil {
		return e.failRun(run, err)
	}

	e.mu.Lock()
	e.messages[messageID] = run.RunID
	e.mu.Unlock()

	res := EngineResult{
		RunID:           run.RunID,
		Status:          RunSuspended,
		Completed:       false,
		PercentComplete: percent,
		MessageID:       messageID,
		NextSchema:      next,
	}
	if async {
		e.mu.Lock()
		e.results[messageID] = res
		e.mu.Unlock()
	}
	return res, nil
}

// suspendAsync commits the suspension and enqueues the background task. Task
// completion re-enters the run as if a resume carrying the task output had
// arrived, without re-executing the step.
func (e *Engine) suspendAsync(ctx context.Context, run *WorkflowRun, step *StepDefinition, out StepOutcome) (EngineResult, error) {
	e.mu.RLock()
	task, ok := e.tasks[out.taskName]
	e.mu.RUnlock()
	if !ok {
		return e.failRun(run, NewError(KindUnknownStep, "no task registered as %q", out.taskName))
	}

	messageID := NewID()
	res, err := e.suspend(run, messageID, nil, out.percent, true)
	if err != nil {
		return res, err
	}

	// The task gets its own goroutine: the pool's caller-runs saturation
	// policy would otherwise execute the completion while the run lock is
	// still held by this dispatch.
	args := out.taskArgs
	go func() {
		output, terr := task(context.WithoutCancel(ctx), args)
		e.completeAsync(messageID, output, terr)
	}()
	return res, nil
}

// completeAsync resumes a run suspended on a background task. The task output
// is committed as the step's output and the run advances without re-running
// the step.
func (e *Engine) completeAsync(messageID string, output any, taskErr error) {
	ctx := context.Background()

	e.mu.Lock()
	runID, ok := e.messages[messageID]
	e.mu.Unlock()
	if !ok {
		e.logger.Warn("async completion for unknown message", "messageId", messageID)
		return
	}

	unlock := e.lockRun(runID)
	defer unlock()

	run, found, err := e.runs.Find(ctx, runID)
	if err != nil || !found {
		e.logger.Error("async completion lost its run", "runId", runID, "error", err)
		return
	}
	if run.Status != RunSuspended || run.SuspendedMessageID != messageID || !run.SuspendedAsync {
		e.logger.Warn("async completion does not match suspension", "runId", runID, "messageId", messageID)
		return
	}

	wf, ok := e.Workflow(run.WorkflowID)
	if !ok {
		e.logger.Error("async completion for unregistered workflow", "workflowId", run.WorkflowID)
		return
	}
	step, ok := wf.Step(run.CurrentStepID)
	if !ok {
		e.clearSuspension(&run, messageID)
		res, _ := e.failRun(&run, NewError(KindUnknownStep, "workflow %q has no step %q", wf.ID, run.CurrentStepID))
		e.mu.Lock()
		e.results[messageID] = res
		e.mu.Unlock()
		return
	}

	e.clearSuspension(&run, messageID)

	var res EngineResult
	if taskErr != nil {
		res, _ = e.failRun(&run, WrapError(KindOf(taskErr), taskErr, "task for step %q failed", step.ID))
	} else {
		run.Status = RunRunning
		e.commitOutput(&run, step.ID, output)
		if step.Terminal || len(step.Next) == 0 {
			res, _ = e.completeRun(&run, output)
		} else {
			run.CurrentStepID = step.Next[0]
			if err := e.persist(&run); err != nil {
				res, _ = e.failRun(&run, err)
			} else {
				res, err = e.runLoop(ctx, wf, &run, output, nil)
				if err != nil {
					res = EngineResult{RunID: run.RunID, Status: RunFailed, Completed: true,
						ErrorKind: KindOf(err), ErrorMessage: err.Error()}
				}
			}
		}
	}

	e.mu.Lock()
	e.results[messageID] = res
	e.mu.Unlock()
}

// clearSuspension removes the suspension marker and retires the messageId.
func (e *Engine) clearSuspension(run *WorkflowRun, messageID string) {
	run.SuspendedMessageID = ""
	run.SuspendedAsync = false
	run.NextSchema = nil
	if messageID != "" {
		e.mu.Lock()
		delete(e.messages, messageID)
		e.mu.Unlock()
	}
}

// commitOutput appends the step output to the run's ordered output list.
func (e *Engine) commitOutput(run *WorkflowRun, stepID string, data any) {
	run.StepOutputs = append(run.StepOutputs, StepOutput{StepID: stepID, Data: data, At: NowUnixMilli()})
}

func (e *Engine) completeRun(run *WorkflowRun, result any) (EngineResult, error) {
	run.Status = RunCompleted
	run.UpdatedAt = NowUnixMilli()
	if err := e.persist(run); err != nil {
		return e.failRun(run, err)
	}
	e.forgetRunLock(run.RunID)
	return EngineResult{
		RunID:           run.RunID,
		Status:          RunCompleted,
		Completed:       true,
		Text:            fmt.Sprintf("%v", result),
		Data:            result,
		PercentComplete: 100,
	}, nil
}

func (e *Engine) failRun(run *WorkflowRun, cause error) (EngineResult, error) {
	run.Status = RunFailed
	run.ErrorKind = KindOf(cause)
	run.ErrorMessage = cause.Error()
	run.UpdatedAt = NowUnixMilli()
	if err := e.runs.Save(context.Background(), *run); err != nil {
		e.logger.Error("failed run could not be persisted", "runId", run.RunID, "error", err)
	}
	e.forgetRunLock(run.RunID)
	return EngineResult{
		RunID:        run.RunID,
		Status:       RunFailed,
		Completed:    true,
		ErrorKind:    run.ErrorKind,
		ErrorMessage: run.ErrorMessage,
	}, nil
}

func (e *Engine) cancelRun(run *WorkflowRun) (EngineResult, error) {
	e.clearSuspension(run, run.SuspendedMessageID)
	run.Status = RunCancelled
	run.UpdatedAt = NowUnixMilli()
	if err := e.runs.Save(context.Background(), *run); err != nil {
		e.logger.Error("cancelled run could not be persisted", "runId", run.RunID, "error", err)
	}
	e.forgetRunLock(run.RunID)
	return EngineResult{
		RunID:     run.RunID,
		Status:    RunCancelled,
		Completed: true,
		ErrorKind: KindCancelled,
	}, nil
}

// persist writes the run state. Every transition is committed before the
// caller observes the result; a persistence failure fails the run.
func (e *Engine) persist(run *WorkflowRun) error {
	run.UpdatedAt = NowUnixMilli()
	if err := e.runs.Save(context.Background(), *run); err != nil {
		return WrapError(KindInfrastructure, err, "persisting run %s", run.RunID)
	}
	return nil
}

// forgetRunLock drops the per-run mutex for terminal runs. Safe because the
// caller still holds it; late lookups simply allocate a fresh one.
func (e *Engine) forgetRunLock(runID string) {
	e.mu.Lock()
	delete(e.runLocks, runID)
	e.mu.Unlock()
}

