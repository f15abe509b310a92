package driftkit

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *InMemoryContextRepository) {
	t.Helper()
	repo := NewInMemoryContextRepository()
	e := NewEngine(NewSchemaRegistry(), repo, opts...)
	t.Cleanup(e.Close)
	return e, repo
}

func TestSingleStepWorkflow(t *testing.T) {
	e, repo := newTestEngine(t)
	wf := NewWorkflow("echo",
		Step("echo", func(_ context.Context, in StepInput) StepOutcome {
			return Continue(in.Values)
		}, Initial()),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	res, err := e.Execute(context.Background(), "echo", "c1", map[string]string{"q": "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Completed || res.Status != RunCompleted || res.PercentComplete != 100 {
		t.Errorf("result = %+v, want completed", res)
	}
	got, ok := res.Data.(map[string]string)
	if !ok || got["q"] != "hi" {
		t.Errorf("data = %#v, want the echoed trigger", res.Data)
	}

	// The persisted snapshot reflects the transition before the caller saw it.
	run, found, err := repo.Find(context.Background(), res.RunID)
	if err != nil || !found {
		t.Fatalf("Find: found=%v err=%v", found, err)
	}
	if run.Status != RunCompleted {
		t.Errorf("persisted status = %v", run.Status)
	}
	out, ok := run.OutputOf("echo")
	if !ok {
		t.Fatal("stepOutputs has no entry for echo")
	}
	if m := out.Data.(map[string]string); m["q"] != "hi" {
		t.Errorf("persisted output = %#v", out.Data)
	}
}

func TestUnknownWorkflow(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Execute(context.Background(), "ghost", "c1", nil)
	if KindOf(err) != KindUnknownWorkflow {
		t.Fatalf("error kind = %v, want unknown workflow", KindOf(err))
	}
}

type doubleIn struct {
	X int `json:"x" schema:"required"`
}

func TestSuspendAndResume(t *testing.T) {
	repo := NewInMemoryContextRepository()
	schemas := NewSchemaRegistry()
	if _, err := schemas.Register(doubleIn{}); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(schemas, repo)
	t.Cleanup(e.Close)

	wf := NewWorkflow("double",
		Step("a", func(_ context.Context, in StepInput) StepOutcome {
			return Continue(in.Data)
		}, Initial(), Next("b")),
		Step("b", func(_ context.Context, in StepInput) StepOutcome {
			d := in.Data.(doubleIn)
			return Complete(strconv.Itoa(d.X * 2))
		}, UserInput("doubleIn"), Terminal()),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}

	first, err := e.Execute(context.Background(), "double", "c1", map[string]string{"seed": "1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if first.Completed || first.MessageID == "" {
		t.Fatalf("first result = %+v, want suspension with messageId", first)
	}
	if first.NextSchema == nil || first.NextSchema.SchemaName != "doubleIn" {
		t.Fatalf("nextSchema = %+v, want doubleIn", first.NextSchema)
	}

	run, _, _ := repo.Find(context.Background(), first.RunID)
	if run.Status != RunSuspended || run.SuspendedMessageID != first.MessageID {
		t.Fatalf("persisted suspension = %+v", run)
	}

	second, err := e.Resume(context.Background(), first.MessageID, map[string]string{"x": "7"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !second.Completed || second.Data != "14" {
		t.Errorf("resume result = %+v, want completed with 14", second)
	}

	// Resuming the same messageId again must fail.
	_, err = e.Resume(context.Background(), first.MessageID, map[string]string{"x": "7"})
	if KindOf(err) != KindInvalidResume {
		t.Errorf("second resume = %v, want invalid resume", err)
	}
}

func TestResumeUnknownMessage(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Resume(context.Background(), "nope", nil)
	if KindOf(err) != KindInvalidResume {
		t.Fatalf("error kind = %v, want invalid resume", KindOf(err))
	}
}

func TestResumeValidationNamesField(t *testing.T) {
	repo := NewInMemoryContextRepository()
	schemas := NewSchemaRegistry()
	if _, err := schemas.Register(doubleIn{}); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(schemas, repo)
	t.Cleanup(e.Close)

	wf := NewWorkflow("strict",
		Step("ask", func(_ context.Context, in StepInput) StepOutcome {
			return Complete(in.Data)
		}, Initial(), UserInput("doubleIn")),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}

	first, err := e.Execute(context.Background(), "strict", "c1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	_, err = e.Resume(context.Background(), first.MessageID, map[string]string{})
	if KindOf(err) != KindValidation {
		t.Fatalf("resume without required field = %v, want validation", err)
	}
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e, repo := newTestEngine(t, WithEngineClock(clock))

	var calls atomic.Int32
	wf := NewWorkflow("flaky",
		Step("c", func(_ context.Context, _ StepInput) StepOutcome {
			if calls.Add(1) < 3 {
				return Fail(NewError(KindRetryable, "transient"))
			}
			return Continue("ok")
		}, Initial(),
			WithRetry(RetryPolicy{Delay: 10 * time.Millisecond, MaxAttempts: 3, Multiplier: 1})),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}

	done := make(chan EngineResult, 1)
	go func() {
		res, _ := e.Execute(context.Background(), "flaky", "c1", nil)
		done <- res
	}()
	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(10 * time.Millisecond)
	}
	res := <-done

	if !res.Completed || res.Status != RunCompleted {
		t.Fatalf("result = %+v, want completed", res)
	}
	if calls.Load() != 3 {
		t.Errorf("step invoked %d times, want 3", calls.Load())
	}
	run, _, _ := repo.Find(context.Background(), res.RunID)
	if run.InvocationCounts["c"] != 3 {
		t.Errorf("invocation count = %d, want 3", run.InvocationCounts["c"])
	}
}

func TestRetryExhaustedFailsRun(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e, _ := newTestEngine(t, WithEngineClock(clock))

	wf := NewWorkflow("doomed",
		Step("c", func(_ context.Context, _ StepInput) StepOutcome {
			return Fail(NewError(KindRetryable, "still down"))
		}, Initial(),
			WithRetry(RetryPolicy{Delay: 10 * time.Millisecond, MaxAttempts: 2, Multiplier: 1})),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}

	done := make(chan EngineResult, 1)
	go func() {
		res, _ := e.Execute(context.Background(), "doomed", "c1", nil)
		done <- res
	}()
	clock.BlockUntil(1)
	clock.Advance(10 * time.Millisecond)
	res := <-done

	if res.Status != RunFailed || res.ErrorKind != KindRetryable {
		t.Errorf("result = %+v, want FAILED with the original kind", res)
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	e, _ := newTestEngine(t)
	var calls atomic.Int32
	wf := NewWorkflow("bad",
		Step("c", func(_ context.Context, _ StepInput) StepOutcome {
			calls.Add(1)
			return Fail(NewError(KindValidation, "bad input"))
		}, Initial(),
			WithRetry(RetryPolicy{Delay: time.Millisecond, MaxAttempts: 5, Multiplier: 1})),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}
	res, err := e.Execute(context.Background(), "bad", "c1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunFailed || calls.Load() != 1 {
		t.Errorf("result = %+v calls = %d, want immediate failure", res, calls.Load())
	}
}

func TestInvocationLimitFail(t *testing.T) {
	e, _ := newTestEngine(t)
	var calls atomic.Int32
	wf := NewWorkflow("loop",
		Step("d", func(_ context.Context, _ StepInput) StepOutcome {
			calls.Add(1)
			return Continue(nil)
		}, Initial(), Next("d"), InvocationsLimit(2, LimitFail)),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}
	res, err := e.Execute(context.Background(), "loop", "c1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunFailed || res.ErrorKind != KindInvocationLimit {
		t.Errorf("result = %+v, want invocation-limit failure", res)
	}
	// The limit is enforced before the executor runs on the third entry.
	if calls.Load() != 2 {
		t.Errorf("step ran %d times, want 2", calls.Load())
	}
}

func TestInvocationLimitStop(t *testing.T) {
	e, _ := newTestEngine(t)
	wf := NewWorkflow("loopstop",
		Step("d", func(_ context.Context, in StepInput) StepOutcome {
			return Continue("lap")
		}, Initial(), Next("d"), InvocationsLimit(2, LimitStop)),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}
	res, err := e.Execute(context.Background(), "loopstop", "c1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Completed || res.Status != RunCompleted || res.Data != "lap" {
		t.Errorf("result = %+v, want completed with last output", res)
	}
}

func TestInvocationLimitLoopReset(t *testing.T) {
	e, _ := newTestEngine(t)
	var calls atomic.Int32
	wf := NewWorkflow("loopreset",
		Step("d", func(_ context.Context, _ StepInput) StepOutcome {
			if calls.Add(1) >= 5 {
				return Complete("escaped")
			}
			return Continue(nil)
		}, Initial(), Next("d"), InvocationsLimit(2, LimitLoopReset)),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}
	res, err := e.Execute(context.Background(), "loopreset", "c1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Completed || res.Data != "escaped" {
		t.Errorf("result = %+v, want completion after resets", res)
	}
}

func TestInvalidBranch(t *testing.T) {
	e, _ := newTestEngine(t)
	wf := NewWorkflow("fork",
		Step("a", func(_ context.Context, _ StepInput) StepOutcome {
			return Branch("elsewhere", nil)
		}, Initial(), Next("b")),
		Step("b", noopStep, Terminal()),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}
	res, err := e.Execute(context.Background(), "fork", "c1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunFailed || res.ErrorKind != KindInvalidBranch {
		t.Errorf("result = %+v, want invalid-branch failure", res)
	}
}

func TestBranchTakesNamedEdge(t *testing.T) {
	e, _ := newTestEngine(t)
	wf := NewWorkflow("pick",
		Step("a", func(_ context.Context, _ StepInput) StepOutcome {
			return Branch("right", "payload")
		}, Initial(), Next("left", "right")),
		Step("left", func(_ context.Context, _ StepInput) StepOutcome {
			return Complete("left")
		}, Terminal()),
		Step("right", func(_ context.Context, in StepInput) StepOutcome {
			return Complete("right:" + in.Data.(string))
		}, Terminal()),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}
	res, err := e.Execute(context.Background(), "pick", "c1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Data != "right:payload" {
		t.Errorf("data = %v, want the branched step's output", res.Data)
	}
}

func TestAsyncTask(t *testing.T) {
	e, repo := newTestEngine(t)
	wf := NewWorkflow("transcribing",
		Step("e", func(_ context.Context, _ StepInput) StepOutcome {
			return Async("transcribe", "audio-ref", 50)
		}, Initial()),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}
	taskDone := make(chan struct{})
	e.RegisterTask("transcribe", func(_ context.Context, args any) (any, error) {
		defer close(taskDone)
		if args != "audio-ref" {
			t.Errorf("task args = %v", args)
		}
		return "done", nil
	})

	res, err := e.Execute(context.Background(), "transcribing", "c1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Completed || res.PercentComplete != 50 || res.MessageID == "" {
		t.Fatalf("result = %+v, want in-progress suspension", res)
	}

	<-taskDone
	// Poll until the completion is committed.
	deadline := time.After(2 * time.Second)
	for {
		status, ok := e.AsyncStatus(res.MessageID)
		if ok && status.Completed {
			if status.Data != "done" {
				t.Errorf("async result = %+v", status)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("async completion never landed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	run, _, _ := repo.Find(context.Background(), res.RunID)
	if run.Status != RunCompleted {
		t.Errorf("run status = %v, want COMPLETED", run.Status)
	}
	if out, ok := run.OutputOf("e"); !ok || out.Data != "done" {
		t.Errorf("task output not committed as step output: %+v", out)
	}
}

func TestAsyncCompletionAfterStepRemoved(t *testing.T) {
	e, repo := newTestEngine(t)
	wf := NewWorkflow("reindex",
		Step("scan", func(_ context.Context, _ StepInput) StepOutcome {
			return Async("rebuild", nil, 10)
		}, Initial()),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	e.RegisterTask("rebuild", func(_ context.Context, _ any) (any, error) {
		<-release
		return "built", nil
	})

	res, err := e.Execute(context.Background(), "reindex", "c1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Completed || res.MessageID == "" {
		t.Fatalf("result = %+v, want suspension", res)
	}

	// Replace the graph while the task is in flight; the suspended step is
	// no longer part of it.
	replacement := NewWorkflow("reindex",
		Step("sweep", func(_ context.Context, _ StepInput) StepOutcome {
			return Complete("swept")
		}, Initial()),
	)
	if err := e.RegisterWorkflow(replacement); err != nil {
		t.Fatal(err)
	}
	close(release)

	deadline := time.After(2 * time.Second)
	for {
		status, ok := e.AsyncStatus(res.MessageID)
		if ok && status.Completed {
			if status.Status != RunFailed || status.ErrorKind != KindUnknownStep {
				t.Errorf("async result = %+v, want unknown-step failure", status)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("async completion never landed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	run, _, _ := repo.Find(context.Background(), res.RunID)
	if run.Status != RunFailed {
		t.Errorf("run status = %v, want FAILED", run.Status)
	}
}

func TestStepTimeout(t *testing.T) {
	e, _ := newTestEngine(t)
	wf := NewWorkflow("slow",
		Step("s", func(ctx context.Context, _ StepInput) StepOutcome {
			<-ctx.Done()
			return Continue(nil)
		}, Initial(), StepTimeout(20*time.Millisecond)),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}
	res, err := e.Execute(context.Background(), "slow", "c1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunFailed || res.ErrorKind != KindTimeout {
		t.Errorf("result = %+v, want timeout failure", res)
	}
}

func TestCancellationViaContext(t *testing.T) {
	e, repo := newTestEngine(t)
	entered := make(chan struct{})
	wf := NewWorkflow("cancellable",
		Step("s", func(ctx context.Context, _ StepInput) StepOutcome {
			close(entered)
			<-ctx.Done()
			return Fail(ctx.Err())
		}, Initial()),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan EngineResult, 1)
	go func() {
		res, _ := e.Execute(ctx, "cancellable", "c1", nil)
		done <- res
	}()
	<-entered
	cancel()
	res := <-done

	if res.Status != RunCancelled {
		t.Fatalf("result = %+v, want CANCELLED", res)
	}
	run, _, _ := repo.Find(context.Background(), res.RunID)
	if run.Status != RunCancelled {
		t.Errorf("persisted status = %v", run.Status)
	}
}

func TestCancelSuspendedRun(t *testing.T) {
	repo := NewInMemoryContextRepository()
	schemas := NewSchemaRegistry()
	if _, err := schemas.Register(doubleIn{}); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(schemas, repo)
	t.Cleanup(e.Close)

	wf := NewWorkflow("waiting",
		Step("ask", func(_ context.Context, in StepInput) StepOutcome {
			return Complete(in.Data)
		}, Initial(), UserInput("doubleIn")),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}
	first, err := e.Execute(context.Background(), "waiting", "c1", nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Cancel(context.Background(), first.RunID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	run, _, _ := repo.Find(context.Background(), first.RunID)
	if run.Status != RunCancelled || run.SuspendedMessageID != "" {
		t.Errorf("run = %+v, want CANCELLED with cleared suspension", run)
	}
}

func TestBreakerShortCircuitsAcrossRuns(t *testing.T) {
	clock := clockwork.NewFakeClock()
	breaker := NewCircuitBreaker(2, time.Minute, WithBreakerClock(clock))
	e, _ := newTestEngine(t, WithBreaker(breaker))

	var calls atomic.Int32
	wf := NewWorkflow("guarded",
		Step("s", func(_ context.Context, _ StepInput) StepOutcome {
			calls.Add(1)
			return Fail(NewError(KindPermanent, "backend broken"))
		}, Initial()),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		res, err := e.Execute(context.Background(), "guarded", "c1", nil)
		if err != nil || res.Status != RunFailed {
			t.Fatalf("run %d: res=%+v err=%v", i, res, err)
		}
	}

	// Third run is short-circuited without invoking the executor.
	res, err := e.Execute(context.Background(), "guarded", "c1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ErrorKind != KindCircuitOpen {
		t.Fatalf("result = %+v, want circuit-open", res)
	}
	if calls.Load() != 2 {
		t.Errorf("executor ran %d times, want 2", calls.Load())
	}
}

func TestRetryListenersNotified(t *testing.T) {
	clock := clockwork.NewFakeClock()
	listener := &recordingListener{}
	e, _ := newTestEngine(t, WithEngineClock(clock), WithRetryListeners(listener))

	wf := NewWorkflow("observed",
		Step("c", func(_ context.Context, _ StepInput) StepOutcome {
			return Fail(NewError(KindRetryable, "transient"))
		}, Initial(),
			WithRetry(RetryPolicy{Delay: 10 * time.Millisecond, MaxAttempts: 2, Multiplier: 1})),
	)
	if err := e.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := e.Execute(context.Background(), "observed", "c1", nil); err != nil {
			t.Errorf("Execute: %v", err)
		}
	}()
	clock.BlockUntil(1)
	clock.Advance(10 * time.Millisecond)
	<-done

	if listener.before.Load() != 1 {
		t.Errorf("beforeRetry fired %d times, want 1", listener.before.Load())
	}
	if listener.exhausted.Load() != 1 {
		t.Errorf("onRetryExhausted fired %d times, want 1", listener.exhausted.Load())
	}
}

type recordingListener struct {
	before    atomic.Int32
	failure   atomic.Int32
	exhausted atomic.Int32
}

func (l *recordingListener) BeforeRetry(context.Context, RetryContext) error {
	l.before.Add(1)
	return nil
}

func (l *recordingListener) OnRetryFailure(context.Context, RetryContext, error) error {
	l.failure.Add(1)
	return nil
}

func (l *recordingListener) OnRetryExhausted(context.Context, RetryContext, error) error {
	l.exhausted.Add(1)
	return nil
}
