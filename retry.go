package driftkit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RetryContext tracks retry progress for one (runId, stepId).
type RetryContext struct {
	RunID          string        `json:"runId"`
	StepID         string        `json:"stepId"`
	AttemptNumber  int           `json:"attemptNumber"`
	LastError      string        `json:"lastError,omitempty"`
	NextDelay      time.Duration `json:"nextDelayMs"`
	FirstAttemptAt int64         `json:"firstAttemptTime"`
}

// BreakerSnapshot is the persisted circuit-breaker state for one
// (workflowId, stepId), shared across runs.
type BreakerSnapshot struct {
	WorkflowID   string       `json:"workflowId"`
	StepID       string       `json:"stepId"`
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failureCount"`
	OpenedAt     int64        `json:"openedTime"`
	LastProbeAt  int64        `json:"lastProbeTime"`
}

// RetryStateStore persists retry contexts and breaker snapshots. Saves are
// asynchronous by default with a bounded timeout; synchronous mode exists for
// tests. Failures here are infrastructure failures, never step failures.
type RetryStateStore interface {
	SaveRetry(ctx context.Context, rc RetryContext) error
	LoadRetry(ctx context.Context, runID, stepID string) (RetryContext, bool, error)
	DeleteRetry(ctx context.Context, runID, stepID string) error
	SaveBreaker(ctx context.Context, snap BreakerSnapshot) error
	LoadBreaker(ctx context.Context, workflowID, stepID string) (BreakerSnapshot, bool, error)
	// DeleteWorkflowState drops the workflow's breaker snapshots. Retry
	// contexts are keyed by run, not workflow, and are cleared per step
	// via DeleteRetry.
	DeleteWorkflowState(ctx context.Context, workflowID string) error
}

// RetryListener observes retry progress. Listener errors are logged and never
// block the retry machinery.
type RetryListener interface {
	BeforeRetry(ctx context.Context, rc RetryContext) error
	OnRetryFailure(ctx context.Context, rc RetryContext, err error) error
	OnRetryExhausted(ctx context.Context, rc RetryContext, err error) error
}

// notifyListeners fans an event out to all listeners, logging failures.
func notifyListeners(ctx context.Context, logger *slog.Logger, listeners []RetryListener,
	event string, rc RetryContext, cause error) {
	for _, l := range listeners {
		var err error
		switch event {
		case "beforeRetry":
			err = l.BeforeRetry(ctx, rc)
		case "onRetryFailure":
			err = l.OnRetryFailure(ctx, rc, cause)
		case "onRetryExhausted":
			err = l.OnRetryExhausted(ctx, rc, cause)
		}
		if err != nil {
			logger.Warn("retry listener failed", "event", event,
				"runId", rc.RunID, "stepId", rc.StepID, "error", err)
		}
	}
}

// --- In-memory store ---

// InMemoryRetryStateStore keeps retry and breaker state in maps. Writes are
// synchronous (there is nothing to defer); it serves single-instance
// deployments and tests.
type InMemoryRetryStateStore struct {
	mu       sync.Mutex
	retries  map[string]RetryContext    // runID + "\x00" + stepID
	breakers map[string]BreakerSnapshot // workflowID + "\x00" + stepID
}

var _ RetryStateStore = (*InMemoryRetryStateStore)(nil)

// NewInMemoryRetryStateStore creates an empty store.
func NewInMemoryRetryStateStore() *InMemoryRetryStateStore {
	return &InMemoryRetryStateStore{
		retries:  make(map[string]RetryContext),
		breakers: make(map[string]BreakerSnapshot),
	}
}

func pairKey(a, b string) string { return a + "\x00" + b }

// SaveRetry implements RetryStateStore.
func (s *InMemoryRetryStateStore) SaveRetry(_ context.Context, rc RetryContext) error {
	s.mu.Lock()
	s.retries[pairKey(rc.RunID, rc.StepID)] = rc
	s.mu.Unlock()
	return nil
}

// LoadRetry implements RetryStateStore.
func (s *InMemoryRetryStateStore) LoadRetry(_ context.Context, runID, stepID string) (RetryContext, bool, error) {
	s.mu.Lock()
	rc, ok := s.retries[pairKey(runID, stepID)]
	s.mu.Unlock()
	return rc, ok, nil
}

// DeleteRetry implements RetryStateStore.
func (s *InMemoryRetryStateStore) DeleteRetry(_ context.Context, runID, stepID string) error {
	s.mu.Lock()
	delete(s.retries, pairKey(runID, stepID))
	s.mu.Unlock()
	return nil
}

// SaveBreaker implements RetryStateStore.
func (s *InMemoryRetryStateStore) SaveBreaker(_ context.Context, snap BreakerSnapshot) error {
	s.mu.Lock()
	s.breakers[pairKey(snap.WorkflowID, snap.StepID)] = snap
	s.mu.Unlock()
	return nil
}

// LoadBreaker implements RetryStateStore.
func (s *InMemoryRetryStateStore) LoadBreaker(_ context.Context, workflowID, stepID string) (BreakerSnapshot, bool, error) {
	s.mu.Lock()
	snap, ok := s.breakers[pairKey(workflowID, stepID)]
	s.mu.Unlock()
	return snap, ok, nil
}

// DeleteWorkflowState implements RetryStateStore.
func (s *InMemoryRetryStateStore) DeleteWorkflowState(_ context.Context, workflowID string) error {
	s.mu.Lock()
	for k := range s.breakers {
		if s.breakers[k].WorkflowID == workflowID {
			delete(s.breakers, k)
		}
	}
	s.mu.Unlock()
	return nil
}

// --- Async wrapper ---

// AsyncRetryStateStore wraps a delegate so that saves happen off the step
// path under a timeout budget. Loads stay synchronous. Use the Synchronous
// option in tests to make saves immediate.
type AsyncRetryStateStore struct {
	delegate RetryStateStore
	timeout  time.Duration
	sync     bool
	logger   *slog.Logger
	wg       sync.WaitGroup
}

var _ RetryStateStore = (*AsyncRetryStateStore)(nil)

// AsyncStoreOption configures an AsyncRetryStateStore.
type AsyncStoreOption func(*AsyncRetryStateStore)

// Synchronous makes saves block until the delegate returns.
func Synchronous() AsyncStoreOption {
	return func(s *AsyncRetryStateStore) { s.sync = true }
}

// WithSaveTimeout bounds each background save (default 5s).
func WithSaveTimeout(d time.Duration) AsyncStoreOption {
	return func(s *AsyncRetryStateStore) { s.timeout = d }
}

// WithStoreLogger sets the logger for background save failures.
func WithStoreLogger(l *slog.Logger) AsyncStoreOption {
	return func(s *AsyncRetryStateStore) { s.logger = l }
}

// NewAsyncRetryStateStore wraps delegate with asynchronous saves.
func NewAsyncRetryStateStore(delegate RetryStateStore, opts ...AsyncStoreOption) *AsyncRetryStateStore {
	s := &AsyncRetryStateStore{delegate: delegate, timeout: 5 * time.Second, logger: nopLogger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AsyncRetryStateStore) save(what string, fn func(ctx context.Context) error) error {
	if s.sync {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		return fn(ctx)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn("retry state save failed", "what", what, "error", err)
		}
	}()
	return nil
}

// SaveRetry implements RetryStateStore.
func (s *AsyncRetryStateStore) SaveRetry(_ context.Context, rc RetryContext) error {
	return s.save("retry", func(ctx context.Context) error { return s.delegate.SaveRetry(ctx, rc) })
}

// LoadRetry implements RetryStateStore.
func (s *AsyncRetryStateStore) LoadRetry(ctx context.Context, runID, stepID string) (RetryContext, bool, error) {
	return s.delegate.LoadRetry(ctx, runID, stepID)
}

// DeleteRetry implements RetryStateStore.
func (s *AsyncRetryStateStore) DeleteRetry(_ context.Context, runID, stepID string) error {
	return s.save("retry delete", func(ctx context.Context) error { return s.delegate.DeleteRetry(ctx, runID, stepID) })
}

// SaveBreaker implements RetryStateStore.
func (s *AsyncRetryStateStore) SaveBreaker(_ context.Context, snap BreakerSnapshot) error {
	return s.save("breaker", func(ctx context.Context) error { return s.delegate.SaveBreaker(ctx, snap) })
}

// LoadBreaker implements RetryStateStore.
func (s *AsyncRetryStateStore) LoadBreaker(ctx context.Context, workflowID, stepID string) (BreakerSnapshot, bool, error) {
	return s.delegate.LoadBreaker(ctx, workflowID, stepID)
}

// DeleteWorkflowState implements RetryStateStore.
func (s *AsyncRetryStateStore) DeleteWorkflowState(_ context.Context, workflowID string) error {
	return s.save("workflow state delete", func(ctx context.Context) error {
		return s.delegate.DeleteWorkflowState(ctx, workflowID)
	})
}

// Drain waits for all pending background saves.
func (s *AsyncRetryStateStore) Drain() { s.wg.Wait() }
