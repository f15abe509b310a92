package driftkit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// BreakerState is the circuit breaker's position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker counts consecutive failures of a step across all runs of a
// workflow, keyed by (workflowId, stepId). After the failure threshold the
// breaker opens and short-circuits invocations with KindCircuitOpen until the
// cooldown elapses; the first call after cooldown is a half-open probe.
// A cooldown of zero disables the breaker entirely.
type CircuitBreaker struct {
	mu        sync.Mutex
	entries   map[string]*breakerEntry
	threshold int
	cooldown  time.Duration
	clock     clockwork.Clock
	store     RetryStateStore
	logger    *slog.Logger
}

type breakerEntry struct {
	state        BreakerState
	failureCount int
	openedAt     time.Time
	lastProbeAt  time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock injects the clock, letting tests control cooldowns.
func WithBreakerClock(c clockwork.Clock) BreakerOption {
	return func(b *CircuitBreaker) { b.clock = c }
}

// WithBreakerStore persists snapshots through the retry state store.
// Persistence is best effort; store failures are logged.
func WithBreakerStore(s RetryStateStore) BreakerOption {
	return func(b *CircuitBreaker) { b.store = s }
}

// WithBreakerLogger sets the structured logger.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *CircuitBreaker) { b.logger = l }
}

// NewCircuitBreaker creates a breaker that opens after threshold consecutive
// failures and stays open for cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration, opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		entries:   make(map[string]*breakerEntry),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clockwork.NewRealClock(),
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether an invocation of the step may proceed. Returns a
// KindCircuitOpen error while the breaker is open; an expired cooldown moves
// it to HALF_OPEN and admits a single probe.
func (b *CircuitBreaker) Allow(workflowID, stepID string) error {
	if b.cooldown <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(workflowID, stepID)
	switch e.state {
	case BreakerOpen:
		if b.clock.Since(e.openedAt) < b.cooldown {
			return NewError(KindCircuitOpen, "circuit open for step %q in workflow %q", stepID, workflowID)
		}
		e.state = BreakerHalfOpen
		e.lastProbeAt = b.clock.Now()
		b.persist(workflowID, stepID, e)
		return nil
	case BreakerHalfOpen:
		// One probe at a time.
		return NewError(KindCircuitOpen, "circuit half-open for step %q in workflow %q, probe in flight", stepID, workflowID)
	default:
		return nil
	}
}

// RecordSuccess resets the breaker after a successful invocation.
func (b *CircuitBreaker) RecordSuccess(workflowID, stepID string) {
	if b.cooldown <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(workflowID, stepID)
	if e.state != BreakerClosed || e.failureCount != 0 {
		e.state = BreakerClosed
		e.failureCount = 0
		b.persist(workflowID, stepID, e)
	}
}

// RecordFailure counts a failed invocation; reaching the threshold, or
// failing the half-open probe, opens the breaker.
func (b *CircuitBreaker) RecordFailure(workflowID, stepID string) {
	if b.cooldown <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(workflowID, stepID)
	e.failureCount++
	if e.state == BreakerHalfOpen || e.failureCount >= b.threshold {
		e.state = BreakerOpen
		e.openedAt = b.clock.Now()
	}
	b.persist(workflowID, stepID, e)
}

// State returns the breaker position for a step.
func (b *CircuitBreaker) State(workflowID, stepID string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry(workflowID, stepID).state
}

// entry loads or creates the state for a key, consulting the store on miss.
func (b *CircuitBreaker) entry(workflowID, stepID string) *breakerEntry {
	key := pairKey(workflowID, stepID)
	if e, ok := b.entries[key]; ok {
		return e
	}
	e := &breakerEntry{state: BreakerClosed}
	if b.store != nil {
		if snap, ok, err := b.store.LoadBreaker(context.Background(), workflowID, stepID); err == nil && ok {
			e.state = snap.State
			e.failureCount = snap.FailureCount
			e.openedAt = time.UnixMilli(snap.OpenedAt)
			e.lastProbeAt = time.UnixMilli(snap.LastProbeAt)
		}
	}
	b.entries[key] = e
	return e
}

func (b *CircuitBreaker) persist(workflowID, stepID string, e *breakerEntry) {
	if b.store == nil {
		return
	}
	snap := BreakerSnapshot{
		WorkflowID:   workflowID,
		StepID:       stepID,
		State:        e.state,
		FailureCount: e.failureCount,
		OpenedAt:     e.openedAt.UnixMilli(),
		LastProbeAt:  e.lastProbeAt.UnixMilli(),
	}
	if err := b.store.SaveBreaker(context.Background(), snap); err != nil {
		b.logger.Warn("breaker snapshot save failed", "workflowId", workflowID, "stepId", stepID, "error", err)
	}
}
