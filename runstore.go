package driftkit

import (
	"context"
	"sync"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSuspended RunStatus = "SUSPENDED"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// StepOutput records one step's committed output, in execution order.
type StepOutput struct {
	StepID string `json:"stepId"`
	Data   any    `json:"data"`
	At     int64  `json:"time"`
}

// WorkflowRun is the persisted state of one workflow execution. The run
// exclusively owns its step outputs; readers get defensive copies.
type WorkflowRun struct {
	RunID            string            `json:"runId"`
	WorkflowID       string            `json:"workflowId"`
	ChatID           string            `json:"chatId,omitempty"`
	Status           RunStatus         `json:"status"`
	CurrentStepID    string            `json:"currentStepId"`
	TriggerData      map[string]string `json:"triggerData,omitempty"`
	StepOutputs      []StepOutput      `json:"stepOutputs"`
	CustomData       map[string]string `json:"customData,omitempty"`
	InvocationCounts map[string]int    `json:"invocationCounts,omitempty"`
	// Suspension marker: the single outstanding messageId while SUSPENDED.
	SuspendedMessageID string     `json:"suspendedMessageId,omitempty"`
	SuspendedAsync     bool       `json:"suspendedAsync,omitempty"`
	NextSchema         *SchemaRef `json:"nextSchema,omitempty"`
	ErrorKind          ErrorKind  `json:"errorKind,omitempty"`
	ErrorMessage       string     `json:"errorMessage,omitempty"`
	CreatedAt          int64      `json:"createdTime"`
	UpdatedAt          int64      `json:"updatedTime"`
}

// LastOutput returns the most recent step output, if any.
func (r *WorkflowRun) LastOutput() (StepOutput, bool) {
	if len(r.StepOutputs) == 0 {
		return StepOutput{}, false
	}
	return r.StepOutputs[len(r.StepOutputs)-1], true
}

// OutputOf returns the most recent output committed for stepID.
func (r *WorkflowRun) OutputOf(stepID string) (StepOutput, bool) {
	for i := len(r.StepOutputs) - 1; i >= 0; i-- {
		if r.StepOutputs[i].StepID == stepID {
			return r.StepOutputs[i], true
		}
	}
	return StepOutput{}, false
}

// clone returns a defensive copy of the run.
func (r *WorkflowRun) clone() WorkflowRun {
	cp := *r
	cp.TriggerData = copyMap(r.TriggerData)
	cp.CustomData = copyMap(r.CustomData)
	if r.InvocationCounts != nil {
		cp.InvocationCounts = make(map[string]int, len(r.InvocationCounts))
		for k, v := range r.InvocationCounts {
			cp.InvocationCounts[k] = v
		}
	}
	cp.StepOutputs = append([]StepOutput(nil), r.StepOutputs...)
	if r.NextSchema != nil {
		ref := *r.NextSchema
		cp.NextSchema = &ref
	}
	return cp
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ContextRepository persists workflow runs. Save must be atomic per run and
// happen on every transition; Find must return a defensive copy.
type ContextRepository interface {
	Save(ctx context.Context, run WorkflowRun) error
	Find(ctx context.Context, runID string) (WorkflowRun, bool, error)
	Delete(ctx context.Context, runID string) error
	Exists(ctx context.Context, runID string) (bool, error)
}

// InMemoryContextRepository is a ContextRepository for single-instance
// deployments. Safe for concurrent use.
type InMemoryContextRepository struct {
	mu   sync.RWMutex
	runs map[string]WorkflowRun
}

var _ ContextRepository = (*InMemoryContextRepository)(nil)

// NewInMemoryContextRepository creates an empty repository.
func NewInMemoryContextRepository() *InMemoryContextRepository {
	return &InMemoryContextRepository{runs: make(map[string]WorkflowRun)}
}

// Save implements ContextRepository.
func (s *InMemoryContextRepository) Save(_ context.Context, run WorkflowRun) error {
	s.mu.Lock()
	s.runs[run.RunID] = run.clone()
	s.mu.Unlock()
	return nil
}

// Find implements ContextRepository.
func (s *InMemoryContextRepository) Find(_ context.Context, runID string) (WorkflowRun, bool, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return WorkflowRun{}, false, nil
	}
	return run.clone(), true, nil
}

// Delete implements ContextRepository.
func (s *InMemoryContextRepository) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
	return nil
}

// Exists implements ContextRepository.
func (s *InMemoryContextRepository) Exists(_ context.Context, runID string) (bool, error) {
	s.mu.RLock()
	_, ok := s.runs[runID]
	s.mu.RUnlock()
	return ok, nil
}
