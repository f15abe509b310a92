package driftkit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failure for retry and propagation decisions.
// The engine inspects the kind, never the message text.
type ErrorKind string

const (
	// KindValidation covers schema binding failures, invalid properties,
	// and missing required fields. Never retried.
	KindValidation ErrorKind = "validation"
	// KindUnknownWorkflow signals a workflowId with no registered definition.
	KindUnknownWorkflow ErrorKind = "unknown_workflow"
	// KindUnknownStep signals a stepId missing from the workflow graph.
	KindUnknownStep ErrorKind = "unknown_step"
	// KindInvalidBranch signals a Branch result naming a step outside the
	// current step's declared next steps.
	KindInvalidBranch ErrorKind = "invalid_branch"
	// KindInvalidResume signals a resume against a messageId that is not the
	// run's single outstanding suspension.
	KindInvalidResume ErrorKind = "invalid_resume"
	// KindInvocationLimit signals a step's invocation guard tripped with
	// OnLimitFail policy.
	KindInvocationLimit ErrorKind = "invocation_limit_exceeded"
	// KindRetryable is a transient external failure; subject to retry policy.
	KindRetryable ErrorKind = "retryable"
	// KindPermanent is a non-retryable external failure; terminates the run.
	KindPermanent ErrorKind = "permanent"
	// KindTimeout is a deadline exceeded; subject to retry policy.
	KindTimeout ErrorKind = "timeout"
	// KindCircuitOpen short-circuits a step whose breaker is open.
	KindCircuitOpen ErrorKind = "circuit_open"
	// KindStructuredParse signals model output that does not conform to the
	// requested JSON schema.
	KindStructuredParse ErrorKind = "structured_parse"
	// KindToolDepth signals the agent tool-call loop ran past its cap.
	KindToolDepth ErrorKind = "tool_depth_exceeded"
	// KindCancelled is explicit cancellation.
	KindCancelled ErrorKind = "cancelled"
	// KindInfrastructure covers persistence and messaging failures.
	KindInfrastructure ErrorKind = "infrastructure"
	// KindNotFound covers missing sessions, chats, and runs.
	KindNotFound ErrorKind = "not_found"
	// KindPromptMissing signals a render attempt with no current prompt and
	// no fallback.
	KindPromptMissing ErrorKind = "prompt_missing"
)

// Error is the typed failure carried across all component boundaries.
// Callers match with errors.As and branch on Kind.
type Error struct {
	Kind    ErrorKind
	Message string
	// Field names the offending schema field for KindValidation errors.
	Field string
	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: field %q: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a typed error with the given kind and message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err with a kind, preserving the cause for errors.Is/As.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from err, or KindPermanent if err carries none.
// Context cancellation and deadline errors map to their dedicated kinds even
// when not wrapped.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var me *ModelError
	if errors.As(err, &me) {
		return me.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindPermanent
}

// IsRetryable reports whether err should be re-attempted under a retry policy.
// Only transient kinds qualify; validation, cancellation, and structural
// failures are final.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRetryable, KindTimeout:
		return true
	}
	return false
}

// --- Model client failures ---

// ModelError describes a failed model round-trip. The provider's raw message
// is preserved; RetryAfter is populated for rate-limit responses.
type ModelError struct {
	Kind       ErrorKind // KindRetryable, KindPermanent, KindTimeout, KindValidation
	Provider   string
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.Status)
}

// ProviderUnavailable creates a transient model failure.
func ProviderUnavailable(provider, msg string) *ModelError {
	return &ModelError{Kind: KindRetryable, Provider: provider, Status: 503, Message: msg}
}

// ProviderAuth creates a permanent authentication failure.
func ProviderAuth(provider, msg string) *ModelError {
	return &ModelError{Kind: KindPermanent, Provider: provider, Status: 401, Message: msg}
}

// BadRequest creates a permanent invalid-parameter failure.
func BadRequest(provider, msg string) *ModelError {
	return &ModelError{Kind: KindValidation, Provider: provider, Status: 400, Message: msg}
}

// RateLimited creates a transient rate-limit failure carrying the server's
// Retry-After hint.
func RateLimited(provider, msg string, retryAfter time.Duration) *ModelError {
	return &ModelError{Kind: KindRetryable, Provider: provider, Status: 429, Message: msg, RetryAfter: retryAfter}
}

// ModelTimeout creates a deadline-exceeded model failure.
func ModelTimeout(provider, msg string) *ModelError {
	return &ModelError{Kind: KindTimeout, Provider: provider, Status: 504, Message: msg}
}
