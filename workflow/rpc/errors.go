package rpc

import "fmt"

// Code is a coordinator error code as it appears on the wire.
type Code string

const (
	CodeCheckpointLeasedByOtherWorker      Code = "checkpoint_leased_by_other_worker"
	CodeFencingTokenExpired                Code = "fencing_token_expired"
	CodeFencingTokenNotFound               Code = "fencing_token_not_found"
	CodeNestedWorkflowFencingTokenConflict Code = "nested_workflow_fencing_token_conflict"
	CodeLeaseTimeoutNotFound               Code = "lease_timeout_not_found"
	CodeNonDeterministicCheckpoint         Code = "non_deterministic_checkpoint_found"
	CodeWorkflowNotFound                   Code = "workflow_not_found"
)

// Retryable reports whether a runner may retry the call that failed with
// this code. Only a lease held by another worker is transient.
func (c Code) Retryable() bool {
	return c == CodeCheckpointLeasedByOtherWorker
}

// Error is a coordinator error. Two Errors match under errors.Is when their
// codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code    Code
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrCheckpointLeasedByOtherWorker      = &Error{Code: CodeCheckpointLeasedByOtherWorker}
	ErrFencingTokenExpired                = &Error{Code: CodeFencingTokenExpired}
	ErrFencingTokenNotFound               = &Error{Code: CodeFencingTokenNotFound}
	ErrNestedWorkflowFencingTokenConflict = &Error{Code: CodeNestedWorkflowFencingTokenConflict}
	ErrLeaseTimeoutNotFound               = &Error{Code: CodeLeaseTimeoutNotFound}
	ErrNonDeterministicCheckpoint         = &Error{Code: CodeNonDeterministicCheckpoint}
	ErrWorkflowNotFound                   = &Error{Code: CodeWorkflowNotFound}
)

var knownCodes = map[Code]bool{
	CodeCheckpointLeasedByOtherWorker:      true,
	CodeFencingTokenExpired:                true,
	CodeFencingTokenNotFound:               true,
	CodeNestedWorkflowFencingTokenConflict: true,
	CodeLeaseTimeoutNotFound:               true,
	CodeNonDeterministicCheckpoint:         true,
	CodeWorkflowNotFound:                   true,
}

// NewError creates an Error with a message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromCode returns the typed error for a wire code, or nil when the code is
// not one the coordinator defines.
func FromCode(code string) *Error {
	c := Code(code)
	if !knownCodes[c] {
		return nil
	}
	return &Error{Code: c}
}
