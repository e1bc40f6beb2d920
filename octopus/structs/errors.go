package structs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrResourceExhausted is returned when no licence token is available
	// for a command. The command stays READY and is retried next tick.
	ErrResourceExhausted = errors.New("no licence token available")

	// ErrWorkerUnavailable is returned when the dispatch RPC to a render
	// node fails. The command reverts to READY with its attempt counter
	// unchanged.
	ErrWorkerUnavailable = errors.New("render node unavailable")

	// ErrUnknownNode is returned by control operations targeting a node id
	// that does not exist in the dispatch tree.
	ErrUnknownNode = errors.New("unknown node")
)

// ValidationError reports a malformed submission: bad JSON, unknown enum,
// bad edge shape or an out-of-range node index.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

// DependencyCycleError reports a cycle in the dependency graph. Chain holds
// the node names along the cycle, first node repeated last.
type DependencyCycleError struct {
	Chain []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Chain, " -> "))
}

// GraphSubmissionError reports a transport-level or server-side rejection of
// a submission that passed local validation.
type GraphSubmissionError struct {
	StatusCode int
	Reason     string
}

func (e *GraphSubmissionError) Error() string {
	return fmt.Sprintf("graph submission failed: status %d: %s", e.StatusCode, e.Reason)
}

// ExecutionError reports a command failure from a worker. It is subject to
// the retry policy and terminal once the attempt budget is spent.
type ExecutionError struct {
	CommandID int64
	Message   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("command %d failed: %s", e.CommandID, e.Message)
}

// PersistenceError wraps a failed store transaction. The in-memory dispatch
// tree stays authoritative and the operation queues are retried next flush.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
