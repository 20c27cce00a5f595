package contracts

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel lookup failures.
var (
	ErrProposalNotFound  = errors.New("proposal not found")
	ErrConfigNotFound    = errors.New("governance config not initialized")
	ErrMigrationNotFound = errors.New("migration record not found")
)

// AuthorizationError indicates the caller is not permitted to perform the
// action (not in the approver set, not a guardian). Never retried.
type AuthorizationError struct {
	Actor  string
	Action string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s not authorized for %s", e.Actor, e.Action)
}

// StateError indicates the operation is invalid for the proposal's current
// status ("already executed", "already cancelled", "not yet approved").
type StateError struct {
	ProposalID string
	Status     Status
	Reason     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("proposal %s in status %s: %s", e.ProposalID, e.Status, e.Reason)
}

// DuplicateApprovalError indicates the approver already has a recorded
// approval for the proposal. The original approval stands untouched.
type DuplicateApprovalError struct {
	ProposalID string
	Approver   string
}

func (e *DuplicateApprovalError) Error() string {
	return fmt.Sprintf("approver %s already approved proposal %s", e.Approver, e.ProposalID)
}

// TimelockError indicates execution was attempted before the timelock elapsed.
// Retryable once Until has passed.
type TimelockError struct {
	ProposalID string
	Until      time.Time
	Now        time.Time
}

func (e *TimelockError) Error() string {
	return fmt.Sprintf("proposal %s timelocked until %s (now %s)",
		e.ProposalID, e.Until.Format(time.RFC3339), e.Now.Format(time.RFC3339))
}

// HashMismatchError indicates the buffer hash supplied at execution does not
// match the independently computed content hash. Hard failure, no side effects.
type HashMismatchError struct {
	Buffer BufferRef
	Want   string
	Got    string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("buffer %s hash mismatch: verified %s, supplied %s", e.Buffer, e.Want, e.Got)
}

// PersistenceError wraps an audit-mirror write failure. Recovered locally via
// retry and reconciliation; never propagated into governance operations.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("mirror %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Retryable reports whether an operation error is transient from the
// orchestration service's point of view. Authorization, state, duplicate
// and hash-mismatch failures indicate a bug or an attack and must halt
// rather than be silently retried.
func Retryable(err error) bool {
	var (
		authErr *AuthorizationError
		stErr   *StateError
		dupErr  *DuplicateApprovalError
		hashErr *HashMismatchError
	)
	if errors.As(err, &authErr) || errors.As(err, &stErr) ||
		errors.As(err, &dupErr) || errors.As(err, &hashErr) {
		return false
	}
	var tlErr *TimelockError
	if errors.As(err, &tlErr) {
		return true
	}
	var pErr *PersistenceError
	return errors.As(err, &pErr)
}
