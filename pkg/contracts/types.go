// Package contracts defines the shared domain types of the Tiller upgrade
// governance kernel: identities, proposal lifecycle states, domain events,
// and the error taxonomy surfaced by governance operations.
package contracts

import (
	"time"
)

// ProgramID identifies an upgradeable on-chain program.
type ProgramID string

// BufferRef points at the pending replacement program content
// (a content-addressed blob reference, e.g. "sha256:..." or a buffer account key).
type BufferRef string

// AccountID identifies a per-user account whose data layout is versioned.
type AccountID string

// Status is the lifecycle state of an upgrade proposal.
type Status string

const (
	StatusProposed       Status = "PROPOSED"
	StatusApproved       Status = "APPROVED"
	StatusTimelockActive Status = "TIMELOCK_ACTIVE"
	StatusExecuted       Status = "EXECUTED"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// AcceptsApproval reports whether an approval may still be recorded.
// Approvals after TimelockActive are recorded for audit completeness but
// never re-trigger timelock computation; approvals after a terminal state
// are rejected.
func (s Status) AcceptsApproval() bool {
	switch s {
	case StatusProposed, StatusApproved, StatusTimelockActive:
		return true
	}
	return false
}

// ProposalKind distinguishes what an executed proposal applies.
type ProposalKind string

const (
	// KindProgram upgrades the target program to the proposed buffer.
	KindProgram ProposalKind = "PROGRAM"
	// KindConfig replaces the governance config; config changes go through
	// the same threshold-and-timelock discipline as program upgrades.
	KindConfig ProposalKind = "CONFIG"
)

// PendingUpgrade is the execution snapshot handed to the external upgrade
// authority once a proposal has been executed.
type PendingUpgrade struct {
	ProposalID   string    `json:"proposal_id"`
	Program      ProgramID `json:"program"`
	Buffer       BufferRef `json:"buffer"`
	BufferHash   string    `json:"buffer_hash"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	ProposedAt   time.Time `json:"proposed_at"`
	ApprovedBy   []string  `json:"approved_by"`
	ReleaseLabel string    `json:"release_label"`
}
