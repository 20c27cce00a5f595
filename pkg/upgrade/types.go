// Package upgrade implements the governance state machine for live program
// upgrades: the proposal lifecycle (propose, approve, timelock, execute or
// cancel), the governance config store, and the consistency contract with
// the audit chain. All authoritative state lives in the ledger arena;
// every operation is a single atomic ledger transaction.
package upgrade

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
)

// MinTimelockFloor is the hard lower bound on the timelock duration.
// Configs requesting less are clamped up, never down.
const MinTimelockFloor = 48 * time.Hour

// Config is the governance configuration: who may approve, how many
// approvals are required, and how long execution must wait after approval.
// Config is versioned; updates go through the same proposal discipline as
// program upgrades and bump Version by one.
type Config struct {
	Version     int                `json:"version"`
	Approvers   []string           `json:"approvers"`
	Threshold   int                `json:"threshold"`
	MinTimelock time.Duration      `json:"min_timelock"`
	Guardian    string             `json:"guardian,omitempty"`
	Program     contracts.ProgramID `json:"program"`
}

// Validate checks the structural invariants of a config.
func (c Config) Validate() error {
	if len(c.Approvers) == 0 {
		return fmt.Errorf("config: approver set must not be empty")
	}
	seen := make(map[string]bool, len(c.Approvers))
	for _, a := range c.Approvers {
		if a == "" {
			return fmt.Errorf("config: empty approver identity")
		}
		if seen[a] {
			return fmt.Errorf("config: duplicate approver %s", a)
		}
		seen[a] = true
	}
	if c.Threshold < 1 {
		return fmt.Errorf("config: threshold must be positive")
	}
	if c.Threshold > len(c.Approvers) {
		return fmt.Errorf("config: threshold %d exceeds approver set size %d",
			c.Threshold, len(c.Approvers))
	}
	return nil
}

// Proposal is an upgrade proposal. Threshold and MinTimelock are snapshots
// of the config at creation time; later config changes never retroactively
// affect an in-flight proposal.
type Proposal struct {
	ID            string                 `json:"id"`
	Kind          contracts.ProposalKind `json:"kind"`
	Proposer      string                 `json:"proposer"`
	Program       contracts.ProgramID    `json:"program"`
	Buffer        contracts.BufferRef    `json:"buffer"`
	Release       string                 `json:"release,omitempty"`
	Description   string                 `json:"description"`
	ProposedAt    time.Time              `json:"proposed_at"`
	TimelockUntil time.Time              `json:"timelock_until"`
	Threshold     int                    `json:"threshold"`
	MinTimelock   time.Duration          `json:"min_timelock"`
	Status        contracts.Status       `json:"status"`
	ExecutedAt    *time.Time             `json:"executed_at,omitempty"`

	// TransitionSeq counts committed transitions of this proposal; it is
	// the per-entity sequence carried on emitted events.
	TransitionSeq uint64 `json:"transition_seq"`

	// PendingConfig is set on config-kind proposals only.
	PendingConfig *Config `json:"pending_config,omitempty"`
}

// Approval records one approver's vote. At most one exists per
// (proposal, approver) pair.
type Approval struct {
	ProposalID string    `json:"proposal_id"`
	Approver   string    `json:"approver"`
	ApprovedAt time.Time `json:"approved_at"`
}

// Execution is created exactly once per executed proposal; its existence is
// equivalent to status Executed.
type Execution struct {
	ProposalID string    `json:"proposal_id"`
	BufferHash string    `json:"buffer_hash"`
	ExecutedAt time.Time `json:"executed_at"`
	ApprovedBy []string  `json:"approved_by"`
}

// ProgramState tracks the released version of a governed program and the
// pending-upgrade snapshot handed to the external upgrade authority.
type ProgramState struct {
	Program        contracts.ProgramID       `json:"program"`
	CurrentRelease string                    `json:"current_release,omitempty"`
	Pending        *contracts.PendingUpgrade `json:"pending,omitempty"`
}

// Arena key layout. Approvals are distinct records keyed by approver so
// concurrent approvals from distinct approvers never conflict on write.
const (
	keyConfig = "config"
)

func keyProposal(id string) string              { return "proposal/" + id }
func keyApproval(pid, approver string) string   { return "approval/" + pid + "/" + approver }
func approvalPrefix(pid string) string          { return "approval/" + pid + "/" }
func keyExecution(pid string) string            { return "execution/" + pid }
func keyProgram(p contracts.ProgramID) string   { return "program/" + string(p) }
