// Package mirror implements the off-chain durable audit mirror: a relational
// reconstruction of the full governance history (proposals, approvals,
// executions, account migrations) plus an append-only audit log, fed by the
// state machine's event stream and reconcilable from authoritative state
// after an outage.
package mirror

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
)

// ProposalRow mirrors one upgrade proposal.
type ProposalRow struct {
	ID            string
	Kind          string
	TargetProgram string
	BufferRef     string
	Release       string
	Proposer      string
	Description   string
	ProposedAt    time.Time
	TimelockUntil time.Time
	Threshold     int
	Status        string
	ExecutedAt    *time.Time
}

// ApprovalRow mirrors one approval. (ProposalID, Approver) is unique.
type ApprovalRow struct {
	ID         string
	ProposalID string
	Approver   string
	ApprovedAt time.Time
}

// ExecutionRow mirrors the single execution of a proposal.
type ExecutionRow struct {
	ID         string
	ProposalID string
	BufferHash string
	ExecutedAt time.Time
}

// MigrationRow mirrors one account migration.
type MigrationRow struct {
	ID          string
	Account     string
	FromVersion int
	ToVersion   int
	Migrated    bool
	MigratedAt  time.Time
}

// AuditRow is one append-only audit log entry. (EntityID, Action, Seq) is
// the natural dedup key for at-least-once delivery; a redelivered event
// inserts nothing.
type AuditRow struct {
	ID         string
	Actor      string
	Action     string
	ProposalID string
	EntityID   string
	Seq        uint64
	Details    json.RawMessage
	CreatedAt  time.Time
}

// Store is the durable mirror backend. Upserts are idempotent; AppendAudit
// deduplicates on the natural key and never updates an existing row.
type Store interface {
	UpsertProposal(ctx context.Context, row ProposalRow) error
	UpsertApproval(ctx context.Context, row ApprovalRow) error
	UpsertExecution(ctx context.Context, row ExecutionRow) error
	UpsertMigration(ctx context.Context, row MigrationRow) error
	AppendAudit(ctx context.Context, row AuditRow) error

	GetProposal(ctx context.Context, proposalID string) (*ProposalRow, error)
	ListAuditFor(ctx context.Context, entityID string) ([]AuditRow, error)
	HasAudit(ctx context.Context, entityID, action string, seq uint64) (bool, error)

	Close() error
}

// auditRowFromEvent maps a committed domain event onto its audit log row.
func auditRowFromEvent(id string, event contracts.Event) (AuditRow, error) {
	details, err := json.Marshal(event.Detail)
	if err != nil {
		return AuditRow{}, &contracts.PersistenceError{Op: "encode_audit_details", Err: err}
	}
	return AuditRow{
		ID:         id,
		Actor:      event.Actor,
		Action:     string(event.Kind),
		ProposalID: event.ProposalID,
		EntityID:   event.EntityID,
		Seq:        event.Seq,
		Details:    details,
		CreatedAt:  event.At,
	}, nil
}
