package contracts

import "time"

// EventKind tags a committed state transition.
type EventKind string

const (
	EventProposalCreated  EventKind = "proposal.created"
	EventApprovalRecorded EventKind = "proposal.approved"
	EventTimelockActive   EventKind = "proposal.timelock_activated"
	EventExecuted         EventKind = "proposal.executed"
	EventCancelled        EventKind = "proposal.cancelled"
	EventAccountMigrated  EventKind = "account.migrated"
	EventConfigUpdated    EventKind = "config.updated"
)

// Event is emitted synchronously after each committed transition of the
// governance state machine or the migration tracker. Seq is the per-entity
// transition counter; (EntityID, Kind, Seq) is the natural dedup key for
// at-least-once consumers.
type Event struct {
	Kind       EventKind      `json:"kind"`
	EntityID   string         `json:"entity_id"` // proposal id or account id
	ProposalID string         `json:"proposal_id,omitempty"`
	Account    AccountID      `json:"account,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Seq        uint64         `json:"seq"`
	At         time.Time      `json:"at"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// EventSink consumes committed transitions. Sinks run on the critical path
// of an operation only synchronously enough to hand the event off; a failing
// sink must never fail or roll back the transition that produced the event.
type EventSink interface {
	Publish(event Event) error
}
