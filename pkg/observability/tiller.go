// Domain-specific instrumentation helpers and attribute conventions.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Governance semantic convention attributes.
var (
	AttrProposalID = attribute.Key("tiller.proposal.id")
	AttrProgram    = attribute.Key("tiller.proposal.program")
	AttrStatus     = attribute.Key("tiller.proposal.status")
	AttrRelease    = attribute.Key("tiller.proposal.release")
	AttrApprover   = attribute.Key("tiller.approval.approver")
	AttrActor      = attribute.Key("tiller.actor")
	AttrEventKind  = attribute.Key("tiller.event.kind")
	AttrAccount    = attribute.Key("tiller.migration.account")
	AttrToVersion  = attribute.Key("tiller.migration.to_version")
	AttrMirrorOp   = attribute.Key("tiller.mirror.op")
)

// ProposalOperation creates attributes for proposal lifecycle operations.
func ProposalOperation(proposalID, program, status, actor string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProposalID.String(proposalID),
		AttrProgram.String(program),
		AttrStatus.String(status),
		AttrActor.String(actor),
	}
}

// ApprovalOperation creates attributes for approval submissions.
func ApprovalOperation(proposalID, approver string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProposalID.String(proposalID),
		AttrApprover.String(approver),
	}
}

// MigrationOperation creates attributes for account migrations.
func MigrationOperation(account string, toVersion int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAccount.String(account),
		AttrToVersion.Int(toVersion),
	}
}

// MirrorOperation creates attributes for mirror writes.
func MirrorOperation(op, eventKind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMirrorOp.String(op),
		AttrEventKind.String(eventKind),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
