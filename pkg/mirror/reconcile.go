package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
	"github.com/Mindburn-Labs/tiller/core/pkg/upgrade"
)

// configEntityID is the entity id the governance service stamps on
// config.updated events.
const configEntityID = "config"

// Report summarizes one reconciliation pass.
type Report struct {
	Proposals  int `json:"proposals"`
	Approvals  int `json:"approvals"`
	Executions int `json:"executions"`
	Migrations int `json:"migrations"`
	Backfilled int `json:"backfilled_audit_rows"`
}

// Reconciler closes gaps between the authoritative state and the mirror. It
// runs on mirror startup (and optionally on a schedule): a recovery scan,
// not a live subscription. Every write it performs is idempotent, so a
// reconciliation pass racing live consumption is harmless.
type Reconciler struct {
	store      Store
	source     Source
	migrations MigrationSource
}

// NewReconciler creates a reconciler over the same backends as the consumer.
func NewReconciler(store Store, source Source, migrations MigrationSource) *Reconciler {
	return &Reconciler{store: store, source: source, migrations: migrations}
}

// Reconcile scans the authoritative state, upserts every domain row and
// backfills audit entries the live stream missed. Backfilled entries carry
// reconstructed sequence numbers matching the live numbering, so the
// (entity, action, seq) dedup key prevents double rows.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	report := &Report{}

	proposals, err := r.source.ListProposals(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range proposals {
		if err := r.reconcileProposal(ctx, p, report); err != nil {
			return nil, err
		}
	}

	if err := r.reconcileConfig(ctx, proposals, report); err != nil {
		return nil, err
	}

	if r.migrations != nil {
		records, err := r.migrations.ListAll(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if err := r.store.UpsertMigration(ctx, migrationRowFrom(rec)); err != nil {
				return nil, err
			}
			report.Migrations++
			if rec.Migrated {
				n, err := r.backfill(ctx, AuditRow{
					ID:       uuid.New().String(),
					Action:   string(contracts.EventAccountMigrated),
					EntityID: string(rec.Account),
					Seq:      rec.Seq,
					Details: mustDetails(map[string]any{
						"from_version": rec.FromVersion,
						"to_version":   rec.ToVersion,
					}),
					CreatedAt: rec.MigratedAt,
				})
				if err != nil {
					return nil, err
				}
				report.Backfilled += n
			}
		}
	}
	return report, nil
}

func (r *Reconciler) reconcileProposal(ctx context.Context, p *upgrade.Proposal, report *Report) error {
	if err := r.store.UpsertProposal(ctx, proposalRowFrom(p)); err != nil {
		return err
	}
	report.Proposals++

	approvals, err := r.source.ListApprovals(ctx, p.ID)
	if err != nil {
		return err
	}
	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].ApprovedAt.Before(approvals[j].ApprovedAt)
	})
	for _, a := range approvals {
		err := r.store.UpsertApproval(ctx, ApprovalRow{
			ID:         uuid.New().String(),
			ProposalID: a.ProposalID,
			Approver:   a.Approver,
			ApprovedAt: a.ApprovedAt,
		})
		if err != nil {
			return err
		}
		report.Approvals++
	}

	var exec *upgrade.Execution
	exec, err = r.source.GetExecution(ctx, p.ID)
	if err != nil && !errors.Is(err, contracts.ErrProposalNotFound) {
		return err
	}
	if exec != nil {
		err := r.store.UpsertExecution(ctx, ExecutionRow{
			ID:         uuid.New().String(),
			ProposalID: exec.ProposalID,
			BufferHash: exec.BufferHash,
			ExecutedAt: exec.ExecutedAt,
		})
		if err != nil {
			return err
		}
		report.Executions++
	}

	for _, row := range expectedAudit(p, approvals, exec) {
		n, err := r.backfill(ctx, row)
		if err != nil {
			return err
		}
		report.Backfilled += n
	}
	return nil
}

// reconcileConfig backfills the config entity's audit trail. Version 1 is
// the initialization; each executed config-kind proposal bumped the version
// by one, in execution order, so the j-th of them produced version j+1.
func (r *Reconciler) reconcileConfig(ctx context.Context, proposals []*upgrade.Proposal, report *Report) error {
	cfg, err := r.source.Config(ctx)
	if err != nil {
		if errors.Is(err, contracts.ErrConfigNotFound) {
			return nil
		}
		return err
	}

	var changes []*upgrade.Proposal
	for _, p := range proposals {
		if p.Kind == contracts.KindConfig && p.Status == contracts.StatusExecuted {
			changes = append(changes, p)
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		ti, tj := changes[i].ProposedAt, changes[j].ProposedAt
		if changes[i].ExecutedAt != nil {
			ti = *changes[i].ExecutedAt
		}
		if changes[j].ExecutedAt != nil {
			tj = *changes[j].ExecutedAt
		}
		return ti.Before(tj)
	})

	rows := []AuditRow{{
		ID:        uuid.New().String(),
		Action:    string(contracts.EventConfigUpdated),
		EntityID:  configEntityID,
		Seq:       1,
		Details:   mustDetails(map[string]any{"version": 1}),
		CreatedAt: time.Now().UTC(),
	}}
	if cfg.Version == 1 {
		// Nothing has replaced the initial config, so its content is
		// still fully known.
		rows[0].Details = mustDetails(map[string]any{
			"version":      cfg.Version,
			"threshold":    cfg.Threshold,
			"approvers":    cfg.Approvers,
			"min_timelock": cfg.MinTimelock.String(),
		})
	}
	for j, p := range changes {
		version := j + 2
		details := map[string]any{"version": version}
		if pc := p.PendingConfig; pc != nil {
			details["threshold"] = pc.Threshold
			details["approvers"] = pc.Approvers
		}
		row := AuditRow{
			ID:        uuid.New().String(),
			Action:    string(contracts.EventConfigUpdated),
			EntityID:  configEntityID,
			Seq:       uint64(version),
			Details:   mustDetails(details),
			CreatedAt: time.Now().UTC(),
		}
		if p.ExecutedAt != nil {
			row.CreatedAt = *p.ExecutedAt
		}
		rows = append(rows, row)
	}

	for _, row := range rows {
		n, err := r.backfill(ctx, row)
		if err != nil {
			return err
		}
		report.Backfilled += n
	}
	return nil
}

// backfill inserts the audit row only when its natural key is absent.
func (r *Reconciler) backfill(ctx context.Context, row AuditRow) (int, error) {
	present, err := r.store.HasAudit(ctx, row.EntityID, row.Action, row.Seq)
	if err != nil {
		return 0, err
	}
	if present {
		return 0, nil
	}
	if err := r.store.AppendAudit(ctx, row); err != nil {
		return 0, err
	}
	return 1, nil
}

// expectedAudit reconstructs the audit entries a proposal's committed
// transitions must have produced, with the same per-entity sequence
// numbering the live emission uses: creation is seq 1, the k-th approval is
// seq k+1 until the threshold approval, which also arms the timelock at
// seq threshold+2; later approvals continue at k+2; the terminal
// transition carries the proposal's final TransitionSeq.
func expectedAudit(p *upgrade.Proposal, approvals []*upgrade.Approval, exec *upgrade.Execution) []AuditRow {
	var created map[string]any
	if p.Kind == contracts.KindConfig {
		created = map[string]any{
			"kind":        string(contracts.KindConfig),
			"digest":      strings.TrimPrefix(string(p.Buffer), "config:"),
			"description": p.Description,
		}
	} else {
		created = map[string]any{
			"program":     string(p.Program),
			"buffer":      string(p.Buffer),
			"release":     p.Release,
			"description": p.Description,
		}
	}
	rows := []AuditRow{{
		ID:         uuid.New().String(),
		Actor:      p.Proposer,
		Action:     string(contracts.EventProposalCreated),
		ProposalID: p.ID,
		EntityID:   p.ID,
		Seq:        1,
		Details:    mustDetails(created),
		CreatedAt:  p.ProposedAt,
	}}

	armed := !p.TimelockUntil.IsZero()
	for i, a := range approvals {
		k := uint64(i + 1)
		seq := k + 1
		if armed && i+1 > p.Threshold {
			seq = k + 2
		}
		rows = append(rows, AuditRow{
			ID:         uuid.New().String(),
			Actor:      a.Approver,
			Action:     string(contracts.EventApprovalRecorded),
			ProposalID: p.ID,
			EntityID:   p.ID,
			Seq:        seq,
			Details:    mustDetails(map[string]any{"approver": a.Approver}),
			CreatedAt:  a.ApprovedAt,
		})
		if armed && i+1 == p.Threshold {
			rows = append(rows, AuditRow{
				ID:         uuid.New().String(),
				Actor:      a.Approver,
				Action:     string(contracts.EventTimelockActive),
				ProposalID: p.ID,
				EntityID:   p.ID,
				Seq:        seq + 1,
				Details: mustDetails(map[string]any{
					"threshold":      p.Threshold,
					"timelock_until": p.TimelockUntil,
				}),
				CreatedAt: p.TimelockUntil.Add(-p.MinTimelock),
			})
		}
	}

	switch p.Status {
	case contracts.StatusExecuted:
		at := p.ProposedAt
		details := map[string]any{}
		if exec != nil {
			at = exec.ExecutedAt
			details["buffer_hash"] = exec.BufferHash
			details["approved_by"] = exec.ApprovedBy
		} else if p.ExecutedAt != nil {
			at = *p.ExecutedAt
		}
		rows = append(rows, AuditRow{
			ID:         uuid.New().String(),
			Action:     string(contracts.EventExecuted),
			ProposalID: p.ID,
			EntityID:   p.ID,
			Seq:        p.TransitionSeq,
			Details:    mustDetails(details),
			CreatedAt:  at,
		})
	case contracts.StatusCancelled:
		rows = append(rows, AuditRow{
			ID:         uuid.New().String(),
			Action:     string(contracts.EventCancelled),
			ProposalID: p.ID,
			EntityID:   p.ID,
			Seq:        p.TransitionSeq,
			CreatedAt:  time.Now().UTC(),
		})
	}
	return rows
}

func mustDetails(m map[string]any) json.RawMessage {
	b, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
