package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
	"github.com/Mindburn-Labs/tiller/core/pkg/migrate"
	"github.com/Mindburn-Labs/tiller/core/pkg/upgrade"
)

// Source exposes the authoritative governance state for mirroring and
// reconciliation. *upgrade.Service satisfies it.
type Source interface {
	ListProposals(ctx context.Context) ([]*upgrade.Proposal, error)
	GetProposal(ctx context.Context, proposalID string) (*upgrade.Proposal, error)
	ListApprovals(ctx context.Context, proposalID string) ([]*upgrade.Approval, error)
	GetExecution(ctx context.Context, proposalID string) (*upgrade.Execution, error)
	Config(ctx context.Context) (*upgrade.Config, error)
}

// MigrationSource exposes authoritative migration records. *migrate.Tracker
// satisfies it.
type MigrationSource interface {
	ListAll(ctx context.Context) ([]*migrate.Record, error)
}

const defaultBufferSize = 256

// Consumer is the mirror's event intake: an EventSink that hands committed
// transitions off to a background writer. The hand-off never blocks a
// governance operation; when the buffer is full the event is dropped and
// left for reconciliation to backfill.
type Consumer struct {
	store      Store
	source     Source
	migrations MigrationSource
	events     chan contracts.Event
	logger     *slog.Logger

	maxAttempts int
	baseBackoff time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewConsumer creates a consumer writing to store, re-reading authoritative
// rows from source. Call Start before publishing.
func NewConsumer(store Store, source Source, migrations MigrationSource) *Consumer {
	return &Consumer{
		store:       store,
		source:      source,
		migrations:  migrations,
		events:      make(chan contracts.Event, defaultBufferSize),
		logger:      slog.Default().With("component", "mirror"),
		maxAttempts: 3,
		baseBackoff: 100 * time.Millisecond,
	}
}

// SetLogger replaces the default logger.
func (c *Consumer) SetLogger(l *slog.Logger) { c.logger = l.With("component", "mirror") }

// Start launches the background writer.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
}

// Close drains buffered events and stops the writer. Closing twice is a
// no-op, and Publish stays safe to call afterwards.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()

	c.wg.Wait()
	if c.cancel != nil {
		c.cancel()
	}
}

// Publish implements contracts.EventSink. It never blocks: a full buffer
// drops the event with a warning, and the gap is closed by Reconcile.
// After Close the event is dropped the same way.
func (c *Consumer) Publish(event contracts.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.logger.Warn("mirror closed, dropping event",
			"kind", string(event.Kind), "entity", event.EntityID, "seq", event.Seq)
		return nil
	}
	select {
	case c.events <- event:
		return nil
	default:
		c.logger.Warn("mirror buffer full, dropping event",
			"kind", string(event.Kind), "entity", event.EntityID, "seq", event.Seq)
		return nil
	}
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()
	for event := range c.events {
		c.applyWithRetry(ctx, event)
	}
}

func (c *Consumer) applyWithRetry(ctx context.Context, event contracts.Event) {
	backoff := c.baseBackoff
	for attempt := 1; ; attempt++ {
		err := c.apply(ctx, event)
		if err == nil {
			return
		}
		if attempt >= c.maxAttempts || !contracts.Retryable(err) {
			c.logger.Error("mirror write failed",
				"kind", string(event.Kind), "entity", event.EntityID,
				"seq", event.Seq, "attempts", attempt, "err", err)
			return
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}
}

func (c *Consumer) apply(ctx context.Context, event contracts.Event) error {
	row, err := auditRowFromEvent(uuid.New().String(), event)
	if err != nil {
		return err
	}
	if err := c.store.AppendAudit(ctx, row); err != nil {
		return err
	}

	switch event.Kind {
	case contracts.EventProposalCreated,
		contracts.EventApprovalRecorded,
		contracts.EventTimelockActive,
		contracts.EventExecuted,
		contracts.EventCancelled:
		return c.syncProposal(ctx, event.ProposalID)
	case contracts.EventAccountMigrated:
		return c.syncAccount(ctx, event.Account)
	}
	return nil
}

// syncProposal re-reads the authoritative proposal and upserts its rows,
// so the mirror converges even when event details are stale or partial.
func (c *Consumer) syncProposal(ctx context.Context, proposalID string) error {
	proposal, err := c.source.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if err := c.store.UpsertProposal(ctx, proposalRowFrom(proposal)); err != nil {
		return err
	}

	approvals, err := c.source.ListApprovals(ctx, proposalID)
	if err != nil {
		return err
	}
	for _, a := range approvals {
		row := ApprovalRow{
			ID:         uuid.New().String(),
			ProposalID: a.ProposalID,
			Approver:   a.Approver,
			ApprovedAt: a.ApprovedAt,
		}
		if err := c.store.UpsertApproval(ctx, row); err != nil {
			return err
		}
	}

	exec, err := c.source.GetExecution(ctx, proposalID)
	if err != nil {
		if errors.Is(err, contracts.ErrProposalNotFound) {
			return nil
		}
		return err
	}
	return c.store.UpsertExecution(ctx, ExecutionRow{
		ID:         uuid.New().String(),
		ProposalID: exec.ProposalID,
		BufferHash: exec.BufferHash,
		ExecutedAt: exec.ExecutedAt,
	})
}

func (c *Consumer) syncAccount(ctx context.Context, account contracts.AccountID) error {
	if c.migrations == nil {
		return nil
	}
	records, err := c.migrations.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Account != account {
			continue
		}
		if err := c.store.UpsertMigration(ctx, migrationRowFrom(r)); err != nil {
			return err
		}
	}
	return nil
}

func proposalRowFrom(p *upgrade.Proposal) ProposalRow {
	return ProposalRow{
		ID:            p.ID,
		Kind:          string(p.Kind),
		TargetProgram: string(p.Program),
		BufferRef:     string(p.Buffer),
		Release:       p.Release,
		Proposer:      p.Proposer,
		Description:   p.Description,
		ProposedAt:    p.ProposedAt,
		TimelockUntil: p.TimelockUntil,
		Threshold:     p.Threshold,
		Status:        string(p.Status),
		ExecutedAt:    p.ExecutedAt,
	}
}

func migrationRowFrom(r *migrate.Record) MigrationRow {
	return MigrationRow{
		ID:          fmt.Sprintf("%s/%d", r.Account, r.ToVersion),
		Account:     string(r.Account),
		FromVersion: r.FromVersion,
		ToVersion:   r.ToVersion,
		Migrated:    r.Migrated,
		MigratedAt:  r.MigratedAt,
	}
}
