package mirror

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tiller/core/pkg/capabilities"
	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
	"github.com/Mindburn-Labs/tiller/core/pkg/ledger"
	"github.com/Mindburn-Labs/tiller/core/pkg/migrate"
	"github.com/Mindburn-Labs/tiller/core/pkg/upgrade"
)

const (
	testProgram = contracts.ProgramID("dex-core")
	testBuffer  = contracts.BufferRef("buffer-7f3a")
	testHash    = "4ac1df2b9c0e55aa10f3d2c8b7e64410a9cf0d31be5c22e7d8a90713c6f0b2d4"
)

type governanceFixture struct {
	svc     *upgrade.Service
	tracker *migrate.Tracker
	clock   *capabilities.FakeClock
}

func newGovernance(t *testing.T) *governanceFixture {
	t.Helper()
	clock := capabilities.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	arena := ledger.NewArena()
	svc := upgrade.NewService(arena, clock,
		capabilities.NewStaticMultisigProvider([]string{"alice", "bob", "carol"}),
		capabilities.StaticHashVerifier{testBuffer: testHash})

	_, err := svc.InitConfig(context.Background(), "alice", upgrade.Config{
		Approvers:   []string{"alice", "bob", "carol"},
		Threshold:   2,
		MinTimelock: 48 * time.Hour,
		Guardian:    "guardian",
		Program:     testProgram,
	})
	require.NoError(t, err)

	tracker := migrate.NewTracker(arena, clock, nil)
	return &governanceFixture{svc: svc, tracker: tracker, clock: clock}
}

func (g *governanceFixture) runLifecycle(t *testing.T) *upgrade.Proposal {
	t.Helper()
	ctx := context.Background()
	p, err := g.svc.ProposeUpgrade(ctx, "alice", testProgram, testBuffer, "1.4.0", "routine upgrade")
	require.NoError(t, err)
	for _, a := range []string{"alice", "bob"} {
		_, err := g.svc.Approve(ctx, p.ID, a)
		require.NoError(t, err)
	}
	g.clock.Advance(48 * time.Hour)
	_, err = g.svc.ExecuteUpgrade(ctx, p.ID, testHash)
	require.NoError(t, err)
	return p
}

func TestConsumerMirrorsFullLifecycle(t *testing.T) {
	g := newGovernance(t)
	store := newSQLiteStore(t)
	ctx := context.Background()

	consumer := NewConsumer(store, g.svc, g.tracker)
	consumer.Start()
	g.svc.AddSink(consumer)
	g.tracker.AddSink(consumer)

	p := g.runLifecycle(t)
	_, err := g.tracker.MigrateAccount(ctx, "acct-1", 1, 2, nil)
	require.NoError(t, err)

	consumer.Close()

	// Domain tables converge on the authoritative state.
	row, err := store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "EXECUTED", row.Status)
	require.NotNil(t, row.ExecutedAt)

	// The audit log reproduces the transition order.
	audit, err := store.ListAuditFor(ctx, p.ID)
	require.NoError(t, err)
	var actions []string
	for _, a := range audit {
		actions = append(actions, a.Action)
	}
	assert.Equal(t, []string{
		"proposal.created",
		"proposal.approved",
		"proposal.approved",
		"proposal.timelock_activated",
		"proposal.executed",
	}, actions)

	migrations, err := store.ListAuditFor(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, migrations, 1)
	assert.Equal(t, "account.migrated", migrations[0].Action)
}

func TestConsumerDeduplicatesRedelivery(t *testing.T) {
	g := newGovernance(t)
	store := newSQLiteStore(t)
	ctx := context.Background()

	consumer := NewConsumer(store, g.svc, g.tracker)
	consumer.Start()
	g.svc.AddSink(consumer)

	p, err := g.svc.ProposeUpgrade(ctx, "alice", testProgram, testBuffer, "1.0.0", "")
	require.NoError(t, err)
	_, err = g.svc.Approve(ctx, p.ID, "bob")
	require.NoError(t, err)

	// At-least-once delivery: replay the committed events verbatim.
	require.NoError(t, consumer.Publish(contracts.Event{
		Kind:       contracts.EventApprovalRecorded,
		EntityID:   p.ID,
		ProposalID: p.ID,
		Actor:      "bob",
		Seq:        2,
		At:         g.clock.Now(),
	}))
	consumer.Close()

	audit, err := store.ListAuditFor(ctx, p.ID)
	require.NoError(t, err)
	approved := 0
	for _, a := range audit {
		if a.Action == "proposal.approved" {
			approved++
		}
	}
	assert.Equal(t, 1, approved)
}

func TestConsumerKeepsEveryMigrationOfOneAccount(t *testing.T) {
	g := newGovernance(t)
	store := newSQLiteStore(t)
	ctx := context.Background()

	consumer := NewConsumer(store, g.svc, g.tracker)
	consumer.Start()
	g.tracker.AddSink(consumer)

	_, err := g.tracker.MigrateAccount(ctx, "acct-1", 1, 2, nil)
	require.NoError(t, err)
	_, err = g.tracker.MigrateAccount(ctx, "acct-1", 2, 3, nil)
	require.NoError(t, err)
	consumer.Close()

	// Each version step carries its own per-account sequence, so the
	// dedup key must not collapse the two migrations into one row.
	audit, err := store.ListAuditFor(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "account.migrated", audit[0].Action)
	assert.Equal(t, uint64(1), audit[0].Seq)
	assert.Equal(t, "account.migrated", audit[1].Action)
	assert.Equal(t, uint64(2), audit[1].Seq)

	// A recovery scan agrees with the live numbering.
	report, err := NewReconciler(store, g.svc, g.tracker).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Migrations)
	audit, err = store.ListAuditFor(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, audit, 2)
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	g := newGovernance(t)
	store := newSQLiteStore(t)

	consumer := NewConsumer(store, g.svc, g.tracker)
	consumer.Start()
	consumer.Close()

	// A governance operation racing shutdown may still hit the sink; the
	// event is dropped for reconciliation to pick up, never a panic.
	require.NotPanics(t, func() {
		err := consumer.Publish(contracts.Event{
			Kind:     contracts.EventAccountMigrated,
			EntityID: "acct-1",
			Seq:      1,
		})
		assert.NoError(t, err)
	})
	consumer.Close()
}

func TestReconcilerBackfillsGap(t *testing.T) {
	g := newGovernance(t)
	store := newSQLiteStore(t)
	ctx := context.Background()

	// The whole lifecycle lands while the mirror is down.
	p := g.runLifecycle(t)
	_, err := g.tracker.MigrateAccount(ctx, "acct-1", 1, 2, nil)
	require.NoError(t, err)

	rec := NewReconciler(store, g.svc, g.tracker)
	report, err := rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Proposals)
	assert.Equal(t, 2, report.Approvals)
	assert.Equal(t, 1, report.Executions)
	assert.Equal(t, 1, report.Migrations)
	// created, 2 approvals, timelock activation, executed, migrated,
	// plus the config initialization.
	assert.Equal(t, 7, report.Backfilled)

	audit, err := store.ListAuditFor(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, audit, 5)
	assert.Equal(t, uint64(1), audit[0].Seq)
	assert.Equal(t, "proposal.created", audit[0].Action)
	assert.Equal(t, "proposal.executed", audit[4].Action)

	// The recovery scan is idempotent.
	report, err = rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Backfilled)
}

func TestReconcilerBackfillsConfigChange(t *testing.T) {
	g := newGovernance(t)
	store := newSQLiteStore(t)
	ctx := context.Background()

	next := upgrade.Config{
		Approvers:   []string{"alice", "bob", "carol", "dave"},
		Threshold:   3,
		MinTimelock: 48 * time.Hour,
		Guardian:    "guardian",
		Program:     testProgram,
	}
	p, err := g.svc.ProposeConfigUpdate(ctx, "alice", next, "widen the approver set")
	require.NoError(t, err)
	for _, a := range []string{"alice", "bob"} {
		_, err := g.svc.Approve(ctx, p.ID, a)
		require.NoError(t, err)
	}
	g.clock.Advance(48 * time.Hour)
	digest := strings.TrimPrefix(string(p.Buffer), "config:")
	_, err = g.svc.ExecuteUpgrade(ctx, p.ID, digest)
	require.NoError(t, err)

	// The whole change lands while the mirror is down.
	report, err := NewReconciler(store, g.svc, g.tracker).Reconcile(ctx)
	require.NoError(t, err)
	// created, 2 approvals, timelock activation, executed, plus both
	// config versions.
	assert.Equal(t, 7, report.Backfilled)

	// The created row carries config-change details, not program ones.
	audit, err := store.ListAuditFor(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, audit, 5)
	var created map[string]any
	require.NoError(t, json.Unmarshal(audit[0].Details, &created))
	assert.Equal(t, "CONFIG", created["kind"])
	assert.Equal(t, digest, created["digest"])
	assert.NotContains(t, created, "program")

	// The config entity's own trail is reconstructed version by version.
	cfgAudit, err := store.ListAuditFor(ctx, "config")
	require.NoError(t, err)
	require.Len(t, cfgAudit, 2)
	assert.Equal(t, "config.updated", cfgAudit[0].Action)
	assert.Equal(t, uint64(1), cfgAudit[0].Seq)
	assert.Equal(t, uint64(2), cfgAudit[1].Seq)
	var applied map[string]any
	require.NoError(t, json.Unmarshal(cfgAudit[1].Details, &applied))
	assert.Equal(t, float64(2), applied["version"])
	assert.Equal(t, float64(3), applied["threshold"])

	// The recovery scan is idempotent here too.
	report, err = NewReconciler(store, g.svc, g.tracker).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Backfilled)
}

func TestReconcilerConvergesWithLiveStream(t *testing.T) {
	g := newGovernance(t)
	store := newSQLiteStore(t)
	ctx := context.Background()

	consumer := NewConsumer(store, g.svc, g.tracker)
	consumer.Start()
	g.svc.AddSink(consumer)

	p := g.runLifecycle(t)
	consumer.Close()

	// Live consumption wrote every proposal transition; reconciliation
	// adds only the config initialization, which predates the sink.
	report, err := NewReconciler(store, g.svc, g.tracker).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Backfilled)

	audit, err := store.ListAuditFor(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 5)
}
