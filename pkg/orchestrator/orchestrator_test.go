package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

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

type fixture struct {
	orch  *Orchestrator
	svc   *upgrade.Service
	clock *capabilities.FakeClock
}

func newFixture(t *testing.T) *fixture {
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
		Program:     testProgram,
	})
	require.NoError(t, err)

	tracker := migrate.NewTracker(arena, clock, nil)
	orch := New(svc, tracker)
	orch.SetPacer(rate.NewLimiter(rate.Inf, 0))
	return &fixture{orch: orch, svc: svc, clock: clock}
}

func (f *fixture) propose(t *testing.T) *upgrade.Proposal {
	t.Helper()
	p, err := f.svc.ProposeUpgrade(context.Background(), "alice", testProgram, testBuffer, "1.4.0", "")
	require.NoError(t, err)
	return p
}

func TestSubmitApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.propose(t)

	res, err := f.orch.SubmitApproval(ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, contracts.StatusApproved, res.Proposal.Status)

	// Blind re-submission is safe: the duplicate is a no-op success.
	res, err = f.orch.SubmitApproval(ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyApplied, res.Outcome)

	// Unauthorized approvers surface the rejection immediately.
	_, err = f.orch.SubmitApproval(ctx, p.ID, "mallory")
	var authErr *contracts.AuthorizationError
	assert.ErrorAs(t, err, &authErr)
}

func TestSubmitSignedApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.propose(t)

	key := []byte("per-approver-secret")
	f.orch.SetApprovalVerifier(capabilities.NewApprovalVerifier(map[string][]byte{"bob": key}))

	token, err := capabilities.SignApproval("bob", p.ID, key)
	require.NoError(t, err)

	res, err := f.orch.SubmitSignedApproval(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	// A token signed with the wrong secret never reaches the state machine.
	forged, err := capabilities.SignApproval("bob", p.ID, []byte("wrong"))
	require.NoError(t, err)
	_, err = f.orch.SubmitSignedApproval(ctx, forged)
	assert.Error(t, err)
}

func TestSubmitExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.propose(t)

	for _, a := range []string{"alice", "bob"} {
		_, err := f.orch.SubmitApproval(ctx, p.ID, a)
		require.NoError(t, err)
	}

	// Before the timelock elapses the attempt is rejected, not retried.
	res, err := f.orch.SubmitExecution(ctx, p.ID, testHash, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	var tl *contracts.TimelockError
	assert.ErrorAs(t, res.Err, &tl)

	f.clock.Advance(48 * time.Hour)

	res, err = f.orch.SubmitExecution(ctx, p.ID, testHash, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, contracts.StatusExecuted, res.Proposal.Status)

	// The retry observes the terminal state and verifies the execution
	// record instead of reporting failure.
	res, err = f.orch.SubmitExecution(ctx, p.ID, testHash, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyApplied, res.Outcome)
}

func TestSubmitExecutionHashMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.propose(t)
	for _, a := range []string{"alice", "bob"} {
		_, err := f.orch.SubmitApproval(ctx, p.ID, a)
		require.NoError(t, err)
	}
	f.clock.Advance(48 * time.Hour)

	res, err := f.orch.SubmitExecution(ctx, p.ID, "deadbeef", "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	var mismatch *contracts.HashMismatchError
	assert.ErrorAs(t, res.Err, &mismatch)
}

func TestSubmitMigrationIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.SubmitMigration(ctx, "acct-1", 1, 2, nil)
	require.NoError(t, err)
	assert.True(t, first.Migrated)

	second, err := f.orch.SubmitMigration(ctx, "acct-1", 1, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, first.MigratedAt, second.MigratedAt)
}

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, actorID string, cost int) (bool, error) {
	return false, nil
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(ctx context.Context, actorID string, cost int) (bool, error) {
	return false, errors.New("redis down")
}

func TestLimiterBehavior(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.propose(t)

	f.orch.SetLimiter(denyLimiter{})
	_, err := f.orch.SubmitApproval(ctx, p.ID, "alice")
	assert.ErrorIs(t, err, ErrThrottled)

	// A limiter outage must not block governance.
	f.orch.SetLimiter(brokenLimiter{})
	res, err := f.orch.SubmitApproval(ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
}
