package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewPostgresStore(db), mock, func() { _ = db.Close() }
}

func TestPostgresUpsertProposal(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO upgrade_proposals")).
		WithArgs("prop-1", "PROGRAM", "dex-core", "buffer-7f3a", "1.4.0", "alice",
			"routine upgrade", now, nil, 2, "PROPOSED", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpsertProposal(ctx, ProposalRow{
		ID:            "prop-1",
		Kind:          "PROGRAM",
		TargetProgram: "dex-core",
		BufferRef:     "buffer-7f3a",
		Release:       "1.4.0",
		Proposer:      "alice",
		Description:   "routine upgrade",
		ProposedAt:    now,
		Threshold:     2,
		Status:        "PROPOSED",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendAuditDeduplicates(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()
	ctx := context.Background()

	details, _ := json.Marshal(map[string]any{"approver": "bob"})
	row := AuditRow{
		ID:         "audit-1",
		Actor:      "bob",
		Action:     "proposal.approved",
		ProposalID: "prop-1",
		EntityID:   "prop-1",
		Seq:        2,
		Details:    details,
		CreatedAt:  time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC),
	}

	// Redelivery of the same (entity, action, seq) inserts zero rows.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.AppendAudit(ctx, row))
	require.NoError(t, store.AppendAudit(ctx, row))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetProposal(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(48 * time.Hour)
	cols := []string{"id", "kind", "target_program", "buffer_ref", "release", "proposer",
		"description", "proposed_at", "timelock_until", "threshold", "status", "executed_at"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM upgrade_proposals WHERE id = $1")).
		WithArgs("prop-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("prop-1", "PROGRAM", "dex-core", "buffer-7f3a", "1.4.0", "alice",
				"", now, until, 2, "TIMELOCK_ACTIVE", nil))

	p, err := store.GetProposal(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, "TIMELOCK_ACTIVE", p.Status)
	assert.Equal(t, until, p.TimelockUntil)
	assert.Nil(t, p.ExecutedAt)

	mock.ExpectQuery(regexp.QuoteMeta("FROM upgrade_proposals WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err = store.GetProposal(ctx, "missing")
	assert.ErrorIs(t, err, contracts.ErrProposalNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresErrorsArePersistenceErrors(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()
	ctx := context.Background()

	dbErr := sql.ErrConnDone
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO upgrade_approvals")).
		WillReturnError(dbErr)

	err := store.UpsertApproval(ctx, ApprovalRow{
		ID: "a-1", ProposalID: "prop-1", Approver: "bob",
		ApprovedAt: time.Now(),
	})
	var perr *contracts.PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "upsert_approval", perr.Op)
	assert.ErrorIs(t, err, dbErr)
	assert.True(t, contracts.Retryable(err))
}

func TestPostgresHasAudit(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(1) FROM audit_logs")).
		WithArgs("prop-1", "proposal.executed", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ok, err := store.HasAudit(ctx, "prop-1", "proposal.executed", 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
