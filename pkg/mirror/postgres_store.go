package mirror

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
)

// PostgresStore implements Store over PostgreSQL. Schema management is
// external (deploy migrations); EnsureSchema exists for development setups.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore opens a connection with the given DSN.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &contracts.PersistenceError{Op: "open_postgres", Err: err}
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the mirror tables if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS upgrade_proposals (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		target_program TEXT NOT NULL,
		buffer_ref TEXT NOT NULL,
		release_label TEXT,
		proposer TEXT NOT NULL,
		description TEXT,
		proposed_at TIMESTAMPTZ NOT NULL,
		timelock_until TIMESTAMPTZ,
		threshold INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PROPOSED','APPROVED','TIMELOCK_ACTIVE','EXECUTED','CANCELLED')),
		executed_at TIMESTAMPTZ
	);
	CREATE TABLE IF NOT EXISTS upgrade_approvals (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL REFERENCES upgrade_proposals(id),
		approver TEXT NOT NULL,
		approved_at TIMESTAMPTZ NOT NULL,
		UNIQUE (proposal_id, approver)
	);
	CREATE TABLE IF NOT EXISTS upgrade_executions (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL UNIQUE REFERENCES upgrade_proposals(id),
		buffer_hash TEXT NOT NULL,
		executed_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS account_migrations (
		id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		from_version INTEGER NOT NULL,
		to_version INTEGER NOT NULL,
		migrated BOOLEAN NOT NULL,
		migrated_at TIMESTAMPTZ,
		UNIQUE (account, to_version)
	);
	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		actor TEXT,
		action TEXT NOT NULL,
		proposal_id TEXT,
		entity_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		details JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (entity_id, action, seq)
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return &contracts.PersistenceError{Op: "ensure_schema", Err: err}
	}
	return nil
}

func (s *PostgresStore) UpsertProposal(ctx context.Context, row ProposalRow) error {
	query := `
		INSERT INTO upgrade_proposals (id, kind, target_program, buffer_ref, release_label, proposer, description, proposed_at, timelock_until, threshold, status, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			timelock_until = EXCLUDED.timelock_until,
			status = EXCLUDED.status,
			executed_at = EXCLUDED.executed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		row.ID, row.Kind, row.TargetProgram, row.BufferRef, row.Release, row.Proposer,
		row.Description, row.ProposedAt, nullTime(row.TimelockUntil), row.Threshold,
		row.Status, row.ExecutedAt)
	if err != nil {
		return &contracts.PersistenceError{Op: "upsert_proposal", Err: err}
	}
	return nil
}

func (s *PostgresStore) UpsertApproval(ctx context.Context, row ApprovalRow) error {
	query := `
		INSERT INTO upgrade_approvals (id, proposal_id, approver, approved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (proposal_id, approver) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, row.ID, row.ProposalID, row.Approver, row.ApprovedAt)
	if err != nil {
		return &contracts.PersistenceError{Op: "upsert_approval", Err: err}
	}
	return nil
}

func (s *PostgresStore) UpsertExecution(ctx context.Context, row ExecutionRow) error {
	query := `
		INSERT INTO upgrade_executions (id, proposal_id, buffer_hash, executed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (proposal_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, row.ID, row.ProposalID, row.BufferHash, row.ExecutedAt)
	if err != nil {
		return &contracts.PersistenceError{Op: "upsert_execution", Err: err}
	}
	return nil
}

func (s *PostgresStore) UpsertMigration(ctx context.Context, row MigrationRow) error {
	query := `
		INSERT INTO account_migrations (id, account, from_version, to_version, migrated, migrated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account, to_version) DO UPDATE SET
			migrated = EXCLUDED.migrated,
			migrated_at = EXCLUDED.migrated_at
		WHERE account_migrations.migrated = FALSE
	`
	_, err := s.db.ExecContext(ctx, query,
		row.ID, row.Account, row.FromVersion, row.ToVersion, row.Migrated, nullTime(row.MigratedAt))
	if err != nil {
		return &contracts.PersistenceError{Op: "upsert_migration", Err: err}
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, row AuditRow) error {
	query := `
		INSERT INTO audit_logs (id, actor, action, proposal_id, entity_id, seq, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_id, action, seq) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		row.ID, nullString(row.Actor), row.Action, nullString(row.ProposalID),
		row.EntityID, int64(row.Seq), []byte(row.Details), row.CreatedAt)
	if err != nil {
		return &contracts.PersistenceError{Op: "append_audit", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (*ProposalRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, target_program, buffer_ref, release_label, proposer, description, proposed_at, timelock_until, threshold, status, executed_at
		FROM upgrade_proposals WHERE id = $1`, proposalID)

	var (
		p             ProposalRow
		release, desc sql.NullString
		timelockUntil sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Kind, &p.TargetProgram, &p.BufferRef, &release, &p.Proposer,
		&desc, &p.ProposedAt, &timelockUntil, &p.Threshold, &p.Status, &p.ExecutedAt)
	if err == sql.ErrNoRows {
		return nil, contracts.ErrProposalNotFound
	}
	if err != nil {
		return nil, &contracts.PersistenceError{Op: "get_proposal", Err: err}
	}
	p.Release = release.String
	p.Description = desc.String
	p.TimelockUntil = timelockUntil.Time
	return &p, nil
}

func (s *PostgresStore) ListAuditFor(ctx context.Context, entityID string) ([]AuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, proposal_id, entity_id, seq, details, created_at
		FROM audit_logs WHERE entity_id = $1 ORDER BY seq ASC`, entityID)
	if err != nil {
		return nil, &contracts.PersistenceError{Op: "list_audit", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []AuditRow
	for rows.Next() {
		var (
			r               AuditRow
			actor, proposal sql.NullString
			seq             int64
		)
		if err := rows.Scan(&r.ID, &actor, &r.Action, &proposal, &r.EntityID, &seq, &r.Details, &r.CreatedAt); err != nil {
			return nil, &contracts.PersistenceError{Op: "scan_audit", Err: err}
		}
		r.Actor = actor.String
		r.ProposalID = proposal.String
		r.Seq = uint64(seq)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &contracts.PersistenceError{Op: "list_audit", Err: err}
	}
	return out, nil
}

func (s *PostgresStore) HasAudit(ctx context.Context, entityID, action string, seq uint64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM audit_logs WHERE entity_id = $1 AND action = $2 AND seq = $3",
		entityID, action, int64(seq)).Scan(&n)
	if err != nil {
		return false, &contracts.PersistenceError{Op: "has_audit", Err: err}
	}
	return n > 0, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
