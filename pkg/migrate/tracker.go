// Package migrate implements the per-account migration tracker: a version
// ledger recording which accounts have been moved to which data-layout
// version, with idempotent retry semantics.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
	"github.com/Mindburn-Labs/tiller/core/pkg/ledger"
)

// Migrator applies the version-specific migration payload to an account's
// data. Program-specific logic lives behind this capability; the tracker
// only records the outcome.
type Migrator interface {
	Apply(ctx context.Context, account contracts.AccountID, fromVersion, toVersion int, payload []byte) error
}

// MigratorFunc adapts a function to the Migrator capability.
type MigratorFunc func(ctx context.Context, account contracts.AccountID, fromVersion, toVersion int, payload []byte) error

func (f MigratorFunc) Apply(ctx context.Context, account contracts.AccountID, fromVersion, toVersion int, payload []byte) error {
	return f(ctx, account, fromVersion, toVersion, payload)
}

// Record is one account's migration to one target version.
type Record struct {
	Account     contracts.AccountID `json:"account"`
	FromVersion int                 `json:"from_version"`
	ToVersion   int                 `json:"to_version"`
	Migrated    bool                `json:"migrated"`
	MigratedAt  time.Time           `json:"migrated_at"`

	// Seq is the per-account transition counter carried on emitted events.
	Seq uint64 `json:"seq"`
}

// Tracker owns AccountMigration records in the arena and emits
// account.migrated events on committed migrations.
type Tracker struct {
	arena    *ledger.Arena
	clock    interface{ Now() time.Time }
	migrator Migrator
	schemas  *SchemaRegistry
	sinks    []contracts.EventSink
	logger   *slog.Logger
}

// NewTracker creates a tracker. A nil migrator records the migration
// without applying any payload.
func NewTracker(arena *ledger.Arena, clock interface{ Now() time.Time }, migrator Migrator) *Tracker {
	return &Tracker{
		arena:    arena,
		clock:    clock,
		migrator: migrator,
		logger:   slog.Default().With("component", "migrate"),
	}
}

// SetSchemaRegistry enables payload validation against per-version schemas.
func (t *Tracker) SetSchemaRegistry(r *SchemaRegistry) { t.schemas = r }

// SetLogger replaces the default logger.
func (t *Tracker) SetLogger(l *slog.Logger) { t.logger = l.With("component", "migrate") }

// AddSink registers an event sink. Sink failures are logged, never surfaced.
func (t *Tracker) AddSink(sink contracts.EventSink) { t.sinks = append(t.sinks, sink) }

// MigrateAccount migrates an account's data layout to toVersion. A retry
// after success is a no-op returning the existing record with its original
// timestamp. Payload application happens before the record is marked
// migrated, so a mid-way failure leaves migrated=false and the retry is
// safe.
func (t *Tracker) MigrateAccount(ctx context.Context, account contracts.AccountID, fromVersion, toVersion int, payload []byte) (*Record, error) {
	if fromVersion >= toVersion {
		return nil, fmt.Errorf("migration must advance the version: from %d to %d", fromVersion, toVersion)
	}

	// Idempotent retry: a migrated row for (account, to_version) short-
	// circuits before payload application.
	key := keyMigration(account, toVersion)
	var existing Record
	err := t.arena.View(func(tx *ledger.Tx) error {
		return tx.Get(key, &existing)
	})
	if err == nil && existing.Migrated {
		return &existing, nil
	}
	if err != nil && !errors.Is(err, ledger.ErrKeyNotFound) {
		return nil, err
	}

	if t.schemas != nil {
		if err := t.schemas.Validate(toVersion, payload); err != nil {
			return nil, err
		}
	}

	// The payload application runs outside any arena transaction: it may
	// touch external systems and must not hold the single-writer lock. A
	// failure here leaves no migrated row behind.
	if t.migrator != nil {
		if err := t.migrator.Apply(ctx, account, fromVersion, toVersion, payload); err != nil {
			return nil, fmt.Errorf("migration payload application failed: %w", err)
		}
	}

	now := t.clock.Now()
	var record Record
	err = t.arena.Update(func(tx *ledger.Tx) error {
		// Re-check under the write lock: a concurrent call may have
		// committed between the view and this transaction.
		var cur Record
		if gerr := tx.Get(key, &cur); gerr == nil && cur.Migrated {
			record = cur
			return nil
		}
		// Seq numbers the account's migrations, not retries of one
		// version: the k-th committed migration of an account carries
		// Seq k, so each version step keeps a distinct (entity, action,
		// seq) identity downstream.
		record = Record{
			Account:     account,
			FromVersion: fromVersion,
			ToVersion:   toVersion,
			Migrated:    true,
			MigratedAt:  now,
			Seq:         uint64(len(tx.List(accountPrefix(account))) + 1),
		}
		return tx.Put(key, record)
	})
	if err != nil {
		return nil, err
	}
	if !record.MigratedAt.Equal(now) {
		// Lost the race to a concurrent identical request; its commit
		// already emitted the event.
		return &record, nil
	}

	event := contracts.Event{
		Kind:     contracts.EventAccountMigrated,
		EntityID: string(account),
		Account:  account,
		Seq:      record.Seq,
		At:       now,
		Detail: map[string]any{
			"from_version": fromVersion,
			"to_version":   toVersion,
		},
	}
	for _, sink := range t.sinks {
		if serr := sink.Publish(event); serr != nil {
			t.logger.WarnContext(ctx, "event sink failed",
				"kind", string(event.Kind), "account", string(account), "err", serr)
		}
	}
	return &record, nil
}

// GetMigration returns the record for (account, toVersion), or
// ErrMigrationNotFound.
func (t *Tracker) GetMigration(ctx context.Context, account contracts.AccountID, toVersion int) (*Record, error) {
	var record Record
	err := t.arena.View(func(tx *ledger.Tx) error {
		return tx.Get(keyMigration(account, toVersion), &record)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrKeyNotFound) {
			return nil, contracts.ErrMigrationNotFound
		}
		return nil, err
	}
	return &record, nil
}

// ListMigrations returns all records for an account ordered by target
// version.
func (t *Tracker) ListMigrations(ctx context.Context, account contracts.AccountID) ([]*Record, error) {
	var out []*Record
	err := t.arena.View(func(tx *ledger.Tx) error {
		for _, key := range tx.List(accountPrefix(account)) {
			var r Record
			if err := tx.Get(key, &r); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToVersion < out[j].ToVersion })
	return out, nil
}

// ListAll returns every migration record, used by mirror reconciliation.
func (t *Tracker) ListAll(ctx context.Context) ([]*Record, error) {
	var out []*Record
	err := t.arena.View(func(tx *ledger.Tx) error {
		for _, key := range tx.List("migration/") {
			var r Record
			if err := tx.Get(key, &r); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func keyMigration(account contracts.AccountID, toVersion int) string {
	return fmt.Sprintf("migration/%s/%06d", account, toVersion)
}

func accountPrefix(account contracts.AccountID) string {
	return "migration/" + string(account) + "/"
}
