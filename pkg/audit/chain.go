// Package audit implements the in-process tamper-evident audit chain:
// append-only, hash-chained entries recording every committed transition of
// the governance state machine and the migration tracker. The chain is the
// synchronous event sink; the durable off-chain mirror consumes from it.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tiller/core/pkg/canonicalize"
	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
)

var (
	// ErrChainBroken is returned by VerifyChain on any integrity failure.
	ErrChainBroken = errors.New("audit: hash chain is broken")
	// ErrEntryNotFound is returned when an entry lookup misses.
	ErrEntryNotFound = errors.New("audit: entry not found")
)

const genesisHash = "genesis"

// Entry is a single immutable record in the audit chain.
type Entry struct {
	EntryID      string              `json:"entry_id"`
	Sequence     uint64              `json:"sequence"`
	Timestamp    time.Time           `json:"timestamp"`
	Actor        string              `json:"actor,omitempty"`
	Action       contracts.EventKind `json:"action"`
	EntityID     string              `json:"entity_id"`
	ProposalID   string              `json:"proposal_id,omitempty"`
	EventSeq     uint64              `json:"event_seq"`
	Payload      json.RawMessage     `json:"payload"`
	PayloadHash  string              `json:"payload_hash"`
	PreviousHash string              `json:"previous_hash"`
	EntryHash    string              `json:"entry_hash"`
}

// Chain is an append-only audit log with hash chaining. It implements
// contracts.EventSink.
type Chain struct {
	mu        sync.RWMutex
	entries   []*Entry
	byID      map[string]*Entry
	sequence  uint64
	chainHead string
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{
		byID:      make(map[string]*Entry),
		chainHead: genesisHash,
	}
}

// Publish appends the event as a new chain entry.
func (c *Chain) Publish(event contracts.Event) error {
	_, err := c.Append(event)
	return err
}

// Append adds a new entry for the event and returns it.
func (c *Chain) Append(event contracts.Event) (*Entry, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to serialize event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     c.sequence + 1,
		Timestamp:    event.At.UTC(),
		Actor:        event.Actor,
		Action:       event.Kind,
		EntityID:     event.EntityID,
		ProposalID:   event.ProposalID,
		EventSeq:     event.Seq,
		Payload:      payload,
		PayloadHash:  canonicalize.HashBytes(payload),
		PreviousHash: c.chainHead,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	c.sequence++
	c.chainHead = hash
	c.entries = append(c.entries, entry)
	c.byID[entry.EntryID] = entry
	return entry, nil
}

// Get retrieves an entry by ID.
func (c *Chain) Get(entryID string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// Head returns the current chain head hash.
func (c *Chain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chainHead
}

// Size returns the number of entries.
func (c *Chain) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a snapshot of all entries in append order.
func (c *Chain) Entries() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Entry(nil), c.entries...)
}

// EntriesFor returns the entries for a single entity in append order. The
// result reproduces the state machine's transition order for that entity.
func (c *Chain) EntriesFor(entityID string) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Entry
	for _, e := range c.entries {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out
}

// VerifyChain recomputes every entry hash and checks the links.
func (c *Chain) VerifyChain() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	expectedPrev := genesisHash
	for i, entry := range c.entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s, expected %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}
		computed, err := entryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, i, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}

// entryHash computes the JCS-canonical hash of the chained fields.
func entryHash(e *Entry) (string, error) {
	hashable := map[string]any{
		"sequence":      e.Sequence,
		"timestamp":     e.Timestamp,
		"actor":         e.Actor,
		"action":        string(e.Action),
		"entity_id":     e.EntityID,
		"event_seq":     e.EventSeq,
		"payload_hash":  e.PayloadHash,
		"previous_hash": e.PreviousHash,
	}
	hash, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: failed to hash entry: %w", err)
	}
	return hash, nil
}
