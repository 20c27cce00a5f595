// Package ledger provides the in-process authoritative state substrate for
// the governance kernel: a keyed arena of JSON records with atomic,
// serializable commits and a global monotonic slot counter.
//
// Every state-mutating governance operation runs inside a single Update
// transaction: writes are staged and applied only if the transaction
// function returns nil, so an aborted operation leaves no partial state
// visible to any other operation.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrKeyNotFound is returned when a record does not exist.
	ErrKeyNotFound = errors.New("ledger: key not found")
	// ErrKeyExists is returned by Create when the key is already present.
	ErrKeyExists = errors.New("ledger: key already exists")
)

// Arena is the in-memory record store. All access goes through View/Update;
// Update transactions are serialized by a single writer lock, which yields
// linearizable transitions without per-record locking.
type Arena struct {
	mu      sync.RWMutex
	records map[string][]byte
	slot    uint64
}

// NewArena creates an empty arena at slot 0.
func NewArena() *Arena {
	return &Arena{records: make(map[string][]byte)}
}

// Slot returns the current commit slot. It advances by one on every
// committed Update transaction and is usable as a causal ordering token.
func (a *Arena) Slot() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.slot
}

// View runs fn with read-only access to the committed state.
func (a *Arena) View(fn func(tx *Tx) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	tx := &Tx{arena: a, readonly: true}
	return fn(tx)
}

// Update runs fn in a write transaction. Staged writes become visible
// atomically when fn returns nil; any error aborts the whole transaction.
func (a *Arena) Update(fn func(tx *Tx) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tx := &Tx{arena: a, staged: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}

	for k, v := range tx.staged {
		a.records[k] = v
	}
	a.slot++
	return nil
}

// Tx is a transaction handle. It is only valid inside the function passed
// to View or Update.
type Tx struct {
	arena    *Arena
	staged   map[string][]byte
	readonly bool
}

// Get unmarshals the record at key into out, preferring staged writes.
func (t *Tx) Get(key string, out any) error {
	data, ok := t.lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("ledger: decode %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a record is present at key.
func (t *Tx) Exists(key string) bool {
	_, ok := t.lookup(key)
	return ok
}

// Put stages a write of v at key, creating or replacing the record.
func (t *Tx) Put(key string, v any) error {
	if t.readonly {
		return errors.New("ledger: put in read-only transaction")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", key, err)
	}
	t.staged[key] = data
	return nil
}

// Create stages a write of v at key, failing with ErrKeyExists if the key
// is already present (committed or staged). Distinct writers therefore
// cannot both create the same record.
func (t *Tx) Create(key string, v any) error {
	if t.Exists(key) {
		return fmt.Errorf("%w: %s", ErrKeyExists, key)
	}
	return t.Put(key, v)
}

// List returns the sorted keys with the given prefix.
func (t *Tx) List(prefix string) []string {
	seen := make(map[string]bool)
	for k := range t.arena.records {
		if strings.HasPrefix(k, prefix) {
			seen[k] = true
		}
	}
	for k := range t.staged {
		if strings.HasPrefix(k, prefix) {
			seen[k] = true
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Tx) lookup(key string) ([]byte, bool) {
	if t.staged != nil {
		if v, ok := t.staged[key]; ok {
			return v, true
		}
	}
	v, ok := t.arena.records[key]
	return v, ok
}
