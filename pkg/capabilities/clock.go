// Package capabilities defines the collaborator interfaces the governance
// kernel consumes (clock, multisig authority, buffer hash verification,
// blob storage, notifications) along with default implementations. Backends
// are injected into the state machine, never hard-coded.
package capabilities

import (
	"sync"
	"time"
)

// Clock provides authority time for timelock comparisons. The kernel never
// calls time.Now directly; deployments inject a source tied to the ledger's
// own consensus time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock for single-node deployments.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FakeClock is a manually advanced Clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a FakeClock frozen at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
