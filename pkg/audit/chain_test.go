package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
)

func event(kind contracts.EventKind, entity string, seq uint64) contracts.Event {
	return contracts.Event{
		Kind:     kind,
		EntityID: entity,
		Actor:    "alice",
		Seq:      seq,
		At:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute),
	}
}

func TestChain_AppendLinksEntries(t *testing.T) {
	c := NewChain()

	e1, err := c.Append(event(contracts.EventProposalCreated, "p-1", 1))
	require.NoError(t, err)
	e2, err := c.Append(event(contracts.EventApprovalRecorded, "p-1", 2))
	require.NoError(t, err)

	assert.Equal(t, "genesis", e1.PreviousHash)
	assert.Equal(t, e1.EntryHash, e2.PreviousHash)
	assert.Equal(t, e2.EntryHash, c.Head())
	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, uint64(2), e2.Sequence)
}

func TestChain_VerifyChain(t *testing.T) {
	c := NewChain()
	for i := uint64(1); i <= 5; i++ {
		_, err := c.Append(event(contracts.EventApprovalRecorded, "p-1", i))
		require.NoError(t, err)
	}
	assert.NoError(t, c.VerifyChain())
}

func TestChain_VerifyChainDetectsTampering(t *testing.T) {
	c := NewChain()
	_, err := c.Append(event(contracts.EventProposalCreated, "p-1", 1))
	require.NoError(t, err)
	_, err = c.Append(event(contracts.EventCancelled, "p-1", 2))
	require.NoError(t, err)

	// Mutate a committed entry behind the chain's back.
	c.entries[0].Actor = "mallory"
	assert.ErrorIs(t, c.VerifyChain(), ErrChainBroken)
}

func TestChain_EntriesForPreservesTransitionOrder(t *testing.T) {
	c := NewChain()
	kinds := []contracts.EventKind{
		contracts.EventProposalCreated,
		contracts.EventApprovalRecorded,
		contracts.EventApprovalRecorded,
		contracts.EventTimelockActive,
		contracts.EventExecuted,
	}
	for i, k := range kinds {
		_, err := c.Append(event(k, "p-1", uint64(i+1)))
		require.NoError(t, err)
	}
	_, err := c.Append(event(contracts.EventProposalCreated, "p-2", 1))
	require.NoError(t, err)

	entries := c.EntriesFor("p-1")
	require.Len(t, entries, len(kinds))
	for i, k := range kinds {
		assert.Equal(t, k, entries[i].Action)
	}
}

func TestExportBundle_RoundTrip(t *testing.T) {
	c := NewChain()
	for i := uint64(1); i <= 3; i++ {
		_, err := c.Append(event(contracts.EventApprovalRecorded, "p-1", i))
		require.NoError(t, err)
	}

	bundle, err := c.ExportBundle("p-1")
	require.NoError(t, err)
	assert.Equal(t, 3, bundle.EntryCount)
	assert.NoError(t, VerifyBundle(bundle))

	bundle.Entries[1].Actor = "mallory"
	assert.Error(t, VerifyBundle(bundle))
}

func TestExportBundle_Empty(t *testing.T) {
	c := NewChain()
	_, err := c.ExportBundle("")
	assert.Error(t, err)
}
