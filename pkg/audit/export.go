package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tiller/core/pkg/canonicalize"
)

// EvidenceBundle is an exportable slice of the audit chain for compliance
// review. Its internal links and bundle hash are independently verifiable.
type EvidenceBundle struct {
	BundleID   string    `json:"bundle_id"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	Entries    []*Entry  `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// ExportBundle exports the chain entries for a single entity, or the whole
// chain when entityID is empty.
func (c *Chain) ExportBundle(entityID string) (*EvidenceBundle, error) {
	var entries []*Entry
	if entityID == "" {
		entries = c.Entries()
	} else {
		entries = c.EntriesFor(entityID)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("audit: no entries to export")
	}

	bundle := &EvidenceBundle{
		BundleID:   uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
		StartSeq:   entries[0].Sequence,
		EndSeq:     entries[len(entries)-1].Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].EntryHash,
	}

	data, err := json.Marshal(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to marshal bundle entries: %w", err)
	}
	bundle.BundleHash = canonicalize.HashBytes(data)
	return bundle, nil
}

// VerifyBundle checks a bundle's hash and internal chain consistency.
func VerifyBundle(bundle *EvidenceBundle) error {
	if len(bundle.Entries) == 0 {
		return fmt.Errorf("audit: bundle is empty")
	}

	data, err := json.Marshal(bundle.Entries)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal bundle entries: %w", err)
	}
	if canonicalize.HashBytes(data) != bundle.BundleHash {
		return fmt.Errorf("audit: bundle hash mismatch")
	}

	for i := 1; i < len(bundle.Entries); i++ {
		if bundle.Entries[i].Sequence <= bundle.Entries[i-1].Sequence {
			return fmt.Errorf("audit: bundle sequence not increasing at entry %d", i)
		}
	}
	return nil
}
