package capabilities

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
)

// HashVerifier independently computes a buffer's content hash and compares
// it against the hash supplied at execution time. A mismatch aborts the
// execution attempt without side effects.
type HashVerifier interface {
	Verify(ctx context.Context, buffer contracts.BufferRef, supplied string) error
}

// BlobHashVerifier fetches the buffer bytes from a BlobStore and recomputes
// the SHA-256 digest, never trusting the hash recorded on the proposal.
type BlobHashVerifier struct {
	blobs BlobStore
}

// NewBlobHashVerifier creates a verifier over the given store.
func NewBlobHashVerifier(blobs BlobStore) *BlobHashVerifier {
	return &BlobHashVerifier{blobs: blobs}
}

func (v *BlobHashVerifier) Verify(ctx context.Context, buffer contracts.BufferRef, supplied string) error {
	data, err := v.blobs.Get(ctx, string(buffer))
	if err != nil {
		return fmt.Errorf("buffer fetch failed: %w", err)
	}
	computed := DigestBytes(data)
	if computed != supplied {
		return &contracts.HashMismatchError{Buffer: buffer, Want: computed, Got: supplied}
	}
	return nil
}

// StaticHashVerifier accepts a fixed ref→hash mapping. Development stub in
// the manner of an in-memory multisig: useful when no blob store is wired.
type StaticHashVerifier map[contracts.BufferRef]string

func (v StaticHashVerifier) Verify(ctx context.Context, buffer contracts.BufferRef, supplied string) error {
	want, ok := v[buffer]
	if !ok {
		return fmt.Errorf("no known hash for buffer %s", buffer)
	}
	if want != supplied {
		return &contracts.HashMismatchError{Buffer: buffer, Want: want, Got: supplied}
	}
	return nil
}
