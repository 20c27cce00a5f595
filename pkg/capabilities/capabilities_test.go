package capabilities

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
)

func TestFakeClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(48 * time.Hour)
	assert.Equal(t, start.Add(48*time.Hour), c.Now())
}

func TestStaticMultisigProvider(t *testing.T) {
	p := NewStaticMultisigProvider([]string{"alice", "bob"})
	ctx := context.Background()

	ok, err := p.IsApprover(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.IsApprover(ctx, "mallory")
	require.NoError(t, err)
	assert.False(t, ok)

	p.SetMembers([]string{"carol"})
	members, err := p.Approvers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, members)
}

func TestApprovalVerifier_RoundTrip(t *testing.T) {
	keys := map[string][]byte{
		"alice": []byte("alice-secret"),
		"bob":   []byte("bob-secret"),
	}
	v := NewApprovalVerifier(keys)

	token, err := SignApproval("alice", "prop-1", keys["alice"])
	require.NoError(t, err)

	approver, proposalID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", approver)
	assert.Equal(t, "prop-1", proposalID)
}

func TestApprovalVerifier_RejectsForgedKey(t *testing.T) {
	v := NewApprovalVerifier(map[string][]byte{"alice": []byte("alice-secret")})

	// Token signed with the wrong secret must not verify.
	forged, err := SignApproval("alice", "prop-1", []byte("mallory-secret"))
	require.NoError(t, err)
	_, _, err = v.Verify(forged)
	assert.Error(t, err)

	// Unknown approver must not verify even with a self-consistent signature.
	unknown, err := SignApproval("mallory", "prop-1", []byte("mallory-secret"))
	require.NoError(t, err)
	_, _, err = v.Verify(unknown)
	assert.Error(t, err)
}

func TestFileBlobStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileBlobStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("program bytecode v2")
	hash, err := s.Store(ctx, data)
	require.NoError(t, err)
	assert.Contains(t, hash, "sha256:")

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Re-storing identical content is idempotent.
	again, err := s.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	_, err = s.Get(ctx, "sha256:"+"00"+hash[9:])
	assert.Error(t, err)
}

func TestBlobHashVerifier(t *testing.T) {
	dir := t.TempDir()
	blobs, err := NewFileBlobStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("buffer contents")
	hash, err := blobs.Store(ctx, data)
	require.NoError(t, err)

	v := NewBlobHashVerifier(blobs)
	assert.NoError(t, v.Verify(ctx, contracts.BufferRef(hash), hash))

	err = v.Verify(ctx, contracts.BufferRef(hash), "sha256:deadbeef")
	var mismatch *contracts.HashMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestStaticHashVerifier(t *testing.T) {
	v := StaticHashVerifier{"buf-1": "sha256:abc"}
	ctx := context.Background()

	assert.NoError(t, v.Verify(ctx, "buf-1", "sha256:abc"))

	err := v.Verify(ctx, "buf-1", "sha256:def")
	var mismatch *contracts.HashMismatchError
	assert.ErrorAs(t, err, &mismatch)

	assert.Error(t, v.Verify(ctx, "buf-2", "sha256:abc"))
}

func TestLogNotifier_NeverFails(t *testing.T) {
	n := NewLogNotifier(nil)
	err := n.Notify(context.Background(), Notification{
		Kind:      contracts.EventExecuted,
		Message:   "Upgrade executed",
		CreatedAt: time.Now(),
	})
	assert.NoError(t, err)
}
