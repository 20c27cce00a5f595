package upgrade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCancelPolicy(t *testing.T) {
	policy, err := NewCancelPolicy("")
	require.NoError(t, err)

	approvers := []string{"alice", "bob"}

	ok, err := policy.Allow("alice", approvers, "guardian", "PROPOSED")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = policy.Allow("guardian", approvers, "guardian", "TIMELOCK_ACTIVE")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = policy.Allow("mallory", approvers, "guardian", "PROPOSED")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = policy.Allow("guardian", approvers, "", "PROPOSED")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCustomCancelPolicy(t *testing.T) {
	// Guardian-only cancellation once the timelock is armed.
	policy, err := NewCancelPolicy(`status == "TIMELOCK_ACTIVE" ? actor == guardian : actor in approvers`)
	require.NoError(t, err)

	approvers := []string{"alice"}

	ok, err := policy.Allow("alice", approvers, "guardian", "PROPOSED")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = policy.Allow("alice", approvers, "guardian", "TIMELOCK_ACTIVE")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = policy.Allow("guardian", approvers, "guardian", "TIMELOCK_ACTIVE")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCancelPolicyCompileError(t *testing.T) {
	_, err := NewCancelPolicy(`actor in`)
	assert.Error(t, err)
}
