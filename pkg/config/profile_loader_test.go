package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mainnetProfile = `
name: Mainnet governance
code: mainnet
program: dex-core
approvers:
  - alice
  - bob
  - carol
threshold: 2
min_timelock: 48h
guardian: guardian
notifications:
  channel: redis
  redis_channel: tiller.notifications
`

func writeProfile(t *testing.T, dir, code, content string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "mainnet", mainnetProfile)

	p, err := LoadProfile(dir, "mainnet")
	require.NoError(t, err)
	assert.Equal(t, "dex-core", p.Program)
	assert.Equal(t, 2, p.Threshold)
	assert.Equal(t, 48*time.Hour, p.MinTimelock)
	assert.Equal(t, []string{"alice", "bob", "carol"}, p.Approvers)
	assert.Equal(t, "redis", p.Notifications.Channel)
}

func TestLoadProfileMissing(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "nowhere")
	assert.Error(t, err)
}

func TestLoadProfileRejectsBadThreshold(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "bad", `
program: dex-core
approvers: [alice]
threshold: 3
`)
	_, err := LoadProfile(dir, "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold")
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "mainnet", mainnetProfile)
	writeProfile(t, dir, "devnet", `
program: dex-core
approvers: [dev]
threshold: 1
min_timelock: 48h
notifications:
  channel: log
`)

	profiles, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "devnet", profiles["devnet"].Code)
	assert.Equal(t, 1, profiles["devnet"].Threshold)
}
