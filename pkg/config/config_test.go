package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReturnsSpecDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, 90, cfg.Registry.TTLSeconds)
	assert.Equal(t, 0.5, cfg.Resolve.MinHealth)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsPeersWithoutSigningKey(t *testing.T) {
	cfg := New()
	cfg.PeerSync.Peers = []string{"http://peer-a:8500"}
	assert.Error(t, cfg.Validate())

	cfg.API.StateSigningKey = "shared-secret"
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFileRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_addr: 0.0.0.0:9000\nnot_a_real_field: true\n"), 0o600))

	cfg := New()
	err := loadFromFile(path, cfg)
	assert.Error(t, err)
}

func TestLoadFromFileAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_addr: 0.0.0.0:9000\ndatacenter: dc2\n"), 0o600))

	cfg := New()
	require.NoError(t, loadFromFile(path, cfg))
	assert.Equal(t, "0.0.0.0:9000", cfg.BindAddr)
	assert.Equal(t, "dc2", cfg.Datacenter)
}

func TestShutdownTimeoutConvertsMillis(t *testing.T) {
	cfg := New()
	cfg.ShutdownTimeoutMS = 5000
	assert.Equal(t, "5s", cfg.ShutdownTimeout().String())
}
