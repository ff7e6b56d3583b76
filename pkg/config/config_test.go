package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMasterConfigDefaults(t *testing.T) {
	cfg, err := LoadMasterConfig("")
	require.NoError(t, err)
	require.Equal(t, 7878, cfg.Port)
	require.Equal(t, 300*time.Second, cfg.RegistrationTTL)
	require.Equal(t, 10, cfg.DefaultServerRequestCount)
}

func TestLoadMasterConfigOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\ndefault_server_request_count: 3\n"), 0o644))

	cfg, err := LoadMasterConfig(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, 3, cfg.DefaultServerRequestCount)
	// Untouched fields keep their defaults.
	require.Equal(t, 300*time.Second, cfg.ReservationTTL)
}

func TestClientIDShape(t *testing.T) {
	id := ClientID()
	require.Contains(t, id, ":")
}

func TestLoadClientConfigDefaults(t *testing.T) {
	cfg, err := LoadClientConfig("")
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.MaintenancePeriod)
	require.Equal(t, 300*time.Second, cfg.ReservationTTL)
	require.Equal(t, 60*time.Second, cfg.LeaseRenewMargin)
	require.Equal(t, 120*time.Second, cfg.IdleReleaseThreshold)
}
