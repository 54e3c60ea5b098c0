package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := Default()
	require.Equal(t, "balanced", c.Reconcile.ThresholdProfile)
	require.Equal(t, 500, c.Reconcile.MaxEvents)
	require.Equal(t, 4, c.Fleet.MaxParallel)
	require.Equal(t, "off", c.Horizon.DirectoryMode)
	require.Equal(t, "prometheus", c.Telemetry.MetricsBackend)
	require.NoError(t, c.Validate())
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsmgr.yaml")
	doc := `
reconcile:
  threshold_profile: strict
  max_events: 50
fleet:
  max_parallel: 8
horizon:
  ack_timeout_seconds: 30
  retry_backoff_seconds: 5
  max_retries: 2
  directory_mode: required
  directory:
    - type: local_agent
      id: agent-1
telemetry:
  metrics_backend: noop
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "strict", c.Reconcile.ThresholdProfile)
	require.Equal(t, 50, c.Reconcile.MaxEvents)
	require.Equal(t, 8, c.Fleet.MaxParallel)
	require.Equal(t, "required", c.Horizon.DirectoryMode)
	require.Len(t, c.Horizon.Directory, 1)
	require.Equal(t, 30*time.Second, c.HorizonAckTimeout())
	require.Equal(t, 5*time.Second, c.HorizonBackoff())
	// unset sections keep defaults
	require.Equal(t, ":8787", c.Service.ListenAddr)
}

func TestLoadRejectsBadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsmgr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconcile:\n  threshold_profile: extreme\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadDirectoryMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsmgr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("horizon:\n  directory_mode: sometimes\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEmptyPathYieldsDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), c)
}
