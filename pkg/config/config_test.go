package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePortRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    PortRange
		wantErr bool
	}{
		{name: "range", input: "31400-31409", want: PortRange{First: 31400, Last: 31409}},
		{name: "single port", input: " 8080 ", want: PortRange{First: 8080, Last: 8080}},
		{name: "spaces around dash", input: "100 - 200", want: PortRange{First: 100, Last: 200}},
		{name: "empty string", input: "", wantErr: true},
		{name: "invalid integer", input: "abc", wantErr: true},
		{name: "out of range", input: "70000", wantErr: true},
		{name: "reversed", input: "200-100", wantErr: true},
		{name: "zero", input: "0-10", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parsePortRange(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortRangeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "31400-31409", PortRange{First: 31400, Last: 31409}.String())
	assert.Equal(t, "22", PortRange{First: 22, Last: 22}.String())
}

func TestLoadDefaults(t *testing.T) {
	stateDir := t.TempDir()
	t.Setenv("PEERHOST_STATE_DIR", stateDir)
	t.Setenv("PEERHOST_HOST", "node-1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Host)
	assert.Equal(t, stateDir, cfg.StateDir)
	assert.Equal(t, 3, cfg.Installer.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Installer.RetryDelay)
	assert.Equal(t, 10*time.Minute, cfg.Installer.AttemptTimeout)
	assert.Equal(t, PortRange{First: 31400, Last: 31409}, cfg.Application.Ports)
	assert.Equal(t, "PeerClient inbound", cfg.Application.FirewallRule)
	assert.Equal(t, 60*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, filepath.Join(stateDir, "monitor.log"), cfg.Monitor.LogPath)
	assert.False(t, cfg.Monitor.RestoreBaseline)
	assert.Equal(t, "https://api.ipify.org", cfg.Monitor.AddressURL)
	assert.Equal(t, 30*time.Second, cfg.Alerts.SMTP.Timeout)
	assert.False(t, cfg.Alerts.Enabled)
	assert.Equal(t, DedupeNone, cfg.Alerts.Dedupe)
	assert.InDelta(t, 80.0, cfg.Alerts.CPUThresholdPct, 0.0001)
	assert.InDelta(t, 500.0, cfg.Alerts.RAMThresholdMB, 0.0001)
	if runtime.GOOS == "windows" {
		assert.Equal(t, []string{"Microsoft-Windows-Subsystem-Linux", "VirtualMachinePlatform"}, cfg.Provision.Features)
		assert.True(t, cfg.Provision.SubsystemUpdate)
	} else {
		assert.Empty(t, cfg.Provision.Features)
		assert.False(t, cfg.Provision.SubsystemUpdate)
	}
	assert.Equal(t, filepath.Join(stateDir, "downloads", "installer"), cfg.Installer.Destination)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peerhost.yaml")
	content := `
host: rig-3
state_dir: ` + dir + `
installer:
  url: https://downloads.example.com/client/setup.exe
  max_attempts: 5
  retry_delay: 2s
application:
  name: Client
  executable: C:\Client\client.exe
  ports: "40000-40004"
monitor:
  poll_interval: 30s
alerts:
  enabled: true
  dedupe: transition
  cpu_threshold_pct: 90
  smtp:
    host: smtp.example.com
    from: rig@example.com
    to: [ops@example.com]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("PEERHOST_ALERTS_RAM_THRESHOLD_MB", "256")
	t.Setenv("PEERHOST_PROVISION_FEATURES", "FeatureA, FeatureB")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "rig-3", cfg.Host)
	assert.Equal(t, 5, cfg.Installer.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Installer.RetryDelay)
	assert.Equal(t, filepath.Join(dir, "downloads", "setup.exe"), cfg.Installer.Destination)
	assert.Equal(t, PortRange{First: 40000, Last: 40004}, cfg.Application.Ports)
	assert.Equal(t, "Client inbound", cfg.Application.FirewallRule)
	assert.Equal(t, 30*time.Second, cfg.Monitor.PollInterval)
	assert.True(t, cfg.Alerts.Enabled)
	assert.Equal(t, DedupeTransition, cfg.Alerts.Dedupe)
	assert.InDelta(t, 90.0, cfg.Alerts.CPUThresholdPct, 0.0001)
	assert.InDelta(t, 256.0, cfg.Alerts.RAMThresholdMB, 0.0001)
	assert.Equal(t, []string{"FeatureA", "FeatureB"}, cfg.Provision.Features)
	assert.True(t, cfg.Alerts.SMTP.Enabled())
	assert.Equal(t, []string{"ops@example.com"}, cfg.Alerts.SMTP.To)
	require.NoError(t, cfg.ValidateProvisioning())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "zero attempts", env: map[string]string{"PEERHOST_INSTALLER_MAX_ATTEMPTS": "0"}},
		{name: "bad ports", env: map[string]string{"PEERHOST_APPLICATION_PORTS": "9-1"}},
		{name: "bad dedupe", env: map[string]string{"PEERHOST_ALERTS_DEDUPE": "sometimes"}},
		{name: "cpu above 100", env: map[string]string{"PEERHOST_ALERTS_CPU_THRESHOLD_PCT": "150"}},
		{name: "zero poll interval", env: map[string]string{"PEERHOST_MONITOR_POLL_INTERVAL": "0s"}},
		{name: "address url scheme", env: map[string]string{"PEERHOST_MONITOR_ADDRESS_URL": "ftp://example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PEERHOST_STATE_DIR", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
		})
	}
}

func TestLoadRejectsEmptyAddressURL(t *testing.T) {
	t.Setenv("PEERHOST_STATE_DIR", t.TempDir())
	path := filepath.Join(t.TempDir(), "peerhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitor:\n  address_url: \"\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitor.address_url")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateProvisioning(t *testing.T) {
	t.Parallel()

	base := Config{
		Installer:   InstallerConfig{URL: "s3://bucket/client/setup.exe"},
		Application: ApplicationConfig{Executable: "/opt/client/client"},
	}
	require.NoError(t, base.ValidateProvisioning())

	missingURL := base
	missingURL.Installer.URL = ""
	require.Error(t, missingURL.ValidateProvisioning())

	badScheme := base
	badScheme.Installer.URL = "file:///tmp/setup.exe"
	require.Error(t, badScheme.ValidateProvisioning())

	missingExe := base
	missingExe.Application.Executable = ""
	require.Error(t, missingExe.ValidateProvisioning())

	badDigest := base
	badDigest.Installer.SHA256 = "abc"
	require.Error(t, badDigest.ValidateProvisioning())
}
