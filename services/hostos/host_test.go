package hostos

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type response struct {
	out string
	err error
}

// fakeRunner answers commands by prefix and records every invocation.
type fakeRunner struct {
	responses map[string]response
	calls     []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.calls = append(f.calls, line)
	for prefix, resp := range f.responses {
		if strings.HasPrefix(line, prefix) {
			return []byte(resp.out), resp.err
		}
	}
	return nil, nil
}

func elevated(v bool) func() (bool, error) {
	return func() (bool, error) { return v, nil }
}

func TestWindowsFeatureEnabled(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{responses: map[string]response{
		"dism.exe /online /english /get-featureinfo /featurename:VirtualMachinePlatform": {out: "Feature Name : VirtualMachinePlatform\r\nState : Enabled\r\n"},
		"dism.exe /online /english /get-featureinfo /featurename:Microsoft-Windows-Subsystem-Linux": {out: "Feature Name : Microsoft-Windows-Subsystem-Linux\r\nState : Disabled\r\n"},
	}}
	host := NewWindowsHost(runner, elevated(true))

	on, err := host.FeatureEnabled(context.Background(), "VirtualMachinePlatform")
	require.NoError(t, err)
	assert.True(t, on)

	on, err = host.FeatureEnabled(context.Background(), "Microsoft-Windows-Subsystem-Linux")
	require.NoError(t, err)
	assert.False(t, on)
}

func TestWindowsEnableFeatureRestartExitCode(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{responses: map[string]response{
		"dism.exe /online /english /enable-feature": {err: &CommandError{Name: "dism.exe", ExitCode: 3010}},
	}}
	host := NewWindowsHost(runner, elevated(true))

	reboot, err := host.EnableFeature(context.Background(), "VirtualMachinePlatform")
	require.NoError(t, err)
	assert.True(t, reboot)
	assert.Contains(t, runner.calls[0], "/norestart")
}

func TestWindowsEnableFeatureFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{responses: map[string]response{
		"dism.exe": {err: &CommandError{Name: "dism.exe", ExitCode: 87}},
	}}
	host := NewWindowsHost(runner, elevated(true))

	_, err := host.EnableFeature(context.Background(), "Bogus")
	require.Error(t, err)
	assert.Equal(t, 87, ExitCode(err))
}

func TestWindowsVirtualizationSupported(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		out  string
		want bool
	}{
		{name: "firmware enabled", out: "False;True\r\n", want: true},
		{name: "hypervisor running", out: "True;False", want: true},
		{name: "disabled", out: "False;False", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runner := &fakeRunner{responses: map[string]response{"powershell.exe": {out: tt.out}}}
			got, err := NewWindowsHost(runner, elevated(true)).VirtualizationSupported(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	runner := &fakeRunner{responses: map[string]response{"powershell.exe": {out: "garbage"}}}
	_, err := NewWindowsHost(runner, elevated(true)).VirtualizationSupported(context.Background())
	require.Error(t, err)
}

func TestWindowsEnsureFirewallRule(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{responses: map[string]response{
		"netsh advfirewall firewall show rule": {
			out: "No rules match the specified criteria.",
			err: &CommandError{Name: "netsh", ExitCode: 1},
		},
	}}
	host := NewWindowsHost(runner, elevated(true))

	err := host.EnsureFirewallRule(context.Background(), FirewallRule{Name: "PeerClient inbound", FirstPort: 31400, LastPort: 31409})
	require.NoError(t, err)
	require.Len(t, runner.calls, 2)
	assert.Equal(t, "netsh advfirewall firewall add rule name=PeerClient inbound dir=in action=allow protocol=TCP localport=31400-31409", runner.calls[1])
}

func TestWindowsEnsureFirewallRuleExisting(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{responses: map[string]response{
		"netsh advfirewall firewall show rule": {out: "Rule Name: PeerClient inbound\r\nEnabled: Yes\r\n"},
	}}
	host := NewWindowsHost(runner, elevated(true))

	require.NoError(t, host.EnsureFirewallRule(context.Background(), FirewallRule{Name: "PeerClient inbound", FirstPort: 1, LastPort: 1}))
	assert.Len(t, runner.calls, 1)
}

func TestApplicationInstalled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	exe := filepath.Join(dir, "client.exe")
	host := NewWindowsHost(&fakeRunner{}, elevated(true))

	ok, err := host.ApplicationInstalled(context.Background(), exe)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(exe, []byte("x"), 0o755))
	ok, err = host.ApplicationInstalled(context.Background(), exe)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = host.ApplicationInstalled(context.Background(), dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLinuxVirtualizationFromCPUFlags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cpuinfo := filepath.Join(dir, "cpuinfo")
	require.NoError(t, os.WriteFile(cpuinfo, []byte("processor\t: 0\nflags\t\t: fpu vme de pse vmx sse\n"), 0o644))

	host := NewLinuxHost(&fakeRunner{}, elevated(false))
	host.cpuinfoPath = cpuinfo
	host.kvmPath = filepath.Join(dir, "kvm")

	ok, err := host.VirtualizationSupported(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(cpuinfo, []byte("flags\t\t: fpu sse\n"), 0o644))
	ok, err = host.VirtualizationSupported(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLinuxUnsupportedFeatures(t *testing.T) {
	t.Parallel()

	host := NewLinuxHost(&fakeRunner{}, elevated(true))
	_, err := host.FeatureEnabled(context.Background(), "VirtualMachinePlatform")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, host.UpdateSubsystem(context.Background()), ErrUnsupported)
}

func TestLinuxEnsureFirewallRule(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{responses: map[string]response{
		"firewall-cmd --permanent --list-services": {out: "ssh dhcpv6-client\n"},
	}}
	host := NewLinuxHost(runner, elevated(true))

	require.NoError(t, host.EnsureFirewallRule(context.Background(), FirewallRule{Name: "PeerClient inbound", FirstPort: 31400, LastPort: 31409}))
	assert.Equal(t, []string{
		"firewall-cmd --permanent --list-services",
		"firewall-cmd --permanent --new-service=peerclient-inbound",
		"firewall-cmd --permanent --service=peerclient-inbound --add-port=31400-31409/tcp",
		"firewall-cmd --permanent --add-service=peerclient-inbound",
		"firewall-cmd --reload",
	}, runner.calls)
}

func TestCommandErrorMessage(t *testing.T) {
	t.Parallel()

	err := &CommandError{Name: "wsl.exe", Args: []string{"--update"}, ExitCode: 1, Output: "no network\n"}
	assert.Equal(t, "wsl.exe --update: exit status 1: no network", err.Error())
	assert.Equal(t, -1, ExitCode(errors.New("plain")))
}

func TestExecRunnerReportsExitCode(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh on this platform")
	}
	out, err := ExecRunner{}.Run(context.Background(), "/bin/sh", "-c", "echo hello; exit 3")
	require.Error(t, err)
	assert.Equal(t, 3, ExitCode(err))
	assert.Contains(t, string(out), "hello")
}
