package hostos

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	// dismRestartRequired is ERROR_SUCCESS_REBOOT_REQUIRED.
	dismRestartRequired = 3010

	virtualizationQuery = `$cs = Get-CimInstance -ClassName Win32_ComputerSystem; ` +
		`$cpu = Get-CimInstance -ClassName Win32_Processor | Select-Object -First 1; ` +
		`"{0};{1}" -f $cs.HypervisorPresent, $cpu.VirtualizationFirmwareEnabled`
)

// WindowsHost drives dism.exe, netsh, wsl.exe and PowerShell.
type WindowsHost struct {
	runner   Runner
	elevated func() (bool, error)
}

// NewWindowsHost returns a Host that issues commands through runner.
func NewWindowsHost(runner Runner, elevated func() (bool, error)) *WindowsHost {
	return &WindowsHost{runner: runner, elevated: elevated}
}

func (h *WindowsHost) IsElevated(context.Context) (bool, error) {
	if h.elevated == nil {
		return false, errors.New("elevation probe is not configured")
	}
	return h.elevated()
}

// VirtualizationSupported is true when firmware virtualization is enabled or
// a hypervisor is already running (which hides the firmware flag).
func (h *WindowsHost) VirtualizationSupported(ctx context.Context) (bool, error) {
	out, err := h.powershell(ctx, virtualizationQuery)
	if err != nil {
		return false, fmt.Errorf("query virtualization support: %w", err)
	}
	hypervisor, firmware, ok := strings.Cut(strings.TrimSpace(string(out)), ";")
	if !ok {
		return false, fmt.Errorf("unexpected virtualization query output %q", strings.TrimSpace(string(out)))
	}
	return strings.EqualFold(hypervisor, "true") || strings.EqualFold(firmware, "true"), nil
}

func (h *WindowsHost) FeatureEnabled(ctx context.Context, name string) (bool, error) {
	out, err := h.runner.Run(ctx, "dism.exe", "/online", "/english", "/get-featureinfo", "/featurename:"+name)
	if err != nil {
		return false, fmt.Errorf("query feature %s: %w", name, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "State") {
			continue
		}
		return strings.EqualFold(strings.TrimSpace(value), "Enabled"), nil
	}
	return false, fmt.Errorf("feature %s: state not found in dism output", name)
}

func (h *WindowsHost) EnableFeature(ctx context.Context, name string) (bool, error) {
	out, err := h.runner.Run(ctx, "dism.exe", "/online", "/english", "/enable-feature", "/featurename:"+name, "/all", "/norestart")
	if err != nil {
		if ExitCode(err) == dismRestartRequired {
			return true, nil
		}
		return false, fmt.Errorf("enable feature %s: %w", name, err)
	}
	return strings.Contains(strings.ToLower(string(out)), "restart windows"), nil
}

func (h *WindowsHost) FirewallRuleExists(ctx context.Context, name string) (bool, error) {
	out, err := h.runner.Run(ctx, "netsh", "advfirewall", "firewall", "show", "rule", "name="+name)
	if strings.Contains(string(out), "No rules match") {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query firewall rule %s: %w", name, err)
	}
	return true, nil
}

func (h *WindowsHost) EnsureFirewallRule(ctx context.Context, rule FirewallRule) error {
	exists, err := h.FirewallRuleExists(ctx, rule.Name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = h.runner.Run(ctx, "netsh", "advfirewall", "firewall", "add", "rule",
		"name="+rule.Name,
		"dir=in",
		"action=allow",
		"protocol=TCP",
		"localport="+rule.ports(),
	)
	if err != nil {
		return fmt.Errorf("add firewall rule %s: %w", rule.Name, err)
	}
	return nil
}

func (h *WindowsHost) UpdateSubsystem(ctx context.Context) error {
	if _, err := h.runner.Run(ctx, "wsl.exe", "--update"); err != nil {
		return fmt.Errorf("update subsystem: %w", err)
	}
	return nil
}

func (h *WindowsHost) ApplicationInstalled(_ context.Context, executable string) (bool, error) {
	return fileExists(executable)
}

func (h *WindowsHost) RunInstaller(ctx context.Context, path string, args []string) error {
	if _, err := h.runner.Run(ctx, path, args...); err != nil {
		return fmt.Errorf("run installer: %w", err)
	}
	return nil
}

func (h *WindowsHost) powershell(ctx context.Context, script string) ([]byte, error) {
	return h.runner.Run(ctx, "powershell.exe", "-NoProfile", "-NonInteractive", "-Command", script)
}
