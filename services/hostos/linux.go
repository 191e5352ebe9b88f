package hostos

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// LinuxHost supports development and Linux-hosted deployments. Optional OS
// features and the subsystem update have no Linux equivalent; firewall
// rules go through firewalld.
type LinuxHost struct {
	runner      Runner
	elevated    func() (bool, error)
	cpuinfoPath string
	kvmPath     string
}

// NewLinuxHost returns a Host that issues commands through runner.
func NewLinuxHost(runner Runner, elevated func() (bool, error)) *LinuxHost {
	return &LinuxHost{
		runner:      runner,
		elevated:    elevated,
		cpuinfoPath: "/proc/cpuinfo",
		kvmPath:     "/dev/kvm",
	}
}

func (h *LinuxHost) IsElevated(context.Context) (bool, error) {
	if h.elevated == nil {
		return false, errors.New("elevation probe is not configured")
	}
	return h.elevated()
}

// VirtualizationSupported looks for the vmx/svm CPU flags or a KVM device.
func (h *LinuxHost) VirtualizationSupported(context.Context) (bool, error) {
	if _, err := os.Stat(h.kvmPath); err == nil {
		return true, nil
	}

	file, err := os.Open(h.cpuinfoPath)
	if err != nil {
		return false, fmt.Errorf("read cpu flags: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok || strings.TrimSpace(key) != "flags" {
			continue
		}
		for _, flag := range strings.Fields(value) {
			if flag == "vmx" || flag == "svm" {
				return true, nil
			}
		}
	}
	return false, scanner.Err()
}

func (h *LinuxHost) FeatureEnabled(_ context.Context, name string) (bool, error) {
	return false, fmt.Errorf("optional feature %s: %w", name, ErrUnsupported)
}

func (h *LinuxHost) EnableFeature(_ context.Context, name string) (bool, error) {
	return false, fmt.Errorf("optional feature %s: %w", name, ErrUnsupported)
}

func (h *LinuxHost) FirewallRuleExists(ctx context.Context, name string) (bool, error) {
	out, err := h.runner.Run(ctx, "firewall-cmd", "--permanent", "--list-services")
	if err != nil {
		return false, fmt.Errorf("list firewalld services: %w", err)
	}
	for _, svc := range strings.Fields(string(out)) {
		if svc == serviceName(name) {
			return true, nil
		}
	}
	return false, nil
}

// EnsureFirewallRule defines a firewalld service for the port range and
// enables it in the default zone.
func (h *LinuxHost) EnsureFirewallRule(ctx context.Context, rule FirewallRule) error {
	exists, err := h.FirewallRuleExists(ctx, rule.Name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	name := serviceName(rule.Name)
	commands := [][]string{
		{"--permanent", "--new-service=" + name},
		{"--permanent", "--service=" + name, "--add-port=" + rule.ports() + "/tcp"},
		{"--permanent", "--add-service=" + name},
		{"--reload"},
	}
	for _, args := range commands {
		if _, err := h.runner.Run(ctx, "firewall-cmd", args...); err != nil {
			return fmt.Errorf("add firewall rule %s: %w", rule.Name, err)
		}
	}
	return nil
}

func (h *LinuxHost) UpdateSubsystem(context.Context) error {
	return fmt.Errorf("subsystem update: %w", ErrUnsupported)
}

func (h *LinuxHost) ApplicationInstalled(_ context.Context, executable string) (bool, error) {
	return fileExists(executable)
}

func (h *LinuxHost) RunInstaller(ctx context.Context, path string, args []string) error {
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("mark installer executable: %w", err)
	}
	if _, err := h.runner.Run(ctx, path, args...); err != nil {
		return fmt.Errorf("run installer: %w", err)
	}
	return nil
}

// serviceName turns a rule label into a firewalld service identifier.
func serviceName(rule string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(rule)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
