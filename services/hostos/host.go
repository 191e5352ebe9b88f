package hostos

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
)

// ErrUnsupported is returned for capabilities the current platform lacks.
var ErrUnsupported = errors.New("not supported on this platform")

// FirewallRule is an inbound allow rule for a TCP port range.
type FirewallRule struct {
	Name      string
	FirstPort int
	LastPort  int
}

func (r FirewallRule) ports() string {
	if r.FirstPort == r.LastPort {
		return fmt.Sprintf("%d", r.FirstPort)
	}
	return fmt.Sprintf("%d-%d", r.FirstPort, r.LastPort)
}

// Host is the set of operating system capabilities provisioning steps
// query and mutate.
type Host interface {
	IsElevated(ctx context.Context) (bool, error)
	VirtualizationSupported(ctx context.Context) (bool, error)
	FeatureEnabled(ctx context.Context, name string) (bool, error)
	// EnableFeature reports whether the change needs a restart to apply.
	EnableFeature(ctx context.Context, name string) (bool, error)
	FirewallRuleExists(ctx context.Context, name string) (bool, error)
	EnsureFirewallRule(ctx context.Context, rule FirewallRule) error
	UpdateSubsystem(ctx context.Context) error
	ApplicationInstalled(ctx context.Context, executable string) (bool, error)
	RunInstaller(ctx context.Context, path string, args []string) error
}

// New returns the Host implementation for the running platform.
func New(runner Runner) Host {
	if runner == nil {
		runner = ExecRunner{}
	}
	if runtime.GOOS == "windows" {
		return NewWindowsHost(runner, processElevated)
	}
	return NewLinuxHost(runner, processElevated)
}

func fileExists(path string) (bool, error) {
	if path == "" {
		return false, errors.New("path is required")
	}
	info, err := os.Stat(path)
	switch {
	case err == nil:
		return !info.IsDir(), nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
