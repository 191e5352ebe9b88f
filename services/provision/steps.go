package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"peerhost/pkg/config"
	"peerhost/services/artifacts"
	"peerhost/services/hostos"
	"peerhost/services/orchestrator"
	"peerhost/services/supervision"
)

// Step names, in execution order.
const (
	StepElevation       = "elevation"
	StepVirtualization  = "virtualization"
	StepSubsystemUpdate = "subsystem-update"
	StepFirewall        = "firewall"
	StepDownload        = "download-installer"
	StepInstall         = "install-application"
	StepAutoStart       = "autostart"
	StepMonitorService  = "monitor-service"

	featurePrefix = "feature:"
)

// Fetcher downloads the installer.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) (artifacts.Result, error)
}

// Deps are the collaborators the catalogue binds its steps to.
type Deps struct {
	Config       config.Config
	Host         hostos.Host
	Fetcher      Fetcher
	Verification artifacts.Verification
	Application  supervision.Registrar
	Daemon       supervision.Registrar
	// MonitorArgs are passed to peerhost-monitor when it is registered.
	MonitorArgs []string
	Logger      *log.Logger
}

func (d Deps) validate() error {
	if d.Host == nil {
		return errors.New("host is required")
	}
	if d.Fetcher == nil {
		return errors.New("fetcher is required")
	}
	if d.Application == nil {
		return errors.New("application registrar is required")
	}
	if d.Daemon == nil {
		return errors.New("daemon registrar is required")
	}
	if d.Logger == nil {
		return errors.New("logger is required")
	}
	return d.Config.ValidateProvisioning()
}

// Steps returns the fixed provisioning sequence for the target application.
func Steps(d Deps) ([]orchestrator.Step, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}

	steps := []orchestrator.Step{
		elevationStep(d),
		virtualizationStep(d),
	}
	for _, feature := range d.Config.Provision.Features {
		steps = append(steps, featureStep(d, feature))
	}
	if d.Config.Provision.SubsystemUpdate {
		steps = append(steps, subsystemUpdateStep(d))
	}
	steps = append(steps,
		firewallStep(d),
		downloadStep(d),
		installStep(d),
		autoStartStep(d),
	)
	if d.Config.Provision.MonitorExecutable != "" {
		steps = append(steps, monitorServiceStep(d))
	} else {
		d.Logger.Printf("WARN provision.monitor_executable is empty; %s step disabled", StepMonitorService)
	}
	return steps, nil
}

func elevationStep(d Deps) orchestrator.Step {
	return orchestrator.Step{
		Name: StepElevation,
		Check: func(ctx context.Context) (orchestrator.Precondition, error) {
			ok, err := d.Host.IsElevated(ctx)
			if err != nil {
				return orchestrator.Precondition{}, err
			}
			if !ok {
				return orchestrator.Blocked("administrator privileges are required; run peerhostctl from an elevated shell"), nil
			}
			return orchestrator.Satisfied("running elevated"), nil
		},
		Apply: func(context.Context) error {
			return errors.New("privileges cannot be raised by provisioning")
		},
	}
}

func virtualizationStep(d Deps) orchestrator.Step {
	return orchestrator.Step{
		Name: StepVirtualization,
		Check: func(ctx context.Context) (orchestrator.Precondition, error) {
			ok, err := d.Host.VirtualizationSupported(ctx)
			if err != nil {
				return orchestrator.Precondition{}, err
			}
			if !ok {
				return orchestrator.Blocked("hardware virtualization is unavailable; enable it in the firmware settings"), nil
			}
			return orchestrator.Satisfied("hardware virtualization available"), nil
		},
		Apply: func(context.Context) error {
			return errors.New("hardware virtualization cannot be enabled by provisioning")
		},
	}
}

func featureStep(d Deps, feature string) orchestrator.Step {
	return orchestrator.Step{
		Name: featurePrefix + feature,
		Check: func(ctx context.Context) (orchestrator.Precondition, error) {
			enabled, err := d.Host.FeatureEnabled(ctx, feature)
			if err != nil {
				return orchestrator.Precondition{}, err
			}
			if enabled {
				return orchestrator.Satisfied("feature enabled"), nil
			}
			return orchestrator.NeedsAction("feature disabled"), nil
		},
		Apply: func(ctx context.Context) error {
			restart, err := d.Host.EnableFeature(ctx, feature)
			if err != nil {
				return err
			}
			if !restart {
				d.Logger.Printf("INFO feature %s enabled without a restart request; restarting anyway before dependent steps", feature)
			}
			return nil
		},
		Effect: orchestrator.EffectRequiresReboot,
	}
}

func subsystemUpdateStep(d Deps) orchestrator.Step {
	marker := filepath.Join(d.Config.StateDir, "markers", "subsystem-update.done")
	return orchestrator.Step{
		Name: StepSubsystemUpdate,
		Check: func(context.Context) (orchestrator.Precondition, error) {
			if _, err := os.Stat(marker); err == nil {
				return orchestrator.Satisfied("marker " + marker + " present"), nil
			}
			return orchestrator.NeedsAction("no completed update recorded"), nil
		},
		Apply: func(ctx context.Context) error {
			if err := d.Host.UpdateSubsystem(ctx); err != nil {
				return err
			}
			return writeMarker(marker)
		},
		Soft: true,
	}
}

func firewallStep(d Deps) orchestrator.Step {
	app := d.Config.Application
	rule := hostos.FirewallRule{
		Name:      app.FirewallRule,
		FirstPort: app.Ports.First,
		LastPort:  app.Ports.Last,
	}
	return orchestrator.Step{
		Name: StepFirewall,
		Check: func(ctx context.Context) (orchestrator.Precondition, error) {
			exists, err := d.Host.FirewallRuleExists(ctx, rule.Name)
			if err != nil {
				return orchestrator.Precondition{}, err
			}
			if exists {
				return orchestrator.Satisfied("rule " + rule.Name + " present"), nil
			}
			return orchestrator.NeedsAction("inbound TCP " + app.Ports.String() + " not allowed"), nil
		},
		Apply: func(ctx context.Context) error {
			return d.Host.EnsureFirewallRule(ctx, rule)
		},
	}
}

func downloadStep(d Deps) orchestrator.Step {
	installer := d.Config.Installer
	return orchestrator.Step{
		Name: StepDownload,
		Check: func(ctx context.Context) (orchestrator.Precondition, error) {
			installed, err := d.Host.ApplicationInstalled(ctx, d.Config.Application.Executable)
			if err != nil {
				return orchestrator.Precondition{}, err
			}
			if installed {
				return orchestrator.Satisfied("application already installed"), nil
			}
			if _, err := os.Stat(installer.Destination); err != nil {
				return orchestrator.NeedsAction("installer not downloaded"), nil
			}
			if !d.Verification.Enabled() {
				return orchestrator.Satisfied("installer present at " + installer.Destination), nil
			}
			if err := d.Verification.Verify(installer.Destination); err != nil {
				return orchestrator.NeedsAction(fmt.Sprintf("existing installer failed verification: %v", err)), nil
			}
			return orchestrator.Satisfied("verified installer present at " + installer.Destination), nil
		},
		Apply: func(ctx context.Context) error {
			if _, err := d.Fetcher.Fetch(ctx, installer.URL, installer.Destination); err != nil {
				return err
			}
			if !d.Verification.Enabled() {
				return nil
			}
			if err := d.Verification.Verify(installer.Destination); err != nil {
				_ = os.Remove(installer.Destination)
				return fmt.Errorf("verify installer: %w", err)
			}
			d.Logger.Printf("INFO installer %s verified", installer.Destination)
			return nil
		},
	}
}

func installStep(d Deps) orchestrator.Step {
	exe := d.Config.Application.Executable
	return orchestrator.Step{
		Name: StepInstall,
		Check: func(ctx context.Context) (orchestrator.Precondition, error) {
			installed, err := d.Host.ApplicationInstalled(ctx, exe)
			if err != nil {
				return orchestrator.Precondition{}, err
			}
			if installed {
				return orchestrator.Satisfied(exe + " present"), nil
			}
			return orchestrator.NeedsAction(exe + " missing"), nil
		},
		Apply: func(ctx context.Context) error {
			if err := d.Host.RunInstaller(ctx, d.Config.Installer.Destination, d.Config.Installer.Args); err != nil {
				return err
			}
			installed, err := d.Host.ApplicationInstalled(ctx, exe)
			if err != nil {
				return err
			}
			if !installed {
				return fmt.Errorf("installer finished but %s was not found", exe)
			}
			return nil
		},
	}
}

func autoStartStep(d Deps) orchestrator.Step {
	app := d.Config.Application
	return registrationStep(d, StepAutoStart, d.Application, supervision.Unit{
		Name:        app.Name,
		Description: app.Name + " peer client",
		Executable:  app.Executable,
		Args:        app.Args,
		Policy:      supervision.Policy{MaxRestarts: app.MaxRestarts, RestartInterval: app.RestartInterval},
	})
}

func monitorServiceStep(d Deps) orchestrator.Step {
	return registrationStep(d, StepMonitorService, d.Daemon, MonitorUnit(d.Config, d.MonitorArgs))
}

// MonitorUnit describes peerhost-monitor for the daemon registrar. It shares
// the application's restart policy.
func MonitorUnit(cfg config.Config, args []string) supervision.Unit {
	return supervision.Unit{
		Name:        cfg.Provision.MonitorServiceName,
		Description: "peerhost health monitor",
		Executable:  cfg.Provision.MonitorExecutable,
		Args:        args,
		Policy: supervision.Policy{
			MaxRestarts:     cfg.Application.MaxRestarts,
			RestartInterval: cfg.Application.RestartInterval,
		},
	}
}

// registrationStep is soft: a failed registration is reported so the
// operator can register the unit by hand.
func registrationStep(d Deps, name string, registrar supervision.Registrar, unit supervision.Unit) orchestrator.Step {
	return orchestrator.Step{
		Name: name,
		Check: func(ctx context.Context) (orchestrator.Precondition, error) {
			ok, err := registrar.Registered(ctx, unit.Name)
			if err != nil {
				return orchestrator.NeedsAction(fmt.Sprintf("registration lookup failed: %v", err)), nil
			}
			if ok {
				return orchestrator.Satisfied(unit.Name + " registered"), nil
			}
			return orchestrator.NeedsAction(unit.Name + " not registered"), nil
		},
		Apply: func(ctx context.Context) error {
			res, err := registrar.EnsureAutoStart(ctx, unit)
			if err == nil && res == supervision.RegistrationFailed {
				err = errors.New("registration failed")
			}
			if err != nil {
				return fmt.Errorf("could not register %s for auto-start, register it manually: %w", unit.Name, err)
			}
			d.Logger.Printf("INFO %s: %s", unit.Name, res)
			return nil
		},
		Soft: true,
	}
}

func writeMarker(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	content := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}
