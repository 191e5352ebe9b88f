package supervision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"peerhost/services/hostos"
)

const defaultUnitDir = "/etc/systemd/system"

// Systemd writes a unit file with Restart=on-failure and enables it.
type Systemd struct {
	runner  hostos.Runner
	unitDir string
}

// NewSystemd returns a Systemd backend writing units into unitDir
// (default /etc/systemd/system).
func NewSystemd(runner hostos.Runner, unitDir string) *Systemd {
	if unitDir == "" {
		unitDir = defaultUnitDir
	}
	return &Systemd{runner: runner, unitDir: unitDir}
}

// Registered is true when the unit file exists and systemd reports it enabled.
func (s *Systemd) Registered(ctx context.Context, name string) (bool, error) {
	if _, err := os.Stat(s.unitPath(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := s.runner.Run(ctx, "systemctl", "is-enabled", "--quiet", unitName(name)); err != nil {
		if hostos.ExitCode(err) > 0 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Systemd) EnsureAutoStart(ctx context.Context, unit Unit) (Result, error) {
	return ensureAutoStart(ctx, s, unit)
}

func (s *Systemd) register(ctx context.Context, unit Unit) error {
	if err := os.MkdirAll(s.unitDir, 0o755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}
	if err := os.WriteFile(s.unitPath(unit.Name), []byte(renderUnit(unit)), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	if _, err := s.runner.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return err
	}
	_, err := s.runner.Run(ctx, "systemctl", "enable", "--now", unitName(unit.Name))
	return err
}

func (s *Systemd) unitPath(name string) string {
	return filepath.Join(s.unitDir, unitName(name))
}

func unitName(name string) string {
	if strings.HasSuffix(name, ".service") {
		return name
	}
	return name + ".service"
}

func renderUnit(unit Unit) string {
	description := unit.Description
	if description == "" {
		description = unit.Name
	}
	restartSec := int(unit.Policy.RestartInterval.Round(time.Second).Seconds())
	if restartSec < 1 {
		restartSec = 1
	}

	var b strings.Builder
	b.WriteString("[Unit]\n")
	fmt.Fprintf(&b, "Description=%s\n", description)
	b.WriteString("After=network-online.target\nWants=network-online.target\n")
	if unit.Policy.MaxRestarts > 0 {
		// The window must outlast MaxRestarts back-to-back restarts.
		fmt.Fprintf(&b, "StartLimitIntervalSec=%d\n", restartSec*(unit.Policy.MaxRestarts+1))
		fmt.Fprintf(&b, "StartLimitBurst=%d\n", unit.Policy.MaxRestarts)
	}
	b.WriteString("\n[Service]\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", execLine(unit.Executable, unit.Args))
	if unit.Policy.MaxRestarts > 0 {
		b.WriteString("Restart=on-failure\n")
		fmt.Fprintf(&b, "RestartSec=%d\n", restartSec)
	} else {
		b.WriteString("Restart=no\n")
	}
	b.WriteString("\n[Install]\nWantedBy=multi-user.target\n")
	return b.String()
}

func execLine(exe string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, p := range append([]string{exe}, args...) {
		if p == "" || strings.ContainsAny(p, " \t\"\\") {
			p = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(p) + `"`
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}
