package supervision

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"peerhost/services/hostos"
)

// Result is the outcome of EnsureAutoStart.
type Result string

const (
	Registered         Result = "registered"
	AlreadyRegistered  Result = "already_registered"
	RegistrationFailed Result = "registration_failed"
)

// Policy bounds how often the supervisor restarts a crashed process.
type Policy struct {
	MaxRestarts     int
	RestartInterval time.Duration
}

// Unit is a process to keep running across reboots and crashes. Name is the
// stable identity used to detect an existing registration.
type Unit struct {
	Name        string
	Description string
	Executable  string
	Args        []string
	Policy      Policy
}

func (u Unit) validate() error {
	if u.Name == "" {
		return errors.New("unit name is required")
	}
	if u.Executable == "" {
		return errors.New("unit executable is required")
	}
	if u.Policy.MaxRestarts < 0 {
		return errors.New("max restarts must not be negative")
	}
	if u.Policy.RestartInterval <= 0 {
		return errors.New("restart interval must be positive")
	}
	return nil
}

// Registrar registers auto-start with a restart policy.
type Registrar interface {
	Registered(ctx context.Context, name string) (bool, error)
	EnsureAutoStart(ctx context.Context, unit Unit) (Result, error)
}

type backend interface {
	Registered(ctx context.Context, name string) (bool, error)
	register(ctx context.Context, unit Unit) error
}

// ensureAutoStart looks the unit up by name before creating it, so calling
// it repeatedly registers the unit at most once.
func ensureAutoStart(ctx context.Context, b backend, unit Unit) (Result, error) {
	if err := unit.validate(); err != nil {
		return RegistrationFailed, err
	}
	exists, err := b.Registered(ctx, unit.Name)
	if err != nil {
		return RegistrationFailed, fmt.Errorf("look up %s: %w", unit.Name, err)
	}
	if exists {
		return AlreadyRegistered, nil
	}
	if err := b.register(ctx, unit); err != nil {
		return RegistrationFailed, fmt.Errorf("register %s: %w", unit.Name, err)
	}
	return Registered, nil
}

// ForApplication picks the backend for the target application: a logon
// scheduled task on Windows, since the client runs in the user's session,
// and a systemd unit elsewhere.
func ForApplication(runner hostos.Runner) Registrar {
	if runtime.GOOS == "windows" {
		return NewTaskScheduler(runner)
	}
	return NewSystemd(runner, "")
}

// ForDaemon picks the backend for peerhost-monitor: the service control
// manager on Windows and systemd elsewhere.
func ForDaemon(runner hostos.Runner) Registrar {
	if runtime.GOOS == "windows" {
		return NewServiceManager()
	}
	return NewSystemd(runner, "")
}
