//go:build windows

package supervision

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc/mgr"
)

// ServiceManager registers a Windows service with SCM recovery actions that
// restart it after a crash.
type ServiceManager struct{}

func NewServiceManager() *ServiceManager {
	return &ServiceManager{}
}

func (s *ServiceManager) Registered(_ context.Context, name string) (bool, error) {
	m, err := mgr.Connect()
	if err != nil {
		return false, err
	}
	defer m.Disconnect()

	service, err := m.OpenService(name)
	if err != nil {
		if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
			return false, nil
		}
		return false, err
	}
	service.Close()
	return true, nil
}

func (s *ServiceManager) EnsureAutoStart(ctx context.Context, unit Unit) (Result, error) {
	return ensureAutoStart(ctx, s, unit)
}

func (s *ServiceManager) register(_ context.Context, unit Unit) error {
	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	description := unit.Description
	if description == "" {
		description = unit.Name
	}
	service, err := m.CreateService(unit.Name, unit.Executable, mgr.Config{
		DisplayName: unit.Name,
		Description: description,
		StartType:   mgr.StartAutomatic,
	}, unit.Args...)
	if err != nil {
		return err
	}
	defer service.Close()

	if unit.Policy.MaxRestarts > 0 {
		actions := make([]mgr.RecoveryAction, unit.Policy.MaxRestarts)
		for i := range actions {
			actions[i] = mgr.RecoveryAction{Type: mgr.ServiceRestart, Delay: unit.Policy.RestartInterval}
		}
		// Reset the failure count after a day without crashes.
		resetPeriod := uint32((24 * time.Hour).Seconds())
		if err := service.SetRecoveryActions(actions, resetPeriod); err != nil {
			return err
		}
	}

	return service.Start()
}
