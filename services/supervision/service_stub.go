//go:build !windows

package supervision

import (
	"context"
	"fmt"

	"peerhost/services/hostos"
)

// ServiceManager is only available on Windows.
type ServiceManager struct{}

func NewServiceManager() *ServiceManager {
	return &ServiceManager{}
}

func (s *ServiceManager) Registered(context.Context, string) (bool, error) {
	return false, fmt.Errorf("windows service manager: %w", hostos.ErrUnsupported)
}

func (s *ServiceManager) EnsureAutoStart(ctx context.Context, unit Unit) (Result, error) {
	return ensureAutoStart(ctx, s, unit)
}

func (s *ServiceManager) register(context.Context, Unit) error {
	return fmt.Errorf("windows service manager: %w", hostos.ErrUnsupported)
}
