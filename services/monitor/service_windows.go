//go:build windows

package monitor

import (
	"context"
	"fmt"

	"golang.org/x/sys/windows/svc"
)

// RunAsService hands control to the Service Control Manager when the process
// was started as a Windows service. run receives a context that is cancelled
// on Stop or Shutdown. It reports false when the process is interactive.
func RunAsService(name string, run func(ctx context.Context) error) (bool, error) {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return false, fmt.Errorf("detecting service environment: %w", err)
	}
	if !isService {
		return false, nil
	}
	p := &program{run: run}
	if err := svc.Run(name, p); err != nil {
		return true, err
	}
	return true, p.err
}

type program struct {
	run func(ctx context.Context) error
	err error
}

func (p *program) Execute(_ []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.run(ctx) }()

	changes <- svc.Status{State: svc.Running, Accepts: accepted}

	for {
		select {
		case err := <-done:
			p.err = err
			changes <- svc.Status{State: svc.StopPending}
			if err != nil {
				return false, 1
			}
			return false, 0
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				p.err = <-done
				return false, 0
			default:
			}
		}
	}
}
