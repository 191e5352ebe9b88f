//go:build !windows

package monitor

import "context"

// RunAsService always reports false outside Windows; systemd runs the daemon
// as an ordinary foreground process.
func RunAsService(string, func(ctx context.Context) error) (bool, error) {
	return false, nil
}
