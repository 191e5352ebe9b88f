//go:build windows

package hostos

import "golang.org/x/sys/windows"

func processElevated() (bool, error) {
	return windows.GetCurrentProcessToken().IsElevated(), nil
}
