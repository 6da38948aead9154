//go:build unix && !linux

package process

import "syscall"

const netnsSupported = false

func sysProcAttr(Isolation) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// applyLimits is a no-op: prlimit(2) is Linux only.
func applyLimits(int, uint64, uint64) error { return nil }

// MaybeSandboxInit always returns false: the sandbox helper needs Linux
// namespaces.
func MaybeSandboxInit() bool { return false }
