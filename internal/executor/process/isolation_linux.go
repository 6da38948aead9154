//go:build linux

package process

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

const netnsSupported = true

// sysProcAttr puts the child in its own session and, for IsolationNetNS, in
// new user, network and PID namespaces. The child is the sandbox helper; as
// PID 1 its exit takes down everything else in the namespace.
func sysProcAttr(iso Isolation) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setsid: true, Pdeathsig: syscall.SIGKILL}
	if iso != IsolationNetNS {
		return attr
	}
	attr.Cloneflags = unix.CLONE_NEWUSER | unix.CLONE_NEWNET | unix.CLONE_NEWPID
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	attr.GidMappingsEnableSetgroups = false
	return attr
}

// applyLimits sets rlimits on a running process. Limits are inherited by
// anything it forks afterwards. Zero leaves a limit unset.
func applyLimits(pid int, memory, fileSize uint64) error {
	if memory > 0 {
		lim := &unix.Rlimit{Cur: memory, Max: memory}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, lim, nil); err != nil {
			return err
		}
	}
	if fileSize > 0 {
		lim := &unix.Rlimit{Cur: fileSize, Max: fileSize}
		if err := unix.Prlimit(pid, unix.RLIMIT_FSIZE, lim, nil); err != nil {
			return err
		}
	}
	return nil
}
