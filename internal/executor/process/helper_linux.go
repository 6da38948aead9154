//go:build linux

package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// MaybeSandboxInit runs the sandbox helper when this process was started as
// one and exits with the interpreter's status; it never returns in that case.
// Otherwise it returns false at once. Binaries using IsolationNetNS must call
// it before any other initialization:
//
//	func main() {
//	    if process.MaybeSandboxInit() {
//	        return
//	    }
//	    // ...
//	}
func MaybeSandboxInit() bool {
	if os.Getenv(helperEnvKey) == "" {
		return false
	}
	os.Exit(sandboxInit(os.Args[1:]))
	return true
}

// sandboxInit runs inside the namespaces as their PID 1.
func sandboxInit(args []string) int {
	status := os.NewFile(helperStatusFD, "sandbox-status")
	// The interpreter must not inherit the status pipe.
	syscall.CloseOnExec(helperStatusFD)

	cmd, err := startInterpreter(args)
	if err != nil {
		fmt.Fprintf(status, "sandbox helper: %v\n", err)
		return 1
	}
	fmt.Fprintln(status, helperReady)
	_ = status.Close()

	return supervise(cmd)
}

func startInterpreter(args []string) (*exec.Cmd, error) {
	if len(args) == 0 {
		return nil, errors.New("no command")
	}

	cfgFile := os.NewFile(helperConfigFD, "sandbox-config")
	var cfg helperConfig
	err := json.NewDecoder(cfgFile).Decode(&cfg)
	_ = cfgFile.Close()
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	_ = os.Unsetenv(helperEnvKey)

	if err := loopbackUp(); err != nil {
		return nil, fmt.Errorf("bring up loopback: %w", err)
	}
	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen for egress: %w", err)
	}
	go bridgeEgress(l, cfg.EgressSocket)

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}
	if err := applyLimits(cmd.Process.Pid, cfg.MemoryLimit, cfg.FileSizeLimit); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("resource limits: %w", err)
	}
	return cmd, nil
}

// supervise forwards SIGTERM and SIGINT to the interpreter's group and returns
// its exit code, 128+signal if it was killed.
func supervise(cmd *exec.Cmd) int {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT)
	go func() {
		for sig := range sigs {
			_ = unix.Kill(-cmd.Process.Pid, sig.(syscall.Signal))
		}
	}()

	waitErr := cmd.Wait()
	status, err := exitStatus(cmd.ProcessState, waitErr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox helper: %v\n", err)
		return 1
	}
	code, _ := status.Code()
	return code
}

// loopbackUp sets IFF_UP on lo. A new network namespace starts with it down.
func loopbackUp() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq("lo")
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return err
	}
	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP)
	return unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr)
}

// bridgeEgress copies every connection accepted on l to the egress socket.
func bridgeEgress(l net.Listener, socket string) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			upstream, err := net.Dial("unix", socket)
			if err != nil {
				return
			}
			defer upstream.Close()
			splice(conn, upstream)
		}()
	}
}

func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	copyHalf := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}
	go copyHalf(a, b)
	go copyHalf(b, a)
	wg.Wait()
}
