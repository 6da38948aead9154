//go:build unix

// Package process runs scripts as local subprocesses.
//
// Each run gets its own temporary directory, its own session (so the whole
// process tree can be signalled at once) and a minimal environment. On timeout
// the group receives SIGTERM and, after the grace period, SIGKILL.
//
// With IsolationNetNS the interpreter does not start directly. This binary is
// re-executed as a helper inside new user, network and PID namespaces; the
// helper brings up loopback, bridges 127.0.0.1:3128 to a unix socket served by
// the sandbox-zone egress proxy, then runs the interpreter as its child. The
// helper is PID 1 of its namespace, so when it exits the kernel kills every
// process left in there, including ones that called setsid.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sakif/vulnproof/internal/apperror"
	"github.com/sakif/vulnproof/internal/executor"
	"github.com/sakif/vulnproof/internal/fabric"
	"github.com/sakif/vulnproof/internal/fabric/egress"
	"github.com/sakif/vulnproof/internal/model"
)

const scriptName = "check"

// Executor implements executor.Executor with local subprocesses.
type Executor struct {
	config Config
	egress *egress.Proxy // nil without a network namespace
	helper string
	logger *slog.Logger
}

var _ executor.Executor = (*Executor)(nil)

// New validates cfg and returns an Executor. topology is required for
// IsolationNetNS: sandbox egress is dialed as its sandbox zone.
func New(cfg Config, topology *fabric.Topology, logger *slog.Logger) (*Executor, error) {
	if cfg.Interpreter == "" {
		return nil, errors.New("process: interpreter is required")
	}
	switch cfg.Isolation {
	case IsolationNetNS, IsolationNone:
	case "":
		cfg.Isolation = IsolationNetNS
	default:
		return nil, fmt.Errorf("process: unknown isolation %q", cfg.Isolation)
	}
	if cfg.Isolation == IsolationNetNS && !netnsSupported {
		return nil, errors.New("process: network namespace isolation is only available on linux")
	}
	if cfg.Grace <= 0 {
		cfg.Grace = executor.DefaultGrace
	}
	e := &Executor{config: cfg, logger: logger}
	if cfg.Isolation == IsolationNone {
		logger.Warn("sandbox processes share the host network; use only for development")
		return e, nil
	}

	if topology == nil {
		return nil, errors.New("process: netns isolation needs a fabric topology")
	}
	if err := topology.Verify(); err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}
	dialer, err := fabric.NewDialer(topology, fabric.SandboxZone)
	if err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}
	e.egress = egress.New(dialer.DialContext, logger.With(slog.String("zone", string(fabric.SandboxZone))))

	e.helper = cfg.Helper
	if e.helper == "" {
		if e.helper, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("process: locate sandbox helper: %w", err)
		}
	}
	return e, nil
}

// Execute runs the script and always returns a result.
func (e *Executor) Execute(ctx context.Context, req executor.Request) (*model.ExecutionResult, error) {
	start := time.Now()
	scanID := req.Script.GeneratedFor

	env, err := executor.BuildEnv(req.Env)
	if err != nil {
		return executor.LaunchFailure(scanID, start, "invalid sandbox environment", err)
	}

	dir, err := os.MkdirTemp(e.config.TempDir, "vulnproof-run-")
	if err != nil {
		return executor.LaunchFailure(scanID, start, "cannot create sandbox directory", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Error("failed to remove sandbox directory",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
	}()

	path := filepath.Join(dir, scriptName)
	if err := os.WriteFile(path, []byte(req.Script.Source), 0o600); err != nil {
		return executor.LaunchFailure(scanID, start, "cannot write script body", err)
	}

	stdout := executor.NewLimitedBuffer(e.config.MaxOutput)
	stderr := executor.NewLimitedBuffer(e.config.MaxOutput)

	args := append(append([]string{e.config.Interpreter}, e.config.InterpreterArgs...), path)
	var cmd *exec.Cmd
	var launch *helperLaunch
	if e.egress != nil {
		launch, err = e.prepareHelper(dir)
		if err != nil {
			return executor.LaunchFailure(scanID, start, "cannot prepare sandbox namespace", err)
		}
		defer launch.close()

		cmd = exec.Command(e.helper, args...)
		cmd.Env = append(append(env, executor.ProxyEnv("http://"+egressListenAddr)...), helperEnvKey+"=1")
		cmd.ExtraFiles = launch.files()
	} else {
		cmd = exec.Command(args[0], args[1:]...)
		cmd.Env = env
	}
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = sysProcAttr(e.config.Isolation)
	// Grandchildren that survive the group kill must not hold Wait forever.
	cmd.WaitDelay = e.config.Grace

	if err := cmd.Start(); err != nil {
		return executor.LaunchFailure(scanID, start, "cannot start sandbox process", err)
	}
	if launch != nil {
		launch.started()
	}
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if launch != nil {
		if err := launch.await(helperStartTimeout); err != nil {
			signalGroup(pid, unix.SIGKILL)
			<-done
			if msg := stderr.String(); msg != "" {
				err = fmt.Errorf("%w (stderr: %s)", err, msg)
			}
			return executor.LaunchFailure(scanID, start, "sandbox helper failed", err)
		}
	} else if err := applyLimits(pid, e.config.MemoryLimit, e.config.FileSizeLimit); err != nil {
		e.logger.Warn("failed to apply resource limits", slog.Int("pid", pid), slog.String("error", err.Error()))
	}

	timeout := executor.EffectiveTimeout(req, e.config.Timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	result := &model.ExecutionResult{ScanID: scanID}
	var runErr error

	select {
	case waitErr := <-done:
		result.Status, runErr = exitStatus(cmd.ProcessState, waitErr)

	case <-timer.C:
		e.terminate(pid, done)
		result.Status = model.StatusTimeout
		e.logger.Warn("sandbox process timed out",
			slog.String("scan_id", scanID),
			slog.Duration("timeout", timeout),
		)

	case <-ctx.Done():
		e.terminate(pid, done)
		result.Status = model.StatusError
		runErr = apperror.Execution("execution cancelled", ctx.Err())
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Truncated = stdout.Truncated() || stderr.Truncated()
	result.Duration = time.Since(start)
	return result, runErr
}

// terminate signals the process group with SIGTERM, escalates to SIGKILL after
// the grace period and returns once the leader has been reaped.
func (e *Executor) terminate(pid int, done <-chan error) {
	signalGroup(pid, unix.SIGTERM)

	grace := time.NewTimer(e.config.Grace)
	defer grace.Stop()

	select {
	case <-done:
		// The leader is gone; sweep anything left in its group.
		signalGroup(pid, unix.SIGKILL)
	case <-grace.C:
		e.logger.Warn("sandbox process ignored SIGTERM, killing", slog.Int("pid", pid))
		signalGroup(pid, unix.SIGKILL)
		<-done
	}
}

// signalGroup sends sig to the whole process group led by pid.
func signalGroup(pid int, sig unix.Signal) {
	// kill(-1) and kill(0) would hit unrelated processes.
	if pid <= 1 {
		return
	}
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = unix.Kill(pid, sig)
	}
}

// exitStatus converts cmd.Wait's outcome into a status. Death by signal is
// reported as 128+signal, the shell convention.
func exitStatus(state *os.ProcessState, waitErr error) (model.ExitStatus, error) {
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		state = exitErr.ProcessState
	case errors.Is(waitErr, exec.ErrWaitDelay) && state != nil:
		// The process exited; only a leftover child held the output pipes.
	default:
		return model.StatusError, apperror.Execution("sandbox process failed", waitErr)
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return model.Exited(128 + int(ws.Signal())), nil
	}
	return model.Exited(state.ExitCode()), nil
}
