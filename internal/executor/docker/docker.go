// Package docker runs scripts in pre-warmed containers attached to an internal
// Docker network that stands in for the Sandbox Zone. The network has no route
// out; scripts reach the Orchestrator Zone through an egress relay sidecar
// and the sandbox-zone egress proxy behind it.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/vulnproof/internal/apperror"
	"github.com/sakif/vulnproof/internal/executor"
	"github.com/sakif/vulnproof/internal/fabric"
	"github.com/sakif/vulnproof/internal/fabric/egress"
	"github.com/sakif/vulnproof/internal/model"
)

// Executor implements the executor.Executor interface using Docker.
type Executor struct {
	cli    *client.Client
	config Config
	relay  *relay
	logger *slog.Logger
	pool   *Pool
}

var _ executor.Executor = (*Executor)(nil)

// New connects to the Docker daemon, pulls the images, creates the sandbox
// network if needed, starts the egress relay and then the container pool.
func New(ctx context.Context, cfg Config, topology *fabric.Topology, logger *slog.Logger) (*Executor, error) {
	if len(cfg.Interpreter) == 0 {
		return nil, errors.New("docker: interpreter is required")
	}
	if cfg.Grace <= 0 {
		cfg.Grace = executor.DefaultGrace
	}
	if topology == nil {
		return nil, errors.New("docker: a fabric topology is required")
	}
	if err := topology.Verify(); err != nil {
		return nil, fmt.Errorf("docker: %w", err)
	}
	dialer, err := fabric.NewDialer(topology, fabric.SandboxZone)
	if err != nil {
		return nil, fmt.Errorf("docker: %w", err)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	for _, ref := range []string{cfg.Image, cfg.RelayImage} {
		if err := pullImage(setupCtx, cli, ref, logger); err != nil {
			cli.Close()
			return nil, err
		}
	}

	if err := EnsureNetwork(setupCtx, cli, cfg, logger); err != nil {
		cli.Close()
		return nil, err
	}

	proxy := egress.New(dialer.DialContext, logger.With(slog.String("zone", string(fabric.SandboxZone))))
	r, err := startRelay(setupCtx, cli, cfg, proxy, logger)
	if err != nil {
		cli.Close()
		return nil, err
	}
	logger.Info("docker sandbox is ready", slog.String("network", cfg.Network))

	exec := &Executor{
		cli:    cli,
		config: cfg,
		relay:  r,
		logger: logger,
	}

	exec.pool = NewPool(cli, cfg, logger)
	exec.pool.Start()

	return exec, nil
}

func pullImage(ctx context.Context, cli client.ImageAPIClient, ref string, logger *slog.Logger) error {
	logger.Info("ensuring docker image is available", slog.String("image", ref))
	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// Read everything to block until the pull is complete
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// Close shuts down the executor pool, the egress relay and docker client.
func (e *Executor) Close() error {
	e.pool.Stop()
	e.relay.stop(e.cli, e.logger)
	return e.cli.Close()
}

// Execute feeds the script to the interpreter inside a fresh container. The
// container is removed on every path, so nothing the script wrote survives.
func (e *Executor) Execute(ctx context.Context, req executor.Request) (*model.ExecutionResult, error) {
	start := time.Now()
	scanID := req.Script.GeneratedFor

	env, err := executor.BuildEnv(req.Env)
	if err != nil {
		return executor.LaunchFailure(scanID, start, "invalid sandbox environment", err)
	}
	env = append(env, executor.ProxyEnv(e.relay.proxyURL())...)

	containerID, err := e.pool.GetContainer(ctx)
	if err != nil {
		return executor.LaunchFailure(scanID, start, "no sandbox container available", err)
	}
	defer e.pool.removeContainer(containerID)

	execResp, err := e.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          env,
		WorkingDir:   "/tmp",
		Cmd:          e.config.Interpreter,
	})
	if err != nil {
		return executor.LaunchFailure(scanID, start, "failed to create exec", err)
	}

	attachResp, err := e.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return executor.LaunchFailure(scanID, start, "failed to attach to exec", err)
	}
	defer attachResp.Close()

	if _, err := io.WriteString(attachResp.Conn, req.Script.Source); err != nil {
		return executor.LaunchFailure(scanID, start, "failed to send script", err)
	}
	if err := attachResp.CloseWrite(); err != nil {
		return executor.LaunchFailure(scanID, start, "failed to send script", err)
	}

	stdout := executor.NewLimitedBuffer(e.config.MaxOutput)
	stderr := executor.NewLimitedBuffer(e.config.MaxOutput)

	done := make(chan struct{})
	go func() {
		// Use stdcopy to demultiplex stdout from stderr
		_, _ = stdcopy.StdCopy(stdout, stderr, attachResp.Reader)
		close(done)
	}()

	timeout := executor.EffectiveTimeout(req, e.config.Timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	result := &model.ExecutionResult{ScanID: scanID}
	var runErr error

	select {
	case <-done:
		result.Status, runErr = e.exitStatus(execResp.ID)

	case <-timer.C:
		e.terminate(containerID, done)
		result.Status = model.StatusTimeout
		e.logger.Warn("sandbox container timed out",
			slog.String("scan_id", scanID),
			slog.String("id", containerID),
			slog.Duration("timeout", timeout),
		)

	case <-ctx.Done():
		e.terminate(containerID, done)
		result.Status = model.StatusError
		runErr = apperror.Execution("execution cancelled", ctx.Err())
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Truncated = stdout.Truncated() || stderr.Truncated()
	result.Duration = time.Since(start)
	return result, runErr
}

// exitStatus reads the exec's exit code once its output stream has closed.
func (e *Executor) exitStatus(execID string) (model.ExitStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		inspect, err := e.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return model.StatusError, apperror.Execution("failed to inspect exec", err)
		}
		if !inspect.Running {
			return model.Exited(inspect.ExitCode), nil
		}
		select {
		case <-ctx.Done():
			return model.StatusError, apperror.Execution("exec did not report an exit code", ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// terminate sends SIGTERM to every process in the container and, if the output
// has not closed within the grace period, force removes it. ContainerKill only
// reaches PID 1, and the script runs as an exec beside it.
func (e *Executor) terminate(containerID string, done <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.signalAll(ctx, containerID, "TERM"); err != nil {
		e.logger.Warn("failed to signal container", slog.String("id", containerID), slog.String("error", err.Error()))
	}

	select {
	case <-done:
	case <-time.After(e.config.Grace):
		e.logger.Warn("sandbox script ignored SIGTERM, removing container", slog.String("id", containerID))
		e.pool.removeContainer(containerID)
		<-done
	}
}

// signalAll runs `kill -SIG -1` inside the container.
func (e *Executor) signalAll(ctx context.Context, containerID, sig string) error {
	resp, err := e.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd: []string{"kill", "-" + sig, "-1"},
	})
	if err != nil {
		return err
	}
	return e.cli.ContainerExecStart(ctx, resp.ID, container.ExecStartOptions{Detach: true})
}
