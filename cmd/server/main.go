// Package main is the entry point for the vulnproof validation server.
//
// main is the composition root: it reads configuration, builds every
// dependency in order and hands the finished handlers to the server.
//
//	config → fabric topology → orchestrator dialer
//	       → vault → credential broker
//	       → model client (dials through the orchestrator zone) → synthesizer
//	       → sandbox executor (docker | process)
//	       → validation service → handlers → server
//
// The sandbox never receives the orchestrator dialer, the vault or the
// credential. Only the synthesizer and the broker run in the orchestrator
// zone; the sandbox gets an egress proxy that dials as the sandbox zone.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sakif/vulnproof/internal/config"
	"github.com/sakif/vulnproof/internal/executor"
	"github.com/sakif/vulnproof/internal/executor/docker"
	"github.com/sakif/vulnproof/internal/executor/process"
	"github.com/sakif/vulnproof/internal/fabric"
	"github.com/sakif/vulnproof/internal/handler"
	"github.com/sakif/vulnproof/internal/server"
	"github.com/sakif/vulnproof/internal/service"
	"github.com/sakif/vulnproof/internal/synth"
	"github.com/sakif/vulnproof/internal/synth/openai"
	"github.com/sakif/vulnproof/internal/vault"
	"github.com/sakif/vulnproof/internal/vault/httpvault"
	"github.com/sakif/vulnproof/internal/vault/sqlite"
)

func main() {
	// With netns isolation this binary is re-executed as the sandbox helper.
	if process.MaybeSandboxInit() {
		return
	}
	if err := run(); err != nil {
		slog.Error("vulnproof exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// === 1. CONFIGURATION ===
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	srv, err := build(cfg, logger)
	if err != nil {
		return err
	}

	// Start blocks until SIGINT/SIGTERM.
	return srv.Start()
}

// build wires every dependency. On error, whatever was already opened is
// closed again before returning.
func build(cfg config.Config, logger *slog.Logger) (_ *server.Server, err error) {
	var closers []io.Closer
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].Close(); cerr != nil {
				logger.Error("failed to release after startup error", slog.String("error", cerr.Error()))
			}
		}
	}()

	// === 2. ISOLATION POLICY ===
	// Refuse to start on a policy that does not verify; nothing downstream
	// would launch anyway.
	topology, err := fabric.LoadTopology(cfg.Fabric.PolicyPath)
	if err != nil {
		return nil, err
	}
	if err := topology.Verify(); err != nil {
		return nil, fmt.Errorf("fabric policy rejected: %w", err)
	}

	dialer, err := fabric.NewDialer(topology, fabric.OrchestratorZone,
		fabric.WithUpstreamProxy(cfg.Fabric.EgressProxy))
	if err != nil {
		return nil, err
	}
	orchestratorHTTP := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy:       nil,
			DialContext: dialer.DialContext,
		},
	}

	// === 3. CREDENTIALS ===
	v, err := buildVault(cfg.Vault, orchestratorHTTP)
	if err != nil {
		return nil, err
	}
	if c, ok := v.(io.Closer); ok {
		closers = append(closers, c)
	}
	broker, err := vault.NewBroker(v, cfg.Vault.Role, cfg.Vault.SecretRef, logger)
	if err != nil {
		return nil, err
	}

	// === 4. SYNTHESIS ===
	synthesizer := synth.New(
		openai.New(cfg.Synth.OpenAIBaseURL, dialer.DialContext),
		synth.Config{Model: cfg.Synth.Model, Budget: cfg.Sandbox.AlarmBudget()},
		logger,
	)

	// === 5. SANDBOX ===
	exec, err := buildExecutor(cfg.Sandbox, topology, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := exec.(io.Closer); ok {
		closers = append(closers, c)
	}

	// === 6. SERVICE, HANDLERS, SERVER ===
	svc := service.NewValidationService(broker, synthesizer, exec, service.ValidationOptions{
		MaxConcurrent: int64(cfg.Sandbox.MaxConcurrent),
		Timeout:       cfg.Sandbox.Timeout,
	}, logger)

	srv, err := server.New(server.Config{
		Port:         cfg.Port,
		WriteTimeout: cfg.Sandbox.WriteTimeout(),
	}, server.Handlers{
		Validate: handler.NewValidateHandler(svc, logger),
		Fabric:   handler.NewFabricHandler(topology, logger),
	}, logger)
	if err != nil {
		return nil, err
	}
	for _, c := range closers {
		srv.Manage(c)
	}

	logger.Info("pipeline ready",
		slog.String("vault", cfg.Vault.Backend),
		slog.String("sandbox", cfg.Sandbox.Backend),
		slog.String("model", synthesizer.Model()),
	)
	return srv, nil
}

func buildVault(cfg config.VaultConfig, client *http.Client) (vault.Vault, error) {
	switch cfg.Backend {
	case config.VaultSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o700); err != nil {
			return nil, fmt.Errorf("creating vault directory: %w", err)
		}
		db, err := sqlite.New(cfg.SQLitePath, cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("opening vault: %w", err)
		}
		return db, nil

	case config.VaultHTTP:
		var tokens httpvault.TokenProvider
		if cfg.ClientID != "" && cfg.TokenURL != "" {
			tokens = &httpvault.ClientCredentials{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				TokenURL:     cfg.TokenURL,
				HTTPClient:   client,
			}
		} else {
			ra, err := httpvault.NewRoleAssertion(cfg.AssertionKey)
			if err != nil {
				return nil, err
			}
			tokens = ra
		}
		return httpvault.New(cfg.URL, tokens, httpvault.WithHTTPClient(client))
	}
	return nil, fmt.Errorf("unknown vault backend %q", cfg.Backend)
}

func buildExecutor(cfg config.SandboxConfig, topology *fabric.Topology, logger *slog.Logger) (executor.Executor, error) {
	switch cfg.Backend {
	case config.SandboxDocker:
		dc := docker.DefaultConfig()
		dc.Image = cfg.Image
		dc.Interpreter[0] = cfg.Interpreter
		dc.Timeout = cfg.Timeout
		dc.Grace = cfg.Grace
		dc.MaxOutput = cfg.MaxOutput
		dc.PoolSize = cfg.PoolSize
		if z, ok := topology.Zone(fabric.SandboxZone); ok {
			dc.Subnet = z.CIDR.String()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		return docker.New(ctx, dc, topology, logger)

	case config.SandboxProcess:
		pc := process.DefaultConfig()
		pc.Interpreter = cfg.Interpreter
		pc.Timeout = cfg.Timeout
		pc.Grace = cfg.Grace
		pc.MaxOutput = cfg.MaxOutput
		pc.Isolation = process.Isolation(cfg.Isolation)
		return process.New(pc, topology, logger)
	}
	return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
}
