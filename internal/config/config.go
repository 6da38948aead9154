// Package config loads server configuration from the environment.
//
// A .env file in the working directory is read first if present; variables
// already set in the process environment win over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Vault backends.
const (
	VaultSQLite = "sqlite"
	VaultHTTP   = "http"
)

// Sandbox backends.
const (
	SandboxDocker  = "docker"
	SandboxProcess = "process"
)

type Config struct {
	Port     int
	LogLevel slog.Level

	Vault   VaultConfig
	Synth   SynthConfig
	Fabric  FabricConfig
	Sandbox SandboxConfig
}

type VaultConfig struct {
	Backend   string
	Role      string
	SecretRef string

	SQLitePath string
	Passphrase string

	URL          string
	ClientID     string
	ClientSecret string
	TokenURL     string
	AssertionKey string
}

type SynthConfig struct {
	Model         string
	OpenAIBaseURL string
}

type FabricConfig struct {
	// PolicyPath is a YAML topology; empty means the built-in default.
	PolicyPath string
	// EgressProxy is an optional SOCKS5 URL the orchestrator dials through.
	EgressProxy string
}

type SandboxConfig struct {
	Backend       string
	Timeout       time.Duration
	Grace         time.Duration
	MaxOutput     int
	MaxConcurrent int
	Image         string
	PoolSize      int
	Isolation     string
	Interpreter   string
}

// Load reads .env (if any) and the environment, then validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: reading .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	var (
		cfg  Config
		errs []error
		err  error
	)
	collect := func(e error) {
		if e != nil {
			errs = append(errs, e)
		}
	}

	cfg.Port, err = envInt("PORT", 8080)
	collect(err)
	cfg.LogLevel, err = parseLevel(envString("LOG_LEVEL", "info"))
	collect(err)

	cfg.Vault = VaultConfig{
		Backend:      envString("VAULT_BACKEND", VaultSQLite),
		Role:         envString("VAULT_ROLE", "synthesizer"),
		SecretRef:    envString("OPENAI_SECRET_REF", "openai/api-key"),
		SQLitePath:   envString("VAULT_SQLITE_PATH", "data/vault.db"),
		Passphrase:   envString("VAULT_PASSPHRASE", ""),
		URL:          envString("VAULT_URL", ""),
		ClientID:     envString("VAULT_CLIENT_ID", ""),
		ClientSecret: envString("VAULT_CLIENT_SECRET", ""),
		TokenURL:     envString("VAULT_TOKEN_URL", ""),
		AssertionKey: envString("VAULT_ASSERTION_KEY", ""),
	}

	cfg.Synth = SynthConfig{
		Model:         envString("MODEL", "gpt-4"),
		OpenAIBaseURL: envString("OPENAI_BASE_URL", ""),
	}

	cfg.Fabric = FabricConfig{
		PolicyPath:  envString("FABRIC_POLICY", ""),
		EgressProxy: envString("ORCHESTRATOR_EGRESS_PROXY", ""),
	}

	cfg.Sandbox.Backend = envString("SANDBOX_BACKEND", SandboxProcess)
	cfg.Sandbox.Timeout, err = envDuration("SANDBOX_TIMEOUT", 4*time.Minute)
	collect(err)
	cfg.Sandbox.Grace, err = envDuration("SANDBOX_GRACE", 5*time.Second)
	collect(err)
	cfg.Sandbox.MaxOutput, err = envInt("SANDBOX_MAX_OUTPUT", 1<<20)
	collect(err)
	cfg.Sandbox.MaxConcurrent, err = envInt("SANDBOX_MAX_CONCURRENT", 4)
	collect(err)
	cfg.Sandbox.Image = envString("SANDBOX_IMAGE", "python:3.12-alpine")
	cfg.Sandbox.PoolSize, err = envInt("SANDBOX_POOL_SIZE", 2)
	collect(err)
	cfg.Sandbox.Isolation = envString("SANDBOX_ISOLATION", "netns")
	cfg.Sandbox.Interpreter = envString("SANDBOX_INTERPRETER", "python3")

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Port <= 0 || c.Port > 65535 {
		add("PORT must be between 1 and 65535")
	}

	switch c.Vault.Backend {
	case VaultSQLite:
		if c.Vault.Passphrase == "" {
			add("VAULT_PASSPHRASE is required for the sqlite vault")
		}
	case VaultHTTP:
		if c.Vault.URL == "" {
			add("VAULT_URL is required for the http vault")
		}
		hasOAuth := c.Vault.ClientID != "" && c.Vault.TokenURL != ""
		if !hasOAuth && c.Vault.AssertionKey == "" {
			add("http vault needs VAULT_CLIENT_ID and VAULT_TOKEN_URL, or VAULT_ASSERTION_KEY")
		}
	default:
		add("VAULT_BACKEND must be %q or %q", VaultSQLite, VaultHTTP)
	}
	if c.Vault.Role == "" || c.Vault.SecretRef == "" {
		add("VAULT_ROLE and OPENAI_SECRET_REF must be set")
	}

	switch c.Sandbox.Backend {
	case SandboxDocker, SandboxProcess:
	default:
		add("SANDBOX_BACKEND must be %q or %q", SandboxDocker, SandboxProcess)
	}
	switch c.Sandbox.Isolation {
	case "netns", "none":
	default:
		add("SANDBOX_ISOLATION must be \"netns\" or \"none\"")
	}
	if c.Sandbox.Timeout <= 0 {
		add("SANDBOX_TIMEOUT must be positive")
	}
	if c.Sandbox.Grace <= 0 {
		add("SANDBOX_GRACE must be positive")
	}
	if c.Sandbox.MaxOutput <= 0 {
		add("SANDBOX_MAX_OUTPUT must be positive")
	}
	if c.Sandbox.MaxConcurrent <= 0 {
		add("SANDBOX_MAX_CONCURRENT must be positive")
	}
	if c.Sandbox.Backend == SandboxDocker && c.Sandbox.PoolSize <= 0 {
		add("SANDBOX_POOL_SIZE must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// AlarmBudget is the in-script alarm. It fires a second after the executor
// has already sent SIGKILL, so it only ends a script the executor failed to
// reap. A hang must surface as a timeout, not as the alarm's exit status.
func (c SandboxConfig) AlarmBudget() time.Duration {
	return c.Timeout + c.Grace + time.Second
}

// WriteTimeout is how long the server may spend on a response. It must
// outlast the sandbox limit, the grace period and a model call.
func (c SandboxConfig) WriteTimeout() time.Duration {
	return c.Timeout + c.Grace + 2*time.Minute
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	return l, nil
}
