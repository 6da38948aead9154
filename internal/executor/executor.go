// Package executor defines how a synthesized script is run inside the Sandbox Zone.
//
// Backends live in subpackages: docker (containers on an internal network) and
// process (a local subprocess in its own network namespace). Neither sandbox
// has a route out; the only way out is the egress proxy named by ProxyEnv,
// which dials for the sandbox zone. Every backend honours the same contract:
//   - the returned result is never nil
//   - a non-nil error always comes with Status == model.StatusError
//   - an expired wall-clock limit yields Status == model.StatusTimeout
//   - the materialized script is removed on every exit path
package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sakif/vulnproof/internal/apperror"
	"github.com/sakif/vulnproof/internal/model"
)

// Defaults shared by all backends.
const (
	DefaultTimeout   = 4 * time.Minute
	DefaultGrace     = 5 * time.Second
	DefaultMaxOutput = 1 << 20 // 1 MiB per stream
)

// Environment variables a script may receive.
const (
	EnvTargetURL = "TARGET_URL"
	EnvScanID    = "SCAN_ID"
)

// baseEnv is the fixed environment every sandboxed process starts from.
var baseEnv = []string{
	"PATH=/usr/local/bin:/usr/bin:/bin",
	"HOME=/tmp",
	"LANG=C.UTF-8",
	"PYTHONDONTWRITEBYTECODE=1",
}

// Request is a single execution.
type Request struct {
	Script model.SynthesizedScript
	Env    map[string]string
	// Timeout overrides the backend default when positive.
	Timeout time.Duration
}

// Executor runs a script in isolation.
type Executor interface {
	Execute(ctx context.Context, req Request) (*model.ExecutionResult, error)
}

// DeclaredEnv builds the environment a validation run passes to its script.
func DeclaredEnv(targetURL, scanID string) map[string]string {
	return map[string]string{
		EnvTargetURL: targetURL,
		EnvScanID:    scanID,
	}
}

// BuildEnv returns the complete process environment: the fixed base plus the
// declared variables. Any other key is rejected so the host environment can
// never leak into the sandbox.
func BuildEnv(declared map[string]string) ([]string, error) {
	keys := make([]string, 0, len(declared))
	for k := range declared {
		if k != EnvTargetURL && k != EnvScanID {
			return nil, fmt.Errorf("undeclared environment variable %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := append([]string(nil), baseEnv...)
	for _, k := range keys {
		env = append(env, k+"="+declared[k])
	}
	return env, nil
}

// ProxyEnv points every common HTTP client at the sandbox's egress proxy.
// NO_PROXY is cleared so nothing bypasses it, loopback included.
func ProxyEnv(proxyURL string) []string {
	return []string{
		"HTTP_PROXY=" + proxyURL,
		"http_proxy=" + proxyURL,
		"HTTPS_PROXY=" + proxyURL,
		"https_proxy=" + proxyURL,
		"NO_PROXY=",
		"no_proxy=",
	}
}

// EffectiveTimeout picks the request timeout when set, else the default.
func EffectiveTimeout(req Request, def time.Duration) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if def > 0 {
		return def
	}
	return DefaultTimeout
}

// LaunchFailure builds the result for a sandbox that could not be created.
func LaunchFailure(scanID string, start time.Time, message string, cause error) (*model.ExecutionResult, error) {
	return &model.ExecutionResult{
		Status:   model.StatusError,
		Duration: time.Since(start),
		ScanID:   scanID,
	}, apperror.SandboxLaunch(message, cause)
}
