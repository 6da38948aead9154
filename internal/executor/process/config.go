//go:build unix

package process

import (
	"time"

	"github.com/sakif/vulnproof/internal/executor"
)

// Isolation selects how the subprocess is cut off from the network.
type Isolation string

const (
	// IsolationNetNS runs the script in fresh user, network and PID
	// namespaces. Only loopback is up; the one open port on it leads to the
	// egress proxy, and everything else fails in the kernel.
	IsolationNetNS Isolation = "netns"
	// IsolationNone shares the host network. Development and tests only.
	IsolationNone Isolation = "none"
)

// Config holds the configuration for local subprocess execution.
type Config struct {
	// Interpreter runs the script file, e.g. "python3".
	Interpreter string
	// InterpreterArgs come before the script path.
	InterpreterArgs []string
	// Timeout is the default wall-clock limit.
	Timeout time.Duration
	// Grace is how long a process may ignore SIGTERM before SIGKILL.
	Grace time.Duration
	// MaxOutput caps each captured stream in bytes.
	MaxOutput int
	// TempDir is where per-run directories are created; "" means os.TempDir().
	TempDir string
	Isolation Isolation
	// MemoryLimit is the address-space limit in bytes (0 = unlimited).
	MemoryLimit uint64
	// FileSizeLimit caps any file the script writes (0 = unlimited).
	FileSizeLimit uint64
	// Helper is a binary that calls MaybeSandboxInit first thing in main.
	// "" means the running executable.
	Helper string
}

// DefaultConfig runs python3 in isolated mode inside a network namespace.
func DefaultConfig() Config {
	return Config{
		Interpreter:     "python3",
		InterpreterArgs: []string{"-I", "-B"},
		Timeout:         executor.DefaultTimeout,
		Grace:           executor.DefaultGrace,
		MaxOutput:       executor.DefaultMaxOutput,
		Isolation:       IsolationNetNS,
		MemoryLimit:     512 << 20,
		FileSizeLimit:   16 << 20,
	}
}
