package docker

import (
	"time"

	"github.com/sakif/vulnproof/internal/executor"
	"github.com/sakif/vulnproof/internal/fabric"
)

// Config holds the configuration for Docker execution.
type Config struct {
	// Image is the Docker image to use for execution.
	Image string
	// Interpreter is the command run inside the container. The script is fed on stdin.
	Interpreter []string
	// Network is the Docker network standing in for the Sandbox Zone.
	Network string
	// Subnet is the network's address range. It must match the sandbox zone CIDR.
	Subnet string
	// MemoryLimit is the maximum amount of memory the container can use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs the container can use.
	CPULimit float64
	// PidsLimit caps the number of processes inside the container.
	PidsLimit int64
	// Timeout is the default wall-clock limit for one script.
	Timeout time.Duration
	// Grace is how long the script may ignore SIGTERM before the container is removed.
	Grace time.Duration
	// MaxOutput caps each captured stream in bytes.
	MaxOutput int
	// PoolSize is the number of pre-warmed containers to maintain.
	PoolSize int
	// RelayImage runs socat for the egress relay sidecar.
	RelayImage string
	// RelayNetwork is the non-internal network the relay reaches the host on.
	RelayNetwork string
	// RelayPort is the relay's listening port on the sandbox network.
	RelayPort int
}

// DefaultConfig provides sensible defaults for a Python sandbox.
func DefaultConfig() Config {
	return Config{
		Image:       "python:3.12-alpine",
		Interpreter: []string{"python3", "-I", "-B", "-"},
		Network:     "vulnproof-sandbox",
		Subnet:      fabric.DefaultSandboxCIDR.String(),
		// 256 MB memory limit
		MemoryLimit: 256 * 1024 * 1024,
		CPULimit:    0.5,
		PidsLimit:   64,
		Timeout:     executor.DefaultTimeout,
		Grace:       executor.DefaultGrace,
		MaxOutput:   executor.DefaultMaxOutput,
		PoolSize:    2,

		RelayImage:   "alpine/socat:1.8.0.3",
		RelayNetwork: "bridge",
		RelayPort:    3128,
	}
}
