package docker

import (
	"context"
	"fmt"
	"log/slog"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// EnsureNetwork makes sure the sandbox network exists and is internal. An
// internal bridge has no route off the host, so containers on it can reach
// nothing but each other.
func EnsureNetwork(ctx context.Context, cli client.NetworkAPIClient, cfg Config, logger *slog.Logger) error {
	existing, err := cli.NetworkInspect(ctx, cfg.Network, network.InspectOptions{})
	switch {
	case err == nil:
		if !existing.Internal {
			return fmt.Errorf("docker network %q exists but is not internal", cfg.Network)
		}
		for _, c := range existing.IPAM.Config {
			if c.Subnet != "" && c.Subnet != cfg.Subnet {
				return fmt.Errorf("docker network %q has subnet %s, want %s", cfg.Network, c.Subnet, cfg.Subnet)
			}
		}
		return nil
	case !cerrdefs.IsNotFound(err):
		return fmt.Errorf("failed to inspect network: %w", err)
	}

	logger.Info("creating sandbox network", slog.String("network", cfg.Network), slog.String("subnet", cfg.Subnet))
	_, err = cli.NetworkCreate(ctx, cfg.Network, network.CreateOptions{
		Driver:   "bridge",
		Internal: true,
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: cfg.Subnet}},
		},
		Labels: map[string]string{"vulnproof.zone": "sandbox"},
	})
	if err != nil {
		return fmt.Errorf("failed to create network: %w", err)
	}
	return nil
}
