package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/sakif/vulnproof/internal/fabric/egress"
)

// relay is the sandbox network's only exit. The sandbox network is internal,
// so a socat sidecar sits on it and on RelayNetwork, forwarding RelayPort to
// the egress proxy. The proxy listens on RelayNetwork's gateway on the host
// and dials as the sandbox zone.
type relay struct {
	id        string
	addr      string // host:port scripts use as their proxy
	stopProxy func()
}

// startRelay serves proxy on the relay network's gateway and starts the
// sidecar. On error nothing is left running.
func startRelay(ctx context.Context, cli client.APIClient, cfg Config, proxy *egress.Proxy, logger *slog.Logger) (_ *relay, err error) {
	bridge, err := cli.NetworkInspect(ctx, cfg.RelayNetwork, network.InspectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect relay network: %w", err)
	}
	gateway, err := gatewayOf(bridge)
	if err != nil {
		return nil, err
	}

	l, err := net.Listen("tcp", net.JoinHostPort(gateway.String(), "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to listen for sandbox egress: %w", err)
	}
	r := &relay{stopProxy: proxy.Serve(l)}
	defer func() {
		if err != nil {
			r.stop(cli, logger)
		}
	}()
	upstream := net.JoinHostPort(gateway.String(), strconv.Itoa(l.Addr().(*net.TCPAddr).Port))

	resp, err := cli.ContainerCreate(ctx, relayContainerConfig(cfg, upstream), relayHostConfig(cfg), nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create egress relay: %w", err)
	}
	r.id = resp.ID

	if err := cli.NetworkConnect(ctx, cfg.Network, r.id, nil); err != nil {
		return nil, fmt.Errorf("failed to attach egress relay to %s: %w", cfg.Network, err)
	}
	if err := cli.ContainerStart(ctx, r.id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start egress relay: %w", err)
	}

	inspect, err := cli.ContainerInspect(ctx, r.id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect egress relay: %w", err)
	}
	ip, err := sandboxAddress(inspect, cfg.Network)
	if err != nil {
		return nil, err
	}
	r.addr = net.JoinHostPort(ip, strconv.Itoa(cfg.RelayPort))

	logger.Info("sandbox egress relay is up",
		slog.String("relay", r.addr),
		slog.String("proxy", upstream),
	)
	return r, nil
}

// proxyURL is the value scripts get in HTTP_PROXY.
func (r *relay) proxyURL() string {
	return "http://" + r.addr
}

func (r *relay) stop(cli client.APIClient, logger *slog.Logger) {
	if r.id != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cli.ContainerRemove(ctx, r.id, container.RemoveOptions{Force: true}); err != nil {
			logger.Error("failed to remove egress relay", slog.String("id", r.id), slog.String("error", err.Error()))
		}
	}
	r.stopProxy()
}

// gatewayOf returns the first IPv4 gateway of a network.
func gatewayOf(n network.Inspect) (netip.Addr, error) {
	for _, c := range n.IPAM.Config {
		if addr, err := netip.ParseAddr(c.Gateway); err == nil && addr.Is4() {
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("docker network %q has no IPv4 gateway", n.Name)
}

func sandboxAddress(inspect container.InspectResponse, networkName string) (string, error) {
	if inspect.NetworkSettings != nil {
		if ep, ok := inspect.NetworkSettings.Networks[networkName]; ok && ep != nil && ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", errors.New("egress relay has no address on the sandbox network")
}

func relayContainerConfig(cfg Config, upstream string) *container.Config {
	return &container.Config{
		Image: cfg.RelayImage,
		Cmd: []string{
			"TCP-LISTEN:" + strconv.Itoa(cfg.RelayPort) + ",fork,reuseaddr",
			"TCP:" + upstream,
		},
		User:   "nobody",
		Labels: map[string]string{"vulnproof.zone": "sandbox-relay"},
	}
}

// relayHostConfig starts the relay on RelayNetwork; the sandbox network is
// connected afterwards.
func relayHostConfig(cfg Config) *container.HostConfig {
	pids := int64(32)
	return &container.HostConfig{
		NetworkMode: container.NetworkMode(cfg.RelayNetwork),
		Resources: container.Resources{
			Memory:    64 << 20,
			PidsLimit: &pids,
		},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
	}
}
