// Package fabric models the two network zones a validation run spans and the
// one-directional reachability rule between them.
//
// The Orchestrator Zone may reach the public network and the Sandbox Zone.
// The Sandbox Zone may reach only the Orchestrator Zone and accepts traffic only
// from it. A Topology is built once at startup and never mutated. Every
// constructor and every executor backend runs the same Check before use, and
// sandbox traffic leaves only through a Dialer bound to the sandbox zone.
package fabric

import (
	"fmt"
	"net/netip"
	"slices"
	"sort"
	"strings"
)

// ZoneID names a network zone.
type ZoneID string

const (
	OrchestratorZone ZoneID = "orchestrator"
	SandboxZone      ZoneID = "sandbox"

	// Internet is the pseudo-zone for any address outside every declared CIDR.
	Internet ZoneID = "internet"
)

// EgressPolicy lists where a zone may open connections to.
type EgressPolicy struct {
	AllowInternet bool     `json:"allow_internet" yaml:"allow_internet"`
	AllowedPeers  []ZoneID `json:"allowed_peers" yaml:"allowed_peers"`
}

// IngressPolicy lists which zones may open connections into a zone.
type IngressPolicy struct {
	AllowedPeers []ZoneID `json:"allowed_peers" yaml:"allowed_peers"`
}

// Zone is a network reachability domain.
type Zone struct {
	ID      ZoneID        `json:"id"`
	CIDR    netip.Prefix  `json:"cidr"`
	Egress  EgressPolicy  `json:"egress"`
	Ingress IngressPolicy `json:"ingress"`
}

func (z Zone) allowsEgressTo(peer ZoneID) bool {
	return slices.Contains(z.Egress.AllowedPeers, peer)
}

func (z Zone) allowsIngressFrom(peer ZoneID) bool {
	return slices.Contains(z.Ingress.AllowedPeers, peer)
}

func (z Zone) clone() Zone {
	z.Egress.AllowedPeers = slices.Clone(z.Egress.AllowedPeers)
	z.Ingress.AllowedPeers = slices.Clone(z.Ingress.AllowedPeers)
	return z
}

// Default CIDRs, matching the original two-VPC deployment.
var (
	DefaultOrchestratorCIDR = netip.MustParsePrefix("10.0.0.0/16")
	DefaultSandboxCIDR      = netip.MustParsePrefix("10.1.0.0/16")
)

// DefaultZones returns the reference two-zone layout.
func DefaultZones() []Zone {
	return []Zone{
		{
			ID:   OrchestratorZone,
			CIDR: DefaultOrchestratorCIDR,
			Egress: EgressPolicy{
				AllowInternet: true,
				AllowedPeers:  []ZoneID{OrchestratorZone, SandboxZone},
			},
			Ingress: IngressPolicy{AllowedPeers: []ZoneID{OrchestratorZone, SandboxZone}},
		},
		{
			ID:      SandboxZone,
			CIDR:    DefaultSandboxCIDR,
			Egress:  EgressPolicy{AllowInternet: false, AllowedPeers: []ZoneID{OrchestratorZone}},
			Ingress: IngressPolicy{AllowedPeers: []ZoneID{OrchestratorZone}},
		},
	}
}

// Violation is one broken rule found by Check.
type Violation struct {
	Zone   ZoneID `json:"zone"`
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s)", v.Zone, v.Rule, v.Detail)
}

// VerificationError is returned when a zone set fails Check.
type VerificationError struct {
	Violations []Violation
}

func (e *VerificationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "fabric: topology violates isolation invariant: " + strings.Join(parts, "; ")
}

// Check returns every isolation rule the zone set breaks. An empty result means
// the set is safe to run untrusted code in.
func Check(zones []Zone) []Violation {
	var out []Violation
	add := func(zone ZoneID, rule, format string, args ...any) {
		out = append(out, Violation{Zone: zone, Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	byID := make(map[ZoneID]Zone, len(zones))
	for _, z := range zones {
		if _, dup := byID[z.ID]; dup {
			add(z.ID, "duplicate-zone", "zone declared more than once")
			continue
		}
		if z.ID != OrchestratorZone && z.ID != SandboxZone {
			add(z.ID, "unknown-zone", "only %q and %q may be declared", OrchestratorZone, SandboxZone)
		}
		if !z.CIDR.IsValid() {
			add(z.ID, "invalid-cidr", "zone has no valid CIDR")
		}
		byID[z.ID] = z
	}

	orch, hasOrch := byID[OrchestratorZone]
	sandbox, hasSandbox := byID[SandboxZone]
	if !hasOrch {
		add(OrchestratorZone, "missing-zone", "orchestrator zone is not declared")
	}
	if !hasSandbox {
		add(SandboxZone, "missing-zone", "sandbox zone is not declared")
		return out
	}

	if sandbox.Egress.AllowInternet {
		add(SandboxZone, "sandbox-internet", "sandbox egress must not allow the public network")
	}
	for _, peer := range sandbox.Egress.AllowedPeers {
		if peer != OrchestratorZone {
			add(SandboxZone, "sandbox-egress-peer", "egress to %q is outside the orchestrator zone", peer)
		}
	}
	for _, peer := range sandbox.Ingress.AllowedPeers {
		if peer != OrchestratorZone {
			add(SandboxZone, "sandbox-ingress-peer", "ingress from %q is outside the orchestrator zone", peer)
		}
	}

	for _, z := range zones {
		for _, peer := range append(slices.Clone(z.Egress.AllowedPeers), z.Ingress.AllowedPeers...) {
			if _, ok := byID[peer]; !ok {
				add(z.ID, "unknown-peer", "peer %q is not a declared zone", peer)
			}
		}
	}

	if hasOrch && orch.CIDR.IsValid() && sandbox.CIDR.IsValid() && orch.CIDR.Overlaps(sandbox.CIDR) {
		add(SandboxZone, "cidr-overlap", "%s overlaps orchestrator %s", sandbox.CIDR, orch.CIDR)
	}

	return out
}

// Topology is a verified, immutable zone set. It is safe for concurrent use.
type Topology struct {
	zones map[ZoneID]Zone
}

// NewTopology verifies zones and freezes them.
func NewTopology(zones []Zone) (*Topology, error) {
	if violations := Check(zones); len(violations) > 0 {
		return nil, &VerificationError{Violations: violations}
	}
	t := &Topology{zones: make(map[ZoneID]Zone, len(zones))}
	for _, z := range zones {
		t.zones[z.ID] = z.clone()
	}
	return t, nil
}

// DefaultTopology returns the verified reference layout.
func DefaultTopology() *Topology {
	t, err := NewTopology(DefaultZones())
	if err != nil {
		panic(err)
	}
	return t
}

// Verify re-runs Check against the frozen zones.
func (t *Topology) Verify() error {
	if violations := Check(t.Zones()); len(violations) > 0 {
		return &VerificationError{Violations: violations}
	}
	return nil
}

// Zones returns copies of all zones ordered by ID.
func (t *Topology) Zones() []Zone {
	out := make([]Zone, 0, len(t.zones))
	for _, z := range t.zones {
		out = append(out, z.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Zone returns a copy of the named zone.
func (t *Topology) Zone(id ZoneID) (Zone, bool) {
	z, ok := t.zones[id]
	if !ok {
		return Zone{}, false
	}
	return z.clone(), true
}

// ZoneOf returns the zone whose CIDR contains addr, or Internet.
func (t *Topology) ZoneOf(addr netip.Addr) ZoneID {
	addr = addr.Unmap()
	for id, z := range t.zones {
		if z.CIDR.Contains(addr) {
			return id
		}
	}
	return Internet
}

// Reachable reports whether from may open a connection to to. Both sides must
// agree: from's egress and to's ingress.
func (t *Topology) Reachable(from, to ZoneID) bool {
	src, ok := t.zones[from]
	if !ok {
		return false
	}
	if to == Internet {
		return src.Egress.AllowInternet
	}
	dst, ok := t.zones[to]
	if !ok {
		return false
	}
	return src.allowsEgressTo(to) && dst.allowsIngressFrom(from)
}

// CheckEgress returns a *PolicyViolation when from may not connect to addr.
func (t *Topology) CheckEgress(from ZoneID, addr netip.Addr) error {
	to := t.ZoneOf(addr)
	if t.Reachable(from, to) {
		return nil
	}
	return &PolicyViolation{From: from, To: to, Addr: addr}
}
