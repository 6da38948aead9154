package fabric

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/vulnproof/internal/apperror"
)

func rules(violations []Violation) []string {
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = v.Rule
	}
	return out
}

func TestCheck_DefaultIsSafe(t *testing.T) {
	assert.Empty(t, Check(DefaultZones()))
	assert.NoError(t, DefaultTopology().Verify())
}

func TestCheck_Violations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(zones []Zone) []Zone
		want   string
	}{
		{
			name: "sandbox allows internet",
			mutate: func(z []Zone) []Zone {
				z[1].Egress.AllowInternet = true
				return z
			},
			want: "sandbox-internet",
		},
		{
			name: "sandbox egress to itself",
			mutate: func(z []Zone) []Zone {
				z[1].Egress.AllowedPeers = append(z[1].Egress.AllowedPeers, SandboxZone)
				return z
			},
			want: "sandbox-egress-peer",
		},
		{
			name: "sandbox ingress from sandbox",
			mutate: func(z []Zone) []Zone {
				z[1].Ingress.AllowedPeers = []ZoneID{SandboxZone}
				return z
			},
			want: "sandbox-ingress-peer",
		},
		{
			name: "extra zone",
			mutate: func(z []Zone) []Zone {
				return append(z, Zone{ID: "dmz", CIDR: netip.MustParsePrefix("10.9.0.0/16")})
			},
			want: "unknown-zone",
		},
		{
			name: "peer that does not exist",
			mutate: func(z []Zone) []Zone {
				z[0].Egress.AllowedPeers = append(z[0].Egress.AllowedPeers, "ghost")
				return z
			},
			want: "unknown-peer",
		},
		{
			name: "overlapping CIDRs",
			mutate: func(z []Zone) []Zone {
				z[1].CIDR = netip.MustParsePrefix("10.0.128.0/20")
				return z
			},
			want: "cidr-overlap",
		},
		{
			name: "missing sandbox",
			mutate: func(z []Zone) []Zone {
				return z[:1]
			},
			want: "missing-zone",
		},
		{
			name: "duplicate orchestrator",
			mutate: func(z []Zone) []Zone {
				return append(z, z[0])
			},
			want: "duplicate-zone",
		},
		{
			name: "invalid CIDR",
			mutate: func(z []Zone) []Zone {
				z[0].CIDR = netip.Prefix{}
				return z
			},
			want: "invalid-cidr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zones := tt.mutate(DefaultZones())

			violations := Check(zones)
			assert.Contains(t, rules(violations), tt.want)

			_, err := NewTopology(zones)
			var verr *VerificationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTopology_Reachable(t *testing.T) {
	topo := DefaultTopology()

	tests := []struct {
		from, to ZoneID
		want     bool
	}{
		{OrchestratorZone, Internet, true},
		{OrchestratorZone, SandboxZone, true},
		{OrchestratorZone, OrchestratorZone, true},
		{SandboxZone, OrchestratorZone, true},
		{SandboxZone, Internet, false},
		{SandboxZone, SandboxZone, false},
		{"ghost", Internet, false},
		{OrchestratorZone, "ghost", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, topo.Reachable(tt.from, tt.to))
		})
	}
}

func TestTopology_CheckEgress(t *testing.T) {
	topo := DefaultTopology()

	assert.NoError(t, topo.CheckEgress(SandboxZone, netip.MustParseAddr("10.0.3.7")))
	assert.NoError(t, topo.CheckEgress(OrchestratorZone, netip.MustParseAddr("93.184.216.34")))
	assert.NoError(t, topo.CheckEgress(OrchestratorZone, netip.MustParseAddr("10.1.0.20")))

	err := topo.CheckEgress(SandboxZone, netip.MustParseAddr("93.184.216.34"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrPolicyViolation))

	var pv *PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, SandboxZone, pv.From)
	assert.Equal(t, Internet, pv.To)

	// v4-mapped v6 addresses land in the same zone as their v4 form.
	assert.Equal(t, SandboxZone, topo.ZoneOf(netip.MustParseAddr("::ffff:10.1.2.3")))
}

func TestTopology_IsImmutable(t *testing.T) {
	zones := DefaultZones()
	topo, err := NewTopology(zones)
	require.NoError(t, err)

	// Mutating the input or a returned copy must not affect the topology.
	zones[1].Egress.AllowInternet = true
	sb, _ := topo.Zone(SandboxZone)
	sb.Egress.AllowedPeers[0] = SandboxZone

	assert.NoError(t, topo.Verify())
	assert.False(t, topo.Reachable(SandboxZone, Internet))
	assert.False(t, topo.Reachable(SandboxZone, SandboxZone))
}
