package fabric

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPolicy = `
schema: vulnproof.fabric.v1
zones:
  - id: orchestrator
    cidr: 10.20.0.0/16
    egress:
      allow_internet: true
      allowed_peers: [orchestrator, sandbox]
    ingress:
      allowed_peers: [orchestrator, sandbox]
  - id: sandbox
    cidr: 10.21.0.0/16
    egress:
      allow_internet: false
      allowed_peers: [orchestrator]
    ingress:
      allowed_peers: [orchestrator]
`

func TestParseTopology(t *testing.T) {
	topo, err := ParseTopology([]byte(validPolicy))
	require.NoError(t, err)

	sb, ok := topo.Zone(SandboxZone)
	require.True(t, ok)
	assert.Equal(t, "10.21.0.0/16", sb.CIDR.String())
	assert.False(t, sb.Egress.AllowInternet)
}

func TestParseTopology_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"wrong schema", "schema: other\nzones: [{id: sandbox, cidr: 10.1.0.0/16}]"},
		{"no zones", "schema: vulnproof.fabric.v1\nzones: []"},
		{"bad cidr", "schema: vulnproof.fabric.v1\nzones: [{id: sandbox, cidr: nope}]"},
		{"missing id", "schema: vulnproof.fabric.v1\nzones: [{cidr: 10.1.0.0/16}]"},
		{"not yaml", "schema: [unterminated"},
		{
			"sandbox open to internet",
			`schema: vulnproof.fabric.v1
zones:
  - id: orchestrator
    cidr: 10.0.0.0/16
    egress: {allow_internet: true, allowed_peers: [sandbox]}
  - id: sandbox
    cidr: 10.1.0.0/16
    egress: {allow_internet: true, allowed_peers: [orchestrator]}
    ingress: {allowed_peers: [orchestrator]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTopology([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestLoadTopology(t *testing.T) {
	topo, err := LoadTopology("")
	require.NoError(t, err)
	assert.Equal(t, DefaultZones(), topo.Zones())

	path := filepath.Join(t.TempDir(), "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validPolicy), 0o600))
	topo, err = LoadTopology(path)
	require.NoError(t, err)
	assert.True(t, topo.Reachable(OrchestratorZone, SandboxZone))

	_, err = LoadTopology(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshalDocument_RoundTrip(t *testing.T) {
	b, err := MarshalDocument(DefaultTopology())
	require.NoError(t, err)

	back, err := ParseTopology(b)
	require.NoError(t, err)
	assert.Equal(t, DefaultTopology().Zones(), back.Zones())
}
