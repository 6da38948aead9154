package fabric

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchemaV1 identifies the policy document format.
const SchemaV1 = "vulnproof.fabric.v1"

// Document is the on-disk form of a topology.
type Document struct {
	Schema string         `yaml:"schema"`
	Zones  []DocumentZone `yaml:"zones"`
}

type DocumentZone struct {
	ID      ZoneID        `yaml:"id"`
	CIDR    string        `yaml:"cidr"`
	Egress  EgressPolicy  `yaml:"egress"`
	Ingress IngressPolicy `yaml:"ingress"`
}

// ParseDocument decodes a policy document without verifying its invariants.
func ParseDocument(input []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(input, &doc); err != nil {
		return Document{}, fmt.Errorf("decode fabric policy: %w", err)
	}
	if strings.TrimSpace(doc.Schema) != SchemaV1 {
		return Document{}, fmt.Errorf("fabric policy schema must be %q", SchemaV1)
	}
	if len(doc.Zones) == 0 {
		return Document{}, errors.New("fabric policy zones must be non-empty")
	}
	return doc, nil
}

// ToZones converts the document into zones, rejecting malformed CIDRs.
func (d Document) ToZones() ([]Zone, error) {
	zones := make([]Zone, 0, len(d.Zones))
	for i, dz := range d.Zones {
		if strings.TrimSpace(string(dz.ID)) == "" {
			return nil, fmt.Errorf("zones[%d].id is required", i)
		}
		prefix, err := netip.ParsePrefix(strings.TrimSpace(dz.CIDR))
		if err != nil {
			return nil, fmt.Errorf("zones[%d].cidr: %w", i, err)
		}
		zones = append(zones, Zone{
			ID:      dz.ID,
			CIDR:    prefix.Masked(),
			Egress:  dz.Egress,
			Ingress: dz.Ingress,
		})
	}
	return zones, nil
}

// ParseTopology decodes and verifies a policy document.
func ParseTopology(input []byte) (*Topology, error) {
	doc, err := ParseDocument(input)
	if err != nil {
		return nil, err
	}
	zones, err := doc.ToZones()
	if err != nil {
		return nil, err
	}
	return NewTopology(zones)
}

// LoadTopology reads a policy file. An empty path yields the default topology.
func LoadTopology(path string) (*Topology, error) {
	if path == "" {
		return DefaultTopology(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fabric policy: %w", err)
	}
	return ParseTopology(b)
}

// MarshalDocument renders a topology back into its YAML form.
func MarshalDocument(t *Topology) ([]byte, error) {
	doc := Document{Schema: SchemaV1}
	for _, z := range t.Zones() {
		doc.Zones = append(doc.Zones, DocumentZone{
			ID:      z.ID,
			CIDR:    z.CIDR.String(),
			Egress:  z.Egress,
			Ingress: z.Ingress,
		})
	}
	return yaml.Marshal(doc)
}
