// Package catalog holds the static registry of capability definitions
// loaded once at process startup. Capabilities are immutable after load and
// the catalog is safe to share across every concurrent caller.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Domain is the broad category a capability belongs to.
type Domain string

const (
	DomainChat    Domain = "chat"
	DomainCompany Domain = "company"
	DomainResearch Domain = "research"
	DomainMedia   Domain = "media"
	DomainLocalAI Domain = "local-ai"
	DomainProxy   Domain = "proxy"
	DomainWebhook Domain = "webhook"
)

func (d Domain) valid() bool {
	switch d {
	case DomainChat, DomainCompany, DomainResearch, DomainMedia, DomainLocalAI, DomainProxy, DomainWebhook:
		return true
	default:
		return false
	}
}

// Capability is an immutable, registered remote endpoint implementing one
// domain skill. Capabilities are loaded once from a manifest and never
// mutated afterward.
type Capability struct {
	ID             string                 `yaml:"id" json:"id"`
	Name           string                 `yaml:"name" json:"name"`
	Description    string                 `yaml:"description" json:"description"`
	Domain         Domain                 `yaml:"domain" json:"domain"`
	Route          string                 `yaml:"route" json:"route"`
	Method         string                 `yaml:"method" json:"method"`
	Tags           []string               `yaml:"tags" json:"tags"`
	Triggers       []string               `yaml:"triggers" json:"triggers"`
	DefaultPayload map[string]interface{} `yaml:"defaultPayload" json:"defaultPayload"`
	OutputHint     string                 `yaml:"outputHint" json:"outputHint"`
}

// manifest is the on-disk YAML shape: a flat list of capability entries.
type manifest struct {
	Capabilities []Capability `yaml:"capabilities"`
}

// ParseCapabilityManifest parses and validates a YAML capability manifest.
// Validation rules (spec §4.1): id unique and dotted, route starts with
// "/", method is GET or POST.
func ParseCapabilityManifest(data []byte) ([]Capability, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse capability manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Capabilities))
	for i := range m.Capabilities {
		c := &m.Capabilities[i]
		if c.ID == "" {
			return nil, fmt.Errorf("capability at index %d: missing id", i)
		}
		if !strings.Contains(c.ID, ".") {
			return nil, fmt.Errorf("capability %q: id must be dotted", c.ID)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("capability %q: duplicate id", c.ID)
		}
		seen[c.ID] = true

		if !strings.HasPrefix(c.Route, "/") {
			return nil, fmt.Errorf("capability %q: route %q must start with /", c.ID, c.Route)
		}

		c.Method = strings.ToUpper(c.Method)
		if c.Method != "GET" && c.Method != "POST" {
			return nil, fmt.Errorf("capability %q: method must be GET or POST, got %q", c.ID, c.Method)
		}

		if c.Domain != "" && !c.Domain.valid() {
			return nil, fmt.Errorf("capability %q: unrecognized domain %q", c.ID, c.Domain)
		}
	}

	return m.Capabilities, nil
}

// Catalog is the read-only, process-wide registry of capabilities.
type Catalog struct {
	byID  map[string]Capability
	order []string
}

// New builds a Catalog from an already-validated capability slice. Callers
// should validate via ParseCapabilityManifest first; New re-checks id
// uniqueness defensively since the catalog's invariants must hold
// regardless of how callers assembled the slice.
func New(capabilities []Capability) (*Catalog, error) {
	c := &Catalog{
		byID: make(map[string]Capability, len(capabilities)),
	}
	for _, cap := range capabilities {
		if _, exists := c.byID[cap.ID]; exists {
			return nil, fmt.Errorf("duplicate capability id %q", cap.ID)
		}
		c.byID[cap.ID] = cap
		c.order = append(c.order, cap.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

// Get returns the capability for id, and whether it was found.
func (c *Catalog) Get(id string) (Capability, bool) {
	cap, ok := c.byID[id]
	return cap, ok
}

// All returns every registered capability, sorted by id for deterministic
// iteration order.
func (c *Catalog) All() []Capability {
	out := make([]Capability, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Len returns the number of registered capabilities.
func (c *Catalog) Len() int {
	return len(c.byID)
}
