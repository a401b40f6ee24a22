// Package registry supplies agent identity lookups for recipient
// resolution. The AgentRegistry interface is the seam toward the discovery
// layer; BusRegistry is the built-in implementation that derives membership
// from capability heartbeats plus the optional zeus-names.json overrides.
package registry

import (
	"sort"
	"strings"

	"github.com/hazyhaar/zeus/caps"
	"github.com/hazyhaar/zeus/fstore"
)

// Agent is one known participant on the bus.
type Agent struct {
	ID        string `json:"agent_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	ParentID  string `json:"parent_id,omitempty"`
	PhalanxID string `json:"phalanx_id,omitempty"`
}

// AgentRegistry answers the identity queries recipient resolution needs.
type AgentRegistry interface {
	// LookupByID returns the agent with the given id, or false.
	LookupByID(id string) (Agent, bool)
	// LookupByName returns every agent whose display name matches,
	// case-insensitively.
	LookupByName(name string) []Agent
	// ListPhalanx returns the agents of one phalanx, sorted by id.
	ListPhalanx(phalanxID string) []Agent
	// ParentOf returns the parent agent id, or "".
	ParentOf(agentID string) string
}

// BusRegistry reads identity from the capability registry on every query,
// so membership tracks heartbeats without a refresh protocol. A names file
// (zeus-names.json: {"<agent-id>": "<display name>", ...}) overrides the
// heartbeat display names when present.
type BusRegistry struct {
	caps      *caps.Registry
	namesFile string
}

// NewBusRegistry builds a registry over reg, with namesFile overrides
// (pass "" to disable).
func NewBusRegistry(reg *caps.Registry, namesFile string) *BusRegistry {
	return &BusRegistry{caps: reg, namesFile: namesFile}
}

func (b *BusRegistry) snapshot() []Agent {
	beats, err := b.caps.List()
	if err != nil {
		return nil
	}
	names := b.loadNames()
	agents := make([]Agent, 0, len(beats))
	for _, hb := range beats {
		a := Agent{
			ID:        hb.AgentID,
			Name:      hb.Name,
			Role:      hb.Role,
			ParentID:  hb.ParentID,
			PhalanxID: hb.PhalanxID,
		}
		if override, ok := names[a.ID]; ok {
			a.Name = override
		}
		if a.Name == "" {
			a.Name = a.ID
		}
		agents = append(agents, a)
	}
	return agents
}

func (b *BusRegistry) loadNames() map[string]string {
	if b.namesFile == "" {
		return nil
	}
	var names map[string]string
	if err := fstore.ReadJSON(b.namesFile, &names); err != nil {
		return nil
	}
	return names
}

func (b *BusRegistry) LookupByID(id string) (Agent, bool) {
	for _, a := range b.snapshot() {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

func (b *BusRegistry) LookupByName(name string) []Agent {
	var out []Agent
	for _, a := range b.snapshot() {
		if strings.EqualFold(a.Name, name) {
			out = append(out, a)
		}
	}
	return out
}

func (b *BusRegistry) ListPhalanx(phalanxID string) []Agent {
	if phalanxID == "" {
		return nil
	}
	var out []Agent
	for _, a := range b.snapshot() {
		if a.PhalanxID == phalanxID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *BusRegistry) ParentOf(agentID string) string {
	a, ok := b.LookupByID(agentID)
	if !ok {
		return ""
	}
	return a.ParentID
}

var _ AgentRegistry = (*BusRegistry)(nil)
