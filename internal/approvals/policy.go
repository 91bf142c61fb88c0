package approvals

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// Policy is a persisted exec-approval policy document, keyed per agent or
// per node. The gateway treats its contents as opaque rules the agent loop
// interprets.
type Policy struct {
	Security  string              `json:"security,omitempty"`  // "full", "restricted", "off"
	Ask       string              `json:"ask,omitempty"`       // "always", "risky", "off"
	Allowlist []string            `json:"allowlist,omitempty"` // command prefixes never asked about
	Overrides map[string]Policy   `json:"overrides,omitempty"` // per-agent or per-node entries
}

type policyDoc struct {
	Default Policy            `json:"default"`
	Entries map[string]Policy `json:"entries,omitempty"`
}

// PolicyStore persists approval policies through the slot store.
// Storage failures degrade to defaults and are never propagated.
type PolicyStore struct {
	slots store.SlotStore
}

func NewPolicyStore(slots store.SlotStore) *PolicyStore {
	return &PolicyStore{slots: slots}
}

// GetAgent returns the policy for an agent, falling back to the default.
func (p *PolicyStore) GetAgent(ctx context.Context, agentID string) Policy {
	return p.get(ctx, store.SlotExecApprovals, agentID)
}

// SetAgent stores the policy for an agent (empty agentID sets the default).
func (p *PolicyStore) SetAgent(ctx context.Context, agentID string, pol Policy) {
	p.set(ctx, store.SlotExecApprovals, agentID, pol)
}

// GetNode returns the policy for a node, falling back to the default.
func (p *PolicyStore) GetNode(ctx context.Context, nodeID string) Policy {
	return p.get(ctx, store.SlotNodeExecApprovals, nodeID)
}

// SetNode stores the policy for a node (empty nodeID sets the default).
func (p *PolicyStore) SetNode(ctx context.Context, nodeID string, pol Policy) {
	p.set(ctx, store.SlotNodeExecApprovals, nodeID, pol)
}

func (p *PolicyStore) get(ctx context.Context, slot, key string) Policy {
	var doc policyDoc
	if _, err := p.slots.Get(ctx, slot, &doc); err != nil {
		slog.Warn("approvals.policy_read_failed", "slot", slot, "error", err)
		return Policy{}
	}
	if key == "" {
		return doc.Default
	}
	if pol, ok := doc.Entries[key]; ok {
		return pol
	}
	return doc.Default
}

func (p *PolicyStore) set(ctx context.Context, slot, key string, pol Policy) {
	var doc policyDoc
	if _, err := p.slots.Get(ctx, slot, &doc); err != nil {
		slog.Warn("approvals.policy_read_failed", "slot", slot, "error", err)
	}
	if key == "" {
		doc.Default = pol
	} else {
		if doc.Entries == nil {
			doc.Entries = make(map[string]Policy)
		}
		doc.Entries[key] = pol
	}
	if err := p.slots.Set(ctx, slot, doc); err != nil {
		slog.Warn("approvals.policy_write_failed", "slot", slot, "error", err)
	}
}
