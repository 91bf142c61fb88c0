package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// NodePairRequest is a node runtime waiting for operator approval.
type NodePairRequest struct {
	NodeID        string `json:"nodeId"`
	DisplayName   string `json:"displayName,omitempty"`
	Platform      string `json:"platform,omitempty"`
	DeviceFamily  string `json:"deviceFamily,omitempty"`
	RequestedAtMs int64  `json:"requestedAtMs"`
}

// PairedNode is an approved node and its token record.
type PairedNode struct {
	NodeID       string      `json:"nodeId"`
	DisplayName  string      `json:"displayName,omitempty"`
	Platform     string      `json:"platform,omitempty"`
	DeviceFamily string      `json:"deviceFamily,omitempty"`
	Token        TokenRecord `json:"token"`
	PairedAtMs   int64       `json:"pairedAtMs"`
}

type nodeState struct {
	Pending []NodePairRequest `json:"pending"`
	Paired  []PairedNode      `json:"paired"`
}

// NodeStore owns the rpc.node_tokens slot.
type NodeStore struct {
	mu     sync.Mutex
	slots  store.SlotStore
	events bus.EventPublisher
	now    func() time.Time
}

func NewNodeStore(slots store.SlotStore, events bus.EventPublisher) *NodeStore {
	return &NodeStore{slots: slots, events: events, now: time.Now}
}

// SetClock overrides the time source for tests.
func (n *NodeStore) SetClock(now func() time.Time) { n.now = now }

// Request records a pending node pair request and announces it.
func (n *NodeStore) Request(ctx context.Context, req NodePairRequest) (NodePairRequest, error) {
	if req.NodeID == "" {
		return NodePairRequest{}, fmt.Errorf("nodeId is required")
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	state := n.load(ctx)
	req.RequestedAtMs = n.now().UnixMilli()
	replaced := false
	for i := range state.Pending {
		if state.Pending[i].NodeID == req.NodeID {
			state.Pending[i] = req
			replaced = true
			break
		}
	}
	if !replaced {
		state.Pending = append(state.Pending, req)
	}
	n.save(ctx, state)

	if n.events != nil {
		n.events.Broadcast(bus.Event{Name: protocol.EventNodePairRequested, Payload: req})
	}
	return req, nil
}

// List returns pending requests and paired nodes.
func (n *NodeStore) List(ctx context.Context) (pending []NodePairRequest, paired []PairedNode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	state := n.load(ctx)
	return append([]NodePairRequest(nil), state.Pending...), append([]PairedNode(nil), state.Paired...)
}

// Approve pairs the node and mints its token. The raw token is returned
// exactly once.
func (n *NodeStore) Approve(ctx context.Context, nodeID string) (PairedNode, string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	state := n.load(ctx)
	idx := -1
	for i, p := range state.Pending {
		if p.NodeID == nodeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return PairedNode{}, "", fmt.Errorf("no pending pair request for node %s", nodeID)
	}
	req := state.Pending[idx]
	state.Pending = append(state.Pending[:idx], state.Pending[idx+1:]...)

	raw := newToken()
	nowMs := n.now().UnixMilli()
	node := PairedNode{
		NodeID:       req.NodeID,
		DisplayName:  req.DisplayName,
		Platform:     req.Platform,
		DeviceFamily: req.DeviceFamily,
		Token:        TokenRecord{TokenHash: HashToken(raw), CreatedAtMs: nowMs},
		PairedAtMs:   nowMs,
	}

	kept := state.Paired[:0]
	for _, p := range state.Paired {
		if p.NodeID != nodeID {
			kept = append(kept, p)
		}
	}
	state.Paired = append(kept, node)
	n.save(ctx, state)

	if n.events != nil {
		n.events.Broadcast(bus.Event{Name: protocol.EventNodePairResolved, Payload: map[string]any{
			"nodeId": nodeID, "approved": true,
		}})
	}
	return node, raw, nil
}

// Reject drops a pending node pair request.
func (n *NodeStore) Reject(ctx context.Context, nodeID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	state := n.load(ctx)
	kept := state.Pending[:0]
	found := false
	for _, p := range state.Pending {
		if p.NodeID == nodeID {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return fmt.Errorf("no pending pair request for node %s", nodeID)
	}
	state.Pending = kept
	n.save(ctx, state)

	if n.events != nil {
		n.events.Broadcast(bus.Event{Name: protocol.EventNodePairResolved, Payload: map[string]any{
			"nodeId": nodeID, "approved": false,
		}})
	}
	return nil
}

// Verify checks a raw node token against the paired record.
// Connecting nodes must pass this before the registry accepts them.
func (n *NodeStore) Verify(ctx context.Context, nodeID, rawToken string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	state := n.load(ctx)
	for _, node := range state.Paired {
		if node.NodeID != nodeID {
			continue
		}
		return node.Token.RevokedAtMs == 0 && node.Token.TokenHash == HashToken(rawToken)
	}
	return false
}

// IsPaired reports whether the node has an approved record.
func (n *NodeStore) IsPaired(ctx context.Context, nodeID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	state := n.load(ctx)
	for _, node := range state.Paired {
		if node.NodeID == nodeID {
			return true
		}
	}
	return false
}

func (n *NodeStore) load(ctx context.Context) *nodeState {
	state := &nodeState{}
	if _, err := n.slots.Get(ctx, store.SlotNodeTokens, state); err != nil {
		slog.Warn("pairing.node_read_failed", "error", err)
		state = &nodeState{}
	}
	return state
}

func (n *NodeStore) save(ctx context.Context, state *nodeState) {
	if err := n.slots.Set(ctx, store.SlotNodeTokens, state); err != nil {
		slog.Warn("pairing.node_write_failed", "error", err)
	}
}
