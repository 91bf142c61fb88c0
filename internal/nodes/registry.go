// Package nodes tracks paired edge nodes connected to the gateway and
// routes command invocations to them with idempotency keys and timeouts.
package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// Sender delivers a request frame over a node's socket.
type Sender interface {
	SendRequest(req *protocol.RequestFrame) error
}

// Session represents one connected edge node. Exclusively owned by the
// registry.
type Session struct {
	NodeID        string            `json:"nodeId"`
	ConnID        string            `json:"connId"`
	DisplayName   string            `json:"displayName,omitempty"`
	Platform      string            `json:"platform,omitempty"`
	DeviceFamily  string            `json:"deviceFamily,omitempty"`
	Caps          []string          `json:"caps,omitempty"`
	Commands      []string          `json:"commands,omitempty"`
	Permissions   map[string]bool   `json:"permissions,omitempty"`
	ConnectedAtMs int64             `json:"connectedAtMs"`

	sender Sender
}

// InvokeResult is the correlated reply to one invoke id.
type InvokeResult struct {
	OK      bool
	Payload json.RawMessage
	Err     string
}

type outstanding struct {
	id      string
	nodeID  string
	idemKey string
	future  chan InvokeResult // buffered(1)
}

// Registry owns the sessions map, the outstanding-invokes map and the
// per-node chat subscriptions.
type Registry struct {
	mu            sync.Mutex
	sessions      map[string]*Session      // nodeId → session
	byConn        map[string]string        // connId → nodeId
	invokes       map[string]*outstanding  // invoke id → entry
	idempotency   map[string]string        // idempotencyKey → invoke id
	subscriptions map[string]map[string]bool // nodeId → set<sessionKey>

	extraAllow []string
	deny       []string
}

// NewRegistry creates a node registry. extraAllow and deny adjust the
// platform-default command allowlists from process config.
func NewRegistry(extraAllow, deny []string) *Registry {
	return &Registry{
		sessions:      make(map[string]*Session),
		byConn:        make(map[string]string),
		invokes:       make(map[string]*outstanding),
		idempotency:   make(map[string]string),
		subscriptions: make(map[string]map[string]bool),
		extraAllow:    extraAllow,
		deny:          deny,
	}
}

// Register binds a node session. A re-register for the same nodeId
// replaces the previous session (reconnect).
func (r *Registry) Register(s *Session, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.sender = sender
	s.ConnectedAtMs = time.Now().UnixMilli()
	if prev, ok := r.sessions[s.NodeID]; ok {
		delete(r.byConn, prev.ConnID)
	}
	r.sessions[s.NodeID] = s
	r.byConn[s.ConnID] = s.NodeID
	slog.Info("nodes.registered", "node_id", s.NodeID, "platform", s.Platform, "commands", len(s.Commands))
}

// Unregister removes a node by id.
func (r *Registry) Unregister(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[nodeID]; ok {
		delete(r.byConn, s.ConnID)
		delete(r.sessions, nodeID)
		delete(r.subscriptions, nodeID)
		slog.Info("nodes.unregistered", "node_id", nodeID)
	}
}

// UnregisterByConnID removes whatever node is bound to a closing connection.
func (r *Registry) UnregisterByConnID(connID string) {
	r.mu.Lock()
	nodeID, ok := r.byConn[connID]
	r.mu.Unlock()
	if ok {
		r.Unregister(nodeID)
	}
}

// Get returns a copy of the session for nodeId.
func (r *Registry) Get(nodeID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[nodeID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns copies of all connected sessions.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// Count returns the number of connected nodes.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Rename updates a node's display name.
func (r *Registry) Rename(nodeID, displayName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[nodeID]
	if !ok {
		return false
	}
	s.DisplayName = displayName
	return true
}

// FindByCap returns the connected nodes declaring a capability.
func (r *Registry) FindByCap(capability string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		for _, c := range s.Caps {
			if c == capability {
				out = append(out, *s)
				break
			}
		}
	}
	return out
}

// invokeParams is the request payload delivered to the node.
type invokeParams struct {
	NodeID    string          `json:"nodeId"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

// Invoke sends a command to a node and waits for the correlated
// node.invoke.result, up to timeout. A repeated idempotencyKey while the
// original invoke is outstanding attaches to the same future.
func (r *Registry) Invoke(ctx context.Context, nodeID, command string, params json.RawMessage, timeout time.Duration, idemKey string) (InvokeResult, error) {
	r.mu.Lock()
	s, ok := r.sessions[nodeID]
	if !ok {
		r.mu.Unlock()
		return InvokeResult{}, fmt.Errorf("node %s not connected", nodeID)
	}
	if !r.commandAllowedLocked(s, command) {
		r.mu.Unlock()
		return InvokeResult{}, fmt.Errorf("command %s not allowed on node %s", command, nodeID)
	}

	if idemKey != "" {
		if id, dup := r.idempotency[idemKey]; dup {
			if entry, live := r.invokes[id]; live {
				future := entry.future
				r.mu.Unlock()
				return r.await(ctx, future, timeout)
			}
		}
	}

	id := uuid.NewString()
	entry := &outstanding{id: id, nodeID: nodeID, idemKey: idemKey, future: make(chan InvokeResult, 1)}
	r.invokes[id] = entry
	if idemKey != "" {
		r.idempotency[idemKey] = id
	}
	sender := s.sender
	r.mu.Unlock()

	raw, _ := json.Marshal(invokeParams{
		NodeID: nodeID, Command: command, Params: params,
		TimeoutMs: int(timeout.Milliseconds()),
	})
	req := &protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     id,
		Method: protocol.MethodNodeInvoke,
		Params: raw,
	}
	if err := sender.SendRequest(req); err != nil {
		r.reap(id)
		return InvokeResult{}, fmt.Errorf("send to node %s: %w", nodeID, err)
	}

	res, err := r.await(ctx, entry.future, timeout)
	if err != nil {
		r.reap(id)
	}
	return res, err
}

func (r *Registry) await(ctx context.Context, future chan InvokeResult, timeout time.Duration) (InvokeResult, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-future:
		// Replay for sibling idempotent waiters.
		future <- res
		return res, nil
	case <-timer.C:
		return InvokeResult{}, fmt.Errorf("invoke timed out after %s", timeout)
	case <-ctx.Done():
		return InvokeResult{}, ctx.Err()
	}
}

// HandleInvokeResult completes the future for an invoke id. Delivery order
// is irrelevant; correlation is by id. The result may arrive on the same
// or a sibling connection of the node.
func (r *Registry) HandleInvokeResult(id string, ok bool, payload json.RawMessage, errMsg string) bool {
	r.mu.Lock()
	entry, live := r.invokes[id]
	if live {
		delete(r.invokes, id)
		if entry.idemKey != "" {
			delete(r.idempotency, entry.idemKey)
		}
	}
	r.mu.Unlock()
	if !live {
		return false
	}
	entry.future <- InvokeResult{OK: ok, Payload: payload, Err: errMsg}
	return true
}

func (r *Registry) reap(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, live := r.invokes[id]; live {
		delete(r.invokes, id)
		if entry.idemKey != "" {
			delete(r.idempotency, entry.idemKey)
		}
	}
}

// Subscribe adds a chat fan-out subscription for a node.
func (r *Registry) Subscribe(nodeID, sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscriptions[nodeID]
	if !ok {
		set = make(map[string]bool)
		r.subscriptions[nodeID] = set
	}
	set[sessionKey] = true
}

// Unsubscribe removes a chat fan-out subscription.
func (r *Registry) Unsubscribe(nodeID, sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subscriptions[nodeID]; ok {
		delete(set, sessionKey)
		if len(set) == 0 {
			delete(r.subscriptions, nodeID)
		}
	}
}

// SubscribersFor returns the senders of nodes subscribed to a session.
func (r *Registry) SubscribersFor(sessionKey string) []Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Sender
	for nodeID, set := range r.subscriptions {
		if set[sessionKey] {
			if s, ok := r.sessions[nodeID]; ok {
				out = append(out, s.sender)
			}
		}
	}
	return out
}
