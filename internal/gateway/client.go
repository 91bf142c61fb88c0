package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// ClientState tracks the connection's auth lifecycle.
type ClientState int

const (
	StatePending ClientState = iota
	StateConnected
	StateClosed
)

// Client is one duplex connection. All writes go through writeMu so frames
// from concurrent handlers never interleave; seq is stamped under the same
// lock, which makes it strictly increasing per connection.
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	remoteIP string

	writeMu sync.Mutex
	seq     int64

	mu        sync.Mutex
	state     ClientState
	role      string
	scopes    map[string]bool
	deviceID  string
	nodeID    string
	challenge string
}

func NewClient(conn *websocket.Conn, server *Server, remoteIP string) *Client {
	return &Client{
		id:        uuid.NewString(),
		conn:      conn,
		server:    server,
		remoteIP:  remoteIP,
		state:     StatePending,
		scopes:    make(map[string]bool),
		challenge: uuid.NewString(),
	}
}

func (c *Client) ID() string       { return c.id }
func (c *Client) RemoteIP() string { return c.remoteIP }

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Role() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Client) NodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Challenge is the nonce issued on accept; connect must echo it.
func (c *Client) Challenge() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.challenge
}

// HasScope checks an operator scope. operator.admin satisfies everything.
func (c *Client) HasScope(scope string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scopes[protocol.ScopeAdmin] || c.scopes[scope]
}

// Scopes returns a copy of the bound scope set.
func (c *Client) Scopes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.scopes))
	for s := range c.scopes {
		out = append(out, s)
	}
	return out
}

// BindConnected flips the client to connected and binds identity. Called
// exactly once, by the connect handler.
func (c *Client) BindConnected(role string, scopes []string, deviceID, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateConnected
	c.role = role
	c.scopes = make(map[string]bool, len(scopes))
	for _, s := range scopes {
		c.scopes[s] = true
	}
	c.deviceID = deviceID
	c.nodeID = nodeID
}

// Run reads frames until the connection drops. Requests dispatch in their
// own goroutine so blocking methods (agent.wait, approval waits) do not
// stall the read loop.
func (c *Client) Run(ctx context.Context) {
	c.SendEvent(protocol.NewEvent(protocol.EventConnectChallenge, map[string]string{"nonce": c.Challenge()}))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			slog.Debug("gateway.frame_unparseable", "conn", c.id, "error", err)
			continue
		}

		switch probe.Type {
		case protocol.FrameTypeRequest:
			var req protocol.RequestFrame
			if err := json.Unmarshal(data, &req); err != nil {
				slog.Debug("gateway.request_unparseable", "conn", c.id, "error", err)
				continue
			}
			go c.server.router.Dispatch(ctx, c, &req)
		case protocol.FrameTypePresence:
			var frame protocol.PresenceFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			c.server.presence.Touch(&frame)
			c.server.BroadcastEvent(protocol.EventPresence, c.server.presence.List())
		default:
			slog.Debug("gateway.frame_unknown_type", "conn", c.id, "type", probe.Type)
		}
	}
}

// SendResponse writes a response frame.
func (c *Client) SendResponse(res *protocol.ResponseFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(res)
}

// SendEvent stamps seq and stateVersion and writes an event frame.
func (c *Client) SendEvent(ev *protocol.EventFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seq++
	ev.Seq = c.seq
	ev.StateVersion = c.server.StateVersion()
	return c.conn.WriteJSON(ev)
}

// SendRequest writes a server → client request frame (node invocation).
// Satisfies the node registry's sender contract.
func (c *Client) SendRequest(req *protocol.RequestFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(req)
}

// Close tears the connection down.
func (c *Client) Close() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.conn.Close()
}
