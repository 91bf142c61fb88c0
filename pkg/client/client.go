// Package client is a small RPC client for the gateway's duplex
// framed-JSON protocol: one connection, correlated request/response,
// events surfaced on a channel.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// Options configures Dial.
type Options struct {
	URL         string // default ws://127.0.0.1:18790/ws
	Role        string // default operator
	ClientID    string
	Scopes      []string
	Token       string
	Password    string
	DeviceToken string

	// Node identity, for Role == node.
	NodeID    string
	NodeToken string

	HandshakeTimeout time.Duration
}

// RPCError is a failed response, carrying the protocol error code.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string { return e.Code + ": " + e.Message }

// Client is one authenticated gateway connection. Safe for concurrent Call.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.ResponseFrame

	events    chan *protocol.EventFrame
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects, completes the challenge/connect handshake and starts the
// read loop. The returned client is bound with the granted scopes.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		opts.URL = "ws://127.0.0.1:18790/ws"
	}
	if opts.Role == "" {
		opts.Role = protocol.RoleOperator
	}
	if opts.ClientID == "" {
		opts.ClientID = "clawgate-client"
	}

	dialer := *websocket.DefaultDialer
	if opts.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = opts.HandshakeTimeout
	}
	conn, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *protocol.ResponseFrame),
		events:  make(chan *protocol.EventFrame, 64),
		closed:  make(chan struct{}),
	}

	nonce, err := c.readChallenge(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()

	connectParams := map[string]any{
		"role":     opts.Role,
		"clientId": opts.ClientID,
		"nonce":    nonce,
	}
	if len(opts.Scopes) > 0 {
		connectParams["scopes"] = opts.Scopes
	}
	for k, v := range map[string]string{
		"token":       opts.Token,
		"password":    opts.Password,
		"deviceToken": opts.DeviceToken,
		"nodeId":      opts.NodeID,
		"nodeToken":   opts.NodeToken,
	} {
		if v != "" {
			connectParams[k] = v
		}
	}
	_, err = c.Call(ctx, protocol.MethodConnect, connectParams)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return c, nil
}

// readChallenge consumes frames until the connect.challenge event arrives.
func (c *Client) readChallenge(ctx context.Context) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	for {
		var frame struct {
			Type    string `json:"type"`
			Event   string `json:"event"`
			Payload struct {
				Nonce string `json:"nonce"`
			} `json:"payload"`
		}
		if err := c.conn.ReadJSON(&frame); err != nil {
			return "", fmt.Errorf("awaiting challenge: %w", err)
		}
		if frame.Type == protocol.FrameTypeEvent && frame.Event == protocol.EventConnectChallenge {
			return frame.Payload.Nonce, nil
		}
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var probe struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if json.Unmarshal(data, &probe) != nil {
			continue
		}
		switch probe.Type {
		case protocol.FrameTypeResponse:
			var res protocol.ResponseFrame
			if json.Unmarshal(data, &res) != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[probe.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- &res
			}
		case protocol.FrameTypeEvent:
			var ev protocol.EventFrame
			if json.Unmarshal(data, &ev) != nil {
				continue
			}
			select {
			case c.events <- &ev:
			default: // slow consumer, drop rather than stall the read loop
			}
		}
	}
}

// Call issues one request and blocks for its response.
func (c *Client) Call(ctx context.Context, method string, params any) (any, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := make(chan *protocol.ResponseFrame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.conn.WriteJSON(protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	})
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		if !res.OK {
			return nil, &RPCError{Code: res.Error.Code, Message: res.Error.Message}
		}
		return res.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("connection closed")
	}
}

// Events delivers pushed event frames. Events that arrive while the
// consumer lags are dropped.
func (c *Client) Events() <-chan *protocol.EventFrame { return c.events }

// Close tears the connection down. Outstanding Calls fail.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}
