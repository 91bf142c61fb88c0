package methods

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/lanes"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// RegisterNodes installs the node runtime methods: roster inspection,
// command invocation and the node-originated event surface.
func RegisterNodes(s *gateway.Server) {
	r := s.Router()

	r.Register(protocol.MethodNodeList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		sessions := s.Nodes().List()
		out := make([]map[string]any, 0, len(sessions))
		for i := range sessions {
			sess := sessions[i]
			out = append(out, map[string]any{
				"nodeId":        sess.NodeID,
				"displayName":   sess.DisplayName,
				"platform":      sess.Platform,
				"deviceFamily":  sess.DeviceFamily,
				"caps":          sess.Caps,
				"commands":      s.Nodes().EffectiveCommands(&sess),
				"connectedAtMs": sess.ConnectedAtMs,
			})
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"nodes": out})
	})

	r.Register(protocol.MethodNodeDescribe, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		nodeID, resp := nodeIDParam(req)
		if resp != nil {
			return resp
		}
		sess, ok := s.Nodes().Get(nodeID)
		if !ok {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "node "+nodeID+" not connected")
		}
		return protocol.NewOKResponse(req.ID, map[string]any{
			"node":              sess,
			"effectiveCommands": s.Nodes().EffectiveCommands(&sess),
		})
	})

	r.Register(protocol.MethodNodeRename, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			NodeID      string `json:"nodeId"`
			DisplayName string `json:"displayName"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.NodeID == "" || p.DisplayName == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "nodeId and displayName are required")
		}
		if !s.Nodes().Rename(p.NodeID, p.DisplayName) {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "node "+p.NodeID+" not connected")
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"nodeId": p.NodeID, "displayName": p.DisplayName})
	})

	r.Register(protocol.MethodNodeInvoke, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			NodeID         string          `json:"nodeId"`
			Command        string          `json:"command"`
			Params         json.RawMessage `json:"params,omitempty"`
			TimeoutMs      int             `json:"timeoutMs,omitempty"`
			IdempotencyKey string          `json:"idempotencyKey,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.NodeID == "" || p.Command == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "nodeId and command are required")
		}
		timeout := time.Duration(p.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = time.Duration(s.Config().NodesSection().InvokeTimeout()) * time.Millisecond
		}
		result, err := s.Nodes().Invoke(ctx, p.NodeID, p.Command, p.Params, timeout, p.IdempotencyKey)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, err.Error())
		}
		if !result.OK {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, result.Err)
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"result": result.Payload})
	})

	// node.invoke.result arrives from the node side; correlation is by the
	// invoke id, not the connection that sent the invoke.
	r.Register(protocol.MethodNodeInvokeResult, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			ID      string          `json:"id"`
			OK      bool            `json:"ok"`
			Payload json.RawMessage `json:"payload,omitempty"`
			Error   string          `json:"error,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required")
		}
		matched := s.Nodes().HandleInvokeResult(p.ID, p.OK, p.Payload, p.Error)
		return protocol.NewOKResponse(req.ID, map[string]any{"matched": matched})
	})

	r.Register(protocol.MethodNodeEvent, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return handleNodeEvent(ctx, s, client, req)
	})
}

// nodeEventParams is the envelope nodes push through node.event.
type nodeEventParams struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func handleNodeEvent(ctx context.Context, s *gateway.Server, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var p nodeEventParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Event == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "event is required")
	}
	nodeID := client.NodeID()

	switch p.Event {
	case "agent.request":
		var body struct {
			Message        string `json:"message"`
			AgentID        string `json:"agentId,omitempty"`
			SessionKey     string `json:"sessionKey,omitempty"`
			Channel        string `json:"channel,omitempty"`
			ChatID         string `json:"chatId,omitempty"`
			IsGroup        bool   `json:"isGroup,omitempty"`
			IdempotencyKey string `json:"idempotencyKey,omitempty"`
		}
		if err := json.Unmarshal(p.Payload, &body); err != nil || body.Message == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "agent.request needs a message")
		}
		rp := runParams{
			SessionKey: body.SessionKey, AgentID: body.AgentID,
			Channel: body.Channel, ChatID: body.ChatID, IsGroup: body.IsGroup,
		}
		sessionKey := rp.sessionKeyFor()
		runID := body.IdempotencyKey
		if runID == "" {
			runID = uuid.NewString()
		}
		// The requesting node hears the run's chat events even without an
		// explicit chat.subscribe.
		s.Nodes().Subscribe(nodeID, sessionKey)
		admission := SubmitRun(s, runID, sessionKey, body.Message, body.AgentID, body.Channel)
		if admission.Status == lanes.AdmitQueueFull {
			return protocol.NewErrorResponse(req.ID, protocol.ErrQueueFull, "session lane queue is full")
		}
		return protocol.NewOKResponse(req.ID, map[string]any{
			"runId": runID, "sessionKey": sessionKey, "status": admission.Status,
		})

	case "chat.subscribe", "chat.unsubscribe":
		var body struct {
			SessionKey string `json:"sessionKey"`
		}
		if err := json.Unmarshal(p.Payload, &body); err != nil || body.SessionKey == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionKey is required")
		}
		if p.Event == "chat.subscribe" {
			s.Nodes().Subscribe(nodeID, body.SessionKey)
		} else {
			s.Nodes().Unsubscribe(nodeID, body.SessionKey)
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"sessionKey": body.SessionKey})

	case "exec.started", "exec.finished", "exec.denied":
		// Operational telemetry from node-side command execution; relayed to
		// operators as-is.
		s.BroadcastEvent(protocol.EventNodeEvent, map[string]any{
			"nodeId": nodeID, "event": p.Event, "payload": p.Payload,
		})
		return protocol.NewOKResponse(req.ID, map[string]any{"relayed": true})

	default:
		slog.Debug("nodes.event_ignored", "node_id", nodeID, "event", p.Event)
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "unknown node event: "+p.Event)
	}
}
