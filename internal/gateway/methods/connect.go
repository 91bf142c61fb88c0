// Package methods registers the gateway's RPC method handlers, one file
// per method family, dispatched through the gateway router.
package methods

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/alerts"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/nodes"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

type connectParams struct {
	Role     string   `json:"role"`
	Scopes   []string `json:"scopes,omitempty"`
	ClientID string   `json:"clientId"`
	Nonce    string   `json:"nonce"`

	// Shared-secret auth.
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`

	// Device-token auth.
	DeviceToken string `json:"deviceToken,omitempty"`

	// Device identity.
	DeviceID     string   `json:"deviceId,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	DeviceFamily string   `json:"deviceFamily,omitempty"`
	Version      string   `json:"version,omitempty"`
	DisplayName  string   `json:"displayName,omitempty"`
	Caps         []string `json:"caps,omitempty"`
	Commands     []string `json:"commands,omitempty"`

	// Node identity (role == node).
	NodeID    string `json:"nodeId,omitempty"`
	NodeToken string `json:"nodeToken,omitempty"`
}

// RegisterConnect installs connect, health and status.
func RegisterConnect(s *gateway.Server) {
	r := s.Router()
	r.Register(protocol.MethodConnect, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return handleConnect(ctx, s, client, req)
	})
	r.Register(protocol.MethodHealth, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, healthPayload(s))
	})
	r.Register(protocol.MethodStatus, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, statusPayload(ctx, s))
	})
}

func handleConnect(ctx context.Context, s *gateway.Server, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var p connectParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed connect params")
	}
	if client.State() == gateway.StateConnected {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "already connected")
	}

	authScope := "shared-secret"
	if p.DeviceToken != "" {
		authScope = "device-token"
	}
	ip := client.RemoteIP()

	// Rule 1: the presented nonce must be the one issued to this connection.
	if p.Nonce != client.Challenge() {
		s.RateLimiter().RecordFailure(authScope, ip)
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid nonce")
	}

	// Rule 2: lockout check.
	if s.RateLimiter().Locked(authScope, ip) {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "too many failed attempts, locked out")
	}

	// Rule 3: at least one credential path must hold.
	gw := s.Config().GatewaySection()
	var deviceScopes []string
	authed := false
	switch {
	case gw.Token != "" && p.Token == gw.Token:
		authed = true
	case gw.Password != "" && p.Password == gw.Password:
		authed = true
	case p.DeviceToken != "" && s.Devices() != nil:
		if dev, _, ok := s.Devices().Authenticate(ctx, p.DeviceToken); ok {
			authed = true
			deviceScopes = dev.Scopes
			if p.DeviceID == "" {
				p.DeviceID = dev.DeviceID
			}
		}
	}
	if !authed && gw.AllowInsecureAuth {
		authed = true
	}
	if !authed {
		s.RateLimiter().RecordFailure(authScope, ip)
		slog.Warn("gateway.connect_denied", "conn", client.ID(), "ip", ip, "role", p.Role)
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "authentication failed")
	}

	role := p.Role
	if role == "" {
		role = protocol.RoleOperator
	}

	// Rule 4: node role requires an approved pairing.
	if role == protocol.RoleNode {
		if s.NodePairs() == nil || !s.NodePairs().Verify(ctx, p.NodeID, p.NodeToken) {
			s.RateLimiter().RecordFailure(authScope, ip)
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotPaired, "node is not paired")
		}
	}

	// Rule 5: granted scopes are the intersection of requested and granted;
	// no request means the configured default set.
	scopes := grantScopes(p.Scopes, deviceScopes, gw.DefaultScopes)

	client.BindConnected(role, scopes, p.DeviceID, p.NodeID)
	s.RateLimiter().Reset(authScope, ip)

	if role == protocol.RoleNode && s.Nodes() != nil {
		s.Nodes().Register(&nodes.Session{
			NodeID:       p.NodeID,
			ConnID:       client.ID(),
			DisplayName:  p.DisplayName,
			Platform:     p.Platform,
			DeviceFamily: p.DeviceFamily,
			Caps:         p.Caps,
			Commands:     p.Commands,
			ConnectedAtMs: time.Now().UnixMilli(),
		}, client)
	}

	slog.Info("gateway.connect_accepted", "conn", client.ID(), "role", role, "clientId", p.ClientID)
	return protocol.NewOKResponse(req.ID, snapshotPayload(ctx, s))
}

// grantScopes intersects requested scopes with what the credential grants.
func grantScopes(requested, deviceGranted, configDefault []string) []string {
	granted := deviceGranted
	if len(granted) == 0 {
		granted = configDefault
	}
	if len(granted) == 0 {
		granted = protocol.DefaultScopes
	}
	if len(requested) == 0 {
		return append([]string(nil), granted...)
	}

	grantedSet := make(map[string]bool, len(granted))
	for _, sc := range granted {
		grantedSet[sc] = true
	}
	var out []string
	for _, sc := range requested {
		if grantedSet[sc] {
			out = append(out, sc)
		}
	}
	return out
}

func healthPayload(s *gateway.Server) map[string]any {
	payload := map[string]any{
		"status":       "ok",
		"protocol":     protocol.ProtocolVersion,
		"uptimeSec":    int(time.Since(s.StartedAt()).Seconds()),
		"stateVersion": s.StateVersion(),
	}
	if s.Lanes() != nil {
		payload["lanesPending"] = s.Lanes().PendingTotal()
	}
	if s.Nodes() != nil {
		payload["nodesConnected"] = s.Nodes().Count()
	}
	return payload
}

func statusPayload(ctx context.Context, s *gateway.Server) map[string]any {
	payload := healthPayload(s)
	if s.Alerts() != nil {
		snapshot, lifecycle := s.Alerts().Snapshot(ctx)
		payload["alerts"] = snapshot
		payload["alertsSummary"] = alerts.Summarize(snapshot, len(lifecycle.ResolvedRecent))
		payload["alertsResolvedRecent"] = lifecycle.ResolvedRecent
	}
	if s.Approvals() != nil {
		payload["approvalsPending"] = len(s.Approvals().Pending())
	}
	payload["walletUnlocked"] = s.WalletUnlocked()
	if s.Lanes() != nil {
		payload["lanes"] = s.Lanes().List()
	}
	return payload
}

func snapshotPayload(ctx context.Context, s *gateway.Server) map[string]any {
	snapshot := map[string]any{
		"health":   healthPayload(s),
		"methods":  s.Router().Methods(),
		"events":   eventCatalog(),
		"presence": s.Presence().List(),
	}
	if s.Alerts() != nil {
		active, lifecycle := s.Alerts().Snapshot(ctx)
		snapshot["alerts"] = active
		snapshot["alertsSummary"] = alerts.Summarize(active, len(lifecycle.ResolvedRecent))
		snapshot["alertsResolvedRecent"] = lifecycle.ResolvedRecent
	}
	if s.Agents() != nil {
		snapshot["agents"] = s.Agents().List()
	}
	if s.Sessions() != nil {
		snapshot["sessions"] = s.Sessions().List("")
	}
	if canvas := s.Config().CanvasSection(); canvas.HostURL != "" {
		snapshot["canvasUrl"] = canvas.HostURL
	}
	snapshot["actionsCatalog"] = actionsCatalogPayload()
	return snapshot
}

func eventCatalog() []string {
	return []string{
		protocol.EventConnectChallenge, protocol.EventAgent, protocol.EventChat,
		protocol.EventPresence, protocol.EventTick, protocol.EventHealth, protocol.EventCron,
		protocol.EventLanesEnqueued, protocol.EventLanesDequeued,
		protocol.EventLanesCompleted, protocol.EventLanesDepthChanged,
		protocol.EventDevicePairRequested, protocol.EventDevicePairResolved,
		protocol.EventExecApprovalReq, protocol.EventExecApprovalRes,
		protocol.EventNodePairRequested, protocol.EventNodePairResolved,
		protocol.EventNodeEvent,
	}
}
