package methods

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/agents"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// RegisterShadowLegacy installs the pre-cutover read paths that the shadow
// comparator runs next to the primary handlers for staged rollout. Only the
// primary result ever reaches the caller; these paths exist so the
// shadow_methods config surfaces divergence in the logs.
func RegisterShadowLegacy(s *gateway.Server) {
	sh := s.Shadow()

	// Older catalog path: per-id reads instead of the store's bulk listing.
	sh.RegisterLegacy(protocol.MethodAgentsList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var out []agents.Definition
		for _, d := range s.Agents().List() {
			full, err := s.Agents().Get(d.ID)
			if err != nil {
				continue
			}
			out = append(out, full)
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"agents": out})
	})

	// Older listing filtered client-side from the full roster rather than
	// pushing the agent prefix into the store.
	sh.RegisterLegacy(protocol.MethodSessionsList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			AgentID string `json:"agentId,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		all := s.Sessions().List("")
		if p.AgentID != "" {
			prefix := "agent:" + p.AgentID + ":"
			var filtered []sessions.SessionInfo
			for _, info := range all {
				if strings.HasPrefix(info.Key, prefix) {
					filtered = append(filtered, info)
				}
			}
			all = filtered
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"sessions": all})
	})

	// Older config read: re-marshal the masked copy and hash the live
	// config independently.
	sh.RegisterLegacy(protocol.MethodConfigGet, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		masked := s.Config().MaskedCopy()
		return protocol.NewOKResponse(req.ID, map[string]any{
			"config": masked,
			"hash":   s.Config().Hash(),
			"path":   s.ConfigPath(),
		})
	})
}
