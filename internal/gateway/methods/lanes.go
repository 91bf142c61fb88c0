package methods

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// RegisterLanes installs the lane inspection methods.
func RegisterLanes(s *gateway.Server) {
	r := s.Router()

	r.Register(protocol.MethodLanesStatus, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			SessionKey string `json:"sessionKey"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.SessionKey == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionKey is required")
		}
		return protocol.NewOKResponse(req.ID, s.Lanes().Status(p.SessionKey))
	})

	r.Register(protocol.MethodLanesList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{
			"lanes":        s.Lanes().List(),
			"pendingTotal": s.Lanes().PendingTotal(),
		})
	})
}
