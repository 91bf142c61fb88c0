package methods

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/pairing"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// RegisterPairing installs the device and node pairing methods. Raw tokens
// appear in exactly one response each: the approve (or rotate) that minted
// them.
func RegisterPairing(s *gateway.Server) {
	r := s.Router()

	r.Register(protocol.MethodDevicePairList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		pending, paired := s.Devices().List(ctx)
		return protocol.NewOKResponse(req.ID, map[string]any{"pending": pending, "paired": paired})
	})

	r.Register(protocol.MethodDevicePairApprove, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			DeviceID string   `json:"deviceId"`
			Scopes   []string `json:"scopes,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.DeviceID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "deviceId is required")
		}
		dev, rawToken, err := s.Devices().Approve(ctx, p.DeviceID, p.Scopes)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"device": dev, "token": rawToken})
	})

	r.Register(protocol.MethodDevicePairReject, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		deviceID, resp := deviceIDParam(req)
		if resp != nil {
			return resp
		}
		if err := s.Devices().Reject(ctx, deviceID); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"deviceId": deviceID, "rejected": true})
	})

	r.Register(protocol.MethodDevicePairRemove, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		deviceID, resp := deviceIDParam(req)
		if resp != nil {
			return resp
		}
		if err := s.Devices().Remove(ctx, deviceID); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"deviceId": deviceID, "removed": true})
	})

	r.Register(protocol.MethodDeviceTokenRotate, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		deviceID, role, resp := deviceRoleParams(req)
		if resp != nil {
			return resp
		}
		rawToken, err := s.Devices().RotateToken(ctx, deviceID, role)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"deviceId": deviceID, "role": role, "token": rawToken})
	})

	r.Register(protocol.MethodDeviceTokenRevoke, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		deviceID, role, resp := deviceRoleParams(req)
		if resp != nil {
			return resp
		}
		if err := s.Devices().RevokeToken(ctx, deviceID, role); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"deviceId": deviceID, "role": role, "revoked": true})
	})

	r.Register(protocol.MethodNodePairRequest, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p pairing.NodePairRequest
		if err := json.Unmarshal(req.Params, &p); err != nil || p.NodeID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "nodeId is required")
		}
		pending, err := s.NodePairs().Request(ctx, p)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"request": pending})
	})

	r.Register(protocol.MethodNodePairList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		pending, paired := s.NodePairs().List(ctx)
		return protocol.NewOKResponse(req.ID, map[string]any{"pending": pending, "paired": paired})
	})

	r.Register(protocol.MethodNodePairApprove, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		nodeID, resp := nodeIDParam(req)
		if resp != nil {
			return resp
		}
		node, rawToken, err := s.NodePairs().Approve(ctx, nodeID)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"node": node, "token": rawToken})
	})

	r.Register(protocol.MethodNodePairReject, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		nodeID, resp := nodeIDParam(req)
		if resp != nil {
			return resp
		}
		if err := s.NodePairs().Reject(ctx, nodeID); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"nodeId": nodeID, "rejected": true})
	})

	r.Register(protocol.MethodNodePairVerify, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			NodeID string `json:"nodeId"`
			Token  string `json:"token"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.NodeID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "nodeId is required")
		}
		return protocol.NewOKResponse(req.ID, map[string]any{
			"nodeId": p.NodeID,
			"paired": s.NodePairs().IsPaired(ctx, p.NodeID),
			"valid":  s.NodePairs().Verify(ctx, p.NodeID, p.Token),
		})
	})
}

func deviceIDParam(req *protocol.RequestFrame) (string, *protocol.ResponseFrame) {
	var p struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.DeviceID == "" {
		return "", protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "deviceId is required")
	}
	return p.DeviceID, nil
}

func deviceRoleParams(req *protocol.RequestFrame) (string, string, *protocol.ResponseFrame) {
	var p struct {
		DeviceID string `json:"deviceId"`
		Role     string `json:"role"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.DeviceID == "" {
		return "", "", protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "deviceId is required")
	}
	if p.Role == "" {
		p.Role = "operator"
	}
	return p.DeviceID, p.Role, nil
}

func nodeIDParam(req *protocol.RequestFrame) (string, *protocol.ResponseFrame) {
	var p struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.NodeID == "" {
		return "", protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "nodeId is required")
	}
	return p.NodeID, nil
}
