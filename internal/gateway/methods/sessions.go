package methods

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// defaultPricing is USD per million tokens, used when usage.cost gets no
// pricing table from the caller.
var defaultPricing = map[string]sessions.ModelPricing{
	"claude-opus-4-5":   {InputPerMTok: 15, OutputPerMTok: 75},
	"claude-sonnet-4-5": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-haiku-4-5":  {InputPerMTok: 0.8, OutputPerMTok: 4},
}

// RegisterSessions installs the session lifecycle and usage methods.
func RegisterSessions(s *gateway.Server) {
	r := s.Router()

	r.Register(protocol.MethodSessionsList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			AgentID string `json:"agentId,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		return protocol.NewOKResponse(req.ID, map[string]any{"sessions": s.Sessions().List(p.AgentID)})
	})

	r.Register(protocol.MethodSessionsResolve, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Ref string `json:"ref"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Ref == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "ref is required")
		}
		key, err := s.Sessions().Resolve(p.Ref)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"sessionKey": key})
	})

	r.Register(protocol.MethodSessionsPreview, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Keys        []string `json:"keys"`
			MaxMessages int      `json:"maxMessages,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || len(p.Keys) == 0 {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "keys is required")
		}
		return protocol.NewOKResponse(req.ID, map[string]any{
			"previews": s.Sessions().PreviewSessions(p.Keys, p.MaxMessages),
		})
	})

	r.Register(protocol.MethodSessionsPatch, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			SessionKey string         `json:"sessionKey"`
			Patch      sessions.Patch `json:"patch"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.SessionKey == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionKey is required")
		}
		if err := s.Sessions().ApplyPatch(p.SessionKey, p.Patch); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		saveSession(s, p.SessionKey)
		return protocol.NewOKResponse(req.ID, map[string]any{"sessionKey": p.SessionKey, "patched": true})
	})

	r.Register(protocol.MethodSessionsReset, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		key, resp := sessionKeyParam(req)
		if resp != nil {
			return resp
		}
		if err := s.Sessions().Reset(key); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		saveSession(s, key)
		return protocol.NewOKResponse(req.ID, map[string]any{"sessionKey": key, "reset": true})
	})

	r.Register(protocol.MethodSessionsDelete, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		key, resp := sessionKeyParam(req)
		if resp != nil {
			return resp
		}
		if err := s.Sessions().Delete(key); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"sessionKey": key, "deleted": true})
	})

	r.Register(protocol.MethodSessionsCompact, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			SessionKey string `json:"sessionKey"`
			KeepLast   int    `json:"keepLast,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.SessionKey == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionKey is required")
		}
		if p.KeepLast <= 0 {
			p.KeepLast = 10
		}
		dropped, err := s.Sessions().Compact(p.SessionKey, p.KeepLast)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		saveSession(s, p.SessionKey)
		return protocol.NewOKResponse(req.ID, map[string]any{
			"sessionKey": p.SessionKey, "dropped": dropped, "keepLast": p.KeepLast,
		})
	})

	r.Register(protocol.MethodSessionsUsage, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, s.Sessions().Status())
	})
	r.Register(protocol.MethodUsageStatus, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, s.Sessions().Status())
	})

	r.Register(protocol.MethodSessionsUsageTimeseries, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			SessionKey string `json:"sessionKey,omitempty"`
			SinceMs    int64  `json:"sinceMs,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		return protocol.NewOKResponse(req.ID, map[string]any{
			"buckets": s.Sessions().UsageTimeseries(p.SessionKey, p.SinceMs),
		})
	})

	r.Register(protocol.MethodSessionsUsageLogs, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			SessionKey string `json:"sessionKey,omitempty"`
			Limit      int    `json:"limit,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		if p.Limit <= 0 || p.Limit > 1000 {
			p.Limit = 100
		}
		return protocol.NewOKResponse(req.ID, map[string]any{
			"entries": s.Sessions().UsageLogs(p.SessionKey, p.Limit),
		})
	})

	r.Register(protocol.MethodUsageCost, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Pricing map[string]sessions.ModelPricing `json:"pricing,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		pricing := p.Pricing
		if len(pricing) == 0 {
			pricing = defaultPricing
		}
		return protocol.NewOKResponse(req.ID, s.Sessions().UsageCost(pricing))
	})
}

func sessionKeyParam(req *protocol.RequestFrame) (string, *protocol.ResponseFrame) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.SessionKey == "" {
		return "", protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionKey is required")
	}
	return p.SessionKey, nil
}

func saveSession(s *gateway.Server, key string) {
	if err := s.Sessions().Save(key); err != nil {
		slog.Warn("sessions.save_failed", "sessionKey", key, "error", err)
	}
}
