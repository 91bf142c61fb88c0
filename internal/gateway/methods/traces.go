package methods

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// RegisterTraces installs the run-trace inspection methods.
func RegisterTraces(s *gateway.Server) {
	r := s.Router()

	r.Register(protocol.MethodTracesList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Limit int `json:"limit,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		if p.Limit <= 0 || p.Limit > 200 {
			p.Limit = 50
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"traces": s.Traces().List(ctx, p.Limit)})
	})

	r.Register(protocol.MethodTracesGet, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			TraceID string `json:"traceId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TraceID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "traceId is required")
		}
		tr, ok := s.Traces().Get(ctx, p.TraceID)
		if !ok {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "trace "+p.TraceID+" not found")
		}
		return protocol.NewOKResponse(req.ID, tr)
	})
}
