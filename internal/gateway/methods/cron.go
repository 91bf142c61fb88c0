package methods

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/clawgate/internal/cron"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// RegisterCron installs the scheduled-job methods.
func RegisterCron(s *gateway.Server) {
	r := s.Router()

	r.Register(protocol.MethodCronList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{"jobs": s.Cron().List(ctx)})
	})

	r.Register(protocol.MethodCronStatus, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, s.Cron().Status(ctx))
	})

	r.Register(protocol.MethodCronAdd, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var job cron.Job
		if err := json.Unmarshal(req.Params, &job); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed cron job")
		}
		added, err := s.Cron().Add(ctx, job)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error())
		}
		return protocol.NewOKResponse(req.ID, added)
	})

	r.Register(protocol.MethodCronUpdate, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var job cron.Job
		if err := json.Unmarshal(req.Params, &job); err != nil || job.ID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required")
		}
		updated, err := s.Cron().Update(ctx, job)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, updated)
	})

	r.Register(protocol.MethodCronRemove, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		jobID, resp := cronJobIDParam(req)
		if resp != nil {
			return resp
		}
		if err := s.Cron().Remove(ctx, jobID); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"id": jobID, "removed": true})
	})

	r.Register(protocol.MethodCronRun, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		jobID, resp := cronJobIDParam(req)
		if resp != nil {
			return resp
		}
		runID, err := s.Cron().RunNow(ctx, jobID)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"id": jobID, "runId": runID})
	})

	r.Register(protocol.MethodCronRuns, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			ID    string `json:"id,omitempty"`
			Limit int    `json:"limit,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		if p.Limit <= 0 || p.Limit > 200 {
			p.Limit = 50
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"runs": s.Cron().Runs(ctx, p.ID, p.Limit)})
	})
}

func cronJobIDParam(req *protocol.RequestFrame) (string, *protocol.ResponseFrame) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
		return "", protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required")
	}
	return p.ID, nil
}
