package methods

import (
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"runtime"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/alerts"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// knownModels is the advertised model catalog. models.list merges it with
// whatever models the configured agents reference.
var knownModels = []map[string]string{
	{"id": "claude-opus-4-5", "provider": "anthropic"},
	{"id": "claude-sonnet-4-5", "provider": "anthropic"},
	{"id": "claude-haiku-4-5", "provider": "anthropic"},
	{"id": "gpt-5.2", "provider": "openai"},
	{"id": "gemini-3-pro", "provider": "google"},
}

func actionsCatalogPayload() map[string]any {
	return map[string]any{"actions": alerts.Catalog()}
}

// RegisterMisc installs the models, actions, alerts-lifecycle and
// diagnostics methods.
func RegisterMisc(s *gateway.Server) {
	r := s.Router()

	r.Register(protocol.MethodModelsList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		models := append([]map[string]string(nil), knownModels...)
		seen := make(map[string]bool, len(models))
		for _, m := range models {
			seen[m["id"]] = true
		}
		if s.Agents() != nil {
			for _, def := range s.Agents().List() {
				if def.Model != "" && !seen[def.Model] {
					seen[def.Model] = true
					models = append(models, map[string]string{"id": def.Model, "provider": def.Provider})
				}
			}
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"models": models})
	})

	r.Register(protocol.MethodAuthProfilesStatus, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var usage map[string]any
		found, err := s.Slots().Get(ctx, store.SlotAuthProfileUsage, &usage)
		if err != nil {
			slog.Warn("gateway.slot_read_failed", "slot", store.SlotAuthProfileUsage, "error", err)
		}
		if !found || usage == nil {
			usage = map[string]any{}
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"profiles": usage})
	})

	r.Register(protocol.MethodActionsCatalog, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, actionsCatalogPayload())
	})

	r.Register(protocol.MethodActionsValidate, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Code   string        `json:"code"`
			Action alerts.Action `json:"action"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Code == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "code and action are required")
		}
		result := map[string]any{"code": p.Code, "valid": true}
		if err := alerts.ValidateAction(p.Code, p.Action); err != nil {
			result["valid"] = false
			result["reason"] = err.Error()
		}
		return protocol.NewOKResponse(req.ID, result)
	})

	r.Register(protocol.MethodActionsValidateBatch, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		results, resp := validateBatch(req)
		if resp != nil {
			return resp
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"results": results})
	})

	// Same batch validation, but each result also carries the lifecycle
	// record for the alert's dedupeKey so clients can gate stale actions.
	r.Register(protocol.MethodActionsValidateBatchLC, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		results, resp := validateBatch(req)
		if resp != nil {
			return resp
		}
		lifecycle := s.Alerts().Lifecycle(ctx)
		byKey := make(map[string]alerts.LifecycleRecord, len(lifecycle.Active))
		for _, rec := range lifecycle.Active {
			byKey[rec.DedupeKey] = rec
		}
		for _, res := range results {
			if key, ok := res["dedupeKey"].(string); ok {
				if rec, live := byKey[key]; live {
					res["lifecycle"] = rec
				}
			}
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"results": results})
	})

	r.Register(protocol.MethodAlertsLifecycle, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, s.Alerts().Lifecycle(ctx))
	})

	r.Register(protocol.MethodSystemPresence, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{
			"entries": s.Presence().List(),
			"version": s.Presence().Version(),
		})
	})

	r.Register(protocol.MethodLogsTail, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Limit int `json:"limit,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		if p.Limit <= 0 || p.Limit > 500 {
			p.Limit = 100
		}
		if s.LogTail() == nil {
			return protocol.NewOKResponse(req.ID, map[string]any{"lines": []any{}})
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"lines": s.LogTail().Tail(p.Limit)})
	})

	r.Register(protocol.MethodLastHeartbeat, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var hb map[string]any
		found, _ := s.Slots().Get(ctx, store.SlotLastHeartbeat, &hb)
		if !found {
			return protocol.NewOKResponse(req.ID, map[string]any{"present": false})
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"present": true, "heartbeat": hb})
	})

	r.Register(protocol.MethodUpdateRun, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return handleUpdateRun(ctx, s, req)
	})

	r.Register(protocol.MethodDoctorMemoryStatus, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return protocol.NewOKResponse(req.ID, map[string]any{
			"heapAllocB":   ms.HeapAlloc,
			"heapSysB":     ms.HeapSys,
			"heapObjects":  ms.HeapObjects,
			"numGC":        ms.NumGC,
			"goroutines":   runtime.NumGoroutine(),
			"lastGCPauseUs": ms.PauseNs[(ms.NumGC+255)%256] / 1000,
		})
	})

	r.Register(protocol.MethodPushTest, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Payload any `json:"payload,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		if p.Payload == nil {
			p.Payload = map[string]any{"test": true}
		}
		s.BroadcastEvent(protocol.EventHealth, map[string]any{"push": p.Payload, "atMs": time.Now().UnixMilli()})
		return protocol.NewOKResponse(req.ID, map[string]any{"pushed": true})
	})
}

func validateBatch(req *protocol.RequestFrame) ([]map[string]any, *protocol.ResponseFrame) {
	var p struct {
		Items []struct {
			Code      string        `json:"code"`
			DedupeKey string        `json:"dedupeKey,omitempty"`
			Action    alerts.Action `json:"action"`
		} `json:"items"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed batch")
	}
	results := make([]map[string]any, 0, len(p.Items))
	for _, item := range p.Items {
		res := map[string]any{"code": item.Code, "valid": true}
		if item.DedupeKey != "" {
			res["dedupeKey"] = item.DedupeKey
		}
		if err := alerts.ValidateAction(item.Code, item.Action); err != nil {
			res["valid"] = false
			res["reason"] = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

// updateStatus is the persisted record of the last update.run.
type updateStatus struct {
	StartedAtMs int64  `json:"startedAtMs"`
	EndedAtMs   int64  `json:"endedAtMs,omitempty"`
	OK          bool   `json:"ok"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
}

func handleUpdateRun(ctx context.Context, s *gateway.Server, req *protocol.RequestFrame) *protocol.ResponseFrame {
	command := s.Config().UpdateSection().Command
	if command == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "no update command configured")
	}

	status := updateStatus{StartedAtMs: time.Now().UnixMilli()}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	status.EndedAtMs = time.Now().UnixMilli()
	status.Output = truncate(string(out), 4000)
	if err != nil {
		status.Error = err.Error()
	} else {
		status.OK = true
	}
	if werr := s.Slots().Set(ctx, store.SlotUpdateStatus, status); werr != nil {
		slog.Warn("gateway.slot_write_failed", "slot", store.SlotUpdateStatus, "error", werr)
	}
	if err != nil {
		slog.Error("gateway.update_failed", "error", err)
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "update command failed: "+err.Error())
	}
	slog.Info("gateway.update_completed", "durationMs", status.EndedAtMs-status.StartedAtMs)
	return protocol.NewOKResponse(req.ID, status)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
