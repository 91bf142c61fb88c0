package methods

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// configSchema is the client-facing description of the config document.
// Kept as data so config.schema needs no reflection.
var configSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"gateway": map[string]any{
			"type":        "object",
			"description": "listener, auth and throttle settings",
			"properties": map[string]any{
				"host":                map[string]any{"type": "string"},
				"port":                map[string]any{"type": "integer"},
				"allow_insecure_auth": map[string]any{"type": "boolean"},
				"allowed_origins":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"canary_methods":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"shadow_methods":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"default_scopes":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"accept_rps":          map[string]any{"type": "number"},
				"rate_limit":          map[string]any{"type": "object"},
			},
		},
		"nodes":     map[string]any{"type": "object", "description": "edge node routing"},
		"approvals": map[string]any{"type": "object", "description": "exec approval policy"},
		"lanes":     map[string]any{"type": "object", "description": "per-session queue bounds"},
		"presence":  map[string]any{"type": "object", "description": "roster TTL and cap"},
		"traces":    map[string]any{"type": "object", "description": "run trace bounds"},
		"storage":   map[string]any{"type": "object", "description": "data and session dirs"},
		"canvas":    map[string]any{"type": "object", "description": "canvas host URL"},
		"update":    map[string]any{"type": "object", "description": "update.run command"},
		"wallet":    map[string]any{"type": "object", "description": "sealed wallet key location"},
		"telemetry": map[string]any{"type": "object", "description": "OTLP trace export"},
	},
}

// RegisterConfig installs the config read and mutation methods. Mutations
// use baseHash optimistic concurrency: the caller proves it saw the current
// document before the write is accepted.
func RegisterConfig(s *gateway.Server) {
	r := s.Router()

	r.Register(protocol.MethodConfigGet, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{
			"config": s.Config().MaskedCopy(),
			"hash":   s.Config().Hash(),
			"path":   s.ConfigPath(),
		})
	})

	r.Register(protocol.MethodConfigSchema, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{"schema": configSchema})
	})

	r.Register(protocol.MethodConfigSet, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Config   json.RawMessage `json:"config"`
			BaseHash string          `json:"baseHash"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || len(p.Config) == 0 {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "config is required")
		}
		if resp := checkBaseHash(s, req, p.BaseHash); resp != nil {
			return resp
		}
		next := config.Default()
		if err := json.Unmarshal(p.Config, next); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid config document: "+err.Error())
		}
		return applyConfig(s, req, next)
	})

	r.Register(protocol.MethodConfigPatch, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Patch    json.RawMessage `json:"patch"`
			BaseHash string          `json:"baseHash"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || len(p.Patch) == 0 {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "patch is required")
		}
		if resp := checkBaseHash(s, req, p.BaseHash); resp != nil {
			return resp
		}

		// Merge the patch over the current document, then re-parse.
		current, err := s.Config().MarshalDocument()
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "marshal current config failed")
		}
		merged, err := mergeJSON(current, p.Patch)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid patch: "+err.Error())
		}
		next := config.Default()
		if err := json.Unmarshal(merged, next); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "patched config invalid: "+err.Error())
		}
		return applyConfig(s, req, next)
	})

	// config.apply re-reads the file on disk, discarding in-memory drift.
	r.Register(protocol.MethodConfigApply, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		loaded, err := config.Load(s.ConfigPath())
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "reload failed: "+err.Error())
		}
		s.Config().ReplaceFrom(loaded)
		s.BumpHealth()
		slog.Info("config.applied", "path", s.ConfigPath(), "hash", s.Config().Hash())
		return protocol.NewOKResponse(req.ID, map[string]any{"applied": true, "hash": s.Config().Hash()})
	})
}

func checkBaseHash(s *gateway.Server, req *protocol.RequestFrame, baseHash string) *protocol.ResponseFrame {
	if baseHash == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "baseHash is required")
	}
	if current := s.Config().Hash(); baseHash != current {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest,
			"config changed since baseHash, re-read and retry")
	}
	return nil
}

func applyConfig(s *gateway.Server, req *protocol.RequestFrame, next *config.Config) *protocol.ResponseFrame {
	// Secrets never travel through the RPC surface; restore them from env.
	next.ApplyEnvOverrides()
	s.Config().ReplaceFrom(next)
	if path := s.ConfigPath(); path != "" {
		if err := config.Save(path, s.Config()); err != nil {
			slog.Error("config.save_failed", "path", path, "error", err)
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "persist failed: "+err.Error())
		}
	}
	s.BumpHealth()
	slog.Info("config.updated", "hash", s.Config().Hash())
	return protocol.NewOKResponse(req.ID, map[string]any{"updated": true, "hash": s.Config().Hash()})
}

// mergeJSON does a recursive object merge of patch into base. Non-object
// values in the patch replace the base value; null deletes the key.
func mergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	var baseDoc, patchDoc map[string]any
	if err := json.Unmarshal(base, &baseDoc); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, &patchDoc); err != nil {
		return nil, err
	}
	return json.Marshal(mergeMaps(baseDoc, patchDoc))
}

func mergeMaps(base, patch map[string]any) map[string]any {
	for key, pv := range patch {
		if pv == nil {
			delete(base, key)
			continue
		}
		pm, pok := pv.(map[string]any)
		bm, bok := base[key].(map[string]any)
		if pok && bok {
			base[key] = mergeMaps(bm, pm)
			continue
		}
		base[key] = pv
	}
	return base
}
