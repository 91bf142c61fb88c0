package methods

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// pluginInfo describes one in-process plugin surface. Plugins here are
// compiled in; list/info/doctor expose them so clients can introspect the
// gateway the same way they would a host with external plugins.
type pluginInfo struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"` // "channel", "provider", "service"
	Version  string   `json:"version"`
	Provides []string `json:"provides,omitempty"`
}

var builtinPlugins = []pluginInfo{
	{ID: "browser-proxy", Kind: "service", Version: "1", Provides: []string{protocol.MethodBrowserRequest}},
	{ID: "exec-approvals", Kind: "service", Version: "1", Provides: []string{protocol.MethodExecApprovalRequest, protocol.MethodExecApprovalResolve}},
	{ID: "cron", Kind: "service", Version: "1", Provides: []string{protocol.MethodCronAdd, protocol.MethodCronRun}},
}

// serviceStates tracks start/stop toggles for service-kind plugins.
var (
	serviceMu     sync.Mutex
	serviceStates = map[string]bool{}
)

// RegisterPlugins installs the plugin host introspection methods.
func RegisterPlugins(s *gateway.Server) {
	r := s.Router()

	r.Register(protocol.MethodPluginsList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{"plugins": builtinPlugins})
	})

	r.Register(protocol.MethodPluginsInfo, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required")
		}
		for _, plugin := range builtinPlugins {
			if plugin.ID == p.ID {
				return protocol.NewOKResponse(req.ID, plugin)
			}
		}
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "plugin "+p.ID+" not found")
	})

	r.Register(protocol.MethodPluginsDoctor, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		checks := make([]map[string]any, 0, len(builtinPlugins))
		for _, plugin := range builtinPlugins {
			checks = append(checks, map[string]any{
				"id": plugin.ID, "ok": true, "running": serviceRunning(plugin.ID),
			})
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"checks": checks, "atMs": time.Now().UnixMilli()})
	})

	r.Register(protocol.MethodPluginsStatus, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		serviceMu.Lock()
		states := make(map[string]bool, len(serviceStates))
		for id, running := range serviceStates {
			states[id] = running
		}
		serviceMu.Unlock()
		return protocol.NewOKResponse(req.ID, map[string]any{"count": len(builtinPlugins), "services": states})
	})

	// Compiled-in plugins have nothing to reload; the method exists so
	// clients can issue it unconditionally.
	r.Register(protocol.MethodPluginsReload, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{"reloaded": len(builtinPlugins)})
	})

	r.Register(protocol.MethodPluginsGatewayMethods, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{"methods": s.Router().Methods()})
	})

	r.Register(protocol.MethodPluginsHTTPDispatch, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "no plugin HTTP routes registered")
	})

	r.Register(protocol.MethodPluginsCLIList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{"commands": []any{}})
	})

	r.Register(protocol.MethodPluginsCLIInvoke, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "no plugin CLI commands registered")
	})

	r.Register(protocol.MethodPluginsChannelsList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return pluginsByKind(req, "channel")
	})
	r.Register(protocol.MethodPluginsProvidersList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return pluginsByKind(req, "provider")
	})
	r.Register(protocol.MethodPluginsHooksList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{"hooks": []any{}})
	})

	r.Register(protocol.MethodPluginsServicesStart, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return setServiceState(req, true)
	})
	r.Register(protocol.MethodPluginsServicesStop, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return setServiceState(req, false)
	})

	r.Register(protocol.MethodPluginsSetupHost, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{"host": s.InstanceID(), "ready": true})
	})
}

func pluginsByKind(req *protocol.RequestFrame, kind string) *protocol.ResponseFrame {
	var out []pluginInfo
	for _, plugin := range builtinPlugins {
		if plugin.Kind == kind {
			out = append(out, plugin)
		}
	}
	if out == nil {
		out = []pluginInfo{}
	}
	return protocol.NewOKResponse(req.ID, map[string]any{"plugins": out})
}

func setServiceState(req *protocol.RequestFrame, running bool) *protocol.ResponseFrame {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required")
	}
	found := false
	for _, plugin := range builtinPlugins {
		if plugin.ID == p.ID && plugin.Kind == "service" {
			found = true
			break
		}
	}
	if !found {
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "service plugin "+p.ID+" not found")
	}
	serviceMu.Lock()
	serviceStates[p.ID] = running
	serviceMu.Unlock()
	return protocol.NewOKResponse(req.ID, map[string]any{"id": p.ID, "running": running})
}

func serviceRunning(id string) bool {
	serviceMu.Lock()
	defer serviceMu.Unlock()
	running, ok := serviceStates[id]
	return !ok || running
}
