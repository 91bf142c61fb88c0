package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// HandlerFunc serves one method. It returns the response frame to deliver;
// a nil return means the handler already responded (or chose not to).
type HandlerFunc func(ctx context.Context, client *Client, req *protocol.RequestFrame) *protocol.ResponseFrame

// MethodRouter maps method names to handlers and runs the authorization
// gate in front of every dispatch.
type MethodRouter struct {
	server   *Server
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewMethodRouter(server *Server) *MethodRouter {
	return &MethodRouter{
		server:   server,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register installs a handler. Later registrations for the same method
// replace earlier ones.
func (r *MethodRouter) Register(method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Methods lists the registered method names (for the connect snapshot).
func (r *MethodRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	return out
}

// Dispatch authorizes and runs one request. Panics are contained here and
// surface as INTERNAL_ERROR with a sanitized message.
func (r *MethodRouter) Dispatch(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("gateway.handler_panic", "method", req.Method, "conn", client.ID(), "panic", rec)
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "internal error"))
		}
	}()

	if errRes := r.authorize(client, req); errRes != nil {
		client.SendResponse(errRes)
		return
	}

	r.mu.RLock()
	handler := r.handlers[req.Method]
	r.mu.RUnlock()
	if handler == nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID,
			protocol.ErrInvalidRequest, fmt.Sprintf("unknown method: %s", req.Method)))
		return
	}

	res := handler(ctx, client, req)
	if res != nil {
		r.server.shadow.Compare(ctx, client, req, res)
		client.SendResponse(res)
	}
}

func (r *MethodRouter) authorize(client *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	method := req.Method
	if method == protocol.MethodConnect {
		return nil
	}

	if client.State() != StateConnected {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "not connected: connect first")
	}

	// Canary restriction, when configured, narrows the callable surface.
	canary := r.server.cfg.GatewaySection().CanaryMethods
	if len(canary) > 0 && !protocol.AlwaysAllowedMethods[method] {
		allowed := false
		for _, m := range canary {
			if m == method {
				allowed = true
				break
			}
		}
		if !allowed {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest,
				fmt.Sprintf("method %s not in canary allowlist", method))
		}
	}

	switch client.Role() {
	case protocol.RoleNode:
		if !protocol.NodeRoleMethods[method] {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest,
				fmt.Sprintf("method %s not available to node role", method))
		}
	case protocol.RoleOperator:
		scope := protocol.RequiredScope(method)
		if !client.HasScope(scope) {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest,
				fmt.Sprintf("missing scope %s", scope))
		}
	default:
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "unknown role")
	}
	return nil
}
