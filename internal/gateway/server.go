// Package gateway is the control-plane RPC server: a duplex framed-JSON
// protocol over WebSocket with per-connection auth state, a method router
// with scope gating, and filtered event broadcast.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/agents"
	"github.com/nextlevelbuilder/clawgate/internal/alerts"
	"github.com/nextlevelbuilder/clawgate/internal/approvals"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/cron"
	"github.com/nextlevelbuilder/clawgate/internal/lanes"
	"github.com/nextlevelbuilder/clawgate/internal/logging"
	"github.com/nextlevelbuilder/clawgate/internal/nodes"
	"github.com/nextlevelbuilder/clawgate/internal/pairing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/internal/trace"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// Deps carries the server's collaborators. All fields except Config and
// Bus are optional for tests; nil deps disable the methods that need them.
type Deps struct {
	Config     *config.Config
	ConfigPath string
	Bus        *bus.MessageBus
	Slots      store.SlotStore
	Lanes      *lanes.Queue
	Approvals  *approvals.Coordinator
	Policies   *approvals.PolicyStore
	Nodes      *nodes.Registry
	NodePairs  *pairing.NodeStore
	Devices    *pairing.DeviceStore
	Sessions   *sessions.Store
	Cron       *cron.Service
	Traces     *trace.Recorder
	Alerts     *alerts.Engine
	Runner     agent.Runner
	Aborts     *agent.AbortRegistry
	Agents     *agents.Store
	LogTail    *logging.Ring
}

// Server is the gateway process: one WebSocket listener, one client table.
type Server struct {
	cfg  *config.Config
	deps Deps

	instanceID string
	startedAt  time.Time

	router      *MethodRouter
	shadow      *ShadowComparator
	rateLimiter *RateLimiter
	presence    *PresenceTracker
	accept      *rate.Limiter
	upgrader    websocket.Upgrader

	healthVersion atomic.Int64

	mu      sync.RWMutex
	clients map[string]*Client

	walletMu  sync.RWMutex
	walletKey []byte

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(deps Deps) *Server {
	cfg := deps.Config
	s := &Server{
		cfg:        cfg,
		deps:       deps,
		instanceID: "gateway-" + uuid.NewString()[:8],
		startedAt:  time.Now(),
		clients:    make(map[string]*Client),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	rl := cfg.Gateway.RateLimit
	s.rateLimiter = NewRateLimiter(rl.Window(), rl.Attempts(), rl.Lockout(), rl.LoopbackExempt())
	s.presence = NewPresenceTracker(cfg.Presence.TTL(), cfg.Presence.Max())
	s.shadow = NewShadowComparator(cfg.Gateway.ShadowMethods)
	if cfg.Gateway.AcceptRPS > 0 {
		s.accept = rate.NewLimiter(rate.Limit(cfg.Gateway.AcceptRPS), int(cfg.Gateway.AcceptRPS)+1)
	}
	s.router = NewMethodRouter(s)

	host, _ := os.Hostname()
	s.presence.PinSelf(s.instanceID, host, fmt.Sprintf("protocol-%d", protocol.ProtocolVersion))

	if deps.Bus != nil {
		deps.Bus.Subscribe("gateway:"+s.instanceID, func(event bus.Event) {
			if strings.HasPrefix(event.Name, "cache.") {
				return
			}
			s.BroadcastEvent(event.Name, event.Payload)
		})
	}
	return s
}

// Accessors used by method handlers.
func (s *Server) Config() *config.Config            { return s.cfg }
func (s *Server) ConfigPath() string                { return s.deps.ConfigPath }
func (s *Server) Bus() *bus.MessageBus              { return s.deps.Bus }
func (s *Server) Slots() store.SlotStore            { return s.deps.Slots }
func (s *Server) Lanes() *lanes.Queue               { return s.deps.Lanes }
func (s *Server) Approvals() *approvals.Coordinator { return s.deps.Approvals }
func (s *Server) Policies() *approvals.PolicyStore  { return s.deps.Policies }
func (s *Server) Nodes() *nodes.Registry            { return s.deps.Nodes }
func (s *Server) NodePairs() *pairing.NodeStore     { return s.deps.NodePairs }
func (s *Server) Devices() *pairing.DeviceStore     { return s.deps.Devices }
func (s *Server) Sessions() *sessions.Store         { return s.deps.Sessions }
func (s *Server) Cron() *cron.Service               { return s.deps.Cron }
func (s *Server) Traces() *trace.Recorder           { return s.deps.Traces }
func (s *Server) Alerts() *alerts.Engine            { return s.deps.Alerts }
func (s *Server) Runner() agent.Runner              { return s.deps.Runner }
func (s *Server) Aborts() *agent.AbortRegistry      { return s.deps.Aborts }
func (s *Server) Agents() *agents.Store             { return s.deps.Agents }
func (s *Server) LogTail() *logging.Ring            { return s.deps.LogTail }
func (s *Server) Router() *MethodRouter             { return s.router }
func (s *Server) Shadow() *ShadowComparator         { return s.shadow }
func (s *Server) RateLimiter() *RateLimiter         { return s.rateLimiter }
func (s *Server) Presence() *PresenceTracker        { return s.presence }
func (s *Server) InstanceID() string                { return s.instanceID }
func (s *Server) StartedAt() time.Time              { return s.startedAt }

// SetWalletKey holds the unlocked default-wallet key in process memory.
func (s *Server) SetWalletKey(key []byte) {
	s.walletMu.Lock()
	defer s.walletMu.Unlock()
	s.walletKey = key
}

// WalletUnlocked reports whether a wallet key is held in memory.
func (s *Server) WalletUnlocked() bool {
	s.walletMu.RLock()
	defer s.walletMu.RUnlock()
	return len(s.walletKey) > 0
}

// StateVersion is stamped on every outbound event.
func (s *Server) StateVersion() protocol.StateVersion {
	return protocol.StateVersion{
		Presence: s.presence.Version(),
		Health:   int(s.healthVersion.Load()),
	}
}

// BumpHealth advances the health state version (alert snapshot changed,
// channel status changed).
func (s *Server) BumpHealth() { s.healthVersion.Add(1) }

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.GatewaySection().AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	gw := s.cfg.GatewaySection()
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway.starting", "addr", addr, "protocol", protocol.ProtocolVersion)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.accept != nil && !s.accept.Allow() {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade_failed", "error", err)
		return
	}

	ip, _, splitErr := net.SplitHostPort(r.RemoteAddr)
	if splitErr != nil {
		ip = r.RemoteAddr
	}

	client := NewClient(conn, s, ip)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d,"uptimeSec":%d}`,
		protocol.ProtocolVersion, int(time.Since(s.startedAt).Seconds()))
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.presence.Register(c.id, "connect")
	slog.Info("gateway.client_connected", "conn", c.id, "ip", c.remoteIP)
}

// unregisterClient runs the disconnect cascade: client table, presence,
// node session and its chat subscriptions.
func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.presence.Remove(c.id)
	if s.deps.Nodes != nil {
		s.deps.Nodes.UnregisterByConnID(c.id)
	}
	slog.Info("gateway.client_disconnected", "conn", c.id)
}

// ClientByID looks up a live connection.
func (s *Server) ClientByID(id string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	return c, ok
}

// BroadcastEvent delivers an event to every connected operator whose
// scopes permit it. Connections that fail to write are culled.
func (s *Server) BroadcastEvent(name string, payload any) {
	requiredScope := protocol.EventScopeRequirements[name]

	s.mu.RLock()
	targets := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.State() != StateConnected || c.Role() != protocol.RoleOperator {
			continue
		}
		if requiredScope != "" && !c.HasScope(requiredScope) {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	var dead []*Client
	for _, c := range targets {
		if err := c.SendEvent(protocol.NewEvent(name, payload)); err != nil {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		s.unregisterClient(c)
		c.Close()
	}
}

// BroadcastChat delivers a chat event to operators and fans it out to
// nodes subscribed to the sessionKey.
func (s *Server) BroadcastChat(sessionKey string, payload any) {
	s.BroadcastEvent(protocol.EventChat, payload)

	if s.deps.Nodes == nil {
		return
	}
	for _, sender := range s.deps.Nodes.SubscribersFor(sessionKey) {
		if ev, ok := sender.(interface {
			SendEvent(*protocol.EventFrame) error
		}); ok {
			ev.SendEvent(protocol.NewEvent(protocol.EventChat, payload))
		}
	}
}

// RunTicker emits the periodic tick event until the context is cancelled.
func (s *Server) RunTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.BroadcastEvent(protocol.EventTick, map[string]any{
				"uptimeSec": int(time.Since(s.startedAt).Seconds()),
			})
		}
	}
}

// StartTestServer listens on a random loopback port for integration tests.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func()) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.httpServer.Serve(ln)
	}
	return addr, start
}
