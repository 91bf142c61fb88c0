package methods_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/agents"
	"github.com/nextlevelbuilder/clawgate/internal/alerts"
	"github.com/nextlevelbuilder/clawgate/internal/approvals"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/cron"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/gateway/methods"
	"github.com/nextlevelbuilder/clawgate/internal/lanes"
	"github.com/nextlevelbuilder/clawgate/internal/logging"
	"github.com/nextlevelbuilder/clawgate/internal/nodes"
	"github.com/nextlevelbuilder/clawgate/internal/pairing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/internal/trace"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

const testToken = "test-token"

// echoRunner stands in for the agent loop.
type echoRunner struct{}

func (echoRunner) ProcessDirect(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	if req.OnDelta != nil {
		req.OnDelta("echo: ")
	}
	return &agent.RunResult{Content: "echo: " + req.Message, InputTokens: 3, OutputTokens: 5}, nil
}

type testEnv struct {
	server    *gateway.Server
	addr      string
	slots     store.SlotStore
	nodePairs *pairing.NodeStore
}

func startTestGateway(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Gateway.Token = testToken
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.Sessions = t.TempDir()

	slots := store.NewMemoryStore()
	msgBus := bus.New()
	emit := func(name string, payload any) {
		msgBus.Broadcast(bus.Event{Name: name, Payload: payload})
	}
	nodePairs := pairing.NewNodeStore(slots, msgBus)

	s := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		ConfigPath: filepath.Join(t.TempDir(), "config.json"),
		Bus:        msgBus,
		Slots:      slots,
		Lanes:      lanes.NewQueue(2, emit),
		Approvals:  approvals.New(slots, emit, msgBus, nil),
		Policies:   approvals.NewPolicyStore(slots),
		Nodes:      nodes.NewRegistry(nil, nil),
		NodePairs:  nodePairs,
		Devices:    pairing.NewDeviceStore(slots, msgBus),
		Sessions:   sessions.NewStore(cfg.SessionsDir()),
		Cron:       cron.NewService(slots, msgBus),
		Traces:     trace.NewRecorder(slots, 2000),
		Alerts:     alerts.NewEngine(alerts.NewLifecycleStore(slots)),
		Runner:     echoRunner{},
		Aborts:     agent.NewAbortRegistry(),
		Agents:     agents.NewStore(t.TempDir()),
		LogTail:    logging.NewRing(100, slog.NewTextHandler(io.Discard, nil)),
	})
	methods.RegisterAll(s)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := gateway.StartTestServer(ctx, s)
	start()

	return &testEnv{server: s, addr: addr, slots: slots, nodePairs: nodePairs}
}

func dialGateway(t *testing.T, addr string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	for {
		var frame struct {
			Type    string `json:"type"`
			Event   string `json:"event"`
			Payload struct {
				Nonce string `json:"nonce"`
			} `json:"payload"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("awaiting challenge: %v", err)
		}
		if frame.Type == protocol.FrameTypeEvent && frame.Event == protocol.EventConnectChallenge {
			return conn, frame.Payload.Nonce
		}
	}
}

// rpc issues one request and reads frames until its response arrives.
func rpc(t *testing.T, conn *websocket.Conn, id, method string, params any) *protocol.ResponseFrame {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}

	for {
		var frame json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read waiting for %s response: %v", method, err)
		}
		var probe struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if json.Unmarshal(frame, &probe) != nil {
			continue
		}
		if probe.Type != protocol.FrameTypeResponse || probe.ID != id {
			continue
		}
		var res protocol.ResponseFrame
		if err := json.Unmarshal(frame, &res); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		return &res
	}
}

func connectOperator(t *testing.T, conn *websocket.Conn, nonce string, scopes []string) *protocol.ResponseFrame {
	t.Helper()
	return rpc(t, conn, "connect-1", protocol.MethodConnect, map[string]any{
		"role":     protocol.RoleOperator,
		"clientId": "test-client",
		"nonce":    nonce,
		"token":    testToken,
		"scopes":   scopes,
	})
}

func TestConnectRejectsBadNonce(t *testing.T) {
	env := startTestGateway(t)
	conn, _ := dialGateway(t, env.addr)

	res := rpc(t, conn, "c1", protocol.MethodConnect, map[string]any{
		"role": protocol.RoleOperator, "nonce": "bogus", "token": testToken,
	})
	if res.OK || res.Error.Code != protocol.ErrInvalidRequest {
		t.Fatalf("res = %+v, want INVALID_REQUEST", res)
	}
}

func TestConnectRejectsBadToken(t *testing.T) {
	env := startTestGateway(t)
	conn, nonce := dialGateway(t, env.addr)

	res := rpc(t, conn, "c1", protocol.MethodConnect, map[string]any{
		"role": protocol.RoleOperator, "nonce": nonce, "token": "wrong",
	})
	if res.OK {
		t.Fatal("connect succeeded with a wrong token")
	}
}

func TestMethodBeforeConnectIsRejected(t *testing.T) {
	env := startTestGateway(t)
	conn, _ := dialGateway(t, env.addr)

	res := rpc(t, conn, "h1", protocol.MethodHealth, map[string]any{})
	if res.OK {
		t.Fatal("health served before connect")
	}
}

func TestConnectSnapshotAndHealth(t *testing.T) {
	env := startTestGateway(t)
	conn, nonce := dialGateway(t, env.addr)

	res := connectOperator(t, conn, nonce, nil)
	if !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}
	snapshot, ok := res.Payload.(map[string]any)
	if !ok {
		t.Fatalf("snapshot payload is %T", res.Payload)
	}
	methodList, _ := snapshot["methods"].([]any)
	if len(methodList) < 50 {
		t.Fatalf("snapshot lists %d methods, want the full surface", len(methodList))
	}
	if _, present := snapshot["health"]; !present {
		t.Fatal("snapshot missing health block")
	}

	hres := rpc(t, conn, "h1", protocol.MethodHealth, map[string]any{})
	if !hres.OK {
		t.Fatalf("health failed: %+v", hres.Error)
	}
	health := hres.Payload.(map[string]any)
	if health["protocol"].(float64) != protocol.ProtocolVersion {
		t.Fatalf("health protocol = %v", health["protocol"])
	}
}

func TestScopeIntersectionDeniesUnrequested(t *testing.T) {
	env := startTestGateway(t)
	conn, nonce := dialGateway(t, env.addr)

	// Requesting only read leaves write methods out of reach.
	if res := connectOperator(t, conn, nonce, []string{protocol.ScopeRead}); !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}
	res := rpc(t, conn, "s1", protocol.MethodChatSend, map[string]any{"message": "hi"})
	if res.OK {
		t.Fatal("write method served to a read-only client")
	}
	if res := rpc(t, conn, "s2", protocol.MethodLanesList, map[string]any{}); !res.OK {
		t.Fatalf("read method denied: %+v", res.Error)
	}
}

func TestAdminMethodsNeedAdminScope(t *testing.T) {
	env := startTestGateway(t)
	conn, nonce := dialGateway(t, env.addr)

	// Default scopes carry read/write/approvals/pairing but not admin.
	if res := connectOperator(t, conn, nonce, nil); !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}
	res := rpc(t, conn, "u1", protocol.MethodUpdateRun, map[string]any{})
	if res.OK {
		t.Fatal("admin-only method served without operator.admin")
	}
}

func TestChatSendRunsToCompletion(t *testing.T) {
	env := startTestGateway(t)
	conn, nonce := dialGateway(t, env.addr)
	if res := connectOperator(t, conn, nonce, nil); !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}

	res := rpc(t, conn, "chat-1", protocol.MethodChatSend, map[string]any{
		"message":     "hello",
		"agentId":     "main",
		"expectFinal": true,
		"timeoutMs":   5000,
	})
	if !res.OK {
		t.Fatalf("chat.send failed: %+v", res.Error)
	}
	payload := res.Payload.(map[string]any)
	run, _ := payload["run"].(map[string]any)
	if run["status"] != string(lanes.StatusOK) {
		t.Fatalf("run = %+v, want status ok", run)
	}
	result, _ := run["result"].(map[string]any)
	if result["content"] != "echo: hello" {
		t.Fatalf("result = %+v", result)
	}

	// The run landed in session history.
	hres := rpc(t, conn, "hist-1", protocol.MethodChatHistory, map[string]any{
		"sessionKey": payload["sessionKey"],
	})
	if !hres.OK {
		t.Fatalf("chat.history failed: %+v", hres.Error)
	}
	msgs, _ := hres.Payload.(map[string]any)["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want user + assistant", len(msgs))
	}
}

func TestUnpairedNodeConnectRejected(t *testing.T) {
	env := startTestGateway(t)
	conn, nonce := dialGateway(t, env.addr)

	res := rpc(t, conn, "n1", protocol.MethodConnect, map[string]any{
		"role":      protocol.RoleNode,
		"nonce":     nonce,
		"token":     testToken,
		"nodeId":    "node-1",
		"nodeToken": "not-a-real-token",
	})
	if res.OK || res.Error.Code != protocol.ErrNotPaired {
		t.Fatalf("res = %+v, want NOT_PAIRED", res)
	}
}

func TestPairedNodeConnectsAndRegisters(t *testing.T) {
	env := startTestGateway(t)
	ctx := context.Background()

	if _, err := env.nodePairs.Request(ctx, pairing.NodePairRequest{NodeID: "node-1", Platform: "linux"}); err != nil {
		t.Fatalf("pair request: %v", err)
	}
	_, rawToken, err := env.nodePairs.Approve(ctx, "node-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	conn, nonce := dialGateway(t, env.addr)
	res := rpc(t, conn, "n1", protocol.MethodConnect, map[string]any{
		"role":      protocol.RoleNode,
		"nonce":     nonce,
		"token":     testToken,
		"nodeId":    "node-1",
		"nodeToken": rawToken,
		"platform":  "linux",
		"caps":      []string{"browser.proxy"},
		"commands":  []string{"browser.proxy"},
	})
	if !res.OK {
		t.Fatalf("paired node connect failed: %+v", res.Error)
	}
	if _, ok := env.server.Nodes().Get("node-1"); !ok {
		t.Fatal("node session not registered")
	}

	// Node role cannot reach operator methods.
	if cres := rpc(t, conn, "n2", protocol.MethodConfigGet, map[string]any{}); cres.OK {
		t.Fatal("node role served an operator method")
	}
}

func TestStatusIncludesAlertSummary(t *testing.T) {
	env := startTestGateway(t)
	env.server.Alerts().RegisterGatherer("probe", func(context.Context) []alerts.RawAlert {
		return []alerts.RawAlert{
			{Source: "channels", Category: "availability", Code: "CHANNELS_UNAVAILABLE_ALL", Level: alerts.LevelCritical, Priority: 90},
			{Source: "cron", Category: "jobs", Code: "CRON_JOB_FAILING", Level: alerts.LevelWarning, Priority: 40},
		}
	})

	conn, nonce := dialGateway(t, env.addr)
	if res := connectOperator(t, conn, nonce, nil); !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}

	res := rpc(t, conn, "st1", protocol.MethodStatus, map[string]any{})
	if !res.OK {
		t.Fatalf("status failed: %+v", res.Error)
	}
	payload := res.Payload.(map[string]any)
	summary, ok := payload["alertsSummary"].(map[string]any)
	if !ok {
		t.Fatalf("status payload lacks alertsSummary: %v", payload)
	}
	if summary["total"].(float64) != 2 {
		t.Fatalf("summary total = %v, want 2", summary["total"])
	}
	if summary["critical"].(float64) != 1 || summary["warning"].(float64) != 1 {
		t.Fatalf("summary levels = %v", summary)
	}
	bySource := summary["bySource"].(map[string]any)
	if bySource["channels"].(float64) != 1 || bySource["cron"].(float64) != 1 {
		t.Fatalf("summary bySource = %v", bySource)
	}
}

func TestBrowserRequestHTTPFallback(t *testing.T) {
	env := startTestGateway(t)

	var gotMethod, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"snapshot":"ok"}`))
	}))
	t.Cleanup(ts.Close)
	env.server.Config().Nodes.BrowserControlURL = ts.URL

	conn, nonce := dialGateway(t, env.addr)
	if res := connectOperator(t, conn, nonce, nil); !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}

	res := rpc(t, conn, "b1", protocol.MethodBrowserRequest, map[string]any{
		"method": "GET", "path": "/snapshot",
	})
	if !res.OK {
		t.Fatalf("browser.request failed: %+v", res.Error)
	}
	if gotMethod != http.MethodGet || gotPath != "/snapshot" {
		t.Fatalf("control URL saw %s %s, want GET /snapshot", gotMethod, gotPath)
	}
	result := res.Payload.(map[string]any)["result"].(map[string]any)
	if result["snapshot"] != "ok" {
		t.Fatalf("result = %v", result)
	}
}

func TestAgentAndChatSendAdmissionStatusesDiffer(t *testing.T) {
	env := startTestGateway(t)
	conn, nonce := dialGateway(t, env.addr)
	if res := connectOperator(t, conn, nonce, nil); !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}

	ares := rpc(t, conn, "a1", protocol.MethodAgent, map[string]any{
		"message": "hi", "sessionKey": "s-agent", "idempotencyKey": "run-agent",
	})
	if !ares.OK {
		t.Fatalf("agent failed: %+v", ares.Error)
	}
	if status := ares.Payload.(map[string]any)["status"]; status != "accepted" {
		t.Fatalf("agent admission status = %v, want accepted", status)
	}

	cres := rpc(t, conn, "c1", protocol.MethodChatSend, map[string]any{
		"message": "hi", "sessionKey": "s-chat", "idempotencyKey": "run-chat",
	})
	if !cres.OK {
		t.Fatalf("chat.send failed: %+v", cres.Error)
	}
	if status := cres.Payload.(map[string]any)["status"]; status != "started" {
		t.Fatalf("chat.send admission status = %v, want started", status)
	}
}

func TestAbortOnFinishedRunIsNotFound(t *testing.T) {
	env := startTestGateway(t)
	conn, nonce := dialGateway(t, env.addr)
	if res := connectOperator(t, conn, nonce, nil); !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}

	res := rpc(t, conn, "c1", protocol.MethodChatSend, map[string]any{
		"message":        "quick",
		"sessionKey":     "s-abort",
		"idempotencyKey": "run-finished",
		"expectFinal":    true,
		"timeoutMs":      5000,
	})
	if !res.OK {
		t.Fatalf("chat.send failed: %+v", res.Error)
	}

	ares := rpc(t, conn, "ab1", protocol.MethodChatAbort, map[string]any{
		"runId": "run-finished",
	})
	if ares.OK {
		t.Fatal("abort of a finished run must fail")
	}
	if ares.Error.Code != protocol.ErrNotFound {
		t.Fatalf("abort error code = %s, want NOT_FOUND", ares.Error.Code)
	}
	if env.server.Aborts().Requested("run-finished") {
		t.Fatal("abort flag leaked for a finished run")
	}
}
