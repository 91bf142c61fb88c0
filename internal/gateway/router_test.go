package gateway

import (
	"testing"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

func testClient(state ClientState, role string, scopes ...string) *Client {
	c := &Client{state: state, role: role, scopes: make(map[string]bool)}
	for _, s := range scopes {
		c.scopes[s] = true
	}
	return c
}

func authRequest(method string) *protocol.RequestFrame {
	return &protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: "r1", Method: method}
}

func TestAuthorizeRequiresConnect(t *testing.T) {
	s := NewServer(Deps{Config: config.Default()})

	if res := s.router.authorize(testClient(StatePending, ""), authRequest(protocol.MethodHealth)); res == nil {
		t.Fatal("pending client allowed through")
	}
	// connect itself is always reachable.
	if res := s.router.authorize(testClient(StatePending, ""), authRequest(protocol.MethodConnect)); res != nil {
		t.Fatalf("connect blocked: %+v", res.Error)
	}
}

func TestAuthorizeOperatorScopes(t *testing.T) {
	s := NewServer(Deps{Config: config.Default()})

	cases := []struct {
		name   string
		scopes []string
		method string
		wantOK bool
	}{
		{"read scope reads health", []string{protocol.ScopeRead}, protocol.MethodHealth, true},
		{"read scope cannot send chat", []string{protocol.ScopeRead}, protocol.MethodChatSend, false},
		{"write scope sends chat", []string{protocol.ScopeWrite}, protocol.MethodChatSend, true},
		{"write scope cannot set config", []string{protocol.ScopeWrite}, protocol.MethodConfigSet, false},
		{"admin satisfies everything", []string{protocol.ScopeAdmin}, protocol.MethodConfigSet, true},
		{"pairing scope approves devices", []string{protocol.ScopePairing}, protocol.MethodDevicePairApprove, true},
		{"approvals scope cannot pair", []string{protocol.ScopeApprovals}, protocol.MethodDevicePairApprove, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testClient(StateConnected, protocol.RoleOperator, tc.scopes...)
			res := s.router.authorize(c, authRequest(tc.method))
			if gotOK := res == nil; gotOK != tc.wantOK {
				t.Fatalf("authorize(%s) allowed=%v, want %v", tc.method, gotOK, tc.wantOK)
			}
		})
	}
}

func TestAuthorizeNodeRole(t *testing.T) {
	s := NewServer(Deps{Config: config.Default()})
	c := testClient(StateConnected, protocol.RoleNode)

	if res := s.router.authorize(c, authRequest(protocol.MethodNodeInvokeResult)); res != nil {
		t.Fatalf("node blocked from node.invoke.result: %+v", res.Error)
	}
	if res := s.router.authorize(c, authRequest(protocol.MethodExecApprovalRequest)); res != nil {
		t.Fatalf("node blocked from exec.approval.request: %+v", res.Error)
	}
	if res := s.router.authorize(c, authRequest(protocol.MethodConfigGet)); res == nil {
		t.Fatal("node allowed to read config")
	}
}

func TestAuthorizeCanaryAllowlist(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.CanaryMethods = []string{protocol.MethodChatSend}
	s := NewServer(Deps{Config: cfg})
	c := testClient(StateConnected, protocol.RoleOperator, protocol.ScopeAdmin)

	if res := s.router.authorize(c, authRequest(protocol.MethodChatSend)); res != nil {
		t.Fatalf("canary method blocked: %+v", res.Error)
	}
	if res := s.router.authorize(c, authRequest(protocol.MethodCronAdd)); res == nil {
		t.Fatal("non-canary method allowed")
	}
	// health/status bypass the canary restriction.
	if res := s.router.authorize(c, authRequest(protocol.MethodHealth)); res != nil {
		t.Fatalf("always-allowed method blocked: %+v", res.Error)
	}
}
