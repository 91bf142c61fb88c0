package gateway

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestShadowCompareLogsDivergence(t *testing.T) {
	buf := captureLogs(t)

	sh := NewShadowComparator([]string{"agents.list"})
	sh.RegisterLegacy("agents.list", func(ctx context.Context, client *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{"agents": []string{"legacy"}})
	})

	req := &protocol.RequestFrame{ID: "1", Method: "agents.list"}
	primary := protocol.NewOKResponse("1", map[string]any{"agents": []string{"primary"}})
	sh.Compare(context.Background(), nil, req, primary)

	if !bytes.Contains(buf.Bytes(), []byte("shadow_diverged")) {
		t.Fatalf("expected divergence log, got %q", buf.String())
	}
}

func TestShadowCompareAgreementIsSilent(t *testing.T) {
	buf := captureLogs(t)

	sh := NewShadowComparator([]string{"config.get"})
	sh.RegisterLegacy("config.get", func(ctx context.Context, client *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{"hash": "abc"})
	})

	req := &protocol.RequestFrame{ID: "2", Method: "config.get"}
	primary := protocol.NewOKResponse("2", map[string]any{"hash": "abc"})
	sh.Compare(context.Background(), nil, req, primary)

	if bytes.Contains(buf.Bytes(), []byte("shadow_diverged")) {
		t.Fatalf("matching payloads must not log: %q", buf.String())
	}
}

func TestShadowCompareSkipsUnconfiguredMethod(t *testing.T) {
	buf := captureLogs(t)

	sh := NewShadowComparator(nil)
	called := false
	sh.RegisterLegacy("sessions.list", func(ctx context.Context, client *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		called = true
		return protocol.NewOKResponse(req.ID, nil)
	})

	req := &protocol.RequestFrame{ID: "3", Method: "sessions.list"}
	sh.Compare(context.Background(), nil, req, protocol.NewOKResponse("3", map[string]any{}))

	if called {
		t.Fatal("legacy path ran for a method not in shadow_methods")
	}
	if buf.Len() != 0 {
		t.Fatalf("unexpected log output: %q", buf.String())
	}
}
