package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// fakeGateway speaks just enough of the protocol to exercise the client:
// challenge push, connect auth against a fixed token, an echo method that
// interleaves an event before its response, and a method that never replies.
func fakeGateway(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(protocol.NewEvent(protocol.EventConnectChallenge, map[string]any{"nonce": "n-1"}))

		for {
			var req protocol.RequestFrame
			if conn.ReadJSON(&req) != nil {
				return
			}
			switch req.Method {
			case protocol.MethodConnect:
				var p struct {
					Nonce string `json:"nonce"`
					Token string `json:"token"`
				}
				json.Unmarshal(req.Params, &p)
				if p.Nonce != "n-1" || p.Token != "secret" {
					conn.WriteJSON(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "authentication failed"))
					continue
				}
				conn.WriteJSON(protocol.NewOKResponse(req.ID, map[string]any{"protocol": protocol.ProtocolVersion}))
			case "echo":
				conn.WriteJSON(protocol.NewEvent("tick", map[string]any{"n": 1}))
				var params any
				json.Unmarshal(req.Params, &params)
				conn.WriteJSON(protocol.NewOKResponse(req.ID, params))
			case "hang":
				// no response on purpose
			default:
				conn.WriteJSON(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown method"))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialAndCall(t *testing.T) {
	url := fakeGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Options{URL: url, Token: "secret"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	payload, err := c.Call(ctx, "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	m, ok := payload.(map[string]any)
	if !ok || m["msg"] != "hi" {
		t.Fatalf("payload = %#v, want echoed params", payload)
	}

	// The event interleaved before the response reaches the events channel.
	select {
	case ev := <-c.Events():
		if ev.Event != "tick" {
			t.Fatalf("event = %q, want tick", ev.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("interleaved event never delivered")
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	url := fakeGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, Options{URL: url, Token: "wrong"})
	if err == nil {
		t.Fatal("Dial succeeded with a bad token")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.ErrInvalidRequest {
		t.Fatalf("err = %v, want RPCError with INVALID_REQUEST", err)
	}
}

func TestCallErrorCode(t *testing.T) {
	url := fakeGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Options{URL: url, Token: "secret"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, err = c.Call(ctx, "no.such.method", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.ErrNotFound {
		t.Fatalf("err = %v, want RPCError with NOT_FOUND", err)
	}
}

func TestCallHonorsContext(t *testing.T) {
	url := fakeGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Options{URL: url, Token: "secret"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	callCtx, callCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer callCancel()
	if _, err := c.Call(callCtx, "hang", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
