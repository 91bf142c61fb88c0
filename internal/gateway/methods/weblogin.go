package methods

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// webLoginState is the persisted web-login attempt. The channel worker
// drives it from pending to connected (or failed) out of band; the gateway
// only records the attempt and lets clients wait on the outcome.
type webLoginState struct {
	LoginID     string `json:"loginId"`
	Channel     string `json:"channel"`
	Status      string `json:"status"` // "pending", "connected", "failed"
	QR          string `json:"qr,omitempty"`
	Error       string `json:"error,omitempty"`
	StartedAtMs int64  `json:"startedAtMs"`
	UpdatedAtMs int64  `json:"updatedAtMs,omitempty"`
}

// RegisterWebLogin installs the QR web-login methods.
func RegisterWebLogin(s *gateway.Server) {
	r := s.Router()

	r.Register(protocol.MethodWebLoginStart, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Channel string `json:"channel,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		if p.Channel == "" {
			p.Channel = "whatsapp"
		}
		state := webLoginState{
			LoginID:     uuid.NewString(),
			Channel:     p.Channel,
			Status:      "pending",
			StartedAtMs: time.Now().UnixMilli(),
		}
		if err := s.Slots().Set(ctx, store.SlotWhatsappLogin, state); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "persist failed")
		}
		return protocol.NewOKResponse(req.ID, state)
	})

	// web.login.wait polls the login slot until it leaves pending or the
	// timeout elapses. The QR may appear while still pending; the first
	// poll that carries one returns early so clients can display it.
	r.Register(protocol.MethodWebLoginWait, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			LoginID   string `json:"loginId"`
			TimeoutMs int    `json:"timeoutMs,omitempty"`
			WaitForQR bool   `json:"waitForQr,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.LoginID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "loginId is required")
		}
		timeout := time.Duration(p.TimeoutMs) * time.Millisecond
		if timeout <= 0 || timeout > 5*time.Minute {
			timeout = 60 * time.Second
		}
		deadline := time.Now().Add(timeout)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			var state webLoginState
			found, _ := s.Slots().Get(ctx, store.SlotWhatsappLogin, &state)
			if !found || state.LoginID != p.LoginID {
				return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "login attempt not found")
			}
			if state.Status != "pending" || (p.WaitForQR && state.QR != "") {
				return protocol.NewOKResponse(req.ID, state)
			}
			if time.Now().After(deadline) {
				return protocol.NewOKResponse(req.ID, state)
			}
			select {
			case <-ctx.Done():
				return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, ctx.Err().Error())
			case <-ticker.C:
			}
		}
	})
}
