package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// ShadowComparator runs a legacy code path next to the primary handler for
// a configured set of read methods and logs divergences. The primary
// response is always the one delivered; shadow results never leak out.
type ShadowComparator struct {
	mu      sync.RWMutex
	enabled map[string]bool
	legacy  map[string]HandlerFunc
}

func NewShadowComparator(methods []string) *ShadowComparator {
	enabled := make(map[string]bool, len(methods))
	for _, m := range methods {
		enabled[m] = true
	}
	return &ShadowComparator{
		enabled: enabled,
		legacy:  make(map[string]HandlerFunc),
	}
}

// RegisterLegacy installs the comparison path for one method.
func (s *ShadowComparator) RegisterLegacy(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacy[method] = h
}

// Compare executes the legacy path when shadowing is enabled for the
// method and both paths produced a payload. Divergence is logged only.
func (s *ShadowComparator) Compare(ctx context.Context, client *Client, req *protocol.RequestFrame, primary *protocol.ResponseFrame) {
	s.mu.RLock()
	h := s.legacy[req.Method]
	on := s.enabled[req.Method]
	s.mu.RUnlock()
	if !on || h == nil || primary == nil || !primary.OK {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("gateway.shadow_panic", "method", req.Method, "panic", rec)
		}
	}()

	legacyRes := h(ctx, client, req)
	if legacyRes == nil || !legacyRes.OK {
		slog.Warn("gateway.shadow_diverged", "method", req.Method, "reason", "legacy path failed")
		return
	}

	a, errA := json.Marshal(primary.Payload)
	b, errB := json.Marshal(legacyRes.Payload)
	if errA != nil || errB != nil {
		return
	}
	if !bytes.Equal(a, b) {
		slog.Warn("gateway.shadow_diverged", "method", req.Method,
			"primaryBytes", len(a), "legacyBytes", len(b))
	}
}
