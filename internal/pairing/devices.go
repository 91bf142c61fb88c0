// Package pairing persists device and node pairing state. Tokens are held
// as hex sha256 digests; the raw token crosses the wire exactly once, on
// creation or rotation.
package pairing

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// TokenRecord tracks one role's token lifecycle for a paired device.
type TokenRecord struct {
	TokenHash   string `json:"tokenHash"`
	CreatedAtMs int64  `json:"createdAtMs"`
	RevokedAtMs int64  `json:"revokedAtMs,omitempty"`
	RotatedAtMs int64  `json:"rotatedAtMs,omitempty"`
}

// PairRequest is a device waiting for operator approval.
type PairRequest struct {
	DeviceID      string `json:"deviceId"`
	DisplayName   string `json:"displayName,omitempty"`
	Role          string `json:"role"`
	RequestedAtMs int64  `json:"requestedAtMs"`
}

// PairedDevice is an approved device and its per-role tokens.
type PairedDevice struct {
	DeviceID    string                 `json:"deviceId"`
	DisplayName string                 `json:"displayName,omitempty"`
	Roles       []string               `json:"roles"`
	Scopes      []string               `json:"scopes,omitempty"`
	Tokens      map[string]TokenRecord `json:"tokens"`
	PairedAtMs  int64                  `json:"pairedAtMs"`
}

type deviceState struct {
	Pending []PairRequest  `json:"pending"`
	Paired  []PairedDevice `json:"paired"`
}

// DeviceStore owns the rpc.device_pairs slot.
type DeviceStore struct {
	mu     sync.Mutex
	slots  store.SlotStore
	events bus.EventPublisher
	now    func() time.Time
}

func NewDeviceStore(slots store.SlotStore, events bus.EventPublisher) *DeviceStore {
	return &DeviceStore{slots: slots, events: events, now: time.Now}
}

// SetClock overrides the time source for tests.
func (d *DeviceStore) SetClock(now func() time.Time) { d.now = now }

// Request records a pending pair request and announces it. A repeated
// request for the same deviceId refreshes the pending entry in place.
func (d *DeviceStore) Request(ctx context.Context, deviceID, displayName, role string) (PairRequest, error) {
	if deviceID == "" {
		return PairRequest{}, fmt.Errorf("deviceId is required")
	}
	if role == "" {
		role = "operator"
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.load(ctx)
	req := PairRequest{
		DeviceID:      deviceID,
		DisplayName:   displayName,
		Role:          role,
		RequestedAtMs: d.now().UnixMilli(),
	}
	replaced := false
	for i := range state.Pending {
		if state.Pending[i].DeviceID == deviceID {
			state.Pending[i] = req
			replaced = true
			break
		}
	}
	if !replaced {
		state.Pending = append(state.Pending, req)
	}
	d.save(ctx, state)

	if d.events != nil {
		d.events.Broadcast(bus.Event{Name: protocol.EventDevicePairRequested, Payload: req})
	}
	return req, nil
}

// List returns the full pair state. Token hashes are digests, never raw.
func (d *DeviceStore) List(ctx context.Context) (pending []PairRequest, paired []PairedDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state := d.load(ctx)
	return append([]PairRequest(nil), state.Pending...), append([]PairedDevice(nil), state.Paired...)
}

// Approve moves a pending request to paired and mints the role token.
// The raw token is returned here and never again.
func (d *DeviceStore) Approve(ctx context.Context, deviceID string, scopes []string) (PairedDevice, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.load(ctx)
	idx := -1
	for i, p := range state.Pending {
		if p.DeviceID == deviceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return PairedDevice{}, "", fmt.Errorf("no pending pair request for %s", deviceID)
	}
	req := state.Pending[idx]
	state.Pending = append(state.Pending[:idx], state.Pending[idx+1:]...)

	raw := newToken()
	nowMs := d.now().UnixMilli()
	if len(scopes) == 0 {
		scopes = append([]string(nil), protocol.DefaultScopes...)
	}
	dev := PairedDevice{
		DeviceID:    req.DeviceID,
		DisplayName: req.DisplayName,
		Roles:       []string{req.Role},
		Scopes:      scopes,
		Tokens: map[string]TokenRecord{
			req.Role: {TokenHash: HashToken(raw), CreatedAtMs: nowMs},
		},
		PairedAtMs: nowMs,
	}

	kept := state.Paired[:0]
	for _, p := range state.Paired {
		if p.DeviceID != deviceID {
			kept = append(kept, p)
		}
	}
	state.Paired = append(kept, dev)
	d.save(ctx, state)

	if d.events != nil {
		d.events.Broadcast(bus.Event{Name: protocol.EventDevicePairResolved, Payload: map[string]any{
			"deviceId": deviceID, "approved": true,
		}})
	}
	return dev, raw, nil
}

// Reject drops a pending request.
func (d *DeviceStore) Reject(ctx context.Context, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.load(ctx)
	kept := state.Pending[:0]
	found := false
	for _, p := range state.Pending {
		if p.DeviceID == deviceID {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return fmt.Errorf("no pending pair request for %s", deviceID)
	}
	state.Pending = kept
	d.save(ctx, state)

	if d.events != nil {
		d.events.Broadcast(bus.Event{Name: protocol.EventDevicePairResolved, Payload: map[string]any{
			"deviceId": deviceID, "approved": false,
		}})
	}
	return nil
}

// Remove unpairs a device entirely.
func (d *DeviceStore) Remove(ctx context.Context, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.load(ctx)
	kept := state.Paired[:0]
	found := false
	for _, p := range state.Paired {
		if p.DeviceID == deviceID {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return fmt.Errorf("device %s is not paired", deviceID)
	}
	state.Paired = kept
	d.save(ctx, state)
	return nil
}

// RotateToken replaces a role's token. Returns the new raw token.
func (d *DeviceStore) RotateToken(ctx context.Context, deviceID, role string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.load(ctx)
	for i := range state.Paired {
		if state.Paired[i].DeviceID != deviceID {
			continue
		}
		rec, ok := state.Paired[i].Tokens[role]
		if !ok {
			return "", fmt.Errorf("device %s has no %s token", deviceID, role)
		}
		raw := newToken()
		rec.TokenHash = HashToken(raw)
		rec.RotatedAtMs = d.now().UnixMilli()
		rec.RevokedAtMs = 0
		state.Paired[i].Tokens[role] = rec
		d.save(ctx, state)
		return raw, nil
	}
	return "", fmt.Errorf("device %s is not paired", deviceID)
}

// RevokeToken marks a role's token unusable without unpairing the device.
func (d *DeviceStore) RevokeToken(ctx context.Context, deviceID, role string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.load(ctx)
	for i := range state.Paired {
		if state.Paired[i].DeviceID != deviceID {
			continue
		}
		rec, ok := state.Paired[i].Tokens[role]
		if !ok {
			return fmt.Errorf("device %s has no %s token", deviceID, role)
		}
		rec.RevokedAtMs = d.now().UnixMilli()
		state.Paired[i].Tokens[role] = rec
		d.save(ctx, state)
		return nil
	}
	return fmt.Errorf("device %s is not paired", deviceID)
}

// Authenticate matches a raw token against paired, unrevoked records.
func (d *DeviceStore) Authenticate(ctx context.Context, rawToken string) (PairedDevice, string, bool) {
	if rawToken == "" {
		return PairedDevice{}, "", false
	}
	hash := HashToken(rawToken)

	d.mu.Lock()
	defer d.mu.Unlock()
	state := d.load(ctx)
	for _, dev := range state.Paired {
		for role, rec := range dev.Tokens {
			if rec.RevokedAtMs == 0 && rec.TokenHash == hash {
				return dev, role, true
			}
		}
	}
	return PairedDevice{}, "", false
}

func (d *DeviceStore) load(ctx context.Context) *deviceState {
	state := &deviceState{}
	if _, err := d.slots.Get(ctx, store.SlotDevicePairs, state); err != nil {
		slog.Warn("pairing.device_read_failed", "error", err)
		state = &deviceState{}
	}
	return state
}

func (d *DeviceStore) save(ctx context.Context, state *deviceState) {
	if err := d.slots.Set(ctx, store.SlotDevicePairs, state); err != nil {
		slog.Warn("pairing.device_write_failed", "error", err)
	}
}

// HashToken is the canonical token digest: hex sha256.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
