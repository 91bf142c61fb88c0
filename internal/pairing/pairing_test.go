package pairing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

type eventSink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *eventSink) Subscribe(id string, h bus.EventHandler) {}
func (s *eventSink) Unsubscribe(id string)                   {}
func (s *eventSink) Broadcast(e bus.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Name
	}
	return out
}

func TestDevicePairApproveFlow(t *testing.T) {
	sink := &eventSink{}
	d := NewDeviceStore(store.NewMemoryStore(), sink)
	ctx := context.Background()

	if _, err := d.Request(ctx, "dev-1", "laptop", "operator"); err != nil {
		t.Fatal(err)
	}
	dev, raw, err := d.Approve(ctx, "dev-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if raw == "" {
		t.Fatal("approve must return the raw token")
	}
	if dev.Tokens["operator"].TokenHash != HashToken(raw) {
		t.Fatal("stored hash must match the raw token digest")
	}
	if len(dev.Scopes) == 0 {
		t.Fatal("approve with no scopes must grant defaults")
	}

	pending, paired := d.List(ctx)
	if len(pending) != 0 || len(paired) != 1 {
		t.Fatalf("pending=%d paired=%d, want 0/1", len(pending), len(paired))
	}

	want := []string{protocol.EventDevicePairRequested, protocol.EventDevicePairResolved}
	got := sink.names()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestDeviceAuthenticate(t *testing.T) {
	d := NewDeviceStore(store.NewMemoryStore(), nil)
	ctx := context.Background()

	d.Request(ctx, "dev-1", "", "operator")
	_, raw, _ := d.Approve(ctx, "dev-1", nil)

	dev, role, ok := d.Authenticate(ctx, raw)
	if !ok || dev.DeviceID != "dev-1" || role != "operator" {
		t.Fatalf("authenticate = (%+v, %s, %v)", dev, role, ok)
	}
	if _, _, ok := d.Authenticate(ctx, "wrong-token"); ok {
		t.Fatal("bad token must not authenticate")
	}
}

func TestDeviceRotateInvalidatesOldToken(t *testing.T) {
	d := NewDeviceStore(store.NewMemoryStore(), nil)
	ctx := context.Background()

	d.Request(ctx, "dev-1", "", "operator")
	_, old, _ := d.Approve(ctx, "dev-1", nil)

	fresh, err := d.RotateToken(ctx, "dev-1", "operator")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == old {
		t.Fatal("rotation must mint a new token")
	}
	if _, _, ok := d.Authenticate(ctx, old); ok {
		t.Fatal("old token must stop authenticating after rotation")
	}
	if _, _, ok := d.Authenticate(ctx, fresh); !ok {
		t.Fatal("rotated token must authenticate")
	}
}

func TestDeviceRevoke(t *testing.T) {
	d := NewDeviceStore(store.NewMemoryStore(), nil)
	ctx := context.Background()

	d.Request(ctx, "dev-1", "", "operator")
	_, raw, _ := d.Approve(ctx, "dev-1", nil)

	if err := d.RevokeToken(ctx, "dev-1", "operator"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := d.Authenticate(ctx, raw); ok {
		t.Fatal("revoked token must not authenticate")
	}
	// The device stays paired; only the token is dead.
	_, paired := d.List(ctx)
	if len(paired) != 1 {
		t.Fatal("revoke must not unpair the device")
	}
}

func TestDeviceRejectAndRemove(t *testing.T) {
	sink := &eventSink{}
	d := NewDeviceStore(store.NewMemoryStore(), sink)
	ctx := context.Background()

	d.Request(ctx, "dev-1", "", "operator")
	if err := d.Reject(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}
	if err := d.Reject(ctx, "dev-1"); err == nil {
		t.Fatal("second reject must fail, request is gone")
	}

	d.Request(ctx, "dev-2", "", "operator")
	d.Approve(ctx, "dev-2", nil)
	if err := d.Remove(ctx, "dev-2"); err != nil {
		t.Fatal(err)
	}
	_, paired := d.List(ctx)
	if len(paired) != 0 {
		t.Fatal("removed device still paired")
	}
}

func TestNodePairVerify(t *testing.T) {
	n := NewNodeStore(store.NewMemoryStore(), nil)
	ctx := context.Background()

	if _, err := n.Request(ctx, NodePairRequest{NodeID: "node-1", Platform: "darwin"}); err != nil {
		t.Fatal(err)
	}
	if n.IsPaired(ctx, "node-1") {
		t.Fatal("pending node must not count as paired")
	}

	node, raw, err := n.Approve(ctx, "node-1")
	if err != nil {
		t.Fatal(err)
	}
	if node.Platform != "darwin" {
		t.Fatalf("node = %+v", node)
	}
	if !n.Verify(ctx, "node-1", raw) {
		t.Fatal("minted token must verify")
	}
	if n.Verify(ctx, "node-1", "bogus") {
		t.Fatal("wrong token must not verify")
	}
	if n.Verify(ctx, "node-2", raw) {
		t.Fatal("token must be bound to its node")
	}
	if !n.IsPaired(ctx, "node-1") {
		t.Fatal("approved node must be paired")
	}
}

func TestNodePairRequestRefreshesPending(t *testing.T) {
	n := NewNodeStore(store.NewMemoryStore(), nil)
	ctx := context.Background()
	base := time.UnixMilli(1_000)
	n.SetClock(func() time.Time { return base })

	n.Request(ctx, NodePairRequest{NodeID: "node-1", DisplayName: "old"})
	n.SetClock(func() time.Time { return base.Add(time.Second) })
	n.Request(ctx, NodePairRequest{NodeID: "node-1", DisplayName: "new"})

	pending, _ := n.List(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1 (refreshed in place)", len(pending))
	}
	if pending[0].DisplayName != "new" || pending[0].RequestedAtMs != base.Add(time.Second).UnixMilli() {
		t.Fatalf("pending = %+v", pending[0])
	}
}
