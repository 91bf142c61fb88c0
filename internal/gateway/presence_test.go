package gateway

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

func TestPresenceSelfIsPinned(t *testing.T) {
	p := NewPresenceTracker(300, 10)
	now := time.Now()
	p.SetClock(func() time.Time { return now })

	p.PinSelf("gw-1", "host-a", "protocol-3")
	p.Register("client-1", "connect")

	// The pinned entry sorts first and survives TTL expiry and Remove.
	now = now.Add(time.Hour)
	list := p.List()
	if len(list) != 1 || list[0].InstanceID != "gw-1" {
		t.Fatalf("list = %+v, want only the pinned entry", list)
	}

	p.Remove("gw-1")
	if len(p.List()) != 1 {
		t.Fatal("pinned entry removed")
	}
}

func TestPresenceTTLExpiry(t *testing.T) {
	p := NewPresenceTracker(300, 10)
	now := time.Now()
	p.SetClock(func() time.Time { return now })

	p.Register("client-1", "connect")
	now = now.Add(200 * time.Second)
	p.Register("client-2", "connect")
	now = now.Add(150 * time.Second)

	list := p.List()
	if len(list) != 1 || list[0].InstanceID != "client-2" {
		t.Fatalf("list = %+v, want only client-2", list)
	}
}

func TestPresenceTouchAndVersion(t *testing.T) {
	p := NewPresenceTracker(300, 10)
	v0 := p.Version()

	p.Touch(&protocol.PresenceFrame{InstanceID: "phone-1", Mode: "active", Host: "phone"})
	if p.Version() == v0 {
		t.Fatal("version unchanged after new entry")
	}
	v1 := p.Version()

	// Refreshing an existing entry does not bump the version.
	p.Touch(&protocol.PresenceFrame{InstanceID: "phone-1", Mode: "idle"})
	if p.Version() != v1 {
		t.Fatal("version bumped by a refresh")
	}

	list := p.List()
	if len(list) != 1 || list[0].Mode != "idle" {
		t.Fatalf("list = %+v, want refreshed phone-1", list)
	}

	// A frame with no instanceId is ignored.
	p.Touch(&protocol.PresenceFrame{})
	if len(p.List()) != 1 {
		t.Fatal("anonymous frame created an entry")
	}
}

func TestPresenceCapEvictsOldest(t *testing.T) {
	p := NewPresenceTracker(300, 2)
	now := time.Now()
	p.SetClock(func() time.Time { return now })

	p.Register("a", "connect")
	now = now.Add(time.Second)
	p.Register("b", "connect")
	now = now.Add(time.Second)
	p.Register("c", "connect")

	list := p.List()
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	for _, e := range list {
		if e.InstanceID == "a" {
			t.Fatal("oldest entry survived the cap")
		}
	}
}
