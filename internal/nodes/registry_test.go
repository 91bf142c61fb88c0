package nodes

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// fakeSender records delivered request frames and can auto-respond.
type fakeSender struct {
	mu     sync.Mutex
	frames []*protocol.RequestFrame
	onSend func(*protocol.RequestFrame)
}

func (f *fakeSender) SendRequest(req *protocol.RequestFrame) error {
	f.mu.Lock()
	f.frames = append(f.frames, req)
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		go cb(req)
	}
	return nil
}

func (f *fakeSender) sent() []*protocol.RequestFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.RequestFrame(nil), f.frames...)
}

func browserNode(id, connID string) *Session {
	return &Session{
		NodeID:   id,
		ConnID:   connID,
		Platform: "darwin",
		Caps:     []string{"browser"},
		Commands: []string{"browser.proxy", "system.probe"},
	}
}

func TestRegisterAndUnregisterByConn(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(browserNode("n1", "c1"), &fakeSender{})

	if _, ok := r.Get("n1"); !ok {
		t.Fatal("node not registered")
	}
	r.UnregisterByConnID("c1")
	if _, ok := r.Get("n1"); ok {
		t.Fatal("node survived connection close")
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	r := NewRegistry(nil, nil)
	sender := &fakeSender{}
	sender.onSend = func(req *protocol.RequestFrame) {
		r.HandleInvokeResult(req.ID, true, json.RawMessage(`{"status":200}`), "")
	}
	r.Register(browserNode("n1", "c1"), sender)

	res, err := r.Invoke(context.Background(), "n1", "browser.proxy", nil, time.Second, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("result = %+v, want ok", res)
	}

	frames := sender.sent()
	if len(frames) != 1 || frames[0].Method != protocol.MethodNodeInvoke {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestInvokeTimeout(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(browserNode("n1", "c1"), &fakeSender{}) // never responds

	_, err := r.Invoke(context.Background(), "n1", "browser.proxy", nil, 30*time.Millisecond, "")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	// The outstanding entry must be reaped; a late result finds nothing.
	if r.HandleInvokeResult("bogus", true, nil, "") {
		t.Fatal("unknown invoke id should not resolve anything")
	}
}

func TestInvokeNotConnected(t *testing.T) {
	r := NewRegistry(nil, nil)
	if _, err := r.Invoke(context.Background(), "ghost", "browser.proxy", nil, time.Second, ""); err == nil {
		t.Fatal("expected error for unknown node")
	}
}

func TestInvokeIdempotencyKeyAttaches(t *testing.T) {
	r := NewRegistry(nil, nil)
	sender := &fakeSender{}
	release := make(chan struct{})
	sender.onSend = func(req *protocol.RequestFrame) {
		<-release
		r.HandleInvokeResult(req.ID, true, json.RawMessage(`"done"`), "")
	}
	r.Register(browserNode("n1", "c1"), sender)

	var wg sync.WaitGroup
	results := make([]InvokeResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Invoke(context.Background(), "n1", "browser.proxy", nil, time.Second, "key-1")
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = res
		}(i)
	}

	// Only one frame may hit the wire for the shared key.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := len(sender.sent()); got != 1 {
		t.Fatalf("frames sent = %d, want 1 (idempotent attach)", got)
	}
	for i, res := range results {
		if !res.OK {
			t.Fatalf("waiter %d result = %+v", i, res)
		}
	}
}

func TestAllowlistIntersection(t *testing.T) {
	tests := []struct {
		name     string
		session  *Session
		allow    []string
		deny     []string
		want     []string
	}{
		{
			name:    "declared intersect platform",
			session: &Session{Platform: "darwin", Commands: []string{"browser.proxy", "rogue.cmd"}},
			want:    []string{"browser.proxy"},
		},
		{
			name:    "empty declared disables all",
			session: &Session{Platform: "darwin", Commands: nil},
			want:    nil,
		},
		{
			name:    "config addition",
			session: &Session{Platform: "linux", Commands: []string{"custom.cmd"}},
			allow:   []string{"custom.cmd"},
			want:    []string{"custom.cmd"},
		},
		{
			name:    "config removal",
			session: &Session{Platform: "linux", Commands: []string{"browser.proxy"}},
			deny:    []string{"browser.proxy"},
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(tt.allow, tt.deny)
			got := r.EffectiveCommands(tt.session)
			if len(got) != len(tt.want) {
				t.Fatalf("effective = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("effective = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestChatSubscriptions(t *testing.T) {
	r := NewRegistry(nil, nil)
	sender := &fakeSender{}
	r.Register(browserNode("n1", "c1"), sender)

	r.Subscribe("n1", "main")
	if got := r.SubscribersFor("main"); len(got) != 1 {
		t.Fatalf("subscribers = %d, want 1", len(got))
	}
	r.Unsubscribe("n1", "main")
	if got := r.SubscribersFor("main"); len(got) != 0 {
		t.Fatalf("subscribers = %d after unsubscribe, want 0", len(got))
	}

	// Disconnect purges subscriptions.
	r.Subscribe("n1", "main")
	r.UnregisterByConnID("c1")
	if got := r.SubscribersFor("main"); len(got) != 0 {
		t.Fatalf("subscribers = %d after disconnect, want 0", len(got))
	}
}
