package approvals

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

func newTestCoordinator(emit EmitFunc) *Coordinator {
	return New(store.NewMemoryStore(), emit, nil, nil)
}

func TestRequestThenResolve(t *testing.T) {
	var mu sync.Mutex
	var events []string
	c := newTestCoordinator(func(name string, _ any) {
		mu.Lock()
		events = append(events, name)
		mu.Unlock()
	})

	rec, err := c.Admit("a1", Request{Command: "ls"}, "agent", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("status = %q, want pending", rec.Status)
	}

	done := make(chan *string, 1)
	go func() {
		decision, _, err := c.Await(context.Background(), "a1", 5*time.Second)
		if err != nil {
			t.Error(err)
		}
		done <- decision
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := c.Resolve("a1", DecisionAllowOnce, "operator"); err != nil {
		t.Fatal(err)
	}

	select {
	case decision := <-done:
		if decision == nil || *decision != DecisionAllowOnce {
			t.Fatalf("decision = %v, want allow-once", decision)
		}
	case <-time.After(time.Second):
		t.Fatal("await never resolved")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "exec.approval.requested" || events[1] != "exec.approval.resolved" {
		t.Fatalf("events = %v", events)
	}
}

func TestTwoPhaseExpiry(t *testing.T) {
	now := time.Now()
	c := newTestCoordinator(nil)
	c.SetClock(func() time.Time { return now })

	if _, err := c.Admit("a2", Request{Command: "rm -rf /"}, "agent", 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if len(c.Pending()) != 1 {
		t.Fatal("record should be pending")
	}

	now = now.Add(150 * time.Millisecond)
	c.Sweep()

	if len(c.Pending()) != 0 {
		t.Fatal("expired record still listed as pending")
	}
	rec, ok := c.Get("a2")
	if !ok || rec.Status != StatusExpired {
		t.Fatalf("record = %+v, want expired", rec)
	}

	decision, rec, err := c.Await(context.Background(), "a2", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if decision != nil {
		t.Fatalf("decision = %v, want nil for expired", *decision)
	}
	if rec.Status != StatusExpired {
		t.Fatalf("status = %q, want expired", rec.Status)
	}
}

func TestResolveIdempotence(t *testing.T) {
	c := newTestCoordinator(nil)
	c.Admit("a3", Request{Command: "ls"}, "agent", time.Minute)

	if _, err := c.Resolve("a3", DecisionDeny, "op"); err != nil {
		t.Fatal(err)
	}
	// Same decision again: no-op.
	if _, err := c.Resolve("a3", DecisionDeny, "op"); err != nil {
		t.Fatalf("same-decision re-resolve should be a no-op, got %v", err)
	}
	// Different decision: rejected.
	if _, err := c.Resolve("a3", DecisionAllowOnce, "op"); err == nil {
		t.Fatal("conflicting re-resolve should fail")
	}
}

func TestWaitDecisionAttachesLate(t *testing.T) {
	c := newTestCoordinator(nil)
	c.Admit("a4", Request{Command: "ls"}, "agent", time.Minute)
	c.Resolve("a4", DecisionAllowAlways, "op")

	// Attaching after resolution still observes the produced value.
	for i := 0; i < 2; i++ {
		decision, _, err := c.Await(context.Background(), "a4", time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if decision == nil || *decision != DecisionAllowAlways {
			t.Fatalf("attacher %d decision = %v, want allow-always", i, decision)
		}
	}
}

func TestAwaitClampedByExpiry(t *testing.T) {
	c := newTestCoordinator(nil)
	c.Admit("a5", Request{Command: "ls"}, "agent", 30*time.Millisecond)

	start := time.Now()
	decision, _, err := c.Await(context.Background(), "a5", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if decision != nil {
		t.Fatal("expected nil decision on expiry")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("await was not clamped by the record's remaining lifetime")
	}
}

func TestPolicyStoreRoundTrip(t *testing.T) {
	slots := store.NewMemoryStore()
	p := NewPolicyStore(slots)
	ctx := context.Background()

	p.SetAgent(ctx, "", Policy{Security: "full", Ask: "risky"})
	p.SetAgent(ctx, "research", Policy{Security: "restricted", Allowlist: []string{"git "}})

	if got := p.GetAgent(ctx, "research"); got.Security != "restricted" {
		t.Fatalf("agent policy = %+v", got)
	}
	// Unknown agents fall back to the default.
	if got := p.GetAgent(ctx, "other"); got.Security != "full" {
		t.Fatalf("fallback policy = %+v", got)
	}

	p.SetNode(ctx, "node-1", Policy{Ask: "always"})
	if got := p.GetNode(ctx, "node-1"); got.Ask != "always" {
		t.Fatalf("node policy = %+v", got)
	}
}
