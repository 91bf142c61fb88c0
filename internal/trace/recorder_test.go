package trace

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

func TestRecorderRoundTrip(t *testing.T) {
	r := NewRecorder(store.NewMemoryStore(), 0)
	base := time.UnixMilli(5_000_000)
	r.SetClock(func() time.Time { return base })
	ctx := context.Background()

	rt := r.Begin(ctx, "r1", "main", "hello there")
	rt.AddStep("message", "hello there")
	rt.ToolUsed("web.search")
	rt.AddStep("tool", "web.search ok")

	r.SetClock(func() time.Time { return base.Add(2 * time.Second) })
	r.Complete(ctx, "r1", "ok", "")

	list := r.List(ctx, 0)
	if len(list) != 1 {
		t.Fatalf("list = %d traces, want 1", len(list))
	}
	if list[0].TraceID != "r1" || list[0].Steps != 2 {
		t.Fatalf("summary = %+v", list[0])
	}

	got, ok := r.Get(ctx, "r1")
	if !ok {
		t.Fatal("trace not found")
	}
	if got.StartedAtMs > got.EndedAtMs {
		t.Fatalf("startedAtMs %d > endedAtMs %d", got.StartedAtMs, got.EndedAtMs)
	}
	if got.Status != "ok" || got.SessionKey != "main" {
		t.Fatalf("trace = %+v", got)
	}
	if len(got.ToolsUsed) != 1 || got.ToolsUsed[0] != "web.search" {
		t.Fatalf("toolsUsed = %v", got.ToolsUsed)
	}
}

func TestRecorderClampsStepPayload(t *testing.T) {
	r := NewRecorder(store.NewMemoryStore(), 16)
	ctx := context.Background()

	rt := r.Begin(ctx, "r1", "main", "m")
	rt.AddStep("delta", strings.Repeat("x", 100))
	r.Complete(ctx, "r1", "ok", "")

	got, _ := r.Get(ctx, "r1")
	if len(got.Steps[0].Payload) != 16 {
		t.Fatalf("payload len = %d, want clamp to 16", len(got.Steps[0].Payload))
	}
}

func TestRecorderBeginIsIdempotentPerRun(t *testing.T) {
	r := NewRecorder(store.NewMemoryStore(), 0)
	ctx := context.Background()

	a := r.Begin(ctx, "r1", "main", "m")
	b := r.Begin(ctx, "r1", "main", "m")
	if a != b {
		t.Fatal("second Begin for the same runId must return the live trace")
	}
}

func TestRecorderRetainsBoundedTail(t *testing.T) {
	r := NewRecorder(store.NewMemoryStore(), 0)
	ctx := context.Background()

	for i := 0; i < retainedTraces+20; i++ {
		id := fmt.Sprintf("r%d", i)
		r.Begin(ctx, id, "main", "m")
		r.Complete(ctx, id, "ok", "")
	}

	list := r.List(ctx, 0)
	if len(list) != retainedTraces {
		t.Fatalf("retained = %d, want %d", len(list), retainedTraces)
	}
	// Most recent first.
	if list[0].TraceID != fmt.Sprintf("r%d", retainedTraces+19) {
		t.Fatalf("head = %s, want the newest trace", list[0].TraceID)
	}
}

func TestRecorderCompleteUnknownRunIsNoop(t *testing.T) {
	r := NewRecorder(store.NewMemoryStore(), 0)
	ctx := context.Background()
	r.Complete(ctx, "ghost", "ok", "")
	if got := r.List(ctx, 0); len(got) != 0 {
		t.Fatalf("list = %d, want empty", len(got))
	}
}
