package sessions

import (
	"testing"
)

func TestKeyRoundTrip(t *testing.T) {
	key := BuildSessionKey("default", "telegram", PeerDirect, "12345")
	if key != "agent:default:telegram:direct:12345" {
		t.Fatalf("key = %s", key)
	}
	agentID, rest := ParseSessionKey(key)
	if agentID != "default" || rest != "telegram:direct:12345" {
		t.Fatalf("parsed = (%s, %s)", agentID, rest)
	}
}

func TestCronKeyGuardsDoublePrefix(t *testing.T) {
	key := BuildCronSessionKey("default", "reminder", "run1")
	if key != "agent:default:cron:reminder:run:run1" {
		t.Fatalf("key = %s", key)
	}
	// Passing an already-canonical key must not nest the prefix.
	nested := BuildCronSessionKey("default", key, "run2")
	if nested != "agent:default:cron:cron:reminder:run:run1:run:run2" {
		t.Fatalf("nested = %s", nested)
	}
	if !IsCronSession(key) {
		t.Fatal("cron key not detected")
	}
}

func TestStorePersistence(t *testing.T) {
	dir := t.TempDir()

	s := NewStore(dir)
	s.GetOrCreate("agent:default:main")
	s.AddMessage("agent:default:main", Message{Role: "user", Content: "hello"})
	s.AddMessage("agent:default:main", Message{Role: "assistant", Content: "hi"})
	if err := s.Save("agent:default:main"); err != nil {
		t.Fatal(err)
	}

	reloaded := NewStore(dir)
	history := reloaded.History("agent:default:main")
	if len(history) != 2 || history[1].Content != "hi" {
		t.Fatalf("history = %+v", history)
	}
}

func TestResolve(t *testing.T) {
	s := NewStore("")
	s.GetOrCreate("agent:default:telegram:direct:111")
	s.GetOrCreate("agent:default:telegram:direct:222")
	label := "work"
	s.ApplyPatch("agent:default:telegram:direct:222", Patch{Label: &label})

	if got, err := s.Resolve("agent:default:telegram:direct:111"); err != nil || got != "agent:default:telegram:direct:111" {
		t.Fatalf("exact resolve = (%s, %v)", got, err)
	}
	if got, err := s.Resolve("direct:111"); err != nil || got != "agent:default:telegram:direct:111" {
		t.Fatalf("suffix resolve = (%s, %v)", got, err)
	}
	if got, err := s.Resolve("work"); err != nil || got != "agent:default:telegram:direct:222" {
		t.Fatalf("label resolve = (%s, %v)", got, err)
	}
	if _, err := s.Resolve("nope"); err == nil {
		t.Fatal("unknown ref must fail")
	}
	s.GetOrCreate("agent:other:telegram:direct:111")
	if _, err := s.Resolve("direct:111"); err == nil {
		t.Fatal("ambiguous suffix must fail")
	}
}

func TestPreviewSessions(t *testing.T) {
	s := NewStore("")
	for i := 0; i < 10; i++ {
		s.AddMessage("agent:default:main", Message{Role: "user", Content: "m"})
	}

	previews := s.PreviewSessions([]string{"agent:default:main", "agent:default:ghost"}, 3)
	if len(previews) != 2 {
		t.Fatalf("previews = %d", len(previews))
	}
	if len(previews[0].Messages) != 3 {
		t.Fatalf("tail = %d messages, want 3", len(previews[0].Messages))
	}
	if !previews[1].Missing {
		t.Fatal("unknown key must be marked missing")
	}
}

func TestCompactAndReset(t *testing.T) {
	s := NewStore("")
	for i := 0; i < 10; i++ {
		s.AddMessage("agent:default:main", Message{Role: "user", Content: "m"})
	}

	dropped, err := s.Compact("agent:default:main", 4)
	if err != nil || dropped != 6 {
		t.Fatalf("compact = (%d, %v), want 6 dropped", dropped, err)
	}
	if got := len(s.History("agent:default:main")); got != 4 {
		t.Fatalf("history = %d messages after compact", got)
	}
	sess := s.GetOrCreate("agent:default:main")
	if sess.CompactionCount != 1 || sess.Summary == "" {
		t.Fatalf("session = %+v", sess)
	}

	if err := s.Reset("agent:default:main"); err != nil {
		t.Fatal(err)
	}
	if got := len(s.History("agent:default:main")); got != 0 {
		t.Fatalf("history = %d after reset", got)
	}
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	s.GetOrCreate("agent:default:main")
	s.Save("agent:default:main")

	if err := s.Delete("agent:default:main"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("agent:default:main"); err == nil {
		t.Fatal("second delete must fail")
	}
	if got := NewStore(dir).List(""); len(got) != 0 {
		t.Fatalf("reloaded store has %d sessions, want 0", len(got))
	}
}

func TestUsageAccounting(t *testing.T) {
	s := NewStore("")
	s.GetOrCreate("agent:default:main")
	s.UpdateMetadata("agent:default:main", "claude-opus", "anthropic", "telegram")

	s.AccumulateUsage("agent:default:main", "r1", "", 1000, 500)
	s.AccumulateUsage("agent:default:main", "r2", "", 2000, 1000)

	logs := s.UsageLogs("agent:default:main", 0)
	if len(logs) != 2 || logs[0].RunID != "r2" {
		t.Fatalf("logs = %+v, want newest first", logs)
	}
	if logs[0].Model != "claude-opus" {
		t.Fatalf("model = %s, want inherited from session", logs[0].Model)
	}

	series := s.UsageTimeseries("agent:default:main", 0)
	if len(series) != 1 || series[0].Runs != 2 || series[0].InputTokens != 3000 {
		t.Fatalf("series = %+v", series)
	}

	cost := s.UsageCost(map[string]ModelPricing{
		"claude-opus": {InputPerMTok: 15, OutputPerMTok: 75},
	})
	want := 3000.0/1e6*15 + 1500.0/1e6*75
	if diff := cost.TotalUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("cost = %f, want %f", cost.TotalUSD, want)
	}

	status := s.Status()
	if status.Sessions != 1 || status.Runs != 2 || status.OutputTokens != 1500 {
		t.Fatalf("status = %+v", status)
	}
}
