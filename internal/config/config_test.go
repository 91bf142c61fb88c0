package config

import (
	"testing"
)

// Exercises apply concurrent with the reads request handlers perform; fails
// under the race detector if any reader bypasses the config lock.
func TestReplaceFromConcurrentWithSectionReads(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "initial"

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			next := Default()
			next.Gateway.Token = "rotated"
			next.Gateway.CanaryMethods = []string{"health", "status"}
			next.Gateway.AllowedOrigins = []string{"https://example.test"}
			next.Nodes.BrowserControlURL = "http://127.0.0.1:9222"
			cfg.ReplaceFrom(next)
		}
	}()

	for i := 0; i < 500; i++ {
		gw := cfg.GatewaySection()
		if gw.Token != "initial" && gw.Token != "rotated" {
			t.Fatalf("torn token read: %q", gw.Token)
		}
		for _, m := range gw.CanaryMethods {
			if m == "" {
				t.Fatal("torn canary slice read")
			}
		}
		_ = cfg.NodesSection().InvokeTimeout()
		_ = cfg.ApprovalsSection().DefaultTimeout()
		_ = cfg.Hash()
	}
	<-done
}

func TestSectionReadObservesApply(t *testing.T) {
	cfg := Default()
	next := Default()
	next.Gateway.CanaryMethods = []string{"connect", "health"}
	next.Update.Command = "update.sh"
	cfg.ReplaceFrom(next)

	if got := cfg.GatewaySection().CanaryMethods; len(got) != 2 {
		t.Fatalf("canary after apply = %v", got)
	}
	if cfg.UpdateSection().Command != "update.sh" {
		t.Fatalf("update command = %q", cfg.UpdateSection().Command)
	}
}

func TestMarshalDocumentMatchesHash(t *testing.T) {
	cfg := Default()
	data, err := cfg.MarshalDocument()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty document")
	}
	h1 := cfg.Hash()
	h2 := cfg.Hash()
	if h1 != h2 {
		t.Fatalf("hash not stable: %s vs %s", h1, h2)
	}
}
