package gateway

import (
	"testing"
	"time"
)

func TestRateLimiterLocksAfterCap(t *testing.T) {
	rl := NewRateLimiter(60, 3, 300, false)
	now := time.Now()
	rl.SetClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		rl.RecordFailure("shared-secret", "10.0.0.1")
	}
	if rl.Locked("shared-secret", "10.0.0.1") {
		t.Fatal("locked before reaching the attempt cap")
	}

	rl.RecordFailure("shared-secret", "10.0.0.1")
	if !rl.Locked("shared-secret", "10.0.0.1") {
		t.Fatal("not locked after reaching the attempt cap")
	}

	// A different scope for the same IP tracks independently.
	if rl.Locked("device-token", "10.0.0.1") {
		t.Fatal("lockout leaked across scopes")
	}

	now = now.Add(301 * time.Second)
	if rl.Locked("shared-secret", "10.0.0.1") {
		t.Fatal("still locked after lockout elapsed")
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	rl := NewRateLimiter(60, 3, 300, false)
	now := time.Now()
	rl.SetClock(func() time.Time { return now })

	rl.RecordFailure("shared-secret", "10.0.0.2")
	rl.RecordFailure("shared-secret", "10.0.0.2")

	// Old attempts age out of the sliding window.
	now = now.Add(61 * time.Second)
	rl.RecordFailure("shared-secret", "10.0.0.2")
	if rl.Locked("shared-secret", "10.0.0.2") {
		t.Fatal("expired attempts counted toward the cap")
	}
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(60, 2, 300, false)
	rl.RecordFailure("shared-secret", "10.0.0.3")
	rl.RecordFailure("shared-secret", "10.0.0.3")
	if !rl.Locked("shared-secret", "10.0.0.3") {
		t.Fatal("expected lockout")
	}
	rl.Reset("shared-secret", "10.0.0.3")
	if rl.Locked("shared-secret", "10.0.0.3") {
		t.Fatal("still locked after reset")
	}
}

func TestRateLimiterLoopbackExempt(t *testing.T) {
	rl := NewRateLimiter(60, 1, 300, true)
	rl.RecordFailure("shared-secret", "127.0.0.1")
	rl.RecordFailure("shared-secret", "127.0.0.1")
	if rl.Locked("shared-secret", "127.0.0.1") {
		t.Fatal("loopback peer locked despite exemption")
	}

	rl.RecordFailure("shared-secret", "192.168.1.5")
	if !rl.Locked("shared-secret", "192.168.1.5") {
		t.Fatal("non-loopback peer not locked")
	}
}
