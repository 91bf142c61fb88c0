package gateway

import (
	"net"
	"sync"
	"time"
)

// RateLimiter bounds failed auth attempts per (scope, peer IP) over a
// sliding window. Crossing the attempt cap locks the pair out for the
// configured duration. Loopback peers can be exempted.
type RateLimiter struct {
	mu             sync.Mutex
	window         time.Duration
	maxAttempts    int
	lockout        time.Duration
	exemptLoopback bool
	entries        map[string]*limiterEntry
	now            func() time.Time
}

type limiterEntry struct {
	attempts    []time.Time
	lockedUntil time.Time
}

func NewRateLimiter(windowSec, maxAttempts, lockoutSec int, exemptLoopback bool) *RateLimiter {
	return &RateLimiter{
		window:         time.Duration(windowSec) * time.Second,
		maxAttempts:    maxAttempts,
		lockout:        time.Duration(lockoutSec) * time.Second,
		exemptLoopback: exemptLoopback,
		entries:        make(map[string]*limiterEntry),
		now:            time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *RateLimiter) SetClock(now func() time.Time) { r.now = now }

func (r *RateLimiter) exempt(ip string) bool {
	if !r.exemptLoopback {
		return false
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

// Locked reports whether the (scope, ip) pair is currently locked out.
func (r *RateLimiter) Locked(scope, ip string) bool {
	if r.exempt(ip) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[scope+"|"+ip]
	if !ok {
		return false
	}
	return r.now().Before(e.lockedUntil)
}

// RecordFailure counts a failed attempt and starts the lockout when the
// window cap is crossed.
func (r *RateLimiter) RecordFailure(scope, ip string) {
	if r.exempt(ip) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := scope + "|" + ip
	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{}
		r.entries[key] = e
	}

	now := r.now()
	cutoff := now.Add(-r.window)
	kept := e.attempts[:0]
	for _, at := range e.attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	e.attempts = append(kept, now)

	if len(e.attempts) >= r.maxAttempts {
		e.lockedUntil = now.Add(r.lockout)
		e.attempts = e.attempts[:0]
	}
}

// Reset clears failure history after a successful auth.
func (r *RateLimiter) Reset(scope, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, scope+"|"+ip)
}
