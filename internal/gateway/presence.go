package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// PresenceEntry is one row of the connected-client roster.
type PresenceEntry struct {
	InstanceID       string `json:"instanceId"`
	Mode             string `json:"mode,omitempty"`
	Reason           string `json:"reason,omitempty"` // "self", "connect", "presence"
	Host             string `json:"host,omitempty"`
	Version          string `json:"version,omitempty"`
	LastInputSeconds *int   `json:"lastInputSeconds,omitempty"`
	LastSeenMs       int64  `json:"lastSeenMs"`
}

// PresenceTracker keeps a TTL-bounded, size-capped roster. The entry with
// reason "self" is pinned: it never expires and is never evicted.
type PresenceTracker struct {
	mu      sync.Mutex
	entries map[string]PresenceEntry
	ttl     time.Duration
	max     int
	version int
	now     func() time.Time
}

func NewPresenceTracker(ttlSec, maxEntries int) *PresenceTracker {
	return &PresenceTracker{
		entries: make(map[string]PresenceEntry),
		ttl:     time.Duration(ttlSec) * time.Second,
		max:     maxEntries,
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (p *PresenceTracker) SetClock(now func() time.Time) { p.now = now }

// PinSelf installs the gateway's own pinned entry.
func (p *PresenceTracker) PinSelf(instanceID, host, version string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[instanceID] = PresenceEntry{
		InstanceID: instanceID,
		Reason:     "self",
		Host:       host,
		Version:    version,
		LastSeenMs: p.now().UnixMilli(),
	}
	p.version++
}

// Register adds or refreshes an entry for a connecting client.
func (p *PresenceTracker) Register(instanceID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upsertLocked(PresenceEntry{InstanceID: instanceID, Reason: reason})
}

// Touch applies a presence heartbeat frame.
func (p *PresenceTracker) Touch(frame *protocol.PresenceFrame) {
	if frame.InstanceID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upsertLocked(PresenceEntry{
		InstanceID:       frame.InstanceID,
		Mode:             frame.Mode,
		Reason:           "presence",
		Host:             frame.Host,
		Version:          frame.Version,
		LastInputSeconds: frame.LastInputSeconds,
	})
}

func (p *PresenceTracker) upsertLocked(e PresenceEntry) {
	if cur, ok := p.entries[e.InstanceID]; ok && cur.Reason == "self" {
		// The pinned entry keeps its reason; heartbeats only refresh it.
		e.Reason = "self"
	}
	e.LastSeenMs = p.now().UnixMilli()
	_, existed := p.entries[e.InstanceID]
	p.entries[e.InstanceID] = e
	if !existed {
		p.version++
		p.enforceCapLocked()
	}
}

// Remove drops an entry on disconnect. The pinned entry stays.
func (p *PresenceTracker) Remove(instanceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[instanceID]; ok && e.Reason != "self" {
		delete(p.entries, instanceID)
		p.version++
	}
}

// List prunes expired entries and returns the roster, newest first.
func (p *PresenceTracker) List() []PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-p.ttl).UnixMilli()
	for id, e := range p.entries {
		if e.Reason != "self" && e.LastSeenMs < cutoff {
			delete(p.entries, id)
			p.version++
		}
	}

	out := make([]PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reason == "self" != (out[j].Reason == "self") {
			return out[i].Reason == "self"
		}
		return out[i].LastSeenMs > out[j].LastSeenMs
	})
	return out
}

// Version is the monotonic roster-change counter stamped on events.
func (p *PresenceTracker) Version() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

func (p *PresenceTracker) enforceCapLocked() {
	for len(p.entries) > p.max {
		oldestID := ""
		var oldestMs int64
		for id, e := range p.entries {
			if e.Reason == "self" {
				continue
			}
			if oldestID == "" || e.LastSeenMs < oldestMs {
				oldestID = id
				oldestMs = e.LastSeenMs
			}
		}
		if oldestID == "" {
			return
		}
		delete(p.entries, oldestID)
	}
}
