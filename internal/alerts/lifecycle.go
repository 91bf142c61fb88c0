package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

const (
	resolvedRecentCap    = 200
	resolvedRecentReturn = 50
)

// LifecycleRecord tracks one dedupeKey across snapshots.
type LifecycleRecord struct {
	DedupeKey        string `json:"dedupeKey"`
	FirstSeenMs      int64  `json:"firstSeenMs"`
	LastSeenMs       int64  `json:"lastSeenMs"`
	LastTransitionMs int64  `json:"lastTransitionMs"`
	ResolvedAtMs     int64  `json:"resolvedAtMs,omitempty"`
	Active           bool   `json:"active"`
}

type lifecycleState struct {
	Records        map[string]*LifecycleRecord `json:"records"`
	ResolvedRecent []LifecycleRecord           `json:"resolvedRecent,omitempty"`
}

// LifecycleStore applies alert snapshots to persisted lifecycle state.
type LifecycleStore struct {
	mu    sync.Mutex
	slots store.SlotStore
	now   func() time.Time
}

func NewLifecycleStore(slots store.SlotStore) *LifecycleStore {
	return &LifecycleStore{slots: slots, now: time.Now}
}

// SetClock overrides the time source for tests.
func (l *LifecycleStore) SetClock(now func() time.Time) { l.now = now }

// LifecycleResult is the applied state returned alongside the snapshot.
type LifecycleResult struct {
	Active         []LifecycleRecord `json:"active"`
	ResolvedRecent []LifecycleRecord `json:"resolvedRecent"`
}

// Apply updates the persisted state with a normalized snapshot: present
// keys refresh lastSeen (reactivating if needed); previously-active keys
// no longer present resolve and join the bounded resolvedRecent list.
// Storage failures fall back to empty prior state and are never propagated.
func (l *LifecycleStore) Apply(ctx context.Context, alerts []Alert) LifecycleResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.load(ctx)
	nowMs := l.now().UnixMilli()

	present := make(map[string]bool, len(alerts))
	for _, a := range alerts {
		present[a.DedupeKey] = true
		rec, ok := state.Records[a.DedupeKey]
		if !ok {
			state.Records[a.DedupeKey] = &LifecycleRecord{
				DedupeKey:        a.DedupeKey,
				FirstSeenMs:      nowMs,
				LastSeenMs:       nowMs,
				LastTransitionMs: nowMs,
				Active:           true,
			}
			continue
		}
		rec.LastSeenMs = nowMs
		if !rec.Active {
			rec.Active = true
			rec.ResolvedAtMs = 0
			rec.LastTransitionMs = nowMs
		}
	}

	for key, rec := range state.Records {
		if rec.Active && !present[key] {
			rec.Active = false
			rec.ResolvedAtMs = nowMs
			rec.LastTransitionMs = nowMs
			state.ResolvedRecent = append(state.ResolvedRecent, *rec)
		}
	}
	if n := len(state.ResolvedRecent); n > resolvedRecentCap {
		state.ResolvedRecent = state.ResolvedRecent[n-resolvedRecentCap:]
	}

	if err := l.slots.Set(ctx, store.SlotAlertsLifecycle, state); err != nil {
		slog.Warn("alerts.lifecycle_write_failed", "error", err)
	}

	return l.result(state)
}

// Current returns the persisted lifecycle state without applying a snapshot.
func (l *LifecycleStore) Current(ctx context.Context) LifecycleResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result(l.load(ctx))
}

// Get returns the record for a dedupeKey.
func (l *LifecycleStore) Get(ctx context.Context, dedupeKey string) (LifecycleRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.load(ctx)
	rec, ok := state.Records[dedupeKey]
	if !ok {
		return LifecycleRecord{}, false
	}
	return *rec, true
}

func (l *LifecycleStore) load(ctx context.Context) *lifecycleState {
	state := &lifecycleState{Records: make(map[string]*LifecycleRecord)}
	if _, err := l.slots.Get(ctx, store.SlotAlertsLifecycle, state); err != nil {
		slog.Warn("alerts.lifecycle_read_failed", "error", err)
		state = &lifecycleState{Records: make(map[string]*LifecycleRecord)}
	}
	if state.Records == nil {
		state.Records = make(map[string]*LifecycleRecord)
	}
	return state
}

func (l *LifecycleStore) result(state *lifecycleState) LifecycleResult {
	res := LifecycleResult{}
	for _, rec := range state.Records {
		if rec.Active {
			res.Active = append(res.Active, *rec)
		}
	}
	recent := state.ResolvedRecent
	if len(recent) > resolvedRecentReturn {
		recent = recent[len(recent)-resolvedRecentReturn:]
	}
	res.ResolvedRecent = append([]LifecycleRecord(nil), recent...)
	return res
}
