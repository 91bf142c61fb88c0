package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	usageLogFile = "usage-log.json"
	usageLogCap  = 5000
)

// UsageEntry is one completed run's token usage.
type UsageEntry struct {
	AtMs         int64  `json:"atMs"`
	SessionKey   string `json:"sessionKey"`
	RunID        string `json:"runId,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// UsageBucket is one day of aggregated usage for usage.timeseries.
type UsageBucket struct {
	Day          string `json:"day"` // YYYY-MM-DD, UTC
	Runs         int    `json:"runs"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// ModelPricing is USD per million tokens.
type ModelPricing struct {
	InputPerMTok  float64 `json:"inputPerMTok"`
	OutputPerMTok float64 `json:"outputPerMTok"`
}

// CostReport is the usage.cost payload.
type CostReport struct {
	TotalUSD float64            `json:"totalUsd"`
	ByModel  map[string]float64 `json:"byModel"`
}

// UsageStatus is the usage.status payload.
type UsageStatus struct {
	Sessions     int   `json:"sessions"`
	Runs         int   `json:"runs"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	SinceMs      int64 `json:"sinceMs,omitempty"`
}

// usageLog is a bounded append-only run log persisted next to the sessions.
type usageLog struct {
	mu      sync.Mutex
	storage string
	entries []UsageEntry
}

func newUsageLog(storage string) *usageLog {
	return &usageLog{storage: storage}
}

func (u *usageLog) append(e UsageEntry) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entries = append(u.entries, e)
	if n := len(u.entries); n > usageLogCap {
		u.entries = u.entries[n-usageLogCap:]
	}
	u.saveLocked()
}

func (u *usageLog) load() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.storage == "" {
		return
	}
	data, err := os.ReadFile(filepath.Join(u.storage, usageLogFile))
	if err != nil {
		return
	}
	var entries []UsageEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	u.entries = entries
}

func (u *usageLog) saveLocked() {
	if u.storage == "" {
		return
	}
	data, err := json.Marshal(u.entries)
	if err != nil {
		return
	}
	os.WriteFile(filepath.Join(u.storage, usageLogFile), data, 0o644)
}

// UsageLogs returns the most recent entries, newest first, optionally
// filtered by session key.
func (s *Store) UsageLogs(sessionKey string, limit int) []UsageEntry {
	s.usage.mu.Lock()
	defer s.usage.mu.Unlock()

	var out []UsageEntry
	for i := len(s.usage.entries) - 1; i >= 0; i-- {
		e := s.usage.entries[i]
		if sessionKey != "" && e.SessionKey != sessionKey {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// UsageTimeseries aggregates the log into per-day buckets, oldest first.
func (s *Store) UsageTimeseries(sessionKey string, sinceMs int64) []UsageBucket {
	s.usage.mu.Lock()
	defer s.usage.mu.Unlock()

	byDay := make(map[string]*UsageBucket)
	for _, e := range s.usage.entries {
		if sessionKey != "" && e.SessionKey != sessionKey {
			continue
		}
		if sinceMs > 0 && e.AtMs < sinceMs {
			continue
		}
		day := time.UnixMilli(e.AtMs).UTC().Format("2006-01-02")
		b, ok := byDay[day]
		if !ok {
			b = &UsageBucket{Day: day}
			byDay[day] = b
		}
		b.Runs++
		b.InputTokens += e.InputTokens
		b.OutputTokens += e.OutputTokens
	}

	out := make([]UsageBucket, 0, len(byDay))
	for _, b := range byDay {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out
}

// UsageCost prices the log against a per-model table. Unknown models
// contribute zero cost but still appear in the report.
func (s *Store) UsageCost(pricing map[string]ModelPricing) CostReport {
	s.usage.mu.Lock()
	defer s.usage.mu.Unlock()

	report := CostReport{ByModel: make(map[string]float64)}
	for _, e := range s.usage.entries {
		p := pricing[e.Model]
		cost := float64(e.InputTokens)/1e6*p.InputPerMTok + float64(e.OutputTokens)/1e6*p.OutputPerMTok
		report.ByModel[e.Model] += cost
		report.TotalUSD += cost
	}
	return report
}

// Status summarizes current usage across all sessions.
func (s *Store) Status() UsageStatus {
	s.mu.RLock()
	sessionCount := len(s.sessions)
	s.mu.RUnlock()

	s.usage.mu.Lock()
	defer s.usage.mu.Unlock()

	status := UsageStatus{Sessions: sessionCount, Runs: len(s.usage.entries)}
	for _, e := range s.usage.entries {
		status.InputTokens += e.InputTokens
		status.OutputTokens += e.OutputTokens
		if status.SinceMs == 0 || e.AtMs < status.SinceMs {
			status.SinceMs = e.AtMs
		}
	}
	return status
}
