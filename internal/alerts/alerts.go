// Package alerts builds the operational alert snapshot: raw alerts are
// gathered from subsystem probes, normalized and deduplicated, then applied
// to the persisted lifecycle state.
package alerts

import (
	"sort"
	"strings"
)

// Levels.
const (
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// RawAlert is what a subsystem probe reports.
type RawAlert struct {
	Source   string `json:"source"`
	Category string `json:"category"`
	Code     string `json:"code"`
	Level    string `json:"level"`
	Priority int    `json:"priority"`
	Provider string `json:"provider,omitempty"`
	Message  string `json:"message,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// Alert is the normalized, enriched form.
type Alert struct {
	Source          string   `json:"source"`
	Category        string   `json:"category"`
	Code            string   `json:"code"`
	CanonicalCode   string   `json:"canonicalCode"`
	Aliases         []string `json:"aliases,omitempty"`
	Level           string   `json:"level"`
	Priority        int      `json:"priority"`
	DedupeKey       string   `json:"dedupeKey"`
	Group           string   `json:"group,omitempty"`
	Action          *Action  `json:"action,omitempty"`
	ActionSchema    string   `json:"actionSchema,omitempty"`
	ExecutionPolicy string   `json:"executionPolicy,omitempty"`
	Provider        string   `json:"provider,omitempty"`
	Message         string   `json:"message,omitempty"`
	Channels        []string `json:"channels,omitempty"`
}

// Action is the suggested remediation attached to an alert.
type Action struct {
	Kind    string `json:"kind"` // "navigate", "open_url", "run_command", "none"
	Target  string `json:"target,omitempty"`
	Command string `json:"command,omitempty"`
}

// enrichment is the per-code normalization rule.
type enrichment struct {
	canonical       string
	aliases         []string
	group           string
	action          *Action
	actionSchema    string
	executionPolicy string
}

var enrichments = map[string]enrichment{
	"CHANNELS_UNAVAILABLE_ALL": {
		canonical:       "CHANNELS_UNAVAILABLE_ALL",
		aliases:         []string{"ALL_CHANNELS_DOWN"},
		group:           "channels",
		action:          &Action{Kind: "navigate", Target: "/channels"},
		actionSchema:    "navigate",
		executionPolicy: "manual",
	},
	"CHANNEL_UNAVAILABLE": {
		canonical:       "CHANNEL_UNAVAILABLE",
		group:           "channels",
		action:          &Action{Kind: "navigate", Target: "/channels"},
		actionSchema:    "navigate",
		executionPolicy: "manual",
	},
	"AUTH_PROFILE_EXPIRED": {
		canonical:       "AUTH_PROFILE_EXPIRED",
		aliases:         []string{"AUTH_EXPIRED"},
		group:           "auth",
		action:          &Action{Kind: "run_command", Command: "clawgate auth refresh"},
		actionSchema:    "run_command",
		executionPolicy: "confirm",
	},
	"AUTH_PROFILE_EXHAUSTED": {
		canonical:       "AUTH_PROFILE_EXHAUSTED",
		group:           "auth",
		action:          &Action{Kind: "open_url", Target: "https://console.example.com/billing"},
		actionSchema:    "open_url",
		executionPolicy: "manual",
	},
	"CRON_JOB_FAILING": {
		canonical:       "CRON_JOB_FAILING",
		group:           "cron",
		action:          &Action{Kind: "navigate", Target: "/cron"},
		actionSchema:    "navigate",
		executionPolicy: "manual",
	},
	"WORKER_STALLED": {
		canonical:       "WORKER_STALLED",
		group:           "control-plane",
		action:          &Action{Kind: "run_command", Command: "clawgate doctor"},
		actionSchema:    "run_command",
		executionPolicy: "confirm",
	},
}

// DedupeKey builds the source:category:code:provider tuple.
func DedupeKey(source, category, code, provider string) string {
	return strings.Join([]string{source, category, code, provider}, ":")
}

// Normalize enriches, deduplicates and orders raw alerts. For a given
// dedupeKey the highest-priority copy wins within one snapshot.
func Normalize(raw []RawAlert) []Alert {
	byKey := make(map[string]Alert)
	for _, r := range raw {
		a := Alert{
			Source:        r.Source,
			Category:      r.Category,
			Code:          r.Code,
			CanonicalCode: r.Code,
			Level:         r.Level,
			Priority:      r.Priority,
			Provider:      r.Provider,
			Message:       r.Message,
			Channels:      r.Channels,
		}
		if e, ok := enrichments[r.Code]; ok {
			a.CanonicalCode = e.canonical
			a.Aliases = e.aliases
			a.Group = e.group
			a.Action = e.action
			a.ActionSchema = e.actionSchema
			a.ExecutionPolicy = e.executionPolicy
		}
		a.DedupeKey = DedupeKey(a.Source, a.Category, a.CanonicalCode, a.Provider)

		if prev, dup := byKey[a.DedupeKey]; !dup || a.Priority > prev.Priority {
			byKey[a.DedupeKey] = a
		}
	}

	out := make([]Alert, 0, len(byKey))
	for _, a := range byKey {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].CanonicalCode < out[j].CanonicalCode
	})
	return out
}

// Summary aggregates a normalized snapshot.
type Summary struct {
	Total               int            `json:"total"`
	Critical            int            `json:"critical"`
	Warning             int            `json:"warning"`
	BySource            map[string]int `json:"bySource"`
	ResolvedRecentCount int            `json:"resolvedRecentCount"`
}

// Summarize builds the summary for a normalized snapshot.
func Summarize(alerts []Alert, resolvedRecent int) Summary {
	s := Summary{BySource: make(map[string]int), ResolvedRecentCount: resolvedRecent}
	for _, a := range alerts {
		s.Total++
		switch a.Level {
		case LevelCritical:
			s.Critical++
		case LevelWarning:
			s.Warning++
		}
		s.BySource[a.Source]++
	}
	return s
}
