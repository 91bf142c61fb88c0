package alerts

import (
	"fmt"
	"sort"
	"strings"
)

// Allowed extra flags for whitelisted run_command actions.
var allowedCommandFlags = map[string]bool{
	"--verbose": true,
	"--json":    true,
	"--force":   false, // recognised but never allowed
	"-v":        true,
}

// CatalogEntry describes one validatable action per alert code.
type CatalogEntry struct {
	Code            string  `json:"code"`
	Schema          string  `json:"schema"`
	Action          *Action `json:"action,omitempty"`
	ExecutionPolicy string  `json:"executionPolicy,omitempty"`
}

// Catalog returns the server-side action catalog. Clients MUST NOT display
// an action as executable unless it validates against this catalog.
func Catalog() []CatalogEntry {
	codes := make([]string, 0, len(enrichments))
	for code := range enrichments {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	out := make([]CatalogEntry, 0, len(codes))
	for _, code := range codes {
		e := enrichments[code]
		out = append(out, CatalogEntry{
			Code:            code,
			Schema:          e.actionSchema,
			Action:          e.action,
			ExecutionPolicy: e.executionPolicy,
		})
	}
	return out
}

// ValidateAction checks a candidate action against the per-code rule:
// exact fields for navigate/open_url, prefix-matched whitelisted command
// with allowlisted extra flags for run_command, and none otherwise.
func ValidateAction(code string, candidate Action) error {
	e, ok := enrichments[code]
	if !ok || e.action == nil {
		return fmt.Errorf("no executable action for code %s", code)
	}
	if candidate.Kind != e.action.Kind {
		return fmt.Errorf("action kind %q not allowed for %s", candidate.Kind, code)
	}

	switch e.action.Kind {
	case "navigate", "open_url":
		if candidate.Target != e.action.Target {
			return fmt.Errorf("target %q does not match catalog for %s", candidate.Target, code)
		}
		if candidate.Command != "" {
			return fmt.Errorf("unexpected command for %s action", e.action.Kind)
		}
		return nil
	case "run_command":
		base := e.action.Command
		if candidate.Command == base {
			return nil
		}
		if !strings.HasPrefix(candidate.Command, base+" ") {
			return fmt.Errorf("command does not match whitelisted prefix for %s", code)
		}
		extra := strings.Fields(strings.TrimPrefix(candidate.Command, base+" "))
		for _, flag := range extra {
			if !allowedCommandFlags[flag] {
				return fmt.Errorf("flag %q not allowlisted for %s", flag, code)
			}
		}
		return nil
	default:
		return fmt.Errorf("action for %s is not executable", code)
	}
}
