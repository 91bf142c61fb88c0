package nodes

// platformDefaults maps a declared platform to the commands the gateway
// trusts that platform to run by default.
var platformDefaults = map[string][]string{
	"darwin": {
		"agent.run", "browser.proxy", "canvas.render", "system.probe",
		"screen.capture", "voice.listen", "notify.show",
	},
	"linux": {
		"agent.run", "browser.proxy", "canvas.render", "system.probe",
		"screen.capture",
	},
	"windows": {
		"agent.run", "browser.proxy", "canvas.render", "system.probe",
	},
	"ios": {
		"canvas.render", "voice.listen", "notify.show",
	},
	"android": {
		"canvas.render", "voice.listen", "notify.show",
	},
}

// EffectiveCommands is the intersection of the node's declared commands and
// the platform-default allowlist, adjusted by config additions/removals.
// An empty declared list disables invocation entirely.
func (r *Registry) EffectiveCommands(s *Session) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveCommandsLocked(s)
}

func (r *Registry) effectiveCommandsLocked(s *Session) []string {
	if len(s.Commands) == 0 {
		return nil
	}
	allowed := make(map[string]bool)
	for _, c := range platformDefaults[s.Platform] {
		allowed[c] = true
	}
	for _, c := range r.extraAllow {
		allowed[c] = true
	}
	for _, c := range r.deny {
		delete(allowed, c)
	}

	var out []string
	for _, c := range s.Commands {
		if allowed[c] {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) commandAllowedLocked(s *Session, command string) bool {
	for _, c := range r.effectiveCommandsLocked(s) {
		if c == command {
			return true
		}
	}
	return false
}
