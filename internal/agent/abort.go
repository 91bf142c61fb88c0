package agent

import "sync"

// AbortRegistry is the set of runIds with an abort requested. The agent
// loop polls it between tool iterations and returns when its run is marked.
type AbortRegistry struct {
	mu   sync.Mutex
	runs map[string]struct{}
}

func NewAbortRegistry() *AbortRegistry {
	return &AbortRegistry{runs: make(map[string]struct{})}
}

// Request marks a run for abort. Idempotent.
func (a *AbortRegistry) Request(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs[runID] = struct{}{}
}

// Requested reports whether an abort has been requested for runID.
func (a *AbortRegistry) Requested(runID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.runs[runID]
	return ok
}

// Clear removes the flag once the run has terminated.
func (a *AbortRegistry) Clear(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.runs, runID)
}
