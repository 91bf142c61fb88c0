// Package agent defines the contract the gateway consumes from the
// LLM-calling agent loop. The loop itself lives outside the gateway;
// the gateway only submits runs and observes deltas and the final result.
package agent

import "context"

// RunRequest is one admitted agent run.
type RunRequest struct {
	RunID      string
	SessionKey string
	Message    string
	AgentID    string
	Channel    string
	// OnDelta streams incremental output. May be nil. Called from the
	// run goroutine; implementations must be safe for that.
	OnDelta func(text string)
}

// RunResult is the final payload of a completed run.
type RunResult struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
	ToolsUsed    []string `json:"toolsUsed,omitempty"`
}

// Runner is the process_direct contract of the agent loop.
// ProcessDirect blocks until the run finishes; it should observe ctx and
// the abort registry for cooperative cancellation.
type Runner interface {
	ProcessDirect(ctx context.Context, req RunRequest) (*RunResult, error)
}
