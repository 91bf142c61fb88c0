package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/nodes"
)

const agentRunCommand = "agent.run"

// nodeRunner dispatches agent runs to a connected node declaring the
// agent.run command. The gateway is pure control plane; the LLM loop runs
// on the node and replies through node.invoke.result.
type nodeRunner struct {
	nodes   *nodes.Registry
	timeout time.Duration
}

func newNodeRunner(reg *nodes.Registry) *nodeRunner {
	return &nodeRunner{nodes: reg, timeout: 10 * time.Minute}
}

func (r *nodeRunner) ProcessDirect(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	candidates := r.nodes.FindByCap(agentRunCommand)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no agent node connected")
	}

	params, err := json.Marshal(map[string]string{
		"runId":      req.RunID,
		"sessionKey": req.SessionKey,
		"message":    req.Message,
		"agentId":    req.AgentID,
		"channel":    req.Channel,
	})
	if err != nil {
		return nil, err
	}

	// Run idempotency rides on the runID: a retried submit replays the
	// node's buffered result instead of starting a second run.
	result, err := r.nodes.Invoke(ctx, candidates[0].NodeID, agentRunCommand, params, r.timeout, req.RunID)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, fmt.Errorf("agent run failed: %s", result.Err)
	}

	var out agent.RunResult
	if err := json.Unmarshal(result.Payload, &out); err != nil {
		return nil, fmt.Errorf("agent run returned malformed payload: %w", err)
	}
	return &out, nil
}
