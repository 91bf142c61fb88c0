package methods

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/lanes"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

type runParams struct {
	SessionKey     string `json:"sessionKey,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
	Channel        string `json:"channel,omitempty"`
	ChatID         string `json:"chatId,omitempty"`
	IsGroup        bool   `json:"isGroup,omitempty"`
	Message        string `json:"message"`
	RunID          string `json:"runId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	// agent.wait inlined into agent when set: block until the run finishes.
	ExpectFinal bool `json:"expectFinal,omitempty"`
	TimeoutMs   int  `json:"timeoutMs,omitempty"`
}

// sessionKeyFor derives the canonical key when the caller passed channel
// coordinates instead of an explicit key.
func (p *runParams) sessionKeyFor() string {
	if p.SessionKey != "" {
		return p.SessionKey
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = "main"
	}
	if p.Channel == "" || p.ChatID == "" {
		return sessions.BuildMainSessionKey(agentID)
	}
	return sessions.BuildSessionKey(agentID, p.Channel, sessions.PeerKindFromGroup(p.IsGroup), p.ChatID)
}

// RegisterChat installs the chat and agent-run methods.
func RegisterChat(s *gateway.Server) {
	r := s.Router()

	r.Register(protocol.MethodAgent, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return handleAgentRun(ctx, s, req)
	})
	r.Register(protocol.MethodChatSend, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return handleAgentRun(ctx, s, req)
	})

	r.Register(protocol.MethodAgentWait, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			RunID     string `json:"runId"`
			TimeoutMs int    `json:"timeoutMs,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RunID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "runId is required")
		}
		view, done := waitForRun(s, p.RunID, p.TimeoutMs)
		if view.RunID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "run "+p.RunID+" not found")
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"run": view, "done": done})
	})

	r.Register(protocol.MethodChatInject, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			SessionKey string `json:"sessionKey"`
			Role       string `json:"role,omitempty"`
			Message    string `json:"message"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.SessionKey == "" || p.Message == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionKey and message are required")
		}
		if p.Role == "" {
			p.Role = "system"
		}
		s.Sessions().GetOrCreate(p.SessionKey)
		s.Sessions().AddMessage(p.SessionKey, sessions.Message{Role: p.Role, Content: p.Message})
		if err := s.Sessions().Save(p.SessionKey); err != nil {
			slog.Warn("chat.session_save_failed", "sessionKey", p.SessionKey, "error", err)
		}
		s.BroadcastChat(p.SessionKey, map[string]any{
			"sessionKey": p.SessionKey,
			"state":      "injected",
			"role":       p.Role,
			"text":       p.Message,
		})
		return protocol.NewOKResponse(req.ID, map[string]any{"sessionKey": p.SessionKey, "injected": true})
	})

	r.Register(protocol.MethodChatAbort, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			RunID      string `json:"runId,omitempty"`
			SessionKey string `json:"sessionKey,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || (p.RunID == "" && p.SessionKey == "") {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "runId or sessionKey is required")
		}
		runID := p.RunID
		if runID == "" {
			id, ok := s.Lanes().RunningFor(p.SessionKey)
			if !ok {
				return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "no running job for session")
			}
			runID = id
		} else if view, ok := s.Lanes().Get(runID); !ok || lanes.Terminal(view.Status) {
			// A flag for a finished run would never be cleared and could
			// kill a later run reusing the same idempotency key.
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "run "+runID+" is not live")
		}
		s.Aborts().Request(runID)
		slog.Info("chat.abort_requested", "runId", runID)
		return protocol.NewOKResponse(req.ID, map[string]any{"runId": runID, "abortRequested": true})
	})

	r.Register(protocol.MethodChatHistory, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			SessionKey string `json:"sessionKey"`
			Limit      int    `json:"limit,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.SessionKey == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionKey is required")
		}
		msgs := s.Sessions().History(p.SessionKey)
		if p.Limit > 0 && len(msgs) > p.Limit {
			msgs = msgs[len(msgs)-p.Limit:]
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"sessionKey": p.SessionKey, "messages": msgs})
	})
}

func handleAgentRun(ctx context.Context, s *gateway.Server, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var p runParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Message == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "message is required")
	}
	sessionKey := p.sessionKeyFor()
	runID := p.RunID
	if runID == "" {
		if p.IdempotencyKey != "" {
			runID = p.IdempotencyKey
		} else {
			runID = uuid.NewString()
		}
	}

	admission := SubmitRun(s, runID, sessionKey, p.Message, p.AgentID, p.Channel)
	if admission.Status == lanes.AdmitQueueFull {
		return protocol.NewErrorResponse(req.ID, protocol.ErrQueueFull, "session lane queue is full")
	}

	// Fresh admissions answer "started" on chat.send and "accepted" on agent.
	status := admission.Status
	if req.Method == protocol.MethodAgent && status == lanes.AdmitStarted {
		status = "accepted"
	}

	if p.ExpectFinal {
		view, _ := waitForRun(s, runID, p.TimeoutMs)
		return protocol.NewOKResponse(req.ID, map[string]any{
			"runId": runID, "sessionKey": sessionKey,
			"status": status, "run": view,
		})
	}
	return protocol.NewOKResponse(req.ID, map[string]any{
		"runId":      runID,
		"sessionKey": sessionKey,
		"status":     status,
		"position":   admission.Position,
		"queueDepth": admission.QueueDepth,
	})
}

func waitForRun(s *gateway.Server, runID string, timeoutMs int) (lanes.JobView, bool) {
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return s.Lanes().Wait(runID, timeout)
}

// SubmitRun admits an agent run into its session lane. The run executes on
// the lane's goroutine; callers observe it through chat events or agent.wait.
func SubmitRun(s *gateway.Server, runID, sessionKey, message, agentID, channel string) lanes.Admission {
	return s.Lanes().Submit(runID, sessionKey, func(job *lanes.Job) {
		executeRun(s, job, message, agentID, channel)
	})
}

// executeRun drives one admitted run to completion. The context is detached
// from the submitting connection so a disconnect does not kill the run.
func executeRun(s *gateway.Server, job *lanes.Job, message, agentID, channel string) {
	ctx := context.Background()
	runID := job.RunID
	sessionKey := job.SessionKey

	rt := s.Traces().Begin(ctx, runID, sessionKey, message)
	rt.AddStep("message", message)

	sess := s.Sessions().GetOrCreate(sessionKey)
	s.Sessions().AddMessage(sessionKey, sessions.Message{Role: "user", Content: message})
	if channel != "" && sess.Channel == "" {
		s.Sessions().UpdateMetadata(sessionKey, "", "", channel)
	}

	result, err := s.Runner().ProcessDirect(ctx, agent.RunRequest{
		RunID:      runID,
		SessionKey: sessionKey,
		Message:    message,
		AgentID:    agentID,
		Channel:    channel,
		OnDelta: func(text string) {
			rt.AddStep("delta", text)
			s.BroadcastChat(sessionKey, map[string]any{
				"sessionKey": sessionKey, "runId": runID,
				"state": protocol.ChatStateDelta, "text": text,
			})
		},
	})

	// The flag is dropped on every outcome: an abort that raced a natural
	// completion must not linger.
	defer s.Aborts().Clear(runID)

	switch {
	case s.Aborts().Requested(runID):
		s.Traces().Complete(ctx, runID, "aborted", "")
		s.Lanes().Complete(runID, lanes.StatusAborted, nil, "")
		s.BroadcastChat(sessionKey, map[string]any{
			"sessionKey": sessionKey, "runId": runID, "state": protocol.ChatStateAborted,
		})
		slog.Info("chat.run_aborted", "runId", runID, "sessionKey", sessionKey)

	case err != nil:
		rt.AddStep("error", err.Error())
		s.Traces().Complete(ctx, runID, "error", err.Error())
		s.Lanes().Complete(runID, lanes.StatusError, nil, err.Error())
		s.BroadcastChat(sessionKey, map[string]any{
			"sessionKey": sessionKey, "runId": runID,
			"state": protocol.ChatStateError, "error": err.Error(),
		})
		slog.Error("chat.run_failed", "runId", runID, "sessionKey", sessionKey, "error", err)

	default:
		for _, tool := range result.ToolsUsed {
			rt.ToolUsed(tool)
		}
		s.Sessions().AddMessage(sessionKey, sessions.Message{Role: "assistant", Content: result.Content})
		s.Sessions().AccumulateUsage(sessionKey, runID, "", int64(result.InputTokens), int64(result.OutputTokens))
		if serr := s.Sessions().Save(sessionKey); serr != nil {
			slog.Warn("chat.session_save_failed", "sessionKey", sessionKey, "error", serr)
		}
		s.Traces().Complete(ctx, runID, "ok", "")
		s.Lanes().Complete(runID, lanes.StatusOK, result, "")
		s.BroadcastChat(sessionKey, map[string]any{
			"sessionKey": sessionKey, "runId": runID,
			"state": protocol.ChatStateFinal, "text": result.Content,
		})
		slog.Info("chat.run_completed", "runId", runID, "sessionKey", sessionKey)
	}
}
