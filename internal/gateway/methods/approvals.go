package methods

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/approvals"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// RegisterApprovals installs the exec-approval flow and policy methods.
func RegisterApprovals(s *gateway.Server) {
	r := s.Router()

	// Two modes: twoPhase acknowledges with status accepted and the caller
	// collects the decision via exec.approval.wait; otherwise the request
	// blocks until an operator resolves it or the timeout expires.
	r.Register(protocol.MethodExecApprovalRequest, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			ID        string            `json:"id,omitempty"`
			Command   string            `json:"command,omitempty"`
			Request   approvals.Request `json:"request"`
			TwoPhase  bool              `json:"twoPhase,omitempty"`
			TimeoutMs int               `json:"timeoutMs,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed approval request")
		}
		if p.Request.Command == "" {
			p.Request.Command = p.Command
		}
		if p.Request.Command == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "command is required")
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		timeout := time.Duration(p.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = time.Duration(s.Config().ApprovalsSection().DefaultTimeout()) * time.Millisecond
		}
		requestedBy := client.DeviceID()
		if requestedBy == "" {
			requestedBy = client.NodeID()
		}
		rec, err := s.Approvals().Admit(p.ID, p.Request, requestedBy, timeout)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error())
		}
		if p.TwoPhase {
			return protocol.NewOKResponse(req.ID, map[string]any{
				"id": rec.ID, "status": "accepted", "record": rec,
			})
		}

		decision, final, err := s.Approvals().Await(ctx, p.ID, timeout)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error())
		}
		payload := map[string]any{"id": p.ID, "record": final}
		if decision != nil {
			payload["decision"] = *decision
		} else {
			payload["expired"] = true
		}
		return protocol.NewOKResponse(req.ID, payload)
	})

	// Blocks until an operator resolves the approval or it expires. The
	// response distinguishes the two: decision is absent on expiry.
	r.Register(protocol.MethodExecApprovalWait, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			ID        string `json:"id"`
			TimeoutMs int    `json:"timeoutMs,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required")
		}
		decision, rec, err := s.Approvals().Await(ctx, p.ID, time.Duration(p.TimeoutMs)*time.Millisecond)
		if err != nil {
			if rec == nil {
				return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
			}
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error())
		}
		payload := map[string]any{"record": rec}
		if decision != nil {
			payload["decision"] = *decision
		} else {
			payload["expired"] = true
		}
		return protocol.NewOKResponse(req.ID, payload)
	})

	r.Register(protocol.MethodExecApprovalResolve, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			ID       string `json:"id"`
			Decision string `json:"decision"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" || p.Decision == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id and decision are required")
		}
		rec, err := s.Approvals().Resolve(p.ID, p.Decision, client.DeviceID())
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error())
		}
		// allow-always also widens the originating agent's allowlist so the
		// same command stops asking.
		if p.Decision == approvals.DecisionAllowAlways && rec.Request.Command != "" {
			pol := s.Policies().GetAgent(ctx, rec.Request.AgentID)
			pol.Allowlist = appendUnique(pol.Allowlist, rec.Request.Command)
			s.Policies().SetAgent(ctx, rec.Request.AgentID, pol)
		}
		return protocol.NewOKResponse(req.ID, rec)
	})

	r.Register(protocol.MethodExecApprovalsPending, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{"pending": s.Approvals().Pending()})
	})

	r.Register(protocol.MethodExecApprovalsGet, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			AgentID string `json:"agentId,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		return protocol.NewOKResponse(req.ID, map[string]any{
			"agentId": p.AgentID,
			"policy":  s.Policies().GetAgent(ctx, p.AgentID),
		})
	})

	r.Register(protocol.MethodExecApprovalsSet, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			AgentID string           `json:"agentId,omitempty"`
			Policy  approvals.Policy `json:"policy"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed policy")
		}
		s.Policies().SetAgent(ctx, p.AgentID, p.Policy)
		return protocol.NewOKResponse(req.ID, map[string]any{"agentId": p.AgentID, "updated": true})
	})

	r.Register(protocol.MethodExecApprovalsNodeGet, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			NodeID string `json:"nodeId,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		return protocol.NewOKResponse(req.ID, map[string]any{
			"nodeId": p.NodeID,
			"policy": s.Policies().GetNode(ctx, p.NodeID),
		})
	})

	r.Register(protocol.MethodExecApprovalsNodeSet, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			NodeID string           `json:"nodeId,omitempty"`
			Policy approvals.Policy `json:"policy"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed policy")
		}
		s.Policies().SetNode(ctx, p.NodeID, p.Policy)
		return protocol.NewOKResponse(req.ID, map[string]any{"nodeId": p.NodeID, "updated": true})
	})
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}
