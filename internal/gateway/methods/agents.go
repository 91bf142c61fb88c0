package methods

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/clawgate/internal/agents"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// RegisterAgents installs the agent definition and agent file methods.
func RegisterAgents(s *gateway.Server) {
	r := s.Router()

	r.Register(protocol.MethodAgentsList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{"agents": s.Agents().List()})
	})

	r.Register(protocol.MethodAgentsCreate, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var def agents.Definition
		if err := json.Unmarshal(req.Params, &def); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed agent definition")
		}
		created, err := s.Agents().Create(def)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error())
		}
		return protocol.NewOKResponse(req.ID, created)
	})

	r.Register(protocol.MethodAgentsUpdate, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var def agents.Definition
		if err := json.Unmarshal(req.Params, &def); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed agent definition")
		}
		updated, err := s.Agents().Update(def)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, updated)
	})

	r.Register(protocol.MethodAgentsDelete, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required")
		}
		if err := s.Agents().Delete(p.ID); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"deleted": p.ID})
	})

	r.Register(protocol.MethodAgentsFileList, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			AgentID string `json:"agentId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.AgentID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "agentId is required")
		}
		files, err := s.Agents().ListFiles(p.AgentID)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"files": files})
	})

	r.Register(protocol.MethodAgentsFileGet, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			AgentID string `json:"agentId"`
			Name    string `json:"name"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.AgentID == "" || p.Name == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "agentId and name are required")
		}
		content, missing, err := s.Agents().GetFile(p.AgentID, p.Name)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{
			"agentId": p.AgentID, "name": p.Name, "content": content, "missing": missing,
		})
	})

	r.Register(protocol.MethodAgentsFileSet, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			AgentID string `json:"agentId"`
			Name    string `json:"name"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.AgentID == "" || p.Name == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "agentId and name are required")
		}
		if err := s.Agents().SetFile(p.AgentID, p.Name, p.Content); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error())
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"agentId": p.AgentID, "name": p.Name})
	})

	r.Register(protocol.MethodAgentIdentityGet, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			AgentID string `json:"agentId"`
		}
		json.Unmarshal(req.Params, &p)
		if p.AgentID == "" {
			p.AgentID = "main"
		}
		def, err := s.Agents().Get(p.AgentID)
		if err != nil {
			// Identity is best-effort: an unconfigured agent still has one.
			def = agents.Definition{ID: p.AgentID}
		}
		identity := map[string]any{
			"agentId":  def.ID,
			"name":     def.Name,
			"model":    def.Model,
			"provider": def.Provider,
		}
		if content, missing, err := s.Agents().GetFile(p.AgentID, "prompt.md"); err == nil && !missing {
			identity["prompt"] = content
		}
		return protocol.NewOKResponse(req.ID, identity)
	})
}
