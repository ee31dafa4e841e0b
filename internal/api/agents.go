package api

import (
	"log/slog"
	"net/http"

	"SmartFlow-Orchestrator/internal/agent"
	"SmartFlow-Orchestrator/internal/connector"
	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/pkg/logger"
)

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, s.opts.MaxBodyBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	manifest, err := agent.DecodeManifest(body)
	if err != nil {
		writeError(w, err)
		return
	}
	registered, err := s.deps.Agents.Register(r.Context(), manifest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "agent": registered})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeAgents(w, s.deps.Agents.List())
}

func (s *Server) handleAgentsByCapability(w http.ResponseWriter, r *http.Request) {
	writeAgents(w, s.deps.Agents.FindByCapability(r.PathValue("capability")))
}

func (s *Server) handleAgentsByPlatform(w http.ResponseWriter, r *http.Request) {
	writeAgents(w, s.deps.Agents.FindByPlatform(r.PathValue("platform")))
}

func (s *Server) handleAgentsByApp(w http.ResponseWriter, r *http.Request) {
	writeAgents(w, s.deps.Agents.FindByApp(r.PathValue("app")))
}

func writeAgents(w http.ResponseWriter, agents []agent.Agent) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(agents), "agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	found, ok := s.deps.Agents.Get(id)
	if !ok {
		writeError(w, xerrors.Newf(xerrors.CodeNotFound, "Agent not found: %s", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "agent": found})
}

func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Agents.Unregister(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Agent unregistered: " + id})
}

// handleInvokeAgent 直接调用智能体所属平台的连接器，成功的输出会写入 agent-outputs。
func (s *Server) handleInvokeAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	found, ok := s.deps.Agents.Get(id)
	if !ok {
		writeError(w, xerrors.Newf(xerrors.CodeNotFound, "Agent not found: %s", id))
		return
	}
	var task connector.Task
	if err := decodeJSON(r, s.opts.MaxBodyBytes, &task); err != nil {
		writeError(w, err)
		return
	}
	if task.SystemPrompt == "" {
		task.SystemPrompt = found.SystemPrompt
	}
	if task.Model == "" {
		task.Model = found.Model
	}

	result, err := s.deps.Connectors.Invoke(r.Context(), found.Platform, id, task)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Agents.RecordInvocation(id)
	if result.Success && s.deps.State != nil {
		meta := map[string]any{"action": task.Action, "platform": found.Platform}
		if _, err := s.deps.State.StoreAgentOutput(r.Context(), id, result.Output, meta); err != nil {
			s.log.Warn("保存智能体输出失败", slog.String("agent_id", logger.Sanitize(id)), slog.Any("error", err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}
