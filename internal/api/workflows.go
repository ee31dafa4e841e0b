package api

import (
	"context"
	"net/http"
	"strconv"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/task"
	"SmartFlow-Orchestrator/internal/workflow"
)

// executeRequest 是工作流定义加初始上下文的扁平请求体。
type executeRequest struct {
	workflow.Workflow
	Context map[string]any `json:"context"`
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, s.opts.MaxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	result := s.deps.Engine.Execute(context.WithoutCancel(r.Context()), req.Workflow, req.Context)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.deps.Engine.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(workflows), "workflows": workflows})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Engine.LoadWorkflow(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "workflow": wf})
}

func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if err := decodeJSON(r, s.opts.MaxBodyBytes, &wf); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Engine.SaveWorkflow(r.Context(), wf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "workflow_id": wf.ID})
}

func (s *Server) handleActiveWorkflows(w http.ResponseWriter, _ *http.Request) {
	active := s.deps.Engine.Active()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(active), "workflows": active})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Async workflow runs are not enabled"))
		return
	}
	var req task.SubmitRequest
	if err := decodeJSON(r, s.opts.MaxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	run, err := s.deps.Runs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "run": run})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Async workflow runs are not enabled"))
		return
	}
	run, err := s.deps.Runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "run": run})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Async workflow runs are not enabled"))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	runs, err := s.deps.Runs.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(runs), "runs": runs})
}
