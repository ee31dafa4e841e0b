package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/state"
	"SmartFlow-Orchestrator/pkg/logger"
)

type setStateRequest struct {
	Value    any            `json:"value"`
	TTL      json.Number    `json:"ttl,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	namespace, key := r.PathValue("namespace"), r.PathValue("key")
	var req setStateRequest
	if err := decodeJSON(r, s.opts.MaxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	opts := state.SetOptions{Namespace: namespace, Metadata: req.Metadata}
	if req.TTL != "" {
		seconds, err := req.TTL.Float64()
		if err != nil || seconds < 0 {
			writeError(w, xerrors.New(xerrors.CodeValidation, "ttl must be a non-negative number of seconds"))
			return
		}
		opts.TTL = time.Duration(seconds * float64(time.Second))
	}
	entry, err := s.deps.State.Set(r.Context(), key, req.Value, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Audit().Info("state_written",
		slog.String("namespace", logger.Sanitize(namespace)),
		slog.String("key", logger.Sanitize(key)))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entry": entry})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	namespace, key := r.PathValue("namespace"), r.PathValue("key")
	value, found, err := s.deps.State.Get(r.Context(), key, namespace)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, xerrors.Newf(xerrors.CodeNotFound, "Key not found: %s", key))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "value": value})
}

func (s *Server) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	namespace, key := r.PathValue("namespace"), r.PathValue("key")
	deleted, err := s.deps.State.Delete(r.Context(), key, namespace)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeError(w, xerrors.Newf(xerrors.CodeNotFound, "Key not found: %s", key))
		return
	}
	logger.Audit().Info("state_deleted",
		slog.String("namespace", logger.Sanitize(namespace)),
		slog.String("key", logger.Sanitize(key)))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": true})
}

func (s *Server) handleGetNamespace(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	values, err := s.deps.State.GetAll(r.Context(), namespace)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "namespace": namespace, "values": values})
}

func (s *Server) handleClearNamespace(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	cleared, err := s.deps.State.Clear(r.Context(), namespace)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Audit().Info("state_cleared", slog.String("namespace", logger.Sanitize(namespace)), slog.Int("count", cleared))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "namespace": namespace, "cleared": cleared})
}

func (s *Server) handleStateStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": s.deps.State.Stats()})
}
