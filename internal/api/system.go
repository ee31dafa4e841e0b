package api

import (
	"net/http"
)

// handleHealth 汇报各组件的概况，供 CLI 与探针使用。
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	components := map[string]any{
		"agents":     s.deps.Agents.Count(),
		"workflows":  s.deps.Engine.Stats(),
		"packages":   s.deps.Packages.Stats(),
		"connectors": s.deps.Connectors.List(),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"service":    ServiceName,
		"version":    s.opts.Version,
		"timestamp":  s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		"components": components,
	})
}

func (s *Server) handleConnectors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "connectors": s.deps.Connectors.Statuses()})
}

func (s *Server) handleTestConnectors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": s.deps.Connectors.TestAll(r.Context())})
}
