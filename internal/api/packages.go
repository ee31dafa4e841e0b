package api

import (
	"context"
	"net/http"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/packages"
)

func (s *Server) handleRegisterPackage(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, s.opts.MaxBodyBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	pkg, err := packages.DecodePackage(body)
	if err != nil {
		writeError(w, err)
		return
	}
	registered, err := s.deps.Packages.Register(r.Context(), pkg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "package": registered})
}

func (s *Server) handleListPackages(w http.ResponseWriter, _ *http.Request) {
	writePackages(w, s.deps.Packages.List())
}

func (s *Server) handlePackagesByCapability(w http.ResponseWriter, r *http.Request) {
	writePackages(w, s.deps.Packages.FindByCapability(r.PathValue("capability")))
}

func writePackages(w http.ResponseWriter, list []packages.Package) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(list), "packages": list})
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pkg, ok := s.deps.Packages.Get(id)
	if !ok {
		writeError(w, xerrors.Newf(xerrors.CodeNotFound, "Package not found: %s", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "package": pkg})
}

func (s *Server) handleUnregisterPackage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Packages.Unregister(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Package unregistered: " + id})
}

func (s *Server) handleExecutePackage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Context map[string]any `json:"context"`
	}
	if err := decodeJSON(r, s.opts.MaxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.deps.Packages.Execute(context.WithoutCancel(r.Context()), r.PathValue("id"), req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (s *Server) handlePackageDependencies(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deps, err := s.deps.Packages.GetDependencies(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "package_id": id, "dependencies": deps})
}

func (s *Server) handlePackageOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PackageIDs []string `json:"package_ids"`
	}
	if err := decodeJSON(r, s.opts.MaxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.PackageIDs) == 0 {
		writeError(w, xerrors.New(xerrors.CodeValidation, "Missing required field: package_ids"))
		return
	}
	order, err := s.deps.Packages.ResolveExecutionOrder(req.PackageIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "order": order})
}
