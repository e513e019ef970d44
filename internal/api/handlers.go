// SPDX-License-Identifier: MPL-2.0

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relicrun/relic/internal/detect"
	"github.com/relicrun/relic/internal/history"
	"github.com/relicrun/relic/internal/issue"
	"github.com/relicrun/relic/internal/knowledge"
	"github.com/relicrun/relic/internal/orchestrate"
	"github.com/relicrun/relic/internal/pipeline"
	"github.com/relicrun/relic/internal/resolve"
	"github.com/relicrun/relic/internal/script"
)

type (
	// ScriptInput names a script on the server's filesystem or carries it
	// inline.
	ScriptInput struct {
		Path    string `json:"path,omitempty" validate:"required_without=Content,excluded_with=Content"`
		Name    string `json:"name,omitempty" validate:"required_with=Content"`
		Content string `json:"content,omitempty"`
	}

	// AnalyzeRequest is the body of POST /v1/analyze.
	AnalyzeRequest struct {
		Script ScriptInput `json:"script" validate:"required"`
	}

	// ResolveRequest is the body of POST /v1/resolve.
	ResolveRequest struct {
		Script   ScriptInput `json:"script" validate:"required"`
		Overlays []string    `json:"overlays,omitempty" validate:"dive,required"`
		Dialect  string      `json:"dialect,omitempty" validate:"omitempty,oneof=legacy modern"`
		Image    string      `json:"image,omitempty"`
	}

	// ResolveResponse pairs the detection with the resolved profile.
	ResolveResponse struct {
		Detection detect.Result    `json:"detection"`
		Profile   *resolve.Profile `json:"profile"`
	}

	// RunRequest is the body of POST /v1/runs. Relative paths are relative
	// to Project.
	RunRequest struct {
		Project         string            `json:"project" validate:"required"`
		Script          ScriptInput       `json:"script" validate:"required"`
		DataDir         string            `json:"dataDir,omitempty"`
		OutputRoot      string            `json:"outputRoot,omitempty"`
		Timeout         string            `json:"timeout,omitempty" validate:"omitempty,duration"`
		Env             map[string]string `json:"env,omitempty" validate:"dive,keys,required,excludesall==,endkeys"`
		AllowUnresolved bool              `json:"allowUnresolved,omitempty"`
	}

	// ReloadResponse describes the knowledge snapshot now in use.
	ReloadResponse struct {
		Digest   string   `json:"digest"`
		Sources  []string `json:"sources"`
		Warnings []string `json:"warnings,omitempty"`
	}

	// ErrorResponse is the body of every non-2xx response.
	ErrorResponse struct {
		Error  *issue.ErrorInfo  `json:"error"`
		Fields map[string]string `json:"fields,omitempty"`
	}
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": s.State().String()})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[AnalyzeRequest](w, r, s.validate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	src, err := loadScript(req.Script, "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	det, err := s.svc.Analyze(r.Context(), src)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, det)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[ResolveRequest](w, r, s.validate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	src, err := loadScript(req.Script, "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	det, err := s.svc.Analyze(r.Context(), src)
	if err != nil {
		s.writeError(w, err)
		return
	}
	profile, err := s.svc.Resolve(r.Context(), det, pipeline.ResolveOptions{
		Overlays: req.Overlays,
		Dialect:  detect.Dialect(req.Dialect),
		Image:    req.Image,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{Detection: det, Profile: profile})
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.svc.ReloadKnowledge()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reloadResponse(snap))
}

func reloadResponse(snap *knowledge.Snapshot) ReloadResponse {
	return ReloadResponse{Digest: snap.Digest.String(), Sources: snap.Sources, Warnings: snap.Warnings}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[RunRequest](w, r, s.validate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.svc.Orchestrator() == nil {
		s.writeError(w, pipeline.ErrNoOrchestrator)
		return
	}

	project, err := filepath.Abs(req.Project)
	if err != nil {
		s.writeError(w, &BindError{Message: "invalid project: " + err.Error()})
		return
	}
	src, err := loadScript(req.Script, project)
	if err != nil {
		s.writeError(w, err)
		return
	}

	timeout := s.defaults.Timeout
	if req.Timeout != "" {
		timeout, _ = time.ParseDuration(req.Timeout) // validated by the duration rule
	}
	env := maps.Clone(s.defaults.Env)
	if env == nil {
		env = make(map[string]string, len(req.Env))
	}
	maps.Copy(env, req.Env)

	outputRoot := req.OutputRoot
	if outputRoot == "" {
		outputRoot = s.defaults.OutputRoot
	}

	exec, err := s.svc.Run(r.Context(), orchestrate.Request{
		Project: project,
		Script:  src,
		Mounts: orchestrate.Mounts{
			DataDir:    within(project, req.DataDir),
			OutputRoot: within(project, outputRoot),
		},
		Timeout:         timeout,
		Env:             env,
		AllowUnresolved: req.AllowUnresolved,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.track(exec.ID(), newHub(exec.Events()))

	w.Header().Set("Location", "/v1/runs/"+exec.ID())
	writeJSON(w, http.StatusAccepted, exec.Summary())
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	orch := s.svc.Orchestrator()
	if orch == nil {
		s.writeError(w, pipeline.ErrNoOrchestrator)
		return
	}
	list := orch.Executions()
	slices.SortFunc(list, func(a, b orchestrate.Summary) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	exec, err := s.execution(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec.Summary())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	exec, err := s.execution(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	exec.Cancel()
	writeJSON(w, http.StatusAccepted, exec.Summary())
}

func (s *Server) execution(id string) (*orchestrate.Execution, error) {
	orch := s.svc.Orchestrator()
	if orch == nil {
		return nil, pipeline.ErrNoOrchestrator
	}
	exec, ok := orch.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", orchestrate.ErrExecutionNotFound, id)
	}
	return exec, nil
}

// handleHistory lists a project's records, newest last. ?limit=N keeps the
// newest N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	store, err := s.history(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	records, err := store.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n < 0 {
			s.writeError(w, &BindError{Message: "limit must be a non-negative integer", Fields: map[string]string{"limit": "min=0"}})
			return
		}
		if n < len(records) {
			records = records[len(records)-n:]
		}
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) history(r *http.Request) (*history.Store, error) {
	project := r.URL.Query().Get("project")
	if project == "" {
		return nil, &BindError{Message: "project query parameter is required", Fields: map[string]string{"project": "required"}}
	}
	orch := s.svc.Orchestrator()
	if orch == nil {
		return nil, pipeline.ErrNoOrchestrator
	}
	abs, err := filepath.Abs(project)
	if err != nil {
		return nil, &BindError{Message: "invalid project: " + err.Error()}
	}
	return orch.History(abs)
}

func loadScript(in ScriptInput, project string) (script.Source, error) {
	if in.Content != "" {
		src, err := script.New(in.Name, []byte(in.Content))
		if err != nil {
			return script.Source{}, &BindError{Message: err.Error(), Fields: map[string]string{"script.name": "required"}}
		}
		return src, nil
	}
	src, err := script.Load(within(project, in.Path))
	if err != nil {
		return script.Source{}, &BindError{Message: err.Error(), Fields: map[string]string{"script.path": "exists"}}
	}
	return src, nil
}

// within resolves a relative path against project; absolute and empty
// paths are returned unchanged.
func within(project, path string) string {
	if path == "" || project == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(project, path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code and an ErrorResponse.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: issue.Info(err)}
	var bindErr *BindError
	if errors.As(err, &bindErr) {
		resp.Fields = bindErr.Fields
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	var bindErr *BindError
	switch {
	case errors.As(err, &bindErr), errors.Is(err, orchestrate.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrate.ErrExecutionNotFound), errors.Is(err, history.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNoOrchestrator), errors.Is(err, issue.OrchestrationError):
		return http.StatusServiceUnavailable
	case errors.Is(err, issue.GenerationError), errors.Is(err, knowledge.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
