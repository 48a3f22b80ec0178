package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/joescharf/yoke/internal/intervention"
	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/orchestrator"
	"github.com/joescharf/yoke/internal/reaper"
	"github.com/joescharf/yoke/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	store  store.Store
	orch   *orchestrator.Orchestrator
	pauses *intervention.PauseManager
	reaper *reaper.Reaper
	logger *slog.Logger
}

// NewServer creates a new API server.
func NewServer(s store.Store, o *orchestrator.Orchestrator, pm *intervention.PauseManager, r *reaper.Reaper, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if pm == nil {
		pm = intervention.NewPauseManager(s, logger)
	}
	return &Server{store: s, orch: o, pauses: pm, reaper: r, logger: logger}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.health)

	mux.HandleFunc("GET /api/v1/projects", s.listProjects)
	mux.HandleFunc("POST /api/v1/projects", s.createProject)
	mux.HandleFunc("GET /api/v1/projects/{id}", s.getProject)
	mux.HandleFunc("PUT /api/v1/projects/{id}/settings", s.updateSettings)
	mux.HandleFunc("DELETE /api/v1/projects/{id}", s.deleteProject)

	mux.HandleFunc("POST /api/v1/projects/{id}/initialize", s.initialize)
	mux.HandleFunc("POST /api/v1/projects/{id}/initialize/cancel", s.cancelInitialize)
	mux.HandleFunc("POST /api/v1/projects/{id}/coding/start", s.startCoding)
	mux.HandleFunc("POST /api/v1/projects/{id}/reset", s.resetProject)
	mux.HandleFunc("POST /api/v1/projects/{id}/stop-after-current", s.setStopAfterCurrent)
	mux.HandleFunc("DELETE /api/v1/projects/{id}/stop-after-current", s.clearStopAfterCurrent)
	mux.HandleFunc("GET /api/v1/projects/{id}/task", s.getTask)
	mux.HandleFunc("GET /api/v1/projects/{id}/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/projects/{id}/quality", s.listQuality)

	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/stop", s.stopSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/pause", s.pauseSession)

	mux.HandleFunc("GET /api/v1/pauses", s.listPauses)
	mux.HandleFunc("GET /api/v1/pauses/history", s.pauseHistory)
	mux.HandleFunc("POST /api/v1/pauses/{id}/resume", s.resumePause)

	mux.HandleFunc("POST /api/v1/admin/reap", s.reapNow)

	return corsMiddleware(s.logRequests(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyRunning),
		errors.Is(err, store.ErrStatusMismatch),
		errors.Is(err, store.ErrProjectExists),
		errors.Is(err, orchestrator.ErrAlreadyInitialized),
		errors.Is(err, orchestrator.ErrTaskRunning),
		errors.Is(err, orchestrator.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNotInitialized):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

// decodeOptional decodes a JSON body into v, accepting an empty body.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// resolveProject looks a project up by ID, then by name.
func (s *Server) resolveProject(ctx context.Context, ref string) (*models.Project, error) {
	p, err := s.store.GetProject(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return s.store.GetProjectByName(ctx, ref)
	}
	return p, err
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.orch != nil {
		resp["tasks"] = len(s.orch.Tasks().List())
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Projects ---

type createProjectRequest struct {
	Name     string                  `json:"name"`
	Path     string                  `json:"path"`
	Settings *models.ProjectSettings `json:"settings"`
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "name and path are required")
		return
	}
	p := &models.Project{Name: req.Name, Path: req.Path}
	if req.Settings != nil {
		p.Settings = *req.Settings
	} else {
		p.Settings.AutoContinue = true
	}
	if err := s.store.CreateProject(r.Context(), p); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolveProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// updateSettings merges only the keys present in the body.
func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolveProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}

	var patch struct {
		AutoContinue     *bool   `json:"auto_continue"`
		SandboxType      *string `json:"sandbox_type"`
		CodingModel      *string `json:"coding_model"`
		InitializerModel *string `json:"initializer_model"`
		MaxIterations    *int    `json:"max_iterations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if patch.AutoContinue != nil {
		p.Settings.AutoContinue = *patch.AutoContinue
	}
	if patch.SandboxType != nil {
		p.Settings.SandboxType = *patch.SandboxType
	}
	if patch.CodingModel != nil {
		p.Settings.CodingModel = *patch.CodingModel
	}
	if patch.InitializerModel != nil {
		p.Settings.InitializerModel = *patch.InitializerModel
	}
	if patch.MaxIterations != nil {
		if *patch.MaxIterations <= 0 {
			p.Settings.MaxIterations = nil
		} else {
			p.Settings.MaxIterations = patch.MaxIterations
		}
	}

	if err := s.store.UpdateProject(r.Context(), p); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolveProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.store.GetRunningSession(r.Context(), p.ID); err == nil {
		writeError(w, http.StatusConflict, "project has a running session; stop it first")
		return
	}
	if err := s.store.DeleteProject(r.Context(), p.ID); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Lifecycle ---

type taskResponse struct {
	ProjectID string    `json:"project_id"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"started_at"`
	Running   bool      `json:"running"`
}

func newTaskResponse(t *orchestrator.Task) taskResponse {
	return taskResponse{ProjectID: t.ProjectID, Kind: t.Kind, StartedAt: t.StartedAt, Running: t.Running()}
}

func (s *Server) initialize(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolveProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	t, err := s.orch.StartInitializerAsync(r.Context(), p.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newTaskResponse(t))
}

func (s *Server) cancelInitialize(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolveProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.orch.CancelInitialization(r.Context(), p.ID); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resetResponse struct {
	SessionsDeleted int    `json:"sessions_deleted"`
	LogsArchived    int    `json:"logs_archived"`
	ArchiveDir      string `json:"archive_dir,omitempty"`
	ResetTo         string `json:"reset_to,omitempty"`
}

func (s *Server) resetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolveProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	res, err := s.orch.ResetProject(r.Context(), p.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{
		SessionsDeleted: res.SessionsDeleted,
		LogsArchived:    res.LogsArchived,
		ArchiveDir:      res.ArchiveDir,
		ResetTo:         res.ResetTo,
	})
}

type startCodingRequest struct {
	Model         string `json:"model"`
	MaxIterations *int   `json:"max_iterations"`
}

func (s *Server) startCoding(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolveProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	var req startCodingRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.MaxIterations != nil && *req.MaxIterations < 0 {
		writeError(w, http.StatusBadRequest, "max_iterations must not be negative")
		return
	}
	t, err := s.orch.StartCodingLoopAsync(r.Context(), p.ID, req.Model, req.MaxIterations)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newTaskResponse(t))
}

func (s *Server) setStopAfterCurrent(w http.ResponseWriter, r *http.Request) {
	s.writeStopFlag(w, r, true)
}

func (s *Server) clearStopAfterCurrent(w http.ResponseWriter, r *http.Request) {
	s.writeStopFlag(w, r, false)
}

func (s *Server) writeStopFlag(w http.ResponseWriter, r *http.Request, stop bool) {
	p, err := s.resolveProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.orch.SetStopAfterCurrent(r.Context(), p.ID, stop); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_id": p.ID, "stop_after_current": stop})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolveProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	t, ok := s.orch.Tasks().Get(p.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "no background task for project")
		return
	}
	writeJSON(w, http.StatusOK, newTaskResponse(t))
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolveProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), p.ID, queryInt(r, "limit", 0))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id := r.PathValue("id")
	stopped, err := s.orch.StopSession(r.Context(), id, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "stopped": stopped})
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id := r.PathValue("id")
	if err := s.orch.PauseSession(r.Context(), id, req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "pause_requested": true})
}

// --- Quality ---

func (s *Server) listQuality(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolveProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	filter := store.QualityFilter{
		ProjectID: p.ID,
		CheckType: models.CheckType(r.URL.Query().Get("type")),
		Limit:     queryInt(r, "limit", 0),
	}
	checks, err := s.store.ListQualityChecks(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checks)
}

// --- Pauses ---

func (s *Server) projectFilter(r *http.Request) (string, error) {
	ref := r.URL.Query().Get("project")
	if ref == "" {
		return "", nil
	}
	p, err := s.resolveProject(r.Context(), ref)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func (s *Server) listPauses(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.projectFilter(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	pauses, err := s.pauses.ActivePauses(r.Context(), projectID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pauses)
}

func (s *Server) pauseHistory(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.projectFilter(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	pauses, err := s.pauses.InterventionHistory(r.Context(), projectID, queryInt(r, "limit", 0))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pauses)
}

type resumeRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes"`
}

func (s *Server) resumePause(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "api"
	}
	rc, t, err := s.orch.ResumePausedAsync(r.Context(), r.PathValue("id"), req.ResolvedBy, req.Notes)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := map[string]any{"resume": rc}
	if t != nil {
		resp["task"] = newTaskResponse(t)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// --- Admin ---

func (s *Server) reapNow(w http.ResponseWriter, r *http.Request) {
	if s.reaper == nil {
		writeError(w, http.StatusServiceUnavailable, "reaper not running")
		return
	}
	n, err := s.reaper.ReapNow(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reaped": n})
}
