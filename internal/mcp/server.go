package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/yoke/internal/intervention"
	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/orchestrator"
	"github.com/joescharf/yoke/internal/reaper"
	"github.com/joescharf/yoke/internal/store"
)

// Server wraps the yoke control plane and exposes it as MCP tools.
type Server struct {
	store  store.Store
	orch   *orchestrator.Orchestrator
	pauses *intervention.PauseManager
	reaper *reaper.Reaper
	logger *slog.Logger
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(s store.Store, o *orchestrator.Orchestrator, pm *intervention.PauseManager, r *reaper.Reaper, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if pm == nil {
		pm = intervention.NewPauseManager(s, logger)
	}
	return &Server{store: s, orch: o, pauses: pm, reaper: r, logger: logger}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("yoke", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listProjectsTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.stopSessionTool())
	srv.AddTool(s.stopAfterCurrentTool())
	srv.AddTool(s.activePausesTool())
	srv.AddTool(s.resumePauseTool())
	srv.AddTool(s.reapTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// yoke_list_projects
func (s *Server) listProjectsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("yoke_list_projects",
		mcp.WithDescription("List all projects with their initialization state, loop settings and the currently running session, if any."),
	)
	return tool, s.handleListProjects
}

func (s *Server) handleListProjects(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list projects: %v", err)), nil
	}

	type projectOut struct {
		ID               string `json:"id"`
		Name             string `json:"name"`
		Path             string `json:"path"`
		Initialized      bool   `json:"initialized"`
		AutoContinue     bool   `json:"auto_continue"`
		StopAfterCurrent bool   `json:"stop_after_current"`
		MaxIterations    *int   `json:"max_iterations,omitempty"`
		RunningSession   string `json:"running_session,omitempty"`
	}

	out := make([]projectOut, len(projects))
	for i, p := range projects {
		out[i] = projectOut{
			ID:               p.ID,
			Name:             p.Name,
			Path:             p.Path,
			Initialized:      p.Initialized,
			AutoContinue:     p.Settings.AutoContinue,
			StopAfterCurrent: p.Settings.StopAfterCurrent,
			MaxIterations:    p.Settings.MaxIterations,
		}
		if running, err := s.store.GetRunningSession(ctx, p.ID); err == nil {
			out[i].RunningSession = running.ID
		}
	}
	return jsonResult(out)
}

// yoke_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("yoke_list_sessions",
		mcp.WithDescription("List sessions for a project, newest first. Resolves project by name or ID."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or ID")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions to return (default 20)")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	p, err := s.resolveProject(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", ref)), nil
	}

	sessions, err := s.store.ListSessions(ctx, p.ID, request.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	type sessionOut struct {
		ID                 string `json:"id"`
		Number             int    `json:"number"`
		Type               string `json:"type"`
		Status             string `json:"status"`
		Model              string `json:"model"`
		StartedAt          string `json:"started_at,omitempty"`
		EndedAt            string `json:"ended_at,omitempty"`
		ErrorMessage       string `json:"error_message,omitempty"`
		InterruptionReason string `json:"interruption_reason,omitempty"`
	}

	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionOut{
			ID:                 sess.ID,
			Number:             sess.SessionNumber,
			Type:               string(sess.Type),
			Status:             string(sess.Status),
			Model:              sess.Model,
			ErrorMessage:       sess.ErrorMessage,
			InterruptionReason: sess.InterruptionReason,
		}
		if sess.StartedAt != nil {
			out[i].StartedAt = sess.StartedAt.Format(time.RFC3339)
		}
		if sess.EndedAt != nil {
			out[i].EndedAt = sess.EndedAt.Format(time.RFC3339)
		}
	}
	return jsonResult(out)
}

// yoke_stop_session
func (s *Server) stopSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("yoke_stop_session",
		mcp.WithDescription("Stop a running session. The session is marked interrupted and its agent is cancelled. Reports stopped=false if the session was not running."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("reason", mcp.Description("Interruption reason recorded on the session")),
	)
	return tool, s.handleStopSession
}

func (s *Server) handleStopSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	reason := request.GetString("reason", orchestrator.StopReason)

	stopped, err := s.orch.StopSession(ctx, id, reason)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to stop session: %v", err)), nil
	}

	result := map[string]any{"session_id": id, "stopped": stopped}
	if sess, err := s.store.GetSession(ctx, id); err == nil {
		result["status"] = string(sess.Status)
	}
	return jsonResult(result)
}

// yoke_stop_after_current
func (s *Server) stopAfterCurrentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("yoke_stop_after_current",
		mcp.WithDescription("Ask a project's coding loop to stop once the in-flight session finishes. Pass clear=true to withdraw the request."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or ID")),
		mcp.WithBoolean("clear", mcp.Description("Clear the flag instead of setting it")),
	)
	return tool, s.handleStopAfterCurrent
}

func (s *Server) handleStopAfterCurrent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	p, err := s.resolveProject(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", ref)), nil
	}

	stop := !request.GetBool("clear", false)
	if err := s.orch.SetStopAfterCurrent(ctx, p.ID, stop); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update project: %v", err)), nil
	}
	return jsonResult(map[string]any{"project": p.Name, "stop_after_current": stop})
}

// yoke_active_pauses
func (s *Server) activePausesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("yoke_active_pauses",
		mcp.WithDescription("List unresolved paused sessions awaiting human intervention, newest first."),
		mcp.WithString("project", mcp.Description("Filter by project name or ID")),
	)
	return tool, s.handleActivePauses
}

func (s *Server) handleActivePauses(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var projectID string
	if ref := request.GetString("project", ""); ref != "" {
		p, err := s.resolveProject(ctx, ref)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", ref)), nil
		}
		projectID = p.ID
	}

	pauses, err := s.pauses.ActivePauses(ctx, projectID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list pauses: %v", err)), nil
	}

	type pauseOut struct {
		ID            string                      `json:"id"`
		ProjectID     string                      `json:"project_id"`
		SessionID     string                      `json:"session_id"`
		Type          string                      `json:"type"`
		Reason        string                      `json:"reason"`
		CurrentTask   string                      `json:"current_task,omitempty"`
		RetryStats    map[models.BlockerClass]int `json:"retry_stats,omitempty"`
		PausedAt      string                      `json:"paused_at"`
		CanAutoResume bool                        `json:"can_auto_resume"`
	}

	out := make([]pauseOut, len(pauses))
	for i, ps := range pauses {
		out[i] = pauseOut{
			ID:          ps.ID,
			ProjectID:   ps.ProjectID,
			SessionID:   ps.SessionID,
			Type:        string(ps.PauseType),
			Reason:      ps.Reason,
			CurrentTask: ps.CurrentTask,
			RetryStats:  ps.RetryStats,
			PausedAt:    ps.CreatedAt.Format(time.RFC3339),
		}
		out[i].CanAutoResume, _ = s.pauses.CanAutoResume(ctx, ps.ID)
	}
	return jsonResult(out)
}

// yoke_resume_pause
func (s *Server) resumePauseTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("yoke_resume_pause",
		mcp.WithDescription("Resolve a paused session and start a continuation session of the same type carrying the pause context and resolution notes."),
		mcp.WithString("paused_id", mcp.Required(), mcp.Description("Paused session ID")),
		mcp.WithString("notes", mcp.Description("What the operator did to resolve the blocker")),
		mcp.WithString("resolved_by", mcp.Description("Who resolved the pause (default: mcp)")),
	)
	return tool, s.handleResumePause
}

func (s *Server) handleResumePause(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("paused_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: paused_id"), nil
	}
	notes := request.GetString("notes", "")
	resolvedBy := request.GetString("resolved_by", "mcp")

	rc, task, err := s.orch.ResumePausedAsync(ctx, id, resolvedBy, notes)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return mcp.NewToolResultError(fmt.Sprintf("paused session not found or already resolved: %s", id)), nil
		case errors.Is(err, orchestrator.ErrTaskRunning), errors.Is(err, store.ErrAlreadyRunning):
			return mcp.NewToolResultError(fmt.Sprintf("project is busy: %v", err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to resume: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"paused_id":   id,
		"project_id":  rc.ProjectID,
		"resolved_by": resolvedBy,
		"task":        task.Kind,
		"started_at":  task.StartedAt.Format(time.RFC3339),
	})
}

// yoke_reap
func (s *Server) reapTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("yoke_reap",
		mcp.WithDescription("Run one stale-session sweep now. Running sessions whose heartbeat is older than the stale threshold are marked interrupted."),
	)
	return tool, s.handleReap
}

func (s *Server) handleReap(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.reaper == nil {
		return mcp.NewToolResultError("reaper is not configured"), nil
	}
	n, err := s.reaper.ReapNow(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reap failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"reaped":    n,
		"threshold": s.reaper.StaleThreshold().String(),
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// resolveProject tries to find a project by name first, then by ID.
func (s *Server) resolveProject(ctx context.Context, ref string) (*models.Project, error) {
	if p, err := s.store.GetProjectByName(ctx, ref); err == nil {
		return p, nil
	}
	if p, err := s.store.GetProject(ctx, ref); err == nil {
		return p, nil
	}
	return nil, fmt.Errorf("project not found: %s", ref)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
