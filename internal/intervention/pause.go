package intervention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/store"
)

// DefaultHistoryLimit bounds InterventionHistory when the caller passes 0.
const DefaultHistoryLimit = 50

// PauseRequest describes a pause the orchestrator has decided on.
type PauseRequest struct {
	SessionID   string
	ProjectID   string
	Reason      string
	PauseType   models.PauseType
	CurrentTask string
	// Tracker, when set, supplies the blocker and retry stats snapshot.
	Tracker *Tracker
	// Blocker overrides the tracker's last blocker.
	Blocker *models.Blocker
}

// ResumeContext is everything needed to start a fresh unit of work that
// continues a paused task.
type ResumeContext struct {
	PausedID        string
	SessionID       string
	ProjectID       string
	ProjectName     string
	ProjectPath     string
	CurrentTask     string
	PauseReason     string
	ResolvedBy      string
	ResolutionNotes string
	ResumePrompt    string
}

// PauseManager persists pause snapshots and resolves them back into resume
// contexts.
type PauseManager struct {
	store  store.Store
	logger *slog.Logger
}

// NewPauseManager creates a PauseManager backed by s.
func NewPauseManager(s store.Store, logger *slog.Logger) *PauseManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PauseManager{store: s, logger: logger}
}

// Pause persists a PausedSession and returns its ID. The session's status
// is left for the caller to set.
func (m *PauseManager) Pause(ctx context.Context, req PauseRequest) (string, error) {
	ps := &models.PausedSession{
		SessionID:   req.SessionID,
		ProjectID:   req.ProjectID,
		Reason:      req.Reason,
		PauseType:   req.PauseType,
		BlockerInfo: req.Blocker,
		CurrentTask: req.CurrentTask,
	}
	if req.Tracker != nil {
		ps.RetryStats = req.Tracker.Stats()
		if ps.BlockerInfo == nil {
			ps.BlockerInfo = req.Tracker.LastBlocker()
		}
	}
	ps.CanAutoResume = autoResumable(ps)
	ps.ResumePrompt = ResumePrompt(ps, "")

	if err := m.store.CreatePausedSession(ctx, ps); err != nil {
		return "", fmt.Errorf("pause session %s: %w", req.SessionID, err)
	}

	m.logger.Info("session paused",
		"paused_id", ps.ID,
		"session_id", ps.SessionID,
		"project_id", ps.ProjectID,
		"pause_type", ps.PauseType,
		"reason", ps.Reason,
	)
	return ps.ID, nil
}

// Resume marks an unresolved pause resolved and builds its resume context.
// A missing or already resolved pause yields store.ErrNotFound.
func (m *PauseManager) Resume(ctx context.Context, pausedID, resolvedBy, notes string) (*ResumeContext, error) {
	if resolvedBy == "" {
		resolvedBy = "system"
	}
	ps, err := m.store.ResolvePausedSession(ctx, pausedID, resolvedBy, notes)
	if err != nil {
		return nil, fmt.Errorf("resume paused session: %w", err)
	}

	p, err := m.store.GetProject(ctx, ps.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("resume paused session: %w", err)
	}

	m.logger.Info("paused session resolved",
		"paused_id", ps.ID,
		"project", p.Name,
		"resolved_by", resolvedBy,
	)

	return &ResumeContext{
		PausedID:        ps.ID,
		SessionID:       ps.SessionID,
		ProjectID:       p.ID,
		ProjectName:     p.Name,
		ProjectPath:     p.Path,
		CurrentTask:     ps.CurrentTask,
		PauseReason:     ps.Reason,
		ResolvedBy:      resolvedBy,
		ResolutionNotes: notes,
		ResumePrompt:    ResumePrompt(ps, notes),
	}, nil
}

// Reopen marks a resolved pause unresolved again. Used when the
// continuation session could not be started.
func (m *PauseManager) Reopen(ctx context.Context, pausedID string) error {
	if err := m.store.ReopenPausedSession(ctx, pausedID); err != nil {
		return fmt.Errorf("reopen paused session: %w", err)
	}
	m.logger.Info("paused session reopened", "paused_id", pausedID)
	return nil
}

// Supersede resolves every open pause of sessionID as "system" with note.
// It returns the number of pauses resolved.
func (m *PauseManager) Supersede(ctx context.Context, sessionID, note string) (int, error) {
	resolved := false
	open, err := m.store.ListPausedSessions(ctx, store.PauseFilter{SessionID: sessionID, Resolved: &resolved})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ps := range open {
		_, err := m.store.ResolvePausedSession(ctx, ps.ID, "system", note)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		m.logger.Info("paused session superseded", "paused_id", ps.ID, "session_id", sessionID, "note", note)
	}
	return n, nil
}

// ActivePauses lists unresolved pauses, newest first. An empty projectID
// lists across all projects.
func (m *PauseManager) ActivePauses(ctx context.Context, projectID string) ([]*models.PausedSession, error) {
	resolved := false
	return m.store.ListPausedSessions(ctx, store.PauseFilter{ProjectID: projectID, Resolved: &resolved})
}

// InterventionHistory lists resolved pauses, newest first.
func (m *PauseManager) InterventionHistory(ctx context.Context, projectID string, limit int) ([]*models.PausedSession, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	resolved := true
	return m.store.ListPausedSessions(ctx, store.PauseFilter{ProjectID: projectID, Resolved: &resolved, Limit: limit})
}

// CanAutoResume reports whether an unresolved pause may be resumed without
// an operator. Unknown or resolved pauses report false.
func (m *PauseManager) CanAutoResume(ctx context.Context, pausedID string) (bool, error) {
	ps, err := m.store.GetPausedSession(ctx, pausedID)
	if err != nil {
		return false, err
	}
	return ps.CanAutoResume && !ps.Resolved, nil
}

// autoResumable marks pauses caused by environment flakiness as safe to
// retry unattended. Critical blockers and operator pauses always need a human.
func autoResumable(ps *models.PausedSession) bool {
	switch ps.PauseType {
	case models.PauseTypeTimeout:
		return true
	case models.PauseTypeRetryLimit:
		return ps.BlockerInfo != nil && ps.BlockerInfo.Class != models.BlockerUnknown
	}
	return false
}

// ResumePrompt renders the prompt that opens the continuation session. It
// always carries the original pause reason verbatim.
func ResumePrompt(ps *models.PausedSession, notes string) string {
	var b strings.Builder
	b.WriteString("## Session Resume\n")
	fmt.Fprintf(&b, "This session was paused due to: %s\n", ps.Reason)
	if notes != "" {
		fmt.Fprintf(&b, "\n**Resolution:** %s\n", notes)
	}
	if ps.CurrentTask != "" {
		fmt.Fprintf(&b, "\n**Current Task:** %s\n", ps.CurrentTask)
	}
	if ps.BlockerInfo != nil {
		fmt.Fprintf(&b, "\n**Previous Blocker:** %s\n", ps.BlockerInfo.Class)
	}
	b.WriteString("\n## Instructions\n")
	b.WriteString("1. Verify the issue has been resolved\n")
	b.WriteString("2. Continue with the current task if not completed\n")
	b.WriteString("3. If still blocked, document the issue and move to next task\n")
	return b.String()
}
