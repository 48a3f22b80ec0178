package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joescharf/yoke/internal/agent"
	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/notify"
	"github.com/joescharf/yoke/internal/store"
)

const resetNote = "Superseded by project reset"

// ResetResult reports what ResetProject changed.
type ResetResult struct {
	SessionsDeleted int
	LogsArchived    int
	ArchiveDir      string
	// ResetTo is the commit the repo was reset to, empty when git was left alone.
	ResetTo string
}

// ResetProject returns an initialized project to the state right after its
// initializer: the repo is reset to the commit the initializer ended on,
// coding sessions are deleted with their quality checks, and their
// transcripts are moved to logs/archive/<timestamp>. Their pauses are kept
// as history, open ones resolved by "system". The initializer session is
// kept. Fails while any session of the project is running.
func (o *Orchestrator) ResetProject(ctx context.Context, projectID string) (*ResetResult, error) {
	p, err := o.readyForWork(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !p.Initialized {
		return nil, fmt.Errorf("project %s: %w", p.Name, ErrNotInitialized)
	}
	initSess, err := o.store.GetSessionByNumber(ctx, p.ID, 0)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("project %s has no initializer session: %w", p.Name, ErrNotInitialized)
	}
	if err != nil {
		return nil, err
	}

	res := &ResetResult{}
	if target, _ := initSess.Metrics[MetricHeadEnd].(string); target != "" && o.git != nil {
		if err := o.git.ResetHard(p.Path, target); err != nil {
			return nil, fmt.Errorf("reset %s to %s: %w", p.Name, target, err)
		}
		if err := o.git.Clean(p.Path, "logs"); err != nil {
			return nil, fmt.Errorf("clean %s: %w", p.Name, err)
		}
		res.ResetTo = target
	}

	sessions, err := o.store.ListSessions(ctx, p.ID, 0)
	if err != nil {
		return nil, err
	}
	res.ArchiveDir = filepath.Join(p.Path, "logs", "archive", time.Now().UTC().Format("20060102-150405"))
	for _, sess := range sessions {
		if sess.SessionNumber == 0 {
			continue
		}
		if sess.Status == models.SessionStatusRunning {
			return res, fmt.Errorf("session #%d started during reset: %w", sess.SessionNumber, store.ErrAlreadyRunning)
		}
		if _, err := o.pauses.Supersede(ctx, sess.ID, resetNote); err != nil {
			return res, fmt.Errorf("close pauses of session #%d: %w", sess.SessionNumber, err)
		}
		if err := o.store.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return res, fmt.Errorf("delete session #%d: %w", sess.SessionNumber, err)
		}
		res.SessionsDeleted++

		moved, err := archiveLog(agent.LogPath(p.Path, sess.SessionNumber), res.ArchiveDir)
		if err != nil {
			o.logger.Warn("archive session log", "session_number", sess.SessionNumber, "error", err)
		}
		if moved {
			res.LogsArchived++
		}
	}
	if res.LogsArchived == 0 {
		res.ArchiveDir = ""
	}

	if p.Settings.StopAfterCurrent {
		if err := o.store.SetStopAfterCurrent(ctx, p.ID, false); err != nil {
			return res, err
		}
	}

	o.logger.Info("project reset",
		"project", p.Name,
		"sessions_deleted", res.SessionsDeleted,
		"logs_archived", res.LogsArchived,
		"reset_to", res.ResetTo,
	)
	o.notify(p.ID, "", notify.EventProjectReset, map[string]any{
		"sessions_deleted": res.SessionsDeleted,
		"logs_archived":    res.LogsArchived,
		"reset_to":         res.ResetTo,
	})
	return res, nil
}

// archiveLog moves src into dir. A missing src is not an error.
func archiveLog(src, dir string) (bool, error) {
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	if err := os.Rename(src, filepath.Join(dir, filepath.Base(src))); err != nil {
		return false, err
	}
	return true, nil
}
