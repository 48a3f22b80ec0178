package intervention

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

// runningSession creates a project with a running initializer session.
func runningSession(t *testing.T, s *store.SQLiteStore) (*models.Project, *models.Session) {
	t.Helper()
	ctx := context.Background()
	p := &models.Project{Name: "shop", Path: "/tmp/shop"}
	require.NoError(t, s.CreateProject(ctx, p))
	sess := &models.Session{ProjectID: p.ID, Type: models.SessionTypeInitializer}
	require.NoError(t, s.ClaimSession(ctx, sess))
	return p, sess
}

func TestPauseAndResume_RetryLimitScenario(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, sess := runningSession(t, s)
	m := NewPauseManager(s, nil)

	tr := NewTracker(TrackerConfig{})
	var n int
	for range 4 {
		n = tr.Record(portConflict())
	}
	require.True(t, tr.ShouldPause(models.BlockerPortConflict, n))
	_, typ := tr.Decide(models.BlockerPortConflict)

	reason := "Retry limit exceeded for port_conflict on port 3001"
	pausedID, err := m.Pause(ctx, PauseRequest{
		SessionID:   sess.ID,
		ProjectID:   p.ID,
		Reason:      reason,
		PauseType:   typ,
		CurrentTask: "Build checkout page",
		Tracker:     tr,
	})
	require.NoError(t, err)

	ps, err := s.GetPausedSession(ctx, pausedID)
	require.NoError(t, err)
	assert.Equal(t, models.PauseTypeRetryLimit, ps.PauseType)
	assert.Equal(t, 4, ps.RetryStats[models.BlockerPortConflict])
	require.NotNil(t, ps.BlockerInfo)
	assert.Equal(t, models.BlockerPortConflict, ps.BlockerInfo.Class)
	assert.True(t, ps.CanAutoResume)
	assert.Contains(t, ps.ResumePrompt, reason)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, got.Status, "pausing leaves the session alone")

	active, err := m.ActivePauses(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	rc, err := m.Resume(ctx, pausedID, "alice", "Stopped the dev server hogging 3001")
	require.NoError(t, err)
	assert.Equal(t, p.ID, rc.ProjectID)
	assert.Equal(t, "/tmp/shop", rc.ProjectPath)
	assert.Equal(t, "Build checkout page", rc.CurrentTask)
	assert.Contains(t, rc.ResumePrompt, "This session was paused due to: "+reason)
	assert.Contains(t, rc.ResumePrompt, "**Resolution:** Stopped the dev server hogging 3001")
	assert.Contains(t, rc.ResumePrompt, "**Previous Blocker:** port_conflict")

	ps, err = s.GetPausedSession(ctx, pausedID)
	require.NoError(t, err)
	assert.True(t, ps.Resolved)

	_, err = m.Resume(ctx, pausedID, "bob", "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	active, err = m.ActivePauses(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	history, err := m.InterventionHistory(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "alice", history[0].ResolvedBy)
}

func TestResume_NotFound(t *testing.T) {
	s := newTestStore(t)
	m := NewPauseManager(s, nil)

	_, err := m.Resume(context.Background(), "nope", "", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCanAutoResume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, sess := runningSession(t, s)
	m := NewPauseManager(s, nil)

	tests := []struct {
		name      string
		pauseType models.PauseType
		blocker   *models.Blocker
		want      bool
	}{
		{"timeout", models.PauseTypeTimeout, nil, true},
		{"retry limit on known blocker", models.PauseTypeRetryLimit, &models.Blocker{Class: models.BlockerRedisNotRunning}, true},
		{"retry limit on unknown blocker", models.PauseTypeRetryLimit, &models.Blocker{Class: models.BlockerUnknown}, false},
		{"critical", models.PauseTypeCriticalError, &models.Blocker{Class: models.BlockerDiskFull}, false},
		{"manual", models.PauseTypeManual, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := m.Pause(ctx, PauseRequest{
				SessionID: sess.ID,
				ProjectID: p.ID,
				Reason:    tt.name,
				PauseType: tt.pauseType,
				Blocker:   tt.blocker,
			})
			require.NoError(t, err)

			ok, err := m.CanAutoResume(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	_, err := m.CanAutoResume(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResumePrompt_Minimal(t *testing.T) {
	prompt := ResumePrompt(&models.PausedSession{Reason: "Paused by operator"}, "")
	assert.Contains(t, prompt, "## Session Resume")
	assert.Contains(t, prompt, "This session was paused due to: Paused by operator")
	assert.NotContains(t, prompt, "**Resolution:**")
	assert.NotContains(t, prompt, "**Previous Blocker:**")
	assert.Contains(t, prompt, "## Instructions")
}

func TestReopen_AfterResume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, sess := runningSession(t, s)
	m := NewPauseManager(s, nil)

	id, err := m.Pause(ctx, PauseRequest{SessionID: sess.ID, ProjectID: p.ID, Reason: "hold", PauseType: models.PauseTypeManual})
	require.NoError(t, err)
	_, err = m.Resume(ctx, id, "alice", "")
	require.NoError(t, err)

	require.NoError(t, m.Reopen(ctx, id))
	active, err := m.ActivePauses(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)

	assert.ErrorIs(t, m.Reopen(ctx, id), store.ErrNotFound)
}

func TestSupersede_ResolvesOpenPausesOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, sess := runningSession(t, s)
	m := NewPauseManager(s, nil)

	done, err := m.Pause(ctx, PauseRequest{SessionID: sess.ID, ProjectID: p.ID, Reason: "first", PauseType: models.PauseTypeManual})
	require.NoError(t, err)
	_, err = m.Resume(ctx, done, "alice", "ok")
	require.NoError(t, err)
	open, err := m.Pause(ctx, PauseRequest{SessionID: sess.ID, ProjectID: p.ID, Reason: "second", PauseType: models.PauseTypeManual})
	require.NoError(t, err)

	n, err := m.Supersede(ctx, sess.ID, "replaced")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetPausedSession(ctx, open)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, "system", got.ResolvedBy)
	assert.Equal(t, "replaced", got.ResolutionNotes)

	first, err := s.GetPausedSession(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, "alice", first.ResolvedBy)
}
