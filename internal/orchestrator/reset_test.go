package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/yoke/internal/agent"
	"github.com/joescharf/yoke/internal/intervention"
	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/store"
)

// fakeGit is an in-memory repo whose HEAD tests move by hand.
type fakeGit struct {
	mu      sync.Mutex
	head    string
	commits int
	resets  []string
	cleaned [][]string
}

func (g *fakeGit) setHead(h string, commits int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.head = h
	g.commits = commits
}

func (g *fakeGit) IsRepo(string) bool { return true }

func (g *fakeGit) Head(string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.head, nil
}

func (g *fakeGit) CurrentBranch(string) (string, error)     { return "main", nil }
func (g *fakeGit) LastCommitDate(string) (time.Time, error) { return time.Now(), nil }
func (g *fakeGit) IsDirty(string) (bool, error)             { return false, nil }

func (g *fakeGit) CommitsBetween(_, from, to string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if from == to {
		return 0, nil
	}
	return g.commits, nil
}

func (g *fakeGit) ResetHard(_, rev string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resets = append(g.resets, rev)
	g.head = rev
	return nil
}

func (g *fakeGit) Clean(_ string, exclude ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleaned = append(g.cleaned, exclude)
	return nil
}

func withGit(g *fakeGit) func(*Deps, *Config) {
	return func(d *Deps, _ *Config) { d.Git = g }
}

func TestStartUnitOfWork_RecordsGitSnapshot(t *testing.T) {
	s := newTestStore(t)
	p := initializedProject(t, s, "snap")
	g := &fakeGit{head: "aaa"}
	exe := &fakeExecutor{fn: func(context.Context, agent.SessionContext, int) agent.Outcome {
		g.setHead("ccc", 2)
		return agent.Success(nil)
	}}
	o := newTestOrchestrator(t, s, exe, withGit(g))

	sess, err := o.StartUnitOfWork(context.Background(), p.ID, WorkRequest{}, nil)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusCompleted, sess.Status)

	assert.Equal(t, "aaa", sess.Metrics[MetricHeadStart])
	assert.Equal(t, "ccc", sess.Metrics[MetricHeadEnd])
	assert.EqualValues(t, 2, sess.Metrics[MetricCommits])
}

func TestStartUnitOfWork_NoGitNoSnapshot(t *testing.T) {
	s := newTestStore(t)
	p := initializedProject(t, s, "nogit")
	o := newTestOrchestrator(t, s, &fakeExecutor{})

	sess, err := o.StartUnitOfWork(context.Background(), p.ID, WorkRequest{}, nil)
	require.NoError(t, err)
	assert.NotContains(t, sess.Metrics, MetricHeadStart)
	assert.NotContains(t, sess.Metrics, MetricHeadEnd)
}

func TestResetProject(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := newProject(t, s, "reset")
	g := &fakeGit{head: "base"}
	exe := &fakeExecutor{}
	o := newTestOrchestrator(t, s, exe, withGit(g), func(_ *Deps, c *Config) { c.AutoContinueDelay = 0 })

	g.setHead("after-init", 1)
	initSess, err := o.StartInitializer(ctx, p.ID, nil)
	require.NoError(t, err)
	require.Equal(t, "after-init", initSess.Metrics[MetricHeadEnd])

	exe.setFn(func(_ context.Context, sc agent.SessionContext, _ int) agent.Outcome {
		g.setHead("coding-"+sc.SessionID, 1)
		logPath := agent.LogPath(sc.ProjectPath, sc.SessionNumber)
		_ = os.MkdirAll(filepath.Dir(logPath), 0o755)
		_ = os.WriteFile(logPath, []byte("{}\n"), 0o644)
		return agent.Success(nil)
	})
	res, err := o.RunCodingLoop(ctx, p.ID, "", intPtr(2), nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.Iterations)
	require.NoError(t, s.SetStopAfterCurrent(ctx, p.ID, true))

	reset, err := o.ResetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reset.SessionsDeleted)
	assert.Equal(t, 2, reset.LogsArchived)
	assert.Equal(t, "after-init", reset.ResetTo)
	assert.Equal(t, []string{"after-init"}, g.resets)
	assert.Equal(t, [][]string{{"logs"}}, g.cleaned)

	require.NotEmpty(t, reset.ArchiveDir)
	assert.FileExists(t, filepath.Join(reset.ArchiveDir, "session_001.jsonl"))
	assert.FileExists(t, filepath.Join(reset.ArchiveDir, "session_002.jsonl"))
	assert.NoFileExists(t, agent.LogPath(p.Path, 1))

	sessions, err := s.ListSessions(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 0, sessions[0].SessionNumber)

	fresh, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, fresh.Initialized)
	assert.False(t, fresh.Settings.StopAfterCurrent)

	// Numbering restarts after the initializer.
	exe.setFn(nil)
	next, err := o.StartUnitOfWork(ctx, p.ID, WorkRequest{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, next.SessionNumber)
}

func TestResetProject_WithoutGit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := initializedProject(t, s, "plain")
	o := newTestOrchestrator(t, s, &fakeExecutor{})

	_, err := o.StartUnitOfWork(ctx, p.ID, WorkRequest{}, nil)
	require.NoError(t, err)

	res, err := o.ResetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SessionsDeleted)
	assert.Empty(t, res.ResetTo)
	assert.Empty(t, res.ArchiveDir)
}

func TestResetProject_Refusals(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("not initialized", func(t *testing.T) {
		p := newProject(t, s, "fresh")
		o := newTestOrchestrator(t, s, &fakeExecutor{})
		_, err := o.ResetProject(ctx, p.ID)
		assert.ErrorIs(t, err, ErrNotInitialized)
	})

	t.Run("running session", func(t *testing.T) {
		p := initializedProject(t, s, "busy")
		started := make(chan string, 1)
		o := newTestOrchestrator(t, s, &fakeExecutor{fn: blockUntilCancelled(started)})

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = o.StartUnitOfWork(runCtx, p.ID, WorkRequest{}, nil)
		}()
		<-started

		_, err := o.ResetProject(ctx, p.ID)
		assert.ErrorIs(t, err, store.ErrAlreadyRunning)

		cancel()
		<-done
	})
}

func TestResetProject_KeepsPausesAsHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p, ps := pausedCoding(t, s, "reset-pauses")
	o := newTestOrchestrator(t, s, &fakeExecutor{})

	res, err := o.ResetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SessionsDeleted)

	got, err := s.GetPausedSession(ctx, ps.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, "system", got.ResolvedBy)
	assert.Equal(t, resetNote, got.ResolutionNotes)
	assert.Empty(t, got.SessionID)

	active, err := intervention.NewPauseManager(s, nil).ActivePauses(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}
