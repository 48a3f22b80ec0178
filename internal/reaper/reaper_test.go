package reaper

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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

func runningInitializer(t *testing.T, s *store.SQLiteStore, name string) *models.Session {
	t.Helper()
	ctx := context.Background()
	p := &models.Project{Name: name}
	require.NoError(t, s.CreateProject(ctx, p))
	sess := &models.Session{ProjectID: p.ID, Type: models.SessionTypeInitializer}
	require.NoError(t, s.ClaimSession(ctx, sess))
	return sess
}

func TestStartup_InterruptsRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := runningInitializer(t, s, "crashed")

	r := New(s, Config{}, nil, nil)
	// Pretend the session started two hours ago.
	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	n, err := r.Startup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusInterrupted, got.Status)
	assert.Contains(t, got.InterruptionReason, "restarted")
	assert.NotNil(t, got.EndedAt)

	n, err = r.Startup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second reap is a no-op")

	got2, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, got.EndedAt.Unix(), got2.EndedAt.Unix())
}

func TestReapNow_RespectsThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fresh := runningInitializer(t, s, "fresh")

	r := New(s, Config{StaleThreshold: time.Hour}, nil, nil)

	n, err := r.ReapNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := s.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, got.Status)

	r.now = func() time.Time { return time.Now().Add(90 * time.Minute) }
	n, err = r.ReapNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = s.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusInterrupted, got.Status)
	assert.Contains(t, got.InterruptionReason, "stale threshold")
}

func TestReapNow_HeartbeatKeepsSessionAlive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := runningInitializer(t, s, "beating")

	r := New(s, Config{StaleThreshold: time.Hour}, nil, nil)
	later := time.Now().Add(90 * time.Minute)
	r.now = func() time.Time { return later }
	require.NoError(t, s.TouchHeartbeat(ctx, sess.ID, later.Add(-time.Minute)))

	n, err := r.ReapNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSetStaleThreshold(t *testing.T) {
	r := New(nil, Config{}, nil, nil)
	assert.Equal(t, DefaultStaleThreshold, r.StaleThreshold())

	r.SetStaleThreshold(30 * time.Minute)
	assert.Equal(t, 30*time.Minute, r.StaleThreshold())

	r.SetStaleThreshold(0)
	assert.Equal(t, 30*time.Minute, r.StaleThreshold(), "non-positive ignored")
}

// slowStore counts list calls and blocks them until released.
type slowStore struct {
	lists   atomic.Int32
	release chan struct{}
}

func (s *slowStore) ListSessionsByStatus(ctx context.Context, _ string, _ []models.SessionStatus, _ int) ([]*models.Session, error) {
	s.lists.Add(1)
	<-s.release
	return nil, nil
}

func (s *slowStore) TransitionSession(context.Context, string, models.SessionStatus, models.SessionStatus, store.SessionFields) (*models.Session, error) {
	return nil, nil
}

func (s *slowStore) GetProject(context.Context, string) (*models.Project, error) {
	return nil, store.ErrNotFound
}

type fakeDetector struct{ dirs map[string]bool }

func (f fakeDetector) IsAgentRunning(dir string) bool { return f.dirs[dir] }

func TestReapNow_SparesLiveAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := runningInitializer(t, s, "alive")
	p, err := s.GetProject(ctx, sess.ProjectID)
	require.NoError(t, err)
	p.Path = "/work/alive"
	require.NoError(t, s.UpdateProject(ctx, p))

	det := fakeDetector{dirs: map[string]bool{"/work/alive": true}}
	r := New(s, Config{StaleThreshold: time.Hour, Detector: det}, nil, nil)
	r.now = func() time.Time { return time.Now().Add(3 * time.Hour) }

	n, err := r.ReapNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Startup ignores the detector.
	n, err = r.Startup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReapNow_Coalesces(t *testing.T) {
	ss := &slowStore{release: make(chan struct{})}
	r := New(ss, Config{}, nil, nil)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.ReapNow(context.Background())
			assert.NoError(t, err)
		}()
	}

	assert.Eventually(t, func() bool { return ss.lists.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(ss.release)
	wg.Wait()

	assert.Equal(t, int32(1), ss.lists.Load())
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	r := New(s, Config{Interval: 10 * time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
