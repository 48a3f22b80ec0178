package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/yoke/internal/agent"
	"github.com/joescharf/yoke/internal/intervention"
	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/orchestrator"
	"github.com/joescharf/yoke/internal/reaper"
	"github.com/joescharf/yoke/internal/store"
)

// blockingExecutor runs until its context is cancelled.
func blockingExecutor(started chan<- string) agent.Executor {
	return agent.ExecutorFunc(func(ctx context.Context, sc agent.SessionContext, _ agent.ProgressFunc) agent.Outcome {
		started <- sc.SessionID
		<-ctx.Done()
		return agent.Outcome{Kind: agent.OutcomeCancelled, Err: ctx.Err()}
	})
}

func setupTestServer(t *testing.T, exe agent.Executor) (*Server, store.Store, *orchestrator.Orchestrator) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	if exe == nil {
		exe = agent.ExecutorFunc(func(context.Context, agent.SessionContext, agent.ProgressFunc) agent.Outcome {
			return agent.Success(nil)
		})
	}
	o := orchestrator.New(orchestrator.Deps{Store: s, Executor: exe}, orchestrator.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	r := reaper.New(s, reaper.Config{}, nil, nil)
	srv := NewServer(s, o, intervention.NewPauseManager(s, nil), r, nil)
	return srv, s, o
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func initializedProject(t *testing.T, s store.Store, name string) *models.Project {
	t.Helper()
	ctx := context.Background()
	p := &models.Project{Name: name, Path: t.TempDir()}
	p.Settings.AutoContinue = true
	require.NoError(t, s.CreateProject(ctx, p))
	sess := &models.Session{ProjectID: p.ID, Type: models.SessionTypeInitializer}
	require.NoError(t, s.ClaimSession(ctx, sess))
	now := time.Now().UTC()
	_, err := s.TransitionSession(ctx, sess.ID, models.SessionStatusRunning, models.SessionStatusCompleted, store.SessionFields{EndedAt: &now})
	require.NoError(t, err)
	require.NoError(t, s.SetInitialized(ctx, p.ID, true))
	p.Initialized = true
	return p
}

func TestListProjects_Empty(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	w := do(t, srv.Router(), "GET", "/api/v1/projects", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var projects []*models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &projects))
	assert.Nil(t, projects)
}

func TestProjectCRUD_API(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	router := srv.Router()

	w := do(t, router, "POST", "/api/v1/projects", `{"name":"shop","path":"/tmp/shop"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "shop", created.Name)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Settings.AutoContinue)

	w = do(t, router, "POST", "/api/v1/projects", `{"name":"shop","path":"/tmp/other"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "POST", "/api/v1/projects", `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Lookup by name works too.
	w = do(t, router, "GET", "/api/v1/projects/shop", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, "PUT", "/api/v1/projects/"+created.ID+"/settings", `{"coding_model":"opus","max_iterations":5,"auto_continue":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	var updated models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "opus", updated.Settings.CodingModel)
	require.NotNil(t, updated.Settings.MaxIterations)
	assert.Equal(t, 5, *updated.Settings.MaxIterations)
	assert.False(t, updated.Settings.AutoContinue)

	w = do(t, router, "DELETE", "/api/v1/projects/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, "GET", "/api/v1/projects/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartCoding_ErrorMapping(t *testing.T) {
	srv, s, _ := setupTestServer(t, nil)
	router := srv.Router()

	p := &models.Project{Name: "raw", Path: t.TempDir()}
	require.NoError(t, s.CreateProject(context.Background(), p))

	w := do(t, router, "POST", "/api/v1/projects/"+p.ID+"/coding/start", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "not initialized")

	w = do(t, router, "POST", "/api/v1/projects/missing/coding/start", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "POST", "/api/v1/projects/"+p.ID+"/coding/start", `{"max_iterations":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartCoding_RunsLoop(t *testing.T) {
	srv, s, o := setupTestServer(t, nil)
	p := initializedProject(t, s, "loop")

	w := do(t, srv.Router(), "POST", "/api/v1/projects/"+p.ID+"/coding/start", `{"max_iterations":2}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var task taskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, "coding", task.Kind)

	if running, ok := o.Tasks().Get(p.ID); ok {
		<-running.Done()
	}

	w = do(t, srv.Router(), "GET", "/api/v1/projects/"+p.ID+"/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []*models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 3, "initializer plus two coding sessions")
	assert.Equal(t, 2, sessions[0].SessionNumber, "newest first")

	w = do(t, srv.Router(), "GET", "/api/v1/projects/"+p.ID+"/quality?type=quick", "")
	require.Equal(t, http.StatusOK, w.Code)
	var checks []*models.QualityCheck
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &checks))
	assert.Len(t, checks, 2)
}

func TestStopSession_API(t *testing.T) {
	started := make(chan string, 1)
	srv, s, _ := setupTestServer(t, blockingExecutor(started))
	router := srv.Router()
	p := initializedProject(t, s, "stop")

	w := do(t, router, "POST", "/api/v1/projects/"+p.ID+"/coding/start", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	id := <-started

	w = do(t, router, "POST", "/api/v1/projects/"+p.ID+"/coding/start", "")
	assert.Equal(t, http.StatusConflict, w.Code, "second start is rejected")

	w = do(t, router, "GET", "/api/v1/projects/"+p.ID+"/task", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, "POST", "/api/v1/sessions/"+id+"/stop", `{"reason":"operator stop"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["stopped"])

	w = do(t, router, "POST", "/api/v1/sessions/"+id+"/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["stopped"])

	w = do(t, router, "GET", "/api/v1/sessions/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var sess models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, models.SessionStatusInterrupted, sess.Status)
	assert.Equal(t, "operator stop", sess.InterruptionReason)
}

func TestStopAfterCurrent_API(t *testing.T) {
	srv, s, _ := setupTestServer(t, nil)
	router := srv.Router()
	p := initializedProject(t, s, "flag")

	w := do(t, router, "POST", "/api/v1/projects/"+p.ID+"/stop-after-current", "")
	require.Equal(t, http.StatusOK, w.Code)
	got, err := s.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, got.Settings.StopAfterCurrent)

	w = do(t, router, "DELETE", "/api/v1/projects/"+p.ID+"/stop-after-current", "")
	require.Equal(t, http.StatusOK, w.Code)
	got, err = s.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, got.Settings.StopAfterCurrent)
}

func TestPauseAndResume_API(t *testing.T) {
	started := make(chan string, 2)
	srv, s, o := setupTestServer(t, blockingExecutor(started))
	router := srv.Router()
	ctx := context.Background()
	p := initializedProject(t, s, "pausable")

	w := do(t, router, "POST", "/api/v1/projects/"+p.ID+"/coding/start", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	id := <-started

	w = do(t, router, "POST", "/api/v1/sessions/"+id+"/pause", `{"reason":"Need database credentials"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	task, ok := o.Tasks().Get(p.ID)
	if ok {
		<-task.Done()
	}

	w = do(t, router, "GET", "/api/v1/pauses?project="+p.Name, "")
	require.Equal(t, http.StatusOK, w.Code)
	var pauses []*models.PausedSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pauses))
	require.Len(t, pauses, 1)
	assert.Equal(t, models.PauseTypeManual, pauses[0].PauseType)

	w = do(t, router, "POST", "/api/v1/pauses/"+pauses[0].ID+"/resume", `{"resolved_by":"ops","notes":"Added credentials"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	resumedID := <-started

	resumed, err := s.GetSession(ctx, resumedID)
	require.NoError(t, err)
	assert.Contains(t, resumed.InitialContext, "Need database credentials")
	assert.Contains(t, resumed.InitialContext, "Added credentials")

	w = do(t, router, "POST", "/api/v1/pauses/"+pauses[0].ID+"/resume", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "already resolved")

	_, err = o.StopSession(ctx, resumedID, "")
	require.NoError(t, err)

	w = do(t, router, "GET", "/api/v1/pauses/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pauses))
	require.Len(t, pauses, 1)
	assert.Equal(t, "ops", pauses[0].ResolvedBy)
}

func TestReapNow_API(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	router := srv.Router()

	w := do(t, router, "POST", "/api/v1/admin/reap", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp["reaped"])

	w = do(t, router, "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	w := do(t, srv.Router(), "OPTIONS", "/api/v1/projects", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestResetProject_API(t *testing.T) {
	srv, s, o := setupTestServer(t, nil)
	router := srv.Router()
	p := initializedProject(t, s, "rewind")

	_, err := o.StartUnitOfWork(context.Background(), p.ID, orchestrator.WorkRequest{}, nil)
	require.NoError(t, err)

	w := do(t, router, "POST", "/api/v1/projects/"+p.Name+"/reset", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res resetResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.SessionsDeleted)
	assert.Empty(t, res.ResetTo)

	sessions, err := s.ListSessions(context.Background(), p.ID, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	raw := &models.Project{Name: "raw", Path: t.TempDir()}
	require.NoError(t, s.CreateProject(context.Background(), raw))
	w = do(t, router, "POST", "/api/v1/projects/"+raw.ID+"/reset", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
