package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/yoke/internal/intervention"
	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/store"
)

var (
	// ErrTaskRunning is returned when a project already has a background task.
	ErrTaskRunning = errors.New("project already has a background task")
	// ErrShuttingDown is returned by Launch after Shutdown started.
	ErrShuttingDown = errors.New("task registry is shutting down")
)

// Task is a handle on one project's background work.
type Task struct {
	ProjectID string
	Kind      string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Done is closed when the task returns.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's result once Done is closed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Running reports whether the task has not returned yet.
func (t *Task) Running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Tasks owns at most one background task per project.
type Tasks struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu      sync.Mutex
	closing bool
	byID    map[string]*Task
}

// NewTasks creates an empty registry.
func NewTasks(logger *slog.Logger) *Tasks {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tasks{logger: logger, ctx: ctx, cancel: cancel, byID: make(map[string]*Task)}
}

// Launch runs fn in the background for the project. fn's context is
// cancelled by Cancel or Shutdown, never by the caller's request context.
func (ts *Tasks) Launch(projectID, kind string, fn func(ctx context.Context) error) (*Task, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closing {
		return nil, ErrShuttingDown
	}
	if t, ok := ts.byID[projectID]; ok && t.Running() {
		return nil, fmt.Errorf("project %s (%s): %w", projectID, t.Kind, ErrTaskRunning)
	}

	ctx, cancel := context.WithCancel(ts.ctx)
	t := &Task{
		ProjectID: projectID,
		Kind:      kind,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	ts.byID[projectID] = t

	ts.group.Go(func() error {
		defer cancel()
		err := fn(ctx)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)

		ts.mu.Lock()
		if ts.byID[projectID] == t {
			delete(ts.byID, projectID)
		}
		ts.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			ts.logger.Error("background task failed", "project_id", projectID, "kind", kind, "error", err)
		}
		return nil
	})
	return t, nil
}

// Get returns the project's running task.
func (ts *Tasks) Get(projectID string) (*Task, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.byID[projectID]
	return t, ok
}

// Cancel cancels the project's task and reports whether one existed.
func (ts *Tasks) Cancel(projectID string) bool {
	t, ok := ts.Get(projectID)
	if ok {
		t.cancel()
	}
	return ok
}

// List returns the running tasks.
func (ts *Tasks) List() []*Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]*Task, 0, len(ts.byID))
	for _, t := range ts.byID {
		out = append(out, t)
	}
	return out
}

// Shutdown cancels every task and waits for them to return or ctx to end.
func (ts *Tasks) Shutdown(ctx context.Context) error {
	ts.mu.Lock()
	ts.closing = true
	ts.mu.Unlock()
	ts.cancel()

	done := make(chan error, 1)
	go func() { done <- ts.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}

// StartCodingLoopAsync validates the project and runs RunCodingLoop in the
// background.
func (o *Orchestrator) StartCodingLoopAsync(ctx context.Context, projectID, model string, maxIterations *int) (*Task, error) {
	p, err := o.readyForWork(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !p.Initialized {
		return nil, fmt.Errorf("project %s: %w", p.Name, ErrNotInitialized)
	}
	return o.tasks.Launch(p.ID, "coding", func(ctx context.Context) error {
		_, err := o.RunCodingLoop(ctx, p.ID, model, maxIterations, nil)
		return err
	})
}

// StartInitializerAsync validates the project and runs StartInitializer in
// the background.
func (o *Orchestrator) StartInitializerAsync(ctx context.Context, projectID string) (*Task, error) {
	p, err := o.readyForWork(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := o.prepareInitializer(ctx, p.ID); err != nil {
		return nil, err
	}
	return o.tasks.Launch(p.ID, "initializer", func(ctx context.Context) error {
		_, err := o.StartUnitOfWork(ctx, p.ID, WorkRequest{Type: models.SessionTypeInitializer}, nil)
		return err
	})
}

// ResumePausedAsync checks the project is idle, resolves the pause and
// runs the continuation session in the background. The pause is reopened
// when the continuation cannot start.
func (o *Orchestrator) ResumePausedAsync(ctx context.Context, pausedID, resolvedBy, notes string) (*intervention.ResumeContext, *Task, error) {
	rc, req, err := o.beginResume(ctx, pausedID, resolvedBy, notes)
	if err != nil {
		return nil, nil, err
	}
	t, err := o.tasks.Launch(rc.ProjectID, "resume", func(ctx context.Context) error {
		_, err := o.runResume(ctx, rc, req, nil)
		return err
	})
	if err != nil {
		o.reopenPause(ctx, rc, err)
		return nil, nil, err
	}
	return rc, t, nil
}

// readyForWork fails fast when the project is missing or busy.
func (o *Orchestrator) readyForWork(ctx context.Context, projectID string) (*models.Project, error) {
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if t, ok := o.tasks.Get(p.ID); ok && t.Running() {
		return nil, fmt.Errorf("project %s (%s): %w", p.Name, t.Kind, ErrTaskRunning)
	}
	if _, err := o.store.GetRunningSession(ctx, p.ID); err == nil {
		return nil, fmt.Errorf("project %s: %w", p.Name, store.ErrAlreadyRunning)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return p, nil
}

// Shutdown cancels all background work and waits for it.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.tasks.Shutdown(ctx)
}
