package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/yoke/internal/models"
)

var (
	// ErrNotFound is returned when a project, session or paused session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRunning is returned when a project already has a running session.
	ErrAlreadyRunning = errors.New("project already has a running session")
	// ErrProjectExists is returned when a project name is already taken.
	ErrProjectExists = errors.New("project already exists")
	// ErrStatusMismatch is returned when a transition's from-status does not match the row.
	ErrStatusMismatch = errors.New("session status mismatch")
)

// SessionFields are the optional columns written alongside a status transition.
// Nil fields are left untouched.
type SessionFields struct {
	EndedAt            *time.Time
	ErrorMessage       *string
	InterruptionReason *string
	Metrics            map[string]any
}

// PauseFilter specifies filters for listing paused sessions.
type PauseFilter struct {
	ProjectID string
	SessionID string
	Resolved  *bool
	Limit     int
}

// QualityFilter specifies filters for listing quality checks.
type QualityFilter struct {
	ProjectID string
	SessionID string
	CheckType models.CheckType
	Limit     int
}

// Store defines the persistence interface for yoke.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByName(ctx context.Context, name string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	UpdateProject(ctx context.Context, p *models.Project) error
	SetStopAfterCurrent(ctx context.Context, projectID string, stop bool) error
	SetInitialized(ctx context.Context, projectID string, initialized bool) error
	DeleteProject(ctx context.Context, id string) error

	// Sessions
	ClaimSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetSessionByNumber(ctx context.Context, projectID string, number int) (*models.Session, error)
	GetRunningSession(ctx context.Context, projectID string) (*models.Session, error)
	ListSessions(ctx context.Context, projectID string, limit int) ([]*models.Session, error)
	ListSessionsByStatus(ctx context.Context, projectID string, statuses []models.SessionStatus, limit int) ([]*models.Session, error)
	TransitionSession(ctx context.Context, id string, from, to models.SessionStatus, fields SessionFields) (*models.Session, error)
	TouchHeartbeat(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error

	// Paused sessions
	CreatePausedSession(ctx context.Context, ps *models.PausedSession) error
	GetPausedSession(ctx context.Context, id string) (*models.PausedSession, error)
	ResolvePausedSession(ctx context.Context, id, resolvedBy, notes string) (*models.PausedSession, error)
	ReopenPausedSession(ctx context.Context, id string) error
	ListPausedSessions(ctx context.Context, filter PauseFilter) ([]*models.PausedSession, error)

	// Quality checks
	CreateQualityCheck(ctx context.Context, qc *models.QualityCheck) error
	ListQualityChecks(ctx context.Context, filter QualityFilter) ([]*models.QualityCheck, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
