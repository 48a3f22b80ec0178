package models

import "time"

// SessionStatus represents the state of an agent session.
type SessionStatus string

const (
	SessionStatusPending     SessionStatus = "pending"
	SessionStatusRunning     SessionStatus = "running"
	SessionStatusCompleted   SessionStatus = "completed"
	SessionStatusError       SessionStatus = "error"
	SessionStatusInterrupted SessionStatus = "interrupted"
)

// Terminal reports whether no further transition is allowed from s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusError, SessionStatusInterrupted:
		return true
	}
	return false
}

// SessionType distinguishes the one-off initializer from coding sessions.
type SessionType string

const (
	SessionTypeInitializer SessionType = "initializer"
	SessionTypeCoding      SessionType = "coding"
)

// Session is one unit of work executed by the agent for a project.
// Session 0 is always the initializer; 1..N are coding sessions.
type Session struct {
	ID                 string
	ProjectID          string
	SessionNumber      int
	Type               SessionType
	Status             SessionStatus
	Model              string
	InitialContext     string
	ErrorMessage       string
	InterruptionReason string
	Metrics            map[string]any
	CreatedAt          time.Time
	StartedAt          *time.Time
	EndedAt            *time.Time
	HeartbeatAt        *time.Time
}

// LastSeen returns the most recent liveness signal for a running session.
func (s *Session) LastSeen() time.Time {
	if s.HeartbeatAt != nil {
		return *s.HeartbeatAt
	}
	if s.StartedAt != nil {
		return *s.StartedAt
	}
	return s.CreatedAt
}
