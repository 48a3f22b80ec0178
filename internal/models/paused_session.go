package models

import "time"

// PauseType records why a session was paused.
type PauseType string

const (
	PauseTypeRetryLimit    PauseType = "retry_limit"
	PauseTypeCriticalError PauseType = "critical_error"
	PauseTypeManual        PauseType = "manual"
	PauseTypeTimeout       PauseType = "timeout"
)

// PausedSession is the audit record of an intervention, kept after resolution.
type PausedSession struct {
	ID              string
	SessionID       string
	ProjectID       string
	Reason          string
	PauseType       PauseType
	BlockerInfo     *Blocker
	RetryStats      map[BlockerClass]int
	CurrentTask     string
	ResumePrompt    string
	CanAutoResume   bool
	Resolved        bool
	ResolvedBy      string
	ResolutionNotes string
	ResolvedAt      *time.Time
	CreatedAt       time.Time
}
