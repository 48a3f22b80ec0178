package models

import "time"

// ProjectSettings holds the operator-mutable knobs of a project.
type ProjectSettings struct {
	AutoContinue     bool   `json:"auto_continue"`
	SandboxType      string `json:"sandbox_type"`
	CodingModel      string `json:"coding_model"`
	InitializerModel string `json:"initializer_model"`
	MaxIterations    *int   `json:"max_iterations,omitempty"` // nil or 0 = unlimited
	StopAfterCurrent bool   `json:"stop_after_current"`
}

// Project represents an application being built by agent sessions.
type Project struct {
	ID          string
	Name        string
	Path        string
	Initialized bool
	Settings    ProjectSettings
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
