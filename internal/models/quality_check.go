package models

import "time"

// CheckType distinguishes the inline heuristic from the off-path audit.
type CheckType string

const (
	CheckTypeQuick CheckType = "quick"
	CheckTypeDeep  CheckType = "deep"
)

// QualityCheck records one quality assessment of a completed session.
type QualityCheck struct {
	ID             string
	SessionID      string
	ProjectID      string
	SessionNumber  int
	CheckType      CheckType
	OverallRating  int // 1-10
	CriticalIssues []string
	Warnings       []string
	ReviewText     string
	CreatedAt      time.Time
}
