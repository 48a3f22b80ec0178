package health

import (
	"time"

	"github.com/joescharf/yoke/internal/models"
)

// ProjectMetadata holds live metadata used for health scoring.
type ProjectMetadata struct {
	IsDirty        bool
	LastCommitDate time.Time
	ActivePauses   int
}

// HealthScore represents the computed health of a project.
type HealthScore struct {
	Total            int
	GitCleanliness   int // 0-15
	ActivityRecency  int // 0-25
	SessionSuccess   int // 0-20
	QualityTrend     int // 0-20
	InterventionLoad int // 0-20
}

// Scorer computes health scores for projects.
type Scorer struct{}

// NewScorer returns a new health Scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score computes a health score (0-100) for a project from its repo state,
// recent sessions (newest first) and quality checks (newest first).
func (s *Scorer) Score(meta *ProjectMetadata, sessions []*models.Session, checks []*models.QualityCheck) *HealthScore {
	h := &HealthScore{}

	if !meta.IsDirty {
		h.GitCleanliness = 15
	} else {
		h.GitCleanliness = 5
	}

	last := meta.LastCommitDate
	if len(sessions) > 0 && sessions[0].LastSeen().After(last) {
		last = sessions[0].LastSeen()
	}
	h.ActivityRecency = scoreRecency(last, 25)
	h.SessionSuccess = scoreSessions(sessions, 20)
	h.QualityTrend = scoreQuality(checks, 20)
	h.InterventionLoad = scorePauses(meta.ActivePauses, 20)

	h.Total = h.GitCleanliness + h.ActivityRecency + h.SessionSuccess + h.QualityTrend + h.InterventionLoad
	return h
}

// scoreRecency converts time since last activity to points.
func scoreRecency(t time.Time, maxPoints int) int {
	if t.IsZero() {
		return 0
	}
	days := int(time.Since(t).Hours() / 24)
	switch {
	case days <= 1:
		return maxPoints
	case days <= 3:
		return int(float64(maxPoints) * 0.9)
	case days <= 7:
		return int(float64(maxPoints) * 0.75)
	case days <= 14:
		return int(float64(maxPoints) * 0.6)
	case days <= 30:
		return int(float64(maxPoints) * 0.4)
	case days <= 90:
		return int(float64(maxPoints) * 0.2)
	default:
		return int(float64(maxPoints) * 0.1)
	}
}

// scoreSessions rewards completed sessions among the ended ones.
func scoreSessions(sessions []*models.Session, maxPoints int) int {
	ended, completed := 0, 0
	for _, sess := range sessions {
		if !sess.Status.Terminal() {
			continue
		}
		ended++
		if sess.Status == models.SessionStatusCompleted {
			completed++
		}
	}
	if ended == 0 {
		return maxPoints / 2
	}
	return maxPoints * completed / ended
}

// scoreQuality scales the latest 1-10 rating.
func scoreQuality(checks []*models.QualityCheck, maxPoints int) int {
	if len(checks) == 0 {
		return maxPoints / 2
	}
	r := min(max(checks[0].OverallRating, 0), 10)
	return maxPoints * r / 10
}

// scorePauses penalizes unresolved interventions.
func scorePauses(active, maxPoints int) int {
	switch {
	case active == 0:
		return maxPoints
	case active == 1:
		return maxPoints * 6 / 10
	case active == 2:
		return maxPoints * 3 / 10
	default:
		return maxPoints / 10
	}
}
