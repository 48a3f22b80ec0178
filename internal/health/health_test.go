package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/yoke/internal/models"
)

func session(status models.SessionStatus, ago time.Duration) *models.Session {
	return &models.Session{Status: status, CreatedAt: time.Now().Add(-ago)}
}

func TestScore_HealthyProject(t *testing.T) {
	s := NewScorer()

	meta := &ProjectMetadata{
		LastCommitDate: time.Now().Add(-1 * time.Hour),
	}
	sessions := []*models.Session{
		session(models.SessionStatusCompleted, time.Hour),
		session(models.SessionStatusCompleted, 2*time.Hour),
	}
	checks := []*models.QualityCheck{{OverallRating: 9}}

	h := s.Score(meta, sessions, checks)

	assert.Equal(t, 15, h.GitCleanliness, "clean repo should get full git points")
	assert.Equal(t, 25, h.ActivityRecency, "recent activity should get full points")
	assert.Equal(t, 20, h.SessionSuccess, "all completed = full points")
	assert.Equal(t, 18, h.QualityTrend)
	assert.Equal(t, 20, h.InterventionLoad, "no pauses = full points")
	assert.True(t, h.Total >= 80, "healthy project should score 80+")
}

func TestScore_UnhealthyProject(t *testing.T) {
	s := NewScorer()

	meta := &ProjectMetadata{
		IsDirty:        true,
		LastCommitDate: time.Now().Add(-120 * 24 * time.Hour),
		ActivePauses:   3,
	}
	sessions := []*models.Session{
		session(models.SessionStatusError, 100*24*time.Hour),
		session(models.SessionStatusInterrupted, 101*24*time.Hour),
		session(models.SessionStatusCompleted, 102*24*time.Hour),
	}
	checks := []*models.QualityCheck{{OverallRating: 3}}

	h := s.Score(meta, sessions, checks)

	assert.Equal(t, 5, h.GitCleanliness, "dirty repo should get reduced git points")
	assert.True(t, h.ActivityRecency < 10, "old activity should get few points")
	assert.Equal(t, 6, h.SessionSuccess)
	assert.Equal(t, 2, h.InterventionLoad)
	assert.True(t, h.Total < 50, "unhealthy project should score below 50")
}

func TestScore_NoHistory(t *testing.T) {
	h := NewScorer().Score(&ProjectMetadata{}, nil, nil)
	assert.Equal(t, 0, h.ActivityRecency)
	assert.Equal(t, 10, h.SessionSuccess, "no sessions = neutral")
	assert.Equal(t, 10, h.QualityTrend, "no checks = neutral")
}

func TestScore_SessionActivityBeatsOldCommit(t *testing.T) {
	meta := &ProjectMetadata{LastCommitDate: time.Now().Add(-200 * 24 * time.Hour)}
	sessions := []*models.Session{session(models.SessionStatusRunning, time.Minute)}

	h := NewScorer().Score(meta, sessions, nil)
	assert.Equal(t, 25, h.ActivityRecency)
	assert.Equal(t, 10, h.SessionSuccess, "running sessions are not counted")
}

func TestScoreRecency(t *testing.T) {
	tests := []struct {
		name     string
		daysAgo  int
		minScore int
	}{
		{"today", 0, 20},
		{"this week", 5, 10},
		{"this month", 20, 5},
		{"old", 100, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := time.Now().Add(-time.Duration(tt.daysAgo) * 24 * time.Hour)
			score := scoreRecency(ts, 25)
			assert.True(t, score >= tt.minScore, "daysAgo=%d should score >= %d, got %d", tt.daysAgo, tt.minScore, score)
		})
	}
}

func TestScoreRecency_Zero(t *testing.T) {
	assert.Equal(t, 0, scoreRecency(time.Time{}, 25))
}

func TestScorePauses(t *testing.T) {
	assert.Equal(t, 20, scorePauses(0, 20))
	assert.Equal(t, 12, scorePauses(1, 20))
	assert.Equal(t, 6, scorePauses(2, 20))
	assert.Equal(t, 2, scorePauses(7, 20))
}

func TestScoreQuality_Clamped(t *testing.T) {
	assert.Equal(t, 20, scoreQuality([]*models.QualityCheck{{OverallRating: 12}}, 20))
	assert.Equal(t, 0, scoreQuality([]*models.QualityCheck{{OverallRating: -1}}, 20))
}
