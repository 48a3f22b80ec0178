package review

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"

	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intPtr(n int) *int { return &n }

func TestDecide_FreshProjectSequence(t *testing.T) {
	for n := 0; n <= 5; n++ {
		typ := models.SessionTypeCoding
		if n == 0 {
			typ = models.SessionTypeInitializer
		}
		got := Decide(Input{SessionType: typ, SessionNumber: n})
		want := n == 5
		if got.Trigger != want {
			t.Errorf("session %d: trigger = %v, want %v (%s)", n, got.Trigger, want, got.Reason)
		}
	}
}

func TestDecide_Triggers(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want bool
	}{
		{"initializer never", Input{SessionType: models.SessionTypeInitializer, SessionNumber: 0, LastQuality: intPtr(2)}, false},
		{"multiple of five", Input{SessionType: models.SessionTypeCoding, SessionNumber: 10, LastDeepSession: intPtr(9)}, true},
		{"low quality", Input{SessionType: models.SessionTypeCoding, SessionNumber: 3, LastQuality: intPtr(6)}, true},
		{"quality at floor", Input{SessionType: models.SessionTypeCoding, SessionNumber: 3, LastQuality: intPtr(7)}, false},
		{"gap since last deep", Input{SessionType: models.SessionTypeCoding, SessionNumber: 8, LastDeepSession: intPtr(3)}, true},
		{"recent deep", Input{SessionType: models.SessionTypeCoding, SessionNumber: 8, LastDeepSession: intPtr(6)}, false},
		{"never reviewed past five", Input{SessionType: models.SessionTypeCoding, SessionNumber: 7}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.in)
			if got.Trigger != tt.want {
				t.Errorf("trigger = %v, want %v (%s)", got.Trigger, tt.want, got.Reason)
			}
			if got.Reason == "" {
				t.Error("expected a reason")
			}
		})
	}
}

func TestPolicy_CustomInterval(t *testing.T) {
	p := Policy{Interval: 3, QualityThreshold: 5}
	if !p.Decide(Input{SessionType: models.SessionTypeCoding, SessionNumber: 3}).Trigger {
		t.Error("expected trigger at session 3")
	}
	if p.Decide(Input{SessionType: models.SessionTypeCoding, SessionNumber: 2, LastQuality: intPtr(6)}).Trigger {
		t.Error("6 is above a floor of 5")
	}
}

func TestScheduler_UsesLastDeepCheck(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := &models.Project{Name: "sched"}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatal(err)
	}
	sess := &models.Session{ProjectID: p.ID, Type: models.SessionTypeInitializer}
	if err := s.ClaimSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	sched := NewScheduler(s, Policy{})

	// No deep check yet: session 6 qualifies.
	d, err := sched.ShouldTrigger(ctx, p.ID, models.SessionTypeCoding, 6, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Trigger {
		t.Errorf("expected trigger, got %q", d.Reason)
	}

	if err := s.CreateQualityCheck(ctx, &models.QualityCheck{
		SessionID: sess.ID, ProjectID: p.ID, SessionNumber: 5,
		CheckType: models.CheckTypeDeep, OverallRating: 8,
	}); err != nil {
		t.Fatal(err)
	}

	d, err = sched.ShouldTrigger(ctx, p.ID, models.SessionTypeCoding, 6, intPtr(8))
	if err != nil {
		t.Fatal(err)
	}
	if d.Trigger {
		t.Errorf("expected no trigger one session after a deep review, got %q", d.Reason)
	}

	d, err = sched.ShouldTrigger(ctx, p.ID, models.SessionTypeInitializer, 0, intPtr(1))
	if err != nil {
		t.Fatal(err)
	}
	if d.Trigger {
		t.Error("initializer must never trigger")
	}
}

func TestDefaultConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	cfg := DefaultConfig()
	if cfg.Interval != 5 || cfg.QualityThreshold != 7 || cfg.QueueSize != 16 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	viper.Set("review.interval", 10)
	if got := DefaultConfig().Policy().Interval; got != 10 {
		t.Errorf("interval = %d, want 10", got)
	}
}

func TestExtractRating(t *testing.T) {
	tests := []struct {
		text string
		want int
		ok   bool
	}{
		{"Session Quality Rating: 8/10", 8, true},
		{"**Overall Rating:** 6/10", 6, true},
		{"rating: 9 / 10 overall", 9, true},
		{"Quality: 3/10", 3, true},
		{"Rating: 0/10 then Rating: 4/10", 4, true},
		{"Rating: 11/10", 0, false},
		{"looks great", 0, false},
	}
	for _, tt := range tests {
		got, ok := ExtractRating(tt.text)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ExtractRating(%q) = %d, %v; want %d, %v", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}
