package review

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/store"
)

// Config holds deep-review policy and worker settings.
type Config struct {
	Interval         int // every Nth coding session; also the max gap between deep reviews
	QualityThreshold int // ratings below this trigger a review
	QueueSize        int
	Model            string
}

// DefaultConfig returns the default review config, reading from viper when available.
func DefaultConfig() Config {
	cfg := Config{
		Interval:         viper.GetInt("review.interval"),
		QualityThreshold: viper.GetInt("review.quality_threshold"),
		QueueSize:        viper.GetInt("review.queue_size"),
		Model:            viper.GetString("review.model"),
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = 7
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return cfg
}

// Policy returns the trigger policy part of the config.
func (c Config) Policy() Policy {
	return Policy{Interval: c.Interval, QualityThreshold: c.QualityThreshold}
}

// Policy decides when a completed coding session earns a deep review.
type Policy struct {
	Interval         int
	QualityThreshold int
}

// DefaultPolicy reviews every fifth session and any session rated below 7.
var DefaultPolicy = Policy{Interval: 5, QualityThreshold: 7}

// Input is everything the trigger decision looks at.
type Input struct {
	SessionType   models.SessionType
	SessionNumber int
	// LastQuality is the most recent rating for the project, nil if none.
	LastQuality *int
	// LastDeepSession is the session number of the latest deep review, nil if none.
	LastDeepSession *int
}

// Decision is the outcome of a trigger evaluation.
type Decision struct {
	Trigger bool
	Reason  string
}

// Decide applies DefaultPolicy.
func Decide(in Input) Decision {
	return DefaultPolicy.Decide(in)
}

// Decide evaluates the triggers in priority order.
func (p Policy) Decide(in Input) Decision {
	if in.SessionType == models.SessionTypeInitializer || in.SessionNumber <= 0 {
		return Decision{Reason: "initializer sessions are not deep reviewed"}
	}
	if p.Interval <= 0 {
		p.Interval = DefaultPolicy.Interval
	}
	n := in.SessionNumber
	if n%p.Interval == 0 {
		return Decision{Trigger: true, Reason: fmt.Sprintf("session %d is a multiple of %d", n, p.Interval)}
	}
	if in.LastQuality != nil && *in.LastQuality < p.QualityThreshold {
		return Decision{Trigger: true, Reason: fmt.Sprintf("quality %d/10 below %d", *in.LastQuality, p.QualityThreshold)}
	}
	if in.LastDeepSession != nil && n-*in.LastDeepSession >= p.Interval {
		return Decision{Trigger: true, Reason: fmt.Sprintf("%d sessions since last deep review", n-*in.LastDeepSession)}
	}
	if in.LastDeepSession == nil && n >= p.Interval {
		return Decision{Trigger: true, Reason: fmt.Sprintf("no deep review yet by session %d", n)}
	}
	return Decision{Reason: "no trigger"}
}

// Scheduler evaluates the policy against a project's stored history.
type Scheduler struct {
	store  store.Store
	policy Policy
}

// NewScheduler creates a Scheduler.
func NewScheduler(s store.Store, policy Policy) *Scheduler {
	if policy.Interval <= 0 {
		policy.Interval = DefaultPolicy.Interval
	}
	if policy.QualityThreshold <= 0 {
		policy.QualityThreshold = DefaultPolicy.QualityThreshold
	}
	return &Scheduler{store: s, policy: policy}
}

// ShouldTrigger decides whether session sessionNumber of projectID gets a
// deep review. lastQuality is the rating just computed for it, if any.
func (s *Scheduler) ShouldTrigger(ctx context.Context, projectID string, sessionType models.SessionType, sessionNumber int, lastQuality *int) (Decision, error) {
	in := Input{SessionType: sessionType, SessionNumber: sessionNumber, LastQuality: lastQuality}
	if sessionType == models.SessionTypeInitializer {
		return s.policy.Decide(in), nil
	}

	deep, err := s.store.ListQualityChecks(ctx, store.QualityFilter{
		ProjectID: projectID,
		CheckType: models.CheckTypeDeep,
		Limit:     1,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("last deep review: %w", err)
	}
	if len(deep) > 0 {
		last := deep[0].SessionNumber
		in.LastDeepSession = &last
	}
	return s.policy.Decide(in), nil
}
