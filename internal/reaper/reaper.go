package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joescharf/yoke/internal/agent"
	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/notify"
	"github.com/joescharf/yoke/internal/store"
)

const (
	DefaultInterval       = 5 * time.Minute
	DefaultStaleThreshold = 2 * time.Hour

	// StartupReason is recorded on sessions found running when the process starts.
	StartupReason = "Process restarted while session was running"
)

// SessionStore is the subset of store.Store the reaper needs.
type SessionStore interface {
	ListSessionsByStatus(ctx context.Context, projectID string, statuses []models.SessionStatus, limit int) ([]*models.Session, error)
	TransitionSession(ctx context.Context, id string, from, to models.SessionStatus, fields store.SessionFields) (*models.Session, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
}

// Config controls the periodic reap.
type Config struct {
	Interval       time.Duration
	StaleThreshold time.Duration
	// Detector, when set, spares stale sessions whose project directory
	// still has a live agent process. Startup reaps ignore it.
	Detector agent.ProcessDetector
}

// Reaper moves abandoned running sessions to interrupted.
type Reaper struct {
	store    SessionStore
	sink     notify.Sink
	logger   *slog.Logger
	detector agent.ProcessDetector

	mu        sync.RWMutex
	interval  time.Duration
	threshold time.Duration

	group singleflight.Group
	now   func() time.Time
}

// New creates a Reaper. Zero config values fall back to the defaults.
func New(s SessionStore, cfg Config, sink notify.Sink, logger *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:     s,
		sink:      sink,
		logger:    logger,
		interval:  cfg.Interval,
		threshold: cfg.StaleThreshold,
		detector:  cfg.Detector,
		now:       time.Now,
	}
}

// SetStaleThreshold changes the threshold used by later periodic reaps.
func (r *Reaper) SetStaleThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threshold = d
}

// StaleThreshold returns the current threshold.
func (r *Reaper) StaleThreshold() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.threshold
}

// Startup interrupts every session still marked running. It must only be
// called while this process holds the instance lock, so no live process
// owns those sessions.
func (r *Reaper) Startup(ctx context.Context) (int, error) {
	n, err := r.reap(ctx, 0, StartupReason)
	if err != nil {
		return n, fmt.Errorf("startup reap: %w", err)
	}
	if n > 0 {
		r.logger.Warn("interrupted sessions left running by a previous process", "count", n)
	}
	return n, nil
}

// Run reaps stale sessions every interval until ctx is done. A failed pass
// is logged and the loop continues.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval, "stale_threshold", r.StaleThreshold())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.ReapNow(ctx)
			if err != nil {
				r.logger.Error("periodic reap failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("reaped stale sessions", "count", n)
			}
		}
	}
}

// ReapNow runs one stale-session pass. Concurrent callers share a single
// pass and its result.
func (r *Reaper) ReapNow(ctx context.Context) (int, error) {
	v, err, _ := r.group.Do("reap", func() (any, error) {
		threshold := r.StaleThreshold()
		reason := fmt.Sprintf("Session exceeded stale threshold of %s without a heartbeat", threshold)
		return r.reap(ctx, threshold, reason)
	})
	n, _ := v.(int)
	return n, err
}

// reap interrupts running sessions whose last liveness signal is older
// than threshold. Each row is a separate compare-and-set, so a session that
// finished concurrently is skipped rather than overwritten.
func (r *Reaper) reap(ctx context.Context, threshold time.Duration, reason string) (int, error) {
	running, err := r.store.ListSessionsByStatus(ctx, "", []models.SessionStatus{models.SessionStatusRunning}, 0)
	if err != nil {
		return 0, fmt.Errorf("list running sessions: %w", err)
	}

	now := r.now().UTC()
	reaped := 0
	var errs []error
	for _, sess := range running {
		if sess.EndedAt != nil {
			continue
		}
		if threshold > 0 && now.Sub(sess.LastSeen()) < threshold {
			continue
		}
		if threshold > 0 && r.agentAlive(ctx, sess) {
			r.logger.Debug("stale session spared, agent still running", "session_id", sess.ID)
			continue
		}

		_, err := r.store.TransitionSession(ctx, sess.ID,
			models.SessionStatusRunning, models.SessionStatusInterrupted,
			store.SessionFields{EndedAt: &now, InterruptionReason: &reason})
		if errors.Is(err, store.ErrStatusMismatch) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
			continue
		}

		reaped++
		r.logger.Info("session reaped",
			"session_id", sess.ID,
			"project_id", sess.ProjectID,
			"session_number", sess.SessionNumber,
			"last_seen", sess.LastSeen(),
		)
		r.sink.Notify(sess.ProjectID, notify.Event{
			Type:      notify.EventSessionReaped,
			SessionID: sess.ID,
			Data:      map[string]any{"reason": reason, "session_number": sess.SessionNumber},
		})
	}
	return reaped, errors.Join(errs...)
}

func (r *Reaper) agentAlive(ctx context.Context, sess *models.Session) bool {
	if r.detector == nil {
		return false
	}
	p, err := r.store.GetProject(ctx, sess.ProjectID)
	if err != nil {
		return false
	}
	return r.detector.IsAgentRunning(p.Path)
}
