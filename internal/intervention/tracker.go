package intervention

import (
	"maps"
	"sync"
	"time"

	"github.com/joescharf/yoke/internal/models"
)

// DefaultRetryLimit is the number of occurrences of a recoverable blocker
// tolerated before the session is paused.
const DefaultRetryLimit = 3

// TrackerConfig holds the pause policy for a single session.
type TrackerConfig struct {
	RetryLimit  int                         // default per-class threshold
	ClassLimits map[models.BlockerClass]int // per-class overrides
	Timeout     time.Duration               // wall-clock budget; 0 disables
}

// Tracker accumulates blocker evidence for one running session and decides
// when it should be paused. It is safe for concurrent use: the unit of work
// records blockers while operator requests arrive from other goroutines.
type Tracker struct {
	mu       sync.Mutex
	cfg      TrackerConfig
	counts   map[models.BlockerClass]int
	last     *models.Blocker
	manual   string
	deadline time.Time
	now      func() time.Time
}

// NewTracker creates a tracker whose timeout clock starts now.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	t := &Tracker{
		cfg:    cfg,
		counts: make(map[models.BlockerClass]int),
		now:    time.Now,
	}
	if cfg.Timeout > 0 {
		t.deadline = t.now().Add(cfg.Timeout)
	}
	return t
}

// Limit returns the pause threshold for class.
func (t *Tracker) Limit(class models.BlockerClass) int {
	if n, ok := t.cfg.ClassLimits[class]; ok && n > 0 {
		return n
	}
	return t.cfg.RetryLimit
}

// Record counts one occurrence of b and returns the new count for its class.
func (t *Tracker) Record(b models.Blocker) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[b.Class]++
	bc := b
	t.last = &bc
	return t.counts[b.Class]
}

// ShouldPause reports whether a blocker of class seen count times must pause
// the session.
func (t *Tracker) ShouldPause(class models.BlockerClass, count int) bool {
	pause, _ := t.decide(class, count)
	return pause
}

// Decide applies the pause policy to the current count for class.
func (t *Tracker) Decide(class models.BlockerClass) (bool, models.PauseType) {
	t.mu.Lock()
	count := t.counts[class]
	t.mu.Unlock()
	return t.decide(class, count)
}

func (t *Tracker) decide(class models.BlockerClass, count int) (bool, models.PauseType) {
	if _, ok := t.ManualRequested(); ok {
		return true, models.PauseTypeManual
	}
	if t.Expired() {
		return true, models.PauseTypeTimeout
	}
	if class.Critical() {
		return true, models.PauseTypeCriticalError
	}
	if count > t.Limit(class) {
		return true, models.PauseTypeRetryLimit
	}
	return false, ""
}

// RequestPause records an operator's request to pause at the next checkpoint.
func (t *Tracker) RequestPause(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if reason == "" {
		reason = "Paused by operator"
	}
	t.manual = reason
}

// ManualRequested returns the operator's pause reason, if any.
func (t *Tracker) ManualRequested() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.manual, t.manual != ""
}

// Expired reports whether the wall-clock budget has run out.
func (t *Tracker) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.deadline.IsZero() && t.now().After(t.deadline)
}

// Stats returns a copy of the per-class counters.
func (t *Tracker) Stats() map[models.BlockerClass]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.counts)
}

// LastBlocker returns the most recently recorded blocker, or nil.
func (t *Tracker) LastBlocker() *models.Blocker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil
	}
	b := *t.last
	return &b
}
