package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/joescharf/yoke/internal/agent"
	"github.com/joescharf/yoke/internal/git"
	"github.com/joescharf/yoke/internal/intervention"
	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/notify"
	"github.com/joescharf/yoke/internal/recovery"
	"github.com/joescharf/yoke/internal/review"
	"github.com/joescharf/yoke/internal/store"
)

var (
	// ErrNotInitialized is returned when coding work is requested before
	// the initializer session completed.
	ErrNotInitialized = errors.New("project not initialized")
	// ErrAlreadyInitialized is returned when the initializer already completed.
	ErrAlreadyInitialized = errors.New("project already initialized")
	// ErrNotActive is returned when a session is not executing in this process.
	ErrNotActive = errors.New("session is not active in this process")
)

const (
	DefaultAutoContinueDelay = 3 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second

	// CancelInitReason is recorded when an operator cancels initialization.
	CancelInitReason = "Initialization cancelled by user"
	// StopReason is the default reason for StopSession.
	StopReason = "Stopped by user"

	supersededInitNote = "Superseded by a new initializer session"

	// ownerSlack is added to the heartbeat interval when waiting for another
	// process to notice a stop.
	ownerSlack = time.Second
)

// Session metric keys written when git is wired.
const (
	MetricHeadStart = "git_head_start"
	MetricHeadEnd   = "git_head_end"
	MetricCommits   = "git_commits"
)

const blockerInstructions = `

If an environment problem stops you (a port in use, a service that is down,
a missing package), print a single line of the form
BLOCKER: <class> key=value
and stop. Known classes: port_conflict, redis_not_running,
database_connection_failed, module_not_found, permission_denied, disk_full,
auth_failed.`

const (
	defaultInitializerPrompt = "Read app_spec.txt in the working directory, set up the project skeleton and write a feature checklist with every feature marked failing." + blockerInstructions
	defaultCodingPrompt      = "Continue building the project: pick the next failing feature from the checklist, implement it, verify it in the browser and mark it passing." + blockerInstructions
)

// Config controls the orchestrator's run policy.
type Config struct {
	AutoContinueDelay time.Duration
	HeartbeatInterval time.Duration
	// SessionTimeout bounds one unit of work; 0 disables the limit.
	SessionTimeout time.Duration
	RetryLimit     int
	ClassLimits    map[models.BlockerClass]int

	InitializerModel  string
	CodingModel       string
	InitializerPrompt string
	CodingPrompt      string
}

// DefaultConfig returns the default orchestrator config, reading from viper when available.
func DefaultConfig() Config {
	cfg := Config{
		AutoContinueDelay: viper.GetDuration("orchestrator.auto_continue_delay"),
		HeartbeatInterval: viper.GetDuration("orchestrator.heartbeat_interval"),
		SessionTimeout:    viper.GetDuration("orchestrator.session_timeout"),
		RetryLimit:        viper.GetInt("intervention.retry_limit"),
		InitializerModel:  viper.GetString("models.initializer"),
		CodingModel:       viper.GetString("models.coding"),
		InitializerPrompt: viper.GetString("orchestrator.initializer_prompt"),
		CodingPrompt:      viper.GetString("orchestrator.coding_prompt"),
	}
	if limits := viper.GetStringMap("intervention.class_limits"); len(limits) > 0 {
		cfg.ClassLimits = make(map[models.BlockerClass]int, len(limits))
		for k := range limits {
			cfg.ClassLimits[models.ParseBlockerClass(k)] = viper.GetInt("intervention.class_limits." + k)
		}
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.AutoContinueDelay < 0 {
		c.AutoContinueDelay = 0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = intervention.DefaultRetryLimit
	}
	if c.InitializerPrompt == "" {
		c.InitializerPrompt = defaultInitializerPrompt
	}
	if c.CodingPrompt == "" {
		c.CodingPrompt = defaultCodingPrompt
	}
	return c
}

// Deps are the collaborators the orchestrator drives. Store and Executor
// are required; the rest fall back to no-op behavior when nil.
type Deps struct {
	Store     store.Store
	Executor  agent.Executor
	Recovery  *recovery.Dispatcher
	Pauses    *intervention.PauseManager
	Scheduler *review.Scheduler
	Reviewer  *review.DeepReviewer
	// Git snapshots HEAD around each session; nil skips snapshots and
	// limits ResetProject to the store.
	Git       git.Client
	Sink      notify.Sink
	Logger    *slog.Logger
}

// WorkRequest describes one unit of work to start.
type WorkRequest struct {
	Type  models.SessionType
	Model string
	// Prompt overrides the configured prompt for the session type.
	Prompt string
}

// unit is the in-process handle of a running session.
type unit struct {
	projectID string
	cancel    context.CancelFunc
	tracker   *intervention.Tracker
}

// Orchestrator drives session lifecycles for all projects.
type Orchestrator struct {
	store     store.Store
	executor  agent.Executor
	recovery  *recovery.Dispatcher
	pauses    *intervention.PauseManager
	scheduler *review.Scheduler
	reviewer  *review.DeepReviewer
	git       git.Client
	sink      notify.Sink
	logger    *slog.Logger
	tasks     *Tasks

	cfgMu sync.RWMutex
	cfg   Config

	mu     sync.Mutex
	active map[string]*unit // by session ID

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sink == nil {
		deps.Sink = notify.Nop{}
	}
	if deps.Recovery == nil {
		deps.Recovery = recovery.NewDispatcher(nil, 0, deps.Logger)
	}
	if deps.Pauses == nil {
		deps.Pauses = intervention.NewPauseManager(deps.Store, deps.Logger)
	}
	if deps.Scheduler == nil {
		deps.Scheduler = review.NewScheduler(deps.Store, review.DefaultPolicy)
	}
	return &Orchestrator{
		store:     deps.Store,
		executor:  deps.Executor,
		recovery:  deps.Recovery,
		pauses:    deps.Pauses,
		scheduler: deps.Scheduler,
		reviewer:  deps.Reviewer,
		git:       deps.Git,
		sink:      deps.Sink,
		logger:    deps.Logger,
		tasks:     NewTasks(deps.Logger),
		cfg:       cfg.withDefaults(),
		active:    make(map[string]*unit),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Tasks returns the background task registry.
func (o *Orchestrator) Tasks() *Tasks { return o.tasks }

// Config returns a copy of the current config.
func (o *Orchestrator) Config() Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// SetAutoContinueDelay changes the delay used before later iterations.
func (o *Orchestrator) SetAutoContinueDelay(d time.Duration) {
	if d < 0 {
		return
	}
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	o.cfg.AutoContinueDelay = d
}

func (o *Orchestrator) notify(projectID, sessionID string, t notify.EventType, data map[string]any) {
	o.sink.Notify(projectID, notify.Event{
		Type:      t,
		ProjectID: projectID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// StartUnitOfWork claims a new session for the project and runs it to a
// terminal status. It blocks until the session ends. A session that ends in
// error or interrupted is reported through its status, not the error.
func (o *Orchestrator) StartUnitOfWork(ctx context.Context, projectID string, req WorkRequest, progress agent.ProgressFunc) (*models.Session, error) {
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = models.SessionTypeCoding
	}
	if req.Type == models.SessionTypeCoding && !p.Initialized {
		return nil, fmt.Errorf("project %s: %w", p.Name, ErrNotInitialized)
	}

	cfg := o.Config()
	if req.Model == "" {
		req.Model = o.modelFor(p, req.Type, cfg)
	}
	if req.Prompt == "" {
		req.Prompt = cfg.CodingPrompt
		if req.Type == models.SessionTypeInitializer {
			req.Prompt = cfg.InitializerPrompt
		}
	}

	sess := &models.Session{
		ProjectID:      p.ID,
		Type:           req.Type,
		Model:          req.Model,
		InitialContext: req.Prompt,
	}
	if err := o.store.ClaimSession(ctx, sess); err != nil {
		return nil, err
	}

	tracker := intervention.NewTracker(intervention.TrackerConfig{
		RetryLimit:  cfg.RetryLimit,
		ClassLimits: cfg.ClassLimits,
		Timeout:     cfg.SessionTimeout,
	})
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if cfg.SessionTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.SessionTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	o.mu.Lock()
	o.active[sess.ID] = &unit{projectID: p.ID, cancel: cancel, tracker: tracker}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, sess.ID)
		o.mu.Unlock()
	}()

	o.logger.Info("session started",
		"project", p.Name,
		"session_id", sess.ID,
		"session_number", sess.SessionNumber,
		"type", sess.Type,
		"model", sess.Model,
	)
	o.notify(p.ID, sess.ID, notify.EventSessionStarted, map[string]any{
		"session_number": sess.SessionNumber,
		"type":           string(sess.Type),
		"model":          sess.Model,
	})

	stopBeat := o.heartbeat(sess.ID, cfg.HeartbeatInterval, cancel)
	final, err := o.execute(ctx, runCtx, p, sess, tracker, progress)
	stopBeat()
	if err != nil {
		return final, err
	}

	if final.Status == models.SessionStatusCompleted {
		o.afterCompletion(context.WithoutCancel(ctx), p, final)
	}
	return final, nil
}

func (o *Orchestrator) modelFor(p *models.Project, t models.SessionType, cfg Config) string {
	if t == models.SessionTypeInitializer {
		if p.Settings.InitializerModel != "" {
			return p.Settings.InitializerModel
		}
		return cfg.InitializerModel
	}
	if p.Settings.CodingModel != "" {
		return p.Settings.CodingModel
	}
	return cfg.CodingModel
}

// heartbeat refreshes the session's liveness signal until the returned
// stop func is called. When the row has left running (another process
// stopped or reaped it) the unit of work is cancelled.
func (o *Orchestrator) heartbeat(sessionID string, interval time.Duration, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				err := o.store.TouchHeartbeat(context.Background(), sessionID, now.UTC())
				if errors.Is(err, store.ErrStatusMismatch) {
					o.logger.Info("session no longer running, cancelling agent", "session_id", sessionID)
					cancel()
					return
				}
				if err != nil {
					o.logger.Warn("heartbeat failed", "session_id", sessionID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// execute runs attempts of one session until it reaches a terminal status.
// Store writes use a context detached from cancellation so a stopped unit
// of work still records how it ended.
func (o *Orchestrator) execute(ctx, runCtx context.Context, p *models.Project, sess *models.Session, tracker *intervention.Tracker, progress agent.ProgressFunc) (*models.Session, error) {
	bg := context.WithoutCancel(ctx)
	forward := func(e agent.ProgressEvent) {
		if progress != nil {
			progress(e)
		}
		o.notify(p.ID, sess.ID, notify.EventSessionProgress, map[string]any{
			"event":    e.Type,
			"text":     e.Text,
			"tool":     e.Tool,
			"is_error": e.IsError,
		})
	}

	metrics := map[string]any{}
	startHead := o.head(p.Path)
	if startHead != "" {
		metrics[MetricHeadStart] = startHead
	}
	recoveries := 0
	currentTask := ""
	for attempt := 1; ; attempt++ {
		if _, ok := tracker.ManualRequested(); ok || tracker.Expired() || runCtx.Err() != nil {
			return o.stopped(bg, runCtx, sess, tracker, currentTask, metrics)
		}

		out := o.executor.Run(runCtx, agent.SessionContext{
			SessionID:     sess.ID,
			ProjectID:     p.ID,
			ProjectPath:   p.Path,
			SessionNumber: sess.SessionNumber,
			Type:          sess.Type,
			Model:         sess.Model,
			Prompt:        sess.InitialContext,
			Attempt:       attempt,
		}, forward)

		for k, v := range out.Metrics {
			metrics[k] = v
		}
		metrics["attempts"] = attempt
		metrics["recovery_attempts"] = recoveries
		o.recordHead(p.Path, startHead, metrics)
		if out.CurrentTask != "" {
			currentTask = out.CurrentTask
		}

		switch out.Kind {
		case agent.OutcomeSuccess:
			now := time.Now().UTC()
			return o.finish(bg, sess, models.SessionStatusCompleted, store.SessionFields{EndedAt: &now, Metrics: metrics})

		case agent.OutcomeFatal:
			msg := "agent failed"
			if out.Err != nil {
				msg = out.Err.Error()
			}
			now := time.Now().UTC()
			return o.finish(bg, sess, models.SessionStatusError, store.SessionFields{EndedAt: &now, ErrorMessage: &msg, Metrics: metrics})

		case agent.OutcomeCancelled:
			return o.stopped(bg, runCtx, sess, tracker, currentTask, metrics)

		case agent.OutcomeBlocker:
			b := models.Blocker{Class: models.BlockerUnknown}
			if out.Blocker != nil {
				b = *out.Blocker
			}
			count := tracker.Record(b)
			o.logger.Warn("session blocked",
				"session_id", sess.ID,
				"blocker", b.Class,
				"count", count,
				"message", b.Message,
			)

			if pause, ptype := tracker.Decide(b.Class); pause {
				return o.pause(bg, sess, tracker, ptype, blockerReason(ptype, b, count), currentTask, metrics)
			}
			if !recovery.Recoverable(b.Class) {
				reason := fmt.Sprintf("No auto-recovery available for %s: %s", b.Class, b.Message)
				return o.pause(bg, sess, tracker, models.PauseTypeCriticalError, reason, currentTask, metrics)
			}

			recoveries++
			res := o.recovery.Attempt(runCtx, recovery.ProjectContext{ProjectID: p.ID, Path: p.Path}, b)
			o.notify(p.ID, sess.ID, notify.EventRecoveryAttempted, map[string]any{
				"blocker": string(b.Class),
				"success": res.Success,
				"message": res.Message,
				"attempt": attempt,
			})
			if !res.Success && runCtx.Err() == nil {
				reason := fmt.Sprintf("Auto-recovery failed for %s: %s", b.Class, res.Message)
				return o.pause(bg, sess, tracker, models.PauseTypeRetryLimit, reason, currentTask, metrics)
			}
		default:
			msg := fmt.Sprintf("unhandled outcome %q", out.Kind)
			now := time.Now().UTC()
			return o.finish(bg, sess, models.SessionStatusError, store.SessionFields{EndedAt: &now, ErrorMessage: &msg, Metrics: metrics})
		}
	}
}

// head returns the project's HEAD, or "" when git is not wired or the path
// is not a repo with commits.
func (o *Orchestrator) head(path string) string {
	if o.git == nil || !o.git.IsRepo(path) {
		return ""
	}
	h, err := o.git.Head(path)
	if err != nil {
		o.logger.Debug("read git head", "path", path, "error", err)
		return ""
	}
	return h
}

// recordHead stores the HEAD reached so far and the commits made since start.
func (o *Orchestrator) recordHead(path, start string, metrics map[string]any) {
	end := o.head(path)
	if end == "" {
		return
	}
	metrics[MetricHeadEnd] = end
	if start == "" {
		return
	}
	if n, err := o.git.CommitsBetween(path, start, end); err == nil {
		metrics[MetricCommits] = n
	}
}

// stopped ends a unit of work whose context was cancelled or whose tracker
// asked to stop: a manual request or an expired deadline becomes a pause,
// anything else a plain interruption.
func (o *Orchestrator) stopped(ctx, runCtx context.Context, sess *models.Session, tracker *intervention.Tracker, currentTask string, metrics map[string]any) (*models.Session, error) {
	if reason, ok := tracker.ManualRequested(); ok {
		return o.pause(ctx, sess, tracker, models.PauseTypeManual, reason, currentTask, metrics)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) || tracker.Expired() {
		reason := fmt.Sprintf("Session exceeded time limit of %s", o.Config().SessionTimeout)
		return o.pause(ctx, sess, tracker, models.PauseTypeTimeout, reason, currentTask, metrics)
	}
	reason := "Session cancelled"
	now := time.Now().UTC()
	return o.finish(ctx, sess, models.SessionStatusInterrupted, store.SessionFields{EndedAt: &now, InterruptionReason: &reason, Metrics: metrics})
}

func blockerReason(ptype models.PauseType, b models.Blocker, count int) string {
	if ptype == models.PauseTypeCriticalError {
		return fmt.Sprintf("Critical blocker %s: %s", b.Class, b.Message)
	}
	return fmt.Sprintf("Blocker %s persisted after %d recovery attempts: %s", b.Class, count-1, b.Message)
}

// pause records a PausedSession and ends the session interrupted.
func (o *Orchestrator) pause(ctx context.Context, sess *models.Session, tracker *intervention.Tracker, ptype models.PauseType, reason, currentTask string, metrics map[string]any) (*models.Session, error) {
	pausedID, pauseErr := o.pauses.Pause(ctx, intervention.PauseRequest{
		SessionID:   sess.ID,
		ProjectID:   sess.ProjectID,
		Reason:      reason,
		PauseType:   ptype,
		CurrentTask: currentTask,
		Tracker:     tracker,
	})

	interruption := fmt.Sprintf("Paused (%s): %s", ptype, reason)
	if pauseErr == nil {
		interruption += fmt.Sprintf(" [paused_session=%s]", pausedID)
		o.notify(sess.ProjectID, sess.ID, notify.EventSessionPaused, map[string]any{
			"paused_id":  pausedID,
			"pause_type": string(ptype),
			"reason":     reason,
		})
	}

	now := time.Now().UTC()
	final, err := o.finish(ctx, sess, models.SessionStatusInterrupted, store.SessionFields{EndedAt: &now, InterruptionReason: &interruption, Metrics: metrics})
	if pauseErr != nil {
		return final, errors.Join(pauseErr, err)
	}
	return final, err
}

// finish moves the session out of running. When another actor already
// ended it (StopSession, the reaper, cancelled initialization) that
// outcome stands.
func (o *Orchestrator) finish(ctx context.Context, sess *models.Session, to models.SessionStatus, fields store.SessionFields) (*models.Session, error) {
	final, err := o.store.TransitionSession(ctx, sess.ID, models.SessionStatusRunning, to, fields)
	switch {
	case errors.Is(err, store.ErrStatusMismatch) && final != nil:
		o.logger.Info("session already ended elsewhere", "session_id", sess.ID, "status", final.Status)
		return final, nil
	case errors.Is(err, store.ErrNotFound):
		o.logger.Info("session removed while running", "session_id", sess.ID)
		gone := *sess
		gone.Status = models.SessionStatusInterrupted
		return &gone, nil
	case err != nil:
		return sess, fmt.Errorf("finish session %s: %w", sess.ID, err)
	}

	o.logger.Info("session ended",
		"session_id", final.ID,
		"session_number", final.SessionNumber,
		"status", final.Status,
		"error", final.ErrorMessage,
		"reason", final.InterruptionReason,
	)
	data := map[string]any{"session_number": final.SessionNumber, "status": string(final.Status)}
	switch final.Status {
	case models.SessionStatusCompleted:
		o.notify(final.ProjectID, final.ID, notify.EventSessionCompleted, data)
	case models.SessionStatusError:
		data["error"] = final.ErrorMessage
		o.notify(final.ProjectID, final.ID, notify.EventSessionError, data)
	case models.SessionStatusInterrupted:
		data["reason"] = final.InterruptionReason
		o.notify(final.ProjectID, final.ID, notify.EventSessionInterrupted, data)
	}
	return final, nil
}

// afterCompletion marks an initializer's project initialized, or runs the
// quick check and deep-review policy for a coding session.
func (o *Orchestrator) afterCompletion(ctx context.Context, p *models.Project, sess *models.Session) {
	if sess.Type == models.SessionTypeInitializer {
		if err := o.store.SetInitialized(ctx, p.ID, true); err != nil {
			o.logger.Error("mark project initialized", "project", p.Name, "error", err)
		}
		return
	}

	quick := review.QuickCheck(sess.Metrics)
	qc := &models.QualityCheck{
		SessionID:      sess.ID,
		ProjectID:      sess.ProjectID,
		SessionNumber:  sess.SessionNumber,
		CheckType:      models.CheckTypeQuick,
		OverallRating:  quick.Rating,
		CriticalIssues: quick.CriticalIssues,
		Warnings:       quick.Warnings,
	}
	if err := o.store.CreateQualityCheck(ctx, qc); err != nil {
		o.logger.Error("record quick check", "session_id", sess.ID, "error", err)
	}
	o.notify(sess.ProjectID, sess.ID, notify.EventQualityCheck, map[string]any{
		"check_type": string(models.CheckTypeQuick),
		"rating":     quick.Rating,
	})

	rating := quick.Rating
	decision, err := o.scheduler.ShouldTrigger(ctx, sess.ProjectID, sess.Type, sess.SessionNumber, &rating)
	if err != nil {
		o.logger.Error("deep review decision", "session_id", sess.ID, "error", err)
		return
	}
	if !decision.Trigger {
		return
	}
	if o.reviewer == nil {
		o.logger.Debug("deep review due but no reviewer configured", "session_id", sess.ID, "reason", decision.Reason)
		return
	}
	queued := o.reviewer.Enqueue(review.Job{
		SessionID:     sess.ID,
		ProjectID:     sess.ProjectID,
		SessionNumber: sess.SessionNumber,
		LogPath:       agent.LogPath(p.Path, sess.SessionNumber),
		Metrics:       sess.Metrics,
		QuickRating:   quick.Rating,
	})
	o.logger.Info("deep review scheduled", "session_id", sess.ID, "reason", decision.Reason, "queued", queued)
}

// StartInitializer runs session 0 for the project. A previous initializer
// that ended in error or interrupted is replaced; its open pauses are
// resolved by "system" and kept.
func (o *Orchestrator) StartInitializer(ctx context.Context, projectID string, progress agent.ProgressFunc) (*models.Session, error) {
	if err := o.prepareInitializer(ctx, projectID); err != nil {
		return nil, err
	}
	return o.StartUnitOfWork(ctx, projectID, WorkRequest{Type: models.SessionTypeInitializer}, progress)
}

func (o *Orchestrator) prepareInitializer(ctx context.Context, projectID string) error {
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	prev, err := o.store.GetSessionByNumber(ctx, p.ID, 0)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch prev.Status {
	case models.SessionStatusCompleted:
		return fmt.Errorf("project %s: %w", p.Name, ErrAlreadyInitialized)
	case models.SessionStatusRunning, models.SessionStatusPending:
		return fmt.Errorf("project %s: %w", p.Name, store.ErrAlreadyRunning)
	}
	if _, err := o.pauses.Supersede(ctx, prev.ID, supersededInitNote); err != nil {
		return fmt.Errorf("replace failed initializer: %w", err)
	}
	if err := o.store.DeleteSession(ctx, prev.ID); err != nil {
		return fmt.Errorf("replace failed initializer: %w", err)
	}
	return nil
}

// StopSession interrupts a running session and cancels its unit of work
// if it runs in this process. It reports false when the session was not
// running.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID, reason string) (bool, error) {
	if reason == "" {
		reason = StopReason
	}
	now := time.Now().UTC()
	sess, err := o.store.TransitionSession(ctx, sessionID,
		models.SessionStatusRunning, models.SessionStatusInterrupted,
		store.SessionFields{EndedAt: &now, InterruptionReason: &reason})
	if errors.Is(err, store.ErrStatusMismatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	o.mu.Lock()
	u := o.active[sessionID]
	o.mu.Unlock()
	if u != nil {
		u.cancel()
	}

	o.logger.Info("session stopped", "session_id", sessionID, "reason", reason, "in_process", u != nil)
	o.notify(sess.ProjectID, sess.ID, notify.EventSessionInterrupted, map[string]any{
		"session_number": sess.SessionNumber,
		"reason":         reason,
	})
	return true, nil
}

// SetStopAfterCurrent sets or clears the project's stop flag. The running
// session is never pre-empted.
func (o *Orchestrator) SetStopAfterCurrent(ctx context.Context, projectID string, stop bool) error {
	return o.store.SetStopAfterCurrent(ctx, projectID, stop)
}

// PauseSession asks a running unit of work to pause with pause_type manual.
// The session stops at its next checkpoint and a PausedSession is recorded.
func (o *Orchestrator) PauseSession(ctx context.Context, sessionID, reason string) error {
	o.mu.Lock()
	u := o.active[sessionID]
	o.mu.Unlock()
	if u == nil {
		sess, err := o.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != models.SessionStatusRunning {
			return fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, store.ErrStatusMismatch)
		}
		return fmt.Errorf("session %s: %w", sessionID, ErrNotActive)
	}
	u.tracker.RequestPause(reason)
	u.cancel()
	return nil
}

// ResumePaused resolves a pause and runs a fresh session of the paused
// session's type whose prompt opens with the resume context. The project
// must be idle. If the continuation session cannot be claimed the pause is
// reopened.
func (o *Orchestrator) ResumePaused(ctx context.Context, pausedID, resolvedBy, notes string, progress agent.ProgressFunc) (*models.Session, error) {
	rc, req, err := o.beginResume(ctx, pausedID, resolvedBy, notes)
	if err != nil {
		return nil, err
	}
	return o.runResume(ctx, rc, req, progress)
}

// resumeType checks that a pause can be resumed now and returns the session
// type the continuation runs as.
func (o *Orchestrator) resumeType(ctx context.Context, pausedID string) (models.SessionType, error) {
	ps, err := o.store.GetPausedSession(ctx, pausedID)
	if err != nil {
		return "", err
	}
	if ps.Resolved {
		return "", fmt.Errorf("unresolved paused session %s: %w", pausedID, store.ErrNotFound)
	}
	p, err := o.readyForWork(ctx, ps.ProjectID)
	if err != nil {
		return "", err
	}

	typ := models.SessionTypeCoding
	if !p.Initialized {
		typ = models.SessionTypeInitializer
	}
	if ps.SessionID != "" {
		sess, err := o.store.GetSession(ctx, ps.SessionID)
		switch {
		case err == nil:
			typ = sess.Type
		case !errors.Is(err, store.ErrNotFound):
			return "", err
		}
	}

	switch {
	case typ == models.SessionTypeCoding && !p.Initialized:
		return "", fmt.Errorf("project %s: %w", p.Name, ErrNotInitialized)
	case typ == models.SessionTypeInitializer && p.Initialized:
		return "", fmt.Errorf("project %s: %w", p.Name, ErrAlreadyInitialized)
	}
	return typ, nil
}

// beginResume resolves the pause and readies the project for the
// continuation session.
func (o *Orchestrator) beginResume(ctx context.Context, pausedID, resolvedBy, notes string) (*intervention.ResumeContext, WorkRequest, error) {
	typ, err := o.resumeType(ctx, pausedID)
	if err != nil {
		return nil, WorkRequest{}, err
	}
	rc, err := o.pauses.Resume(ctx, pausedID, resolvedBy, notes)
	if err != nil {
		return nil, WorkRequest{}, err
	}
	if typ == models.SessionTypeInitializer {
		if err := o.prepareInitializer(ctx, rc.ProjectID); err != nil {
			o.reopenPause(ctx, rc, err)
			return nil, WorkRequest{}, err
		}
	}

	cfg := o.Config()
	base := cfg.CodingPrompt
	if typ == models.SessionTypeInitializer {
		base = cfg.InitializerPrompt
	}
	return rc, WorkRequest{Type: typ, Prompt: rc.ResumePrompt + "\n" + base}, nil
}

func (o *Orchestrator) runResume(ctx context.Context, rc *intervention.ResumeContext, req WorkRequest, progress agent.ProgressFunc) (*models.Session, error) {
	o.notify(rc.ProjectID, rc.SessionID, notify.EventSessionResumed, map[string]any{
		"paused_id":   rc.PausedID,
		"resolved_by": rc.ResolvedBy,
		"type":        string(req.Type),
	})
	sess, err := o.StartUnitOfWork(ctx, rc.ProjectID, req, progress)
	if err != nil && sess == nil {
		o.reopenPause(ctx, rc, err)
	}
	return sess, err
}

// reopenPause puts a pause back when its continuation never started.
func (o *Orchestrator) reopenPause(ctx context.Context, rc *intervention.ResumeContext, cause error) {
	if err := o.pauses.Reopen(context.WithoutCancel(ctx), rc.PausedID); err != nil {
		o.logger.Error("reopen pause after failed resume", "paused_id", rc.PausedID, "cause", cause, "error", err)
		return
	}
	o.logger.Warn("resume failed, pause reopened", "paused_id", rc.PausedID, "project", rc.ProjectName, "error", cause)
}

// CancelInitialization stops a running initializer and deletes session 0
// so the project can be initialized again.
func (o *Orchestrator) CancelInitialization(ctx context.Context, projectID string) error {
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	sess, err := o.store.GetSessionByNumber(ctx, p.ID, 0)
	if err != nil {
		return err
	}
	if sess.Status == models.SessionStatusCompleted {
		return fmt.Errorf("project %s: %w", p.Name, ErrAlreadyInitialized)
	}

	local := o.isActive(sess.ID)
	stopped, err := o.StopSession(ctx, sess.ID, CancelInitReason)
	if err != nil {
		return err
	}
	t, hasTask := o.tasks.Get(p.ID)
	if hasTask {
		t.cancel()
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if stopped && !local && !hasTask {
		if err := o.awaitOwner(ctx, sess); err != nil {
			return err
		}
	}

	if _, err := o.pauses.Supersede(ctx, sess.ID, CancelInitReason); err != nil {
		return err
	}
	if err := o.store.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete initializer session: %w", err)
	}
	if p.Initialized {
		if err := o.store.SetInitialized(ctx, p.ID, false); err != nil {
			return err
		}
	}
	o.logger.Info("initialization cancelled", "project", p.Name)
	return nil
}

func (o *Orchestrator) isActive(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

// awaitOwner waits out the heartbeat interval of a session that another
// process runs. Its next heartbeat sees the stop and cancels the agent.
func (o *Orchestrator) awaitOwner(ctx context.Context, sess *models.Session) error {
	last := sess.StartedAt
	if sess.HeartbeatAt != nil {
		last = sess.HeartbeatAt
	}
	if last == nil {
		return nil
	}
	wait := time.Until(last.Add(o.Config().HeartbeatInterval + ownerSlack))
	o.logger.Info("waiting for the owning process to stop the agent", "session_id", sess.ID, "wait", wait.Round(time.Millisecond))
	return o.sleep(ctx, wait)
}
