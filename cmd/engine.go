package cmd

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/joescharf/yoke/internal/agent"
	"github.com/joescharf/yoke/internal/git"
	"github.com/joescharf/yoke/internal/intervention"
	"github.com/joescharf/yoke/internal/notify"
	"github.com/joescharf/yoke/internal/orchestrator"
	"github.com/joescharf/yoke/internal/reaper"
	"github.com/joescharf/yoke/internal/recovery"
	"github.com/joescharf/yoke/internal/review"
	"github.com/joescharf/yoke/internal/store"
)

// engine is the wired control plane shared by serve, mcp and the
// foreground commands.
type engine struct {
	store    store.Store
	bus      *notify.Bus
	pauses   *intervention.PauseManager
	reviewer *review.DeepReviewer
	orch     *orchestrator.Orchestrator
	reaper   *reaper.Reaper
	logger   *slog.Logger
}

// engineOptions lets tests swap the agent executor.
type engineOptions struct {
	executor agent.Executor
}

func newEngine(log *slog.Logger, opts engineOptions) (*engine, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	bus := notify.NewBus(viper.GetInt("notify.buffer_size"), log)
	sink := notify.Multi{notify.LogSink{Logger: log}, bus}

	e := &engine{
		store:  s,
		bus:    bus,
		pauses: intervention.NewPauseManager(s, log),
		logger: log,
	}

	rcfg := review.DefaultConfig()
	if client := newLLMClient(rcfg.Model); client != nil {
		e.reviewer = review.NewDeepReviewer(s, client, sink, rcfg.QueueSize, log)
	} else {
		log.Debug("no anthropic api key, deep reviews disabled")
	}

	exe := opts.executor
	if exe == nil {
		exe = agent.NewClaudeExecutor(agent.ClaudeConfig{
			Command:   viper.GetString("agent.command"),
			ExtraArgs: viper.GetStringSlice("agent.extra_args"),
		}, log)
	}

	e.orch = orchestrator.New(orchestrator.Deps{
		Store:     s,
		Executor:  exe,
		Recovery:  recovery.NewDispatcher(nil, viper.GetDuration("recovery.action_timeout"), log),
		Pauses:    e.pauses,
		Scheduler: review.NewScheduler(s, rcfg.Policy()),
		Reviewer:  e.reviewer,
		Git:       git.NewClient(),
		Sink:      sink,
		Logger:    log,
	}, orchestrator.DefaultConfig())

	rc := reaper.Config{
		Interval:       viper.GetDuration("reaper.interval"),
		StaleThreshold: viper.GetDuration("reaper.stale_threshold"),
	}
	if viper.GetBool("reaper.detect_agents") {
		rc.Detector = &agent.OSProcessDetector{Name: filepath.Base(viper.GetString("agent.command"))}
	}
	e.reaper = reaper.New(s, rc, sink, log)

	return e, nil
}

// applyConfig pushes hot-reloadable settings into the running engine.
func (e *engine) applyConfig() {
	e.orch.SetAutoContinueDelay(viper.GetDuration("orchestrator.auto_continue_delay"))
	e.reaper.SetStaleThreshold(viper.GetDuration("reaper.stale_threshold"))
	e.logger.Info("configuration reloaded",
		"auto_continue_delay", e.orch.Config().AutoContinueDelay,
		"stale_threshold", e.reaper.StaleThreshold(),
	)
}

// close stops background work and waits up to timeout for running sessions
// to record how they ended. The store is left open for the caller.
func (e *engine) close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := e.orch.Shutdown(ctx)
	if e.reviewer != nil {
		e.reviewer.Close()
	}
	e.bus.Close()
	return err
}
