package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/yoke/internal/agent"
	"github.com/joescharf/yoke/internal/git"
	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/notify"
	"github.com/joescharf/yoke/internal/orchestrator"
	"github.com/joescharf/yoke/internal/output"
	"github.com/joescharf/yoke/internal/store"
)

// shutdownGrace bounds how long a foreground command waits for its session
// to record how it ended after Ctrl-C.
const shutdownGrace = 30 * time.Second

var (
	runMaxIterations int
	runModel         string
	initCancel       bool
	stopReason       string
	stopAfterClear   bool
	sessionLimit     int
	sessionStatus    string
	qualityType      string
	qualityLimit     int
)

var initCmd = &cobra.Command{
	Use:   "init <project>",
	Short: "Run the initializer session for a project",
	Long: `Run session 0, the initializer, in the foreground. A failed or
interrupted initializer is replaced. Use --cancel to stop a running
initializer (from any process) and reset the project.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if initCancel {
			return initCancelRun(args[0])
		}
		return initRun(cmd.Context(), args[0])
	},
}

var runCmd = &cobra.Command{
	Use:   "run <project>",
	Short: "Run the auto-continue coding loop in the foreground",
	Long: `Run coding sessions back to back until a session fails or is
interrupted, stop-after-current is set, auto-continue is off, or the
iteration limit is reached. Ctrl-C interrupts the running session.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var maxIterations *int
		if cmd.Flags().Changed("max-iterations") {
			if runMaxIterations < 0 {
				return fmt.Errorf("--max-iterations must be >= 0")
			}
			maxIterations = &runMaxIterations
		}
		return runLoopRun(cmd.Context(), args[0], maxIterations)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <session-id | project [number]>",
	Short: "Stop a running session",
	Long: `Stop a running session. The session is marked interrupted at once; the
process running its agent notices on its next heartbeat and cancels it.

  yoke stop 01J8Z...        # by session ID
  yoke stop shop            # the running session of project shop
  yoke stop shop 4          # session #4 of project shop`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopRun(args)
	},
}

var stopAfterCmd = &cobra.Command{
	Use:   "stop-after <project>",
	Short: "Stop a project's loop after the current session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopAfterRun(args[0])
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun("")
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list [project]",
	Aliases: []string{"ls"},
	Short:   "List sessions, newest first",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var projectRef string
		if len(args) > 0 {
			projectRef = args[0]
		}
		return sessionListRun(projectRef)
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id | project number>",
	Short: "Show session details",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args)
	},
}

var qualityCmd = &cobra.Command{
	Use:   "quality <project>",
	Short: "Show quality checks for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return qualityRun(args[0])
	},
}

func init() {
	initCmd.Flags().BoolVar(&initCancel, "cancel", false, "Cancel a running initializer and reset the project")

	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Coding sessions to run (0 = unlimited, default: project setting)")
	runCmd.Flags().StringVar(&runModel, "model", "", "Model override for this run")

	stopCmd.Flags().StringVar(&stopReason, "reason", orchestrator.StopReason, "Interruption reason recorded on the session")
	stopAfterCmd.Flags().BoolVar(&stopAfterClear, "clear", false, "Clear the flag instead of setting it")

	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 20, "Max sessions to show")
	sessionListCmd.Flags().StringVar(&sessionStatus, "status", "", "Filter by status (pending, running, completed, error, interrupted)")

	qualityCmd.Flags().StringVar(&qualityType, "type", "", "Filter by check type (quick, deep)")
	qualityCmd.Flags().IntVar(&qualityLimit, "limit", 20, "Max checks to show")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(stopAfterCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(qualityCmd)
}

// foreground runs fn with an engine whose context is cancelled by Ctrl-C.
func foreground(parent context.Context, opts engineOptions, fn func(ctx context.Context, e *engine) error) error {
	if parent == nil {
		parent = context.Background()
	}
	e, err := newEngine(logger, opts)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, shutdownSignals()...)
	defer stop()

	unsubscribe := e.bus.SubscribeAll(printEvent)
	runErr := fn(ctx, e)
	unsubscribe()

	if err := e.close(shutdownGrace); err != nil {
		ui.Warning("shutdown: %v", err)
	}
	return runErr
}

func initRun(ctx context.Context, projectRef string) error {
	return foreground(ctx, engineOptions{}, func(ctx context.Context, e *engine) error {
		p, err := resolveProject(ctx, e.store, projectRef)
		if err != nil {
			return err
		}
		if dryRun {
			ui.DryRunMsg("Would run the initializer for %s", p.Name)
			return nil
		}

		ui.Info("Initializing %s", output.Cyan(p.Name))
		sess, err := e.orch.StartInitializer(ctx, p.ID, printProgress)
		if err != nil {
			return initError(p, err)
		}
		return reportSession(sess)
	})
}

func initError(p *models.Project, err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyInitialized):
		return fmt.Errorf("%s is already initialized, use 'yoke run %s'", p.Name, p.Name)
	case errors.Is(err, store.ErrAlreadyRunning):
		return fmt.Errorf("%s already has a running session, see 'yoke session list %s'", p.Name, p.Name)
	}
	return err
}

func initCancelRun(projectRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	p, err := resolveProject(ctx, s, projectRef)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would cancel initialization of %s", p.Name)
		return nil
	}

	o := controlOrchestrator(s)
	defer func() { _ = o.Shutdown(ctx) }()
	if err := o.CancelInitialization(ctx, p.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s has no initializer session to cancel", p.Name)
		}
		return initError(p, err)
	}
	ui.Success("Cancelled initialization of %s", output.Cyan(p.Name))
	return nil
}

func runLoopRun(ctx context.Context, projectRef string, maxIterations *int) error {
	return foreground(ctx, engineOptions{}, func(ctx context.Context, e *engine) error {
		p, err := resolveProject(ctx, e.store, projectRef)
		if err != nil {
			return err
		}
		if dryRun {
			limit := p.Settings.MaxIterations
			if maxIterations != nil {
				limit = maxIterations
			}
			ui.DryRunMsg("Would run coding loop for %s (max iterations: %s)", p.Name, formatMaxIterations(limit))
			return nil
		}

		ui.Info("Starting coding loop for %s", output.Cyan(p.Name))
		res, err := e.orch.RunCodingLoop(ctx, p.ID, runModel, maxIterations, printProgress)
		if err != nil {
			if errors.Is(err, orchestrator.ErrNotInitialized) {
				return fmt.Errorf("%s is not initialized, run 'yoke init %s' first", p.Name, p.Name)
			}
			return initError(p, err)
		}

		fmt.Fprintln(ui.Out)
		ui.Info("Loop ended after %d session(s): %s", res.Iterations, res.StopReason)
		if res.LastSession != nil {
			return reportSession(res.LastSession)
		}
		return nil
	})
}

func stopRun(args []string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := resolveSession(ctx, s, args, true)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would stop session #%d (%s)", sess.SessionNumber, sess.ID)
		return nil
	}

	o := controlOrchestrator(s)
	defer func() { _ = o.Shutdown(ctx) }()
	stopped, err := o.StopSession(ctx, sess.ID, stopReason)
	if err != nil {
		return err
	}
	if !stopped {
		ui.Warning("Session #%d is not running (%s)", sess.SessionNumber, sess.Status)
		return nil
	}
	ui.Success("Stopped session #%d (%s)", sess.SessionNumber, sess.ID)
	return nil
}

// controlOrchestrator builds an orchestrator that only issues state changes
// through the store and git. It never runs an agent.
func controlOrchestrator(s store.Store) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Deps{Store: s, Git: git.NewClient(), Logger: logger}, orchestrator.DefaultConfig())
}

func stopAfterRun(projectRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	p, err := resolveProject(ctx, s, projectRef)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would set stop-after-current=%t on %s", !stopAfterClear, p.Name)
		return nil
	}
	if err := s.SetStopAfterCurrent(ctx, p.ID, !stopAfterClear); err != nil {
		return err
	}
	if stopAfterClear {
		ui.Success("%s will keep auto-continuing", output.Cyan(p.Name))
	} else {
		ui.Success("%s will stop after the current session", output.Cyan(p.Name))
	}
	return nil
}

func sessionListRun(projectRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var projects []*models.Project
	if projectRef != "" {
		p, err := resolveProject(ctx, s, projectRef)
		if err != nil {
			return err
		}
		projects = []*models.Project{p}
	} else if projects, err = s.ListProjects(ctx); err != nil {
		return err
	}

	var statuses []models.SessionStatus
	if sessionStatus != "" {
		for st := range strings.SplitSeq(sessionStatus, ",") {
			statuses = append(statuses, models.SessionStatus(strings.TrimSpace(st)))
		}
	}

	var sessions []*models.Session
	for _, p := range projects {
		var list []*models.Session
		if len(statuses) > 0 {
			list, err = s.ListSessionsByStatus(ctx, p.ID, statuses, sessionLimit)
		} else {
			list, err = s.ListSessions(ctx, p.ID, sessionLimit)
		}
		if err != nil {
			return err
		}
		sessions = append(sessions, list...)
	}

	if len(sessions) == 0 {
		ui.Info("No sessions.")
		return nil
	}
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].CreatedAt.After(sessions[j].CreatedAt) })
	if sessionLimit > 0 && len(sessions) > sessionLimit {
		sessions = sessions[:sessionLimit]
	}
	printSessions(sessions)
	return nil
}

func sessionShowRun(args []string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := resolveSession(ctx, s, args, false)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "Session #%d %s\n", sess.SessionNumber, output.StatusColor(string(sess.Status)))
	fmt.Fprintf(ui.Out, "  ID:        %s\n", sess.ID)
	if p, err := s.GetProject(ctx, sess.ProjectID); err == nil {
		fmt.Fprintf(ui.Out, "  Project:   %s\n", output.Cyan(p.Name))
	}
	fmt.Fprintf(ui.Out, "  Type:      %s\n", sess.Type)
	fmt.Fprintf(ui.Out, "  Model:     %s\n", sess.Model)
	if sess.StartedAt != nil {
		fmt.Fprintf(ui.Out, "  Started:   %s (%s)\n", sess.StartedAt.Local().Format(time.DateTime), timeAgo(*sess.StartedAt))
	}
	fmt.Fprintf(ui.Out, "  Duration:  %s\n", sessionDuration(sess))
	if sess.Status == models.SessionStatusRunning {
		fmt.Fprintf(ui.Out, "  Last seen: %s\n", timeAgo(sess.LastSeen()))
	}
	if sess.ErrorMessage != "" {
		fmt.Fprintf(ui.Out, "  Error:     %s\n", output.Red(sess.ErrorMessage))
	}
	if sess.InterruptionReason != "" {
		fmt.Fprintf(ui.Out, "  Reason:    %s\n", output.Yellow(sess.InterruptionReason))
	}

	if len(sess.Metrics) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "  Metrics:")
		keys := make([]string, 0, len(sess.Metrics))
		for k := range sess.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(ui.Out, "    %-22s %v\n", k, sess.Metrics[k])
		}
	}

	checks, err := s.ListQualityChecks(ctx, store.QualityFilter{SessionID: sess.ID})
	if err == nil && len(checks) > 0 {
		fmt.Fprintln(ui.Out)
		for _, qc := range checks {
			fmt.Fprintf(ui.Out, "  %s review: %s\n", qc.CheckType, output.RatingColor(qc.OverallRating))
			for _, issue := range qc.CriticalIssues {
				fmt.Fprintf(ui.Out, "    %s %s\n", output.Red("!"), issue)
			}
			for _, w := range qc.Warnings {
				fmt.Fprintf(ui.Out, "    %s %s\n", output.Yellow("-"), w)
			}
		}
	}

	if ui.Verbose && sess.InitialContext != "" {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "  Prompt:")
		for line := range strings.SplitSeq(sess.InitialContext, "\n") {
			fmt.Fprintf(ui.Out, "    %s\n", line)
		}
	}
	return nil
}

func qualityRun(projectRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	p, err := resolveProject(ctx, s, projectRef)
	if err != nil {
		return err
	}

	checks, err := s.ListQualityChecks(ctx, store.QualityFilter{
		ProjectID: p.ID,
		CheckType: models.CheckType(qualityType),
		Limit:     qualityLimit,
	})
	if err != nil {
		return err
	}
	if len(checks) == 0 {
		ui.Info("No quality checks for %s yet.", p.Name)
		return nil
	}

	table := ui.Table([]string{"Session", "Type", "Rating", "Critical", "Warnings", "When"})
	for _, qc := range checks {
		table.Append([]string{
			fmt.Sprintf("#%d", qc.SessionNumber),
			string(qc.CheckType),
			output.RatingColor(qc.OverallRating),
			strconv.Itoa(len(qc.CriticalIssues)),
			strconv.Itoa(len(qc.Warnings)),
			timeAgo(qc.CreatedAt),
		})
	}
	table.Render()
	return nil
}

// resolveSession accepts a session ID, a project and session number, or,
// when runningOK is set, a bare project meaning its running session.
func resolveSession(ctx context.Context, s store.Store, args []string, runningOK bool) (*models.Session, error) {
	if len(args) == 2 {
		p, err := resolveProject(ctx, s, args[0])
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(strings.TrimPrefix(args[1], "#"))
		if err != nil {
			return nil, fmt.Errorf("invalid session number %q", args[1])
		}
		sess, err := s.GetSessionByNumber(ctx, p.ID, n)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s has no session #%d", p.Name, n)
		}
		return sess, err
	}

	if sess, err := s.GetSession(ctx, args[0]); err == nil {
		return sess, nil
	}
	if !runningOK {
		return nil, fmt.Errorf("session not found: %s", args[0])
	}
	p, err := resolveProject(ctx, s, args[0])
	if err != nil {
		return nil, fmt.Errorf("no session or project named %s", args[0])
	}
	sess, err := s.GetRunningSession(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s has no running session", p.Name)
	}
	return sess, err
}

func printSessions(sessions []*models.Session) {
	table := ui.Table([]string{"#", "ID", "Type", "Status", "Model", "Duration", "Started"})
	for _, sess := range sessions {
		started := "-"
		if sess.StartedAt != nil {
			started = timeAgo(*sess.StartedAt)
		}
		table.Append([]string{
			strconv.Itoa(sess.SessionNumber),
			shortID(sess.ID),
			string(sess.Type),
			output.StatusColor(string(sess.Status)),
			sess.Model,
			sessionDuration(sess),
			started,
		})
	}
	table.Render()
}

func reportSession(sess *models.Session) error {
	switch sess.Status {
	case models.SessionStatusCompleted:
		ui.Success("Session #%d completed in %s", sess.SessionNumber, sessionDuration(sess))
	case models.SessionStatusError:
		ui.Error("Session #%d failed: %s", sess.SessionNumber, sess.ErrorMessage)
	case models.SessionStatusInterrupted:
		ui.Warning("Session #%d interrupted: %s", sess.SessionNumber, sess.InterruptionReason)
	default:
		ui.Info("Session #%d is %s", sess.SessionNumber, sess.Status)
	}
	return nil
}

// printProgress echoes agent activity. Tool calls and text only show with --verbose.
func printProgress(e agent.ProgressEvent) {
	switch e.Type {
	case "tool_use":
		ui.VerboseLog("%s", e.Tool)
	case "text":
		ui.VerboseLog("%s", firstLine(e.Text, 120))
	case "result":
		if e.IsError {
			ui.Warning("agent: %s", firstLine(e.Text, 200))
		}
	}
}

func printEvent(e notify.Event) {
	switch e.Type {
	case notify.EventAutoContinueDelay:
		ui.Info("Next session (#%v) in %vs", e.Data["next_session"], e.Data["delay_seconds"])
	case notify.EventRecoveryAttempted:
		ui.Warning("Blocker %v: recovery %s (%v)", e.Data["blocker"], successWord(e.Data["success"]), e.Data["message"])
	case notify.EventSessionPaused:
		ui.Warning("Paused (%v): %v", e.Data["pause_type"], e.Data["reason"])
		ui.Info("Resolve, then: yoke pause resume %v --notes \"...\"", e.Data["paused_id"])
	case notify.EventQualityCheck:
		if r, ok := e.Data["rating"].(int); ok {
			ui.Info("Quick check: %s", output.RatingColor(r))
		}
	case notify.EventDeepReviewCompleted:
		if r, ok := e.Data["rating"].(int); ok {
			ui.Info("Deep review of #%v: %s", e.Data["session_number"], output.RatingColor(r))
		}
	}
}

func successWord(v any) string {
	if ok, _ := v.(bool); ok {
		return "succeeded"
	}
	return "failed"
}

func sessionDuration(sess *models.Session) string {
	if sess.StartedAt == nil {
		return "-"
	}
	if sess.EndedAt == nil {
		return "running"
	}
	return formatDuration(sess.EndedAt.Sub(*sess.StartedAt))
}

// formatDuration returns a compact human-readable duration.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return "<1m"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// shortID returns the last 8 characters of a ULID, the part that differs
// between sessions started close together.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

func firstLine(s string, limit int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
