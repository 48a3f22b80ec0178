package cmd

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/joescharf/yoke/internal/intervention"
	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/orchestrator"
	"github.com/joescharf/yoke/internal/output"
	"github.com/joescharf/yoke/internal/store"
)

var (
	pauseHistoryLimit int
	resumeNotes       string
	resumeBy          string
	resumeLoop        bool
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Manage sessions paused for human intervention",
	RunE: func(cmd *cobra.Command, args []string) error {
		return pauseListRun("")
	},
}

var pauseListCmd = &cobra.Command{
	Use:     "list [project]",
	Aliases: []string{"ls"},
	Short:   "List unresolved pauses",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var projectRef string
		if len(args) > 0 {
			projectRef = args[0]
		}
		return pauseListRun(projectRef)
	},
}

var pauseHistoryCmd = &cobra.Command{
	Use:   "history [project]",
	Short: "Show resolved interventions, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var projectRef string
		if len(args) > 0 {
			projectRef = args[0]
		}
		return pauseHistoryRun(projectRef)
	},
}

var pauseShowCmd = &cobra.Command{
	Use:   "show <paused-id>",
	Short: "Show a pause and the prompt a resume would send",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return pauseShowRun(args[0])
	},
}

var pauseResumeCmd = &cobra.Command{
	Use:   "resume <paused-id>",
	Short: "Resolve a pause and run a fresh session that continues the task",
	Long: `Mark the pause resolved and start a new session in the foreground.
A paused initializer is retried as a new initializer, anything else as a
coding session. Its prompt carries the original task, the pause reason and
your resolution notes. If the session cannot start the pause stays open.
With --loop, auto-continue picks up after it completes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return pauseResumeRun(cmd.Context(), args[0])
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Interrupt running sessions that stopped sending heartbeats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return reapRun()
	},
}

func init() {
	pauseHistoryCmd.Flags().IntVar(&pauseHistoryLimit, "limit", 20, "Max pauses to show")

	pauseResumeCmd.Flags().StringVar(&resumeNotes, "notes", "", "What you did to resolve the blocker")
	pauseResumeCmd.Flags().StringVar(&resumeBy, "by", "", "Who resolved it (default: current user)")
	pauseResumeCmd.Flags().BoolVar(&resumeLoop, "loop", false, "Continue with the coding loop after the resumed session")

	pauseCmd.AddCommand(pauseListCmd)
	pauseCmd.AddCommand(pauseHistoryCmd)
	pauseCmd.AddCommand(pauseShowCmd)
	pauseCmd.AddCommand(pauseResumeCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(reapCmd)
}

func pauseListRun(projectRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	projectID, err := optionalProjectID(ctx, s, projectRef)
	if err != nil {
		return err
	}
	pauses, err := intervention.NewPauseManager(s, logger).ActivePauses(ctx, projectID)
	if err != nil {
		return err
	}
	if len(pauses) == 0 {
		ui.Info("No sessions waiting for intervention.")
		return nil
	}
	printPauses(ctx, s, pauses)
	return nil
}

func pauseHistoryRun(projectRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	projectID, err := optionalProjectID(ctx, s, projectRef)
	if err != nil {
		return err
	}
	pauses, err := intervention.NewPauseManager(s, logger).InterventionHistory(ctx, projectID, pauseHistoryLimit)
	if err != nil {
		return err
	}
	if len(pauses) == 0 {
		ui.Info("No interventions recorded.")
		return nil
	}
	printPauses(ctx, s, pauses)
	return nil
}

func pauseShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	ps, err := s.GetPausedSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("pause not found: %s", id)
		}
		return err
	}

	state := output.Yellow("unresolved")
	if ps.Resolved {
		state = output.Green("resolved")
	}
	fmt.Fprintf(ui.Out, "Pause %s %s\n", ps.ID, state)
	fmt.Fprintf(ui.Out, "  Type:      %s\n", output.PauseTypeColor(string(ps.PauseType)))
	fmt.Fprintf(ui.Out, "  Reason:    %s\n", ps.Reason)
	fmt.Fprintf(ui.Out, "  Session:   %s\n", cmp.Or(ps.SessionID, "(replaced)"))
	fmt.Fprintf(ui.Out, "  Paused:    %s\n", timeAgo(ps.CreatedAt))
	if ps.CurrentTask != "" {
		fmt.Fprintf(ui.Out, "  Task:      %s\n", ps.CurrentTask)
	}
	if ps.BlockerInfo != nil {
		fmt.Fprintf(ui.Out, "  Blocker:   %s: %s\n", ps.BlockerInfo.Class, ps.BlockerInfo.Message)
	}
	for class, n := range ps.RetryStats {
		fmt.Fprintf(ui.Out, "  Retries:   %s x%d\n", class, n)
	}
	if ps.Resolved {
		fmt.Fprintf(ui.Out, "  Resolved:  by %s", ps.ResolvedBy)
		if ps.ResolvedAt != nil {
			fmt.Fprintf(ui.Out, " %s", timeAgo(*ps.ResolvedAt))
		}
		fmt.Fprintln(ui.Out)
		if ps.ResolutionNotes != "" {
			fmt.Fprintf(ui.Out, "  Notes:     %s\n", ps.ResolutionNotes)
		}
		return nil
	}

	fmt.Fprintln(ui.Out)
	fmt.Fprintln(ui.Out, "  Resume prompt (before your notes):")
	fmt.Fprintf(ui.Out, "%s\n", intervention.ResumePrompt(ps, ""))
	return nil
}

func pauseResumeRun(ctx context.Context, pausedID string) error {
	by := resumeBy
	if by == "" {
		by = currentUser()
	}

	return foreground(ctx, engineOptions{}, func(ctx context.Context, e *engine) error {
		ps, err := e.store.GetPausedSession(ctx, pausedID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("pause not found: %s", pausedID)
			}
			return err
		}
		if ps.Resolved {
			return fmt.Errorf("pause %s was already resolved by %s", ps.ID, ps.ResolvedBy)
		}
		if dryRun {
			ui.DryRunMsg("Would resolve pause %s as %s and start a continuation session", ps.ID, by)
			return nil
		}

		ui.Info("Resuming after %s pause: %s", output.PauseTypeColor(string(ps.PauseType)), ps.Reason)
		sess, err := e.orch.ResumePaused(ctx, pausedID, by, resumeNotes, printProgress)
		if err != nil {
			if errors.Is(err, orchestrator.ErrNotInitialized) {
				return fmt.Errorf("project is not initialized, run 'yoke init' first")
			}
			return err
		}
		_ = reportSession(sess)

		if !resumeLoop || sess.Status != models.SessionStatusCompleted {
			return nil
		}
		res, err := e.orch.RunCodingLoop(ctx, sess.ProjectID, "", nil, printProgress)
		if err != nil {
			return err
		}
		ui.Info("Loop ended after %d session(s): %s", res.Iterations, res.StopReason)
		if res.LastSession != nil {
			return reportSession(res.LastSession)
		}
		return nil
	})
}

func reapRun() error {
	if dryRun {
		ui.DryRunMsg("Would interrupt running sessions idle longer than the stale threshold")
		return nil
	}
	e, err := newEngine(logger, engineOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = e.close(shutdownGrace) }()

	n, err := e.reaper.ReapNow(context.Background())
	if err != nil {
		return err
	}
	if n == 0 {
		ui.Info("No stale sessions (threshold %s).", e.reaper.StaleThreshold())
		return nil
	}
	ui.Success("Interrupted %d stale session(s)", n)
	return nil
}

func printPauses(ctx context.Context, s store.Store, pauses []*models.PausedSession) {
	names := map[string]string{}
	table := ui.Table([]string{"ID", "Project", "Type", "Reason", "Paused", "Resolved"})
	for _, ps := range pauses {
		name, ok := names[ps.ProjectID]
		if !ok {
			name = ps.ProjectID
			if p, err := s.GetProject(ctx, ps.ProjectID); err == nil {
				name = p.Name
			}
			names[ps.ProjectID] = name
		}
		resolved := "-"
		if ps.Resolved {
			resolved = output.Green(ps.ResolvedBy)
		}
		table.Append([]string{
			ps.ID,
			name,
			output.PauseTypeColor(string(ps.PauseType)),
			firstLine(ps.Reason, 60),
			timeAgo(ps.CreatedAt),
			resolved,
		})
	}
	table.Render()
}

// optionalProjectID resolves ref to a project ID; an empty ref means all projects.
func optionalProjectID(ctx context.Context, s store.Store, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	p, err := resolveProject(ctx, s, ref)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "cli"
}
