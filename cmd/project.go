package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/yoke/internal/git"
	"github.com/joescharf/yoke/internal/intervention"
	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/output"
	"github.com/joescharf/yoke/internal/store"
)

var (
	projectName             string
	projectCodingModel      string
	projectInitializerModel string
	projectMaxIterations    int
	projectNoAutoContinue   bool
	projectAutoContinue     bool
	projectForce            bool
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
	Long:  "Add, remove, list, show and configure projects driven by yoke.",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Add a project",
	Long:  "Add a project directory. Use '.' for the current directory.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectAddRun(cmd, args[0])
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:     "delete <name>",
	Aliases: []string{"rm", "remove"},
	Short:   "Delete a project and its session history",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectDeleteRun(args[0])
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectListRun()
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show project settings and recent sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectShowRun(args[0])
	},
}

var projectResetCmd = &cobra.Command{
	Use:   "reset <name>",
	Short: "Rewind a project to the end of its initializer session",
	Long: `Reset the project's git repo to the commit its initializer ended on,
delete all coding sessions with their pauses and quality checks, and move
their transcripts to logs/archive/. Commits made by coding sessions are
discarded, so --force is required.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectResetRun(args[0])
	},
}

var projectSettingsCmd = &cobra.Command{
	Use:   "settings <name>",
	Short: "Update project settings",
	Long: `Update a project's loop settings. Only the flags given are changed.

  yoke project settings shop --coding-model opus --max-iterations 10
  yoke project settings shop --auto-continue=false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectSettingsRun(cmd, args[0])
	},
}

func init() {
	projectAddCmd.Flags().StringVar(&projectName, "name", "", "Override project name (default: directory name)")
	projectAddCmd.Flags().StringVar(&projectCodingModel, "coding-model", "", "Model for coding sessions (default: models.coding)")
	projectAddCmd.Flags().StringVar(&projectInitializerModel, "initializer-model", "", "Model for the initializer session (default: models.initializer)")
	projectAddCmd.Flags().IntVar(&projectMaxIterations, "max-iterations", 0, "Coding sessions per run (0 = unlimited)")
	projectAddCmd.Flags().BoolVar(&projectNoAutoContinue, "no-auto-continue", false, "Run one coding session per 'yoke run'")

	projectSettingsCmd.Flags().StringVar(&projectCodingModel, "coding-model", "", "Model for coding sessions")
	projectSettingsCmd.Flags().StringVar(&projectInitializerModel, "initializer-model", "", "Model for the initializer session")
	projectSettingsCmd.Flags().IntVar(&projectMaxIterations, "max-iterations", 0, "Coding sessions per run (0 = unlimited)")
	projectSettingsCmd.Flags().BoolVar(&projectAutoContinue, "auto-continue", true, "Start the next coding session automatically")

	projectDeleteCmd.Flags().BoolVar(&projectForce, "force", false, "Delete even if a session is running")
	projectResetCmd.Flags().BoolVar(&projectForce, "force", false, "Confirm discarding coding sessions and their commits")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectDeleteCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectSettingsCmd)
	projectCmd.AddCommand(projectResetCmd)
	rootCmd.AddCommand(projectCmd)
}

func projectAddRun(cmd *cobra.Command, rawPath string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("not a directory: %s", absPath)
	}

	name := projectName
	if name == "" {
		name = filepath.Base(absPath)
	}

	p := &models.Project{
		Name: name,
		Path: absPath,
		Settings: models.ProjectSettings{
			AutoContinue:     !projectNoAutoContinue,
			CodingModel:      projectCodingModel,
			InitializerModel: projectInitializerModel,
		},
	}
	if cmd.Flags().Changed("max-iterations") {
		if projectMaxIterations < 0 {
			return fmt.Errorf("--max-iterations must be >= 0")
		}
		n := projectMaxIterations
		p.Settings.MaxIterations = &n
	}

	if dryRun {
		ui.DryRunMsg("Would add project: %s (%s)", name, absPath)
		return nil
	}

	if err := s.CreateProject(context.Background(), p); err != nil {
		if errors.Is(err, store.ErrProjectExists) {
			return fmt.Errorf("project %q already exists, use --name to pick another", name)
		}
		return fmt.Errorf("add project: %w", err)
	}

	ui.Success("Added project: %s (%s)", output.Cyan(name), absPath)
	ui.Info("Next: yoke init %s", name)
	return nil
}

func projectDeleteRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProject(ctx, s, name)
	if err != nil {
		return err
	}

	if running, err := s.GetRunningSession(ctx, p.ID); err == nil && !projectForce {
		return fmt.Errorf("project %s has running session #%d, stop it first or use --force", p.Name, running.SessionNumber)
	}

	if dryRun {
		ui.DryRunMsg("Would delete project: %s", p.Name)
		return nil
	}

	if err := s.DeleteProject(ctx, p.ID); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}

	ui.Success("Deleted project: %s", output.Cyan(p.Name))
	return nil
}

func projectListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	projects, err := s.ListProjects(ctx)
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		ui.Info("No projects yet. Use 'yoke project add <path>' to get started.")
		return nil
	}

	table := ui.Table([]string{"Name", "Path", "Initialized", "Auto", "Last Session"})
	for _, p := range projects {
		initialized := output.Yellow("no")
		if p.Initialized {
			initialized = output.Green("yes")
		}
		auto := "off"
		if p.Settings.AutoContinue {
			auto = "on"
		}
		last := "-"
		if sessions, err := s.ListSessions(ctx, p.ID, 1); err == nil && len(sessions) > 0 {
			last = fmt.Sprintf("#%d %s", sessions[0].SessionNumber, output.StatusColor(string(sessions[0].Status)))
		}

		table.Append([]string{
			output.Cyan(p.Name),
			p.Path,
			initialized,
			auto,
			last,
		})
	}
	table.Render()
	return nil
}

func projectShowRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProject(ctx, s, name)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(p.Name))
	fmt.Fprintf(ui.Out, "  ID:           %s\n", p.ID)
	fmt.Fprintf(ui.Out, "  Path:         %s\n", p.Path)
	fmt.Fprintf(ui.Out, "  Initialized:  %t\n", p.Initialized)
	printGitState(git.NewClient(), p.Path)
	fmt.Fprintln(ui.Out)

	fmt.Fprintf(ui.Out, "  Auto-continue:      %t\n", p.Settings.AutoContinue)
	fmt.Fprintf(ui.Out, "  Max iterations:     %s\n", formatMaxIterations(p.Settings.MaxIterations))
	fmt.Fprintf(ui.Out, "  Stop after current: %t\n", p.Settings.StopAfterCurrent)
	if p.Settings.CodingModel != "" {
		fmt.Fprintf(ui.Out, "  Coding model:       %s\n", p.Settings.CodingModel)
	}
	if p.Settings.InitializerModel != "" {
		fmt.Fprintf(ui.Out, "  Initializer model:  %s\n", p.Settings.InitializerModel)
	}

	if running, err := s.GetRunningSession(ctx, p.ID); err == nil {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Running:      #%d %s (%s, last seen %s)\n",
			running.SessionNumber, running.Type, running.ID, timeAgo(running.LastSeen()))
	}

	pauses, err := intervention.NewPauseManager(s, logger).ActivePauses(ctx, p.ID)
	if err == nil && len(pauses) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Paused:       %d awaiting intervention (yoke pause list %s)\n", len(pauses), p.Name)
	}

	if checks, err := s.ListQualityChecks(ctx, store.QualityFilter{ProjectID: p.ID, Limit: 1}); err == nil && len(checks) > 0 {
		fmt.Fprintf(ui.Out, "  Last rating:  %s (%s, session #%d)\n",
			output.RatingColor(checks[0].OverallRating), checks[0].CheckType, checks[0].SessionNumber)
	}

	if st, err := gatherStatus(ctx, s, git.NewClient(), intervention.NewPauseManager(s, logger), p); err == nil {
		h := st.health
		fmt.Fprintf(ui.Out, "  Health:       %s/100 (git %d, activity %d, sessions %d, quality %d, interventions %d)\n",
			formatHealth(h), h.GitCleanliness, h.ActivityRecency, h.SessionSuccess, h.QualityTrend, h.InterventionLoad)
	}

	sessions, err := s.ListSessions(ctx, p.ID, 5)
	if err == nil && len(sessions) > 0 {
		fmt.Fprintln(ui.Out)
		printSessions(sessions)
	}
	return nil
}

func printGitState(gc git.Client, path string) {
	if !gc.IsRepo(path) {
		return
	}
	branch, err := gc.CurrentBranch(path)
	if err != nil {
		branch = "?"
	}
	state := output.Green("clean")
	if dirty, err := gc.IsDirty(path); err == nil && dirty {
		state = output.Red("dirty")
	}
	fmt.Fprintf(ui.Out, "  Git:          %s (%s)", branch, state)
	if head, err := gc.Head(path); err == nil {
		fmt.Fprintf(ui.Out, " %s", git.ShortHash(head))
		if date, err := gc.LastCommitDate(path); err == nil {
			fmt.Fprintf(ui.Out, ", committed %s", timeAgo(date))
		}
	}
	fmt.Fprintln(ui.Out)
}

func projectResetRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProject(ctx, s, name)
	if err != nil {
		return err
	}
	if !projectForce || dryRun {
		msg := "Would reset %s: delete coding sessions, archive their logs and rewind git to the initializer's commit"
		if dryRun {
			ui.DryRunMsg(msg, p.Name)
			return nil
		}
		ui.Warning(msg, p.Name)
		return fmt.Errorf("refusing to reset %s without --force", p.Name)
	}

	o := controlOrchestrator(s)
	defer func() { _ = o.Shutdown(ctx) }()
	res, err := o.ResetProject(ctx, p.ID)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyRunning) {
			return fmt.Errorf("%s has a running session, stop it first: %w", p.Name, err)
		}
		return err
	}

	ui.Success("Reset %s: %d coding session(s) deleted", output.Cyan(p.Name), res.SessionsDeleted)
	if res.ResetTo != "" {
		ui.Info("Git reset to %s", git.ShortHash(res.ResetTo))
	} else {
		ui.Warning("No initializer commit recorded, git left untouched")
	}
	if res.ArchiveDir != "" {
		ui.Info("%d log(s) archived to %s", res.LogsArchived, res.ArchiveDir)
	}
	return nil
}

func projectSettingsRun(cmd *cobra.Command, name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProject(ctx, s, name)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	changed := false
	if flags.Changed("coding-model") {
		p.Settings.CodingModel = projectCodingModel
		changed = true
	}
	if flags.Changed("initializer-model") {
		p.Settings.InitializerModel = projectInitializerModel
		changed = true
	}
	if flags.Changed("max-iterations") {
		if projectMaxIterations < 0 {
			return fmt.Errorf("--max-iterations must be >= 0")
		}
		n := projectMaxIterations
		p.Settings.MaxIterations = &n
		changed = true
	}
	if flags.Changed("auto-continue") {
		p.Settings.AutoContinue = projectAutoContinue
		changed = true
	}
	if !changed {
		return projectShowRun(p.Name)
	}

	if dryRun {
		ui.DryRunMsg("Would update settings of %s", p.Name)
		return nil
	}

	if err := s.UpdateProject(ctx, p); err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	ui.Success("Updated settings of %s", output.Cyan(p.Name))
	return nil
}

// resolveProject finds a project by name, then ID, then directory path.
func resolveProject(ctx context.Context, s store.Store, ref string) (*models.Project, error) {
	if p, err := s.GetProjectByName(ctx, ref); err == nil {
		return p, nil
	}
	if p, err := s.GetProject(ctx, ref); err == nil {
		return p, nil
	}

	if absPath, err := filepath.Abs(ref); err == nil {
		projects, err := s.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range projects {
			if p.Path == absPath {
				return p, nil
			}
		}
	}

	return nil, fmt.Errorf("project not found: %s", ref)
}

func formatMaxIterations(n *int) string {
	if n == nil || *n == 0 {
		return "unlimited"
	}
	return strconv.Itoa(*n)
}

// timeAgo returns a human-readable duration from a time.
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
