package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joescharf/yoke/internal/git"
	"github.com/joescharf/yoke/internal/health"
	"github.com/joescharf/yoke/internal/intervention"
	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/output"
	"github.com/joescharf/yoke/internal/store"
)

var statusRunning bool

var statusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show session status dashboard",
	Long: `Show a cross-project status overview or detailed status for one project.

Without arguments, shows a summary table of all projects.
With a project name, shows detailed status for that project.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return projectShowRun(args[0]) // reuse project show for detail
		}
		return statusOverviewRun()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusRunning, "running", false, "Show only projects with a running session")
	rootCmd.AddCommand(statusCmd)
}

// projectStatus is one row of the overview.
type projectStatus struct {
	running *models.Session
	last    *models.Session
	pauses  int
	rating  int // 0 when no check exists
	health  *health.HealthScore
}

func statusOverviewRun() error {
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

	pauses := intervention.NewPauseManager(s, logger)
	gc := git.NewClient()
	table := ui.Table([]string{"Project", "Init", "Running", "Last Session", "Pauses", "Rating", "Health", "Auto"})

	for _, p := range projects {
		st, err := gatherStatus(ctx, s, gc, pauses, p)
		if err != nil {
			return err
		}
		if statusRunning && st.running == nil {
			continue
		}

		table.Append([]string{
			output.Cyan(p.Name),
			yesNo(p.Initialized),
			formatRunning(st.running),
			formatLast(st.last),
			formatPauseCount(st.pauses),
			formatRating(st.rating),
			formatHealth(st.health),
			formatAuto(p.Settings),
		})
	}

	table.Render()
	return nil
}

// recentWindow is how many sessions feed the health score.
const recentWindow = 10

func gatherStatus(ctx context.Context, s store.Store, gc git.Client, pauses *intervention.PauseManager, p *models.Project) (*projectStatus, error) {
	st := &projectStatus{}

	running, err := s.GetRunningSession(ctx, p.ID)
	switch {
	case err == nil:
		st.running = running
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	ended, err := s.ListSessionsByStatus(ctx, p.ID, []models.SessionStatus{
		models.SessionStatusCompleted, models.SessionStatusError, models.SessionStatusInterrupted,
	}, 1)
	if err != nil {
		return nil, err
	}
	if len(ended) > 0 {
		st.last = ended[0]
	}

	active, err := pauses.ActivePauses(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	st.pauses = len(active)

	checks, err := s.ListQualityChecks(ctx, store.QualityFilter{ProjectID: p.ID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(checks) > 0 {
		st.rating = checks[0].OverallRating
	}

	recent, err := s.ListSessions(ctx, p.ID, recentWindow)
	if err != nil {
		return nil, err
	}
	st.health = health.NewScorer().Score(repoMetadata(gc, p.Path, st.pauses), recent, checks)
	return st, nil
}

func repoMetadata(gc git.Client, path string, activePauses int) *health.ProjectMetadata {
	meta := &health.ProjectMetadata{ActivePauses: activePauses}
	if !gc.IsRepo(path) {
		return meta
	}
	if dirty, err := gc.IsDirty(path); err == nil {
		meta.IsDirty = dirty
	}
	if last, err := gc.LastCommitDate(path); err == nil {
		meta.LastCommitDate = last
	}
	return meta
}

func formatHealth(h *health.HealthScore) string {
	if h == nil {
		return "-"
	}
	v := strconv.Itoa(h.Total)
	switch {
	case h.Total >= 80:
		return output.Green(v)
	case h.Total >= 50:
		return output.Yellow(v)
	}
	return output.Red(v)
}

func yesNo(b bool) string {
	if b {
		return output.Green("yes")
	}
	return "no"
}

func formatRunning(sess *models.Session) string {
	if sess == nil {
		return "-"
	}
	return fmt.Sprintf("#%d %s", sess.SessionNumber, timeAgo(sess.LastSeen()))
}

func formatLast(sess *models.Session) string {
	if sess == nil {
		return "-"
	}
	return fmt.Sprintf("#%d %s", sess.SessionNumber, output.StatusColor(string(sess.Status)))
}

func formatPauseCount(n int) string {
	if n == 0 {
		return "-"
	}
	return output.Yellow(strconv.Itoa(n))
}

func formatRating(r int) string {
	if r == 0 {
		return "-"
	}
	return output.RatingColor(r)
}

func formatAuto(s models.ProjectSettings) string {
	switch {
	case !s.AutoContinue:
		return "off"
	case s.StopAfterCurrent:
		return output.Yellow("stopping")
	}
	return "on (" + formatMaxIterations(s.MaxIterations) + ")"
}
