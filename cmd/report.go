package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/orchestrator"
	"github.com/joescharf/yoke/internal/store"
)

var (
	reportFormat  string
	exportType    string
	exportProject string
	reportDays    int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export data as JSON, CSV, or Markdown",
	Long:  "Export projects, sessions, pauses or quality checks in various formats.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportRun()
	},
}

func init() {
	exportCmd.Flags().StringVar(&reportFormat, "format", "json", "Output format: json, csv, markdown")
	exportCmd.Flags().StringVar(&exportType, "type", "projects", "Data type: projects, sessions, pauses, quality")
	exportCmd.Flags().StringVar(&exportProject, "project", "", "Limit to one project")
	rootCmd.AddCommand(exportCmd)
}

func exportRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	projectID, err := optionalProjectID(ctx, s, exportProject)
	if err != nil {
		return err
	}

	switch exportType {
	case "projects":
		return exportProjects(ctx, s)
	case "sessions":
		return exportSessions(ctx, s, projectID)
	case "pauses":
		return exportPauses(ctx, s, projectID)
	case "quality":
		return exportQuality(ctx, s, projectID)
	default:
		return fmt.Errorf("unknown export type: %s (use: projects, sessions, pauses, quality)", exportType)
	}
}

// table is one export rendered as csv or markdown.
type table struct {
	title   string
	headers []string
	rows    [][]string
}

func writeExport(v any, t table) error {
	switch reportFormat {
	case "json":
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "csv":
		w := csv.NewWriter(ui.Out)
		_ = w.Write(t.headers)
		for _, row := range t.rows {
			_ = w.Write(row)
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintf(ui.Out, "# %s\n\n", t.title)
		fmt.Fprintf(ui.Out, "| %s |\n", strings.Join(t.headers, " | "))
		seps := make([]string, len(t.headers))
		for i, h := range t.headers {
			seps[i] = strings.Repeat("-", len(h))
		}
		fmt.Fprintf(ui.Out, "|%s|\n", "-"+strings.Join(seps, "-|-")+"-")
		for _, row := range t.rows {
			cells := make([]string, len(row))
			for i, c := range row {
				cells[i] = strings.ReplaceAll(c, "|", "\\|")
			}
			fmt.Fprintf(ui.Out, "| %s |\n", strings.Join(cells, " | "))
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", reportFormat)
	}
}

func exportProjects(ctx context.Context, s store.Store) error {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return err
	}
	t := table{title: "Projects", headers: []string{"ID", "Name", "Path", "Initialized", "AutoContinue", "Created"}}
	for _, p := range projects {
		t.rows = append(t.rows, []string{
			p.ID, p.Name, p.Path,
			strconv.FormatBool(p.Initialized),
			strconv.FormatBool(p.Settings.AutoContinue),
			p.CreatedAt.Format("2006-01-02"),
		})
	}
	return writeExport(projects, t)
}

func exportSessions(ctx context.Context, s store.Store, projectID string) error {
	sessions, err := s.ListSessions(ctx, projectID, 0)
	if err != nil {
		return err
	}
	t := table{title: "Sessions", headers: []string{"ID", "ProjectID", "Number", "Type", "Status", "Model", "Commits", "Started", "Ended"}}
	for _, sess := range sessions {
		t.rows = append(t.rows, []string{
			sess.ID, sess.ProjectID,
			strconv.Itoa(sess.SessionNumber),
			string(sess.Type), string(sess.Status), sess.Model,
			strconv.Itoa(metricInt(sess.Metrics, orchestrator.MetricCommits)),
			formatTimePtr(sess.StartedAt),
			formatTimePtr(sess.EndedAt),
		})
	}
	return writeExport(sessions, t)
}

func exportPauses(ctx context.Context, s store.Store, projectID string) error {
	pauses, err := s.ListPausedSessions(ctx, store.PauseFilter{ProjectID: projectID})
	if err != nil {
		return err
	}
	t := table{title: "Interventions", headers: []string{"ID", "SessionID", "Type", "Reason", "Resolved", "ResolvedBy", "Created"}}
	for _, ps := range pauses {
		t.rows = append(t.rows, []string{
			ps.ID, ps.SessionID, string(ps.PauseType), ps.Reason,
			strconv.FormatBool(ps.Resolved), ps.ResolvedBy,
			ps.CreatedAt.Format(time.RFC3339),
		})
	}
	return writeExport(pauses, t)
}

func exportQuality(ctx context.Context, s store.Store, projectID string) error {
	checks, err := s.ListQualityChecks(ctx, store.QualityFilter{ProjectID: projectID})
	if err != nil {
		return err
	}
	t := table{title: "Quality Checks", headers: []string{"SessionID", "Number", "Type", "Rating", "Critical", "Warnings", "Created"}}
	for _, qc := range checks {
		t.rows = append(t.rows, []string{
			qc.SessionID,
			strconv.Itoa(qc.SessionNumber),
			string(qc.CheckType),
			strconv.Itoa(qc.OverallRating),
			strings.Join(qc.CriticalIssues, "; "),
			strings.Join(qc.Warnings, "; "),
			qc.CreatedAt.Format(time.RFC3339),
		})
	}
	return writeExport(checks, t)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// metricInt reads a numeric metric. Metrics loaded from the store decode
// numbers as float64.
func metricInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize recent session activity per project",
	Long:  "Print a Markdown summary of sessions, commits, interventions and quality ratings.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportRun(time.Now().AddDate(0, 0, -reportDays))
	},
}

func init() {
	reportCmd.Flags().IntVar(&reportDays, "days", 7, "Days of activity to include")
	rootCmd.AddCommand(reportCmd)
}

// activity aggregates one project's sessions since a cutoff.
type activity struct {
	byStatus map[models.SessionStatus]int
	commits  int
	pauses   int
	resolved int
	ratings  []int
}

func (a *activity) empty() bool {
	return len(a.byStatus) == 0 && a.pauses == 0
}

func reportRun(since time.Time) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	projects, err := s.ListProjects(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "# Activity since %s\n\n", since.Format("2006-01-02"))
	for _, p := range projects {
		a, err := gatherActivity(ctx, s, p.ID, since)
		if err != nil {
			return err
		}
		if a.empty() {
			continue
		}

		fmt.Fprintf(ui.Out, "## %s\n", p.Name)
		var parts []string
		for _, st := range []models.SessionStatus{
			models.SessionStatusCompleted, models.SessionStatusError,
			models.SessionStatusInterrupted, models.SessionStatusRunning,
		} {
			if n := a.byStatus[st]; n > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", n, st))
			}
		}
		if len(parts) > 0 {
			fmt.Fprintf(ui.Out, "- Sessions: %s\n", strings.Join(parts, ", "))
		}
		if a.commits > 0 {
			fmt.Fprintf(ui.Out, "- Commits: %d\n", a.commits)
		}
		if a.pauses > 0 {
			fmt.Fprintf(ui.Out, "- Interventions: %d raised, %d resolved\n", a.pauses, a.resolved)
		}
		if len(a.ratings) > 0 {
			sum := 0
			for _, r := range a.ratings {
				sum += r
			}
			fmt.Fprintf(ui.Out, "- Quality: %.1f/10 average over %d check(s)\n", float64(sum)/float64(len(a.ratings)), len(a.ratings))
		}
		fmt.Fprintln(ui.Out)
	}
	return nil
}

func gatherActivity(ctx context.Context, s store.Store, projectID string, since time.Time) (*activity, error) {
	a := &activity{byStatus: map[models.SessionStatus]int{}}

	sessions, err := s.ListSessions(ctx, projectID, 0)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.CreatedAt.Before(since) {
			continue
		}
		a.byStatus[sess.Status]++
		a.commits += metricInt(sess.Metrics, orchestrator.MetricCommits)
	}

	pauses, err := s.ListPausedSessions(ctx, store.PauseFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	for _, ps := range pauses {
		if ps.CreatedAt.Before(since) {
			continue
		}
		a.pauses++
		if ps.Resolved {
			a.resolved++
		}
	}

	checks, err := s.ListQualityChecks(ctx, store.QualityFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	for _, qc := range checks {
		if !qc.CreatedAt.Before(since) {
			a.ratings = append(a.ratings, qc.OverallRating)
		}
	}
	return a, nil
}
