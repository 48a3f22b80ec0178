package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/yoke/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes access and keeps claim transactions from interleaving.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// newULID generates a new ULID string.
func newULID() string {
	return ulid.Make().String()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

const projectColumns = `id, name, path, initialized, auto_continue, sandbox_type, coding_model, initializer_model, max_iterations, stop_after_current, created_at, updated_at`

func scanProject(row rowScanner) (*models.Project, error) {
	p := &models.Project{}
	var maxIter sql.NullInt64
	err := row.Scan(&p.ID, &p.Name, &p.Path, &p.Initialized,
		&p.Settings.AutoContinue, &p.Settings.SandboxType,
		&p.Settings.CodingModel, &p.Settings.InitializerModel,
		&maxIter, &p.Settings.StopAfterCurrent,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if maxIter.Valid {
		n := int(maxIter.Int64)
		p.Settings.MaxIterations = &n
	}
	return p, nil
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, boolToInt(p.Initialized),
		boolToInt(p.Settings.AutoContinue), p.Settings.SandboxType,
		p.Settings.CodingModel, p.Settings.InitializerModel,
		p.Settings.MaxIterations, boolToInt(p.Settings.StopAfterCurrent),
		p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("project %s: %w", p.Name, ErrProjectExists)
	}
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project by name: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject writes the project's name, path and settings. The
// initialized and stop_after_current flags are owned by SetInitialized and
// SetStopAfterCurrent and are left untouched.
func (s *SQLiteStore) UpdateProject(ctx context.Context, p *models.Project) error {
	p.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name=?, path=?, auto_continue=?, sandbox_type=?, coding_model=?, initializer_model=?, max_iterations=?, updated_at=?
		WHERE id=?`,
		p.Name, p.Path,
		boolToInt(p.Settings.AutoContinue), p.Settings.SandboxType,
		p.Settings.CodingModel, p.Settings.InitializerModel,
		p.Settings.MaxIterations,
		p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// SetStopAfterCurrent flips only the stop flag so it cannot clobber a
// concurrent settings update.
func (s *SQLiteStore) SetStopAfterCurrent(ctx context.Context, projectID string, stop bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET stop_after_current=?, updated_at=? WHERE id=?`,
		boolToInt(stop), time.Now().UTC(), projectID)
	if err != nil {
		return fmt.Errorf("set stop after current: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

// SetInitialized flips only the initialized flag.
func (s *SQLiteStore) SetInitialized(ctx context.Context, projectID string, initialized bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET initialized=?, updated_at=? WHERE id=?`,
		boolToInt(initialized), time.Now().UTC(), projectID)
	if err != nil {
		return fmt.Errorf("set initialized: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Sessions ---

const sessionColumns = `id, project_id, session_number, type, status, model, initial_context, error_message, interruption_reason, metrics, created_at, started_at, ended_at, heartbeat_at`

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var sessionType, status, metricsJSON string
	var startedAt, endedAt, heartbeatAt sql.NullTime

	err := row.Scan(&sess.ID, &sess.ProjectID, &sess.SessionNumber,
		&sessionType, &status, &sess.Model, &sess.InitialContext,
		&sess.ErrorMessage, &sess.InterruptionReason, &metricsJSON,
		&sess.CreatedAt, &startedAt, &endedAt, &heartbeatAt)
	if err != nil {
		return nil, err
	}

	sess.Type = models.SessionType(sessionType)
	sess.Status = models.SessionStatus(status)
	_ = json.Unmarshal([]byte(metricsJSON), &sess.Metrics)
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if heartbeatAt.Valid {
		sess.HeartbeatAt = &heartbeatAt.Time
	}
	return sess, nil
}

func marshalMetrics(m map[string]any) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ClaimSession inserts session directly in the running state, assigning the
// next session number. The partial unique index on running sessions makes
// the insert itself the compare-and-set: a second concurrent claim for the
// same project fails with ErrAlreadyRunning.
func (s *SQLiteStore) ClaimSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = newULID()
	}
	now := time.Now().UTC()
	session.Status = models.SessionStatusRunning
	session.CreatedAt = now
	session.StartedAt = &now
	session.EndedAt = nil
	session.HeartbeatAt = nil

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	switch session.Type {
	case models.SessionTypeInitializer:
		session.SessionNumber = 0
	case models.SessionTypeCoding:
		var hasInit int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE project_id = ? AND session_number = 0`,
			session.ProjectID).Scan(&hasInit); err != nil {
			return fmt.Errorf("check initializer session: %w", err)
		}
		if hasInit == 0 {
			return fmt.Errorf("initializer session for project %s: %w", session.ProjectID, ErrNotFound)
		}
		var maxNum int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(session_number), 0) FROM sessions WHERE project_id = ?`,
			session.ProjectID).Scan(&maxNum); err != nil {
			return fmt.Errorf("next session number: %w", err)
		}
		session.SessionNumber = maxNum + 1
	default:
		return fmt.Errorf("unknown session type %q", session.Type)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.ProjectID, session.SessionNumber,
		string(session.Type), string(session.Status), session.Model,
		session.InitialContext, session.ErrorMessage, session.InterruptionReason,
		marshalMetrics(session.Metrics),
		session.CreatedAt, session.StartedAt, session.EndedAt, session.HeartbeatAt,
	)
	if isUniqueViolation(err) {
		if strings.Contains(err.Error(), "session_number") {
			return fmt.Errorf("session %d already exists for project %s: %w", session.SessionNumber, session.ProjectID, ErrAlreadyRunning)
		}
		return fmt.Errorf("claim session for project %s: %w", session.ProjectID, ErrAlreadyRunning)
	}
	if err != nil {
		return fmt.Errorf("claim session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSessionByNumber(ctx context.Context, projectID string, number int) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE project_id = ? AND session_number = ?`,
		projectID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d of project %s: %w", number, projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session by number: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetRunningSession(ctx context.Context, projectID string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE project_id = ? AND status = 'running'`,
		projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("running session for project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get running session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, projectID string, limit int) ([]*models.Session, error) {
	return s.ListSessionsByStatus(ctx, projectID, nil, limit)
}

func (s *SQLiteStore) ListSessionsByStatus(ctx context.Context, projectID string, statuses []models.SessionStatus, limit int) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any

	if projectID != "" {
		query += " AND project_id = ?"
		args = append(args, projectID)
	}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if projectID != "" {
		query += " ORDER BY session_number DESC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// TransitionSession moves a session from one status to another only if the
// row is still in the from status.
func (s *SQLiteStore) TransitionSession(ctx context.Context, id string, from, to models.SessionStatus, fields SessionFields) (*models.Session, error) {
	sets := []string{"status = ?"}
	args := []any{string(to)}

	if fields.EndedAt != nil {
		sets = append(sets, "ended_at = COALESCE(ended_at, ?)")
		args = append(args, fields.EndedAt.UTC())
	}
	if fields.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *fields.ErrorMessage)
	}
	if fields.InterruptionReason != nil {
		sets = append(sets, "interruption_reason = ?")
		args = append(args, *fields.InterruptionReason)
	}
	if fields.Metrics != nil {
		sets = append(sets, "metrics = ?")
		args = append(args, marshalMetrics(fields.Metrics))
	}
	args = append(args, id, string(from))

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("transition session: %w", err)
	}
	n, _ := result.RowsAffected()

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return sess, fmt.Errorf("session %s is %s, not %s: %w", id, sess.Status, from, ErrStatusMismatch)
	}
	return sess, nil
}

// TouchHeartbeat returns ErrStatusMismatch once the session left running,
// which is how an owner learns another process stopped it.
func (s *SQLiteStore) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET heartbeat_at = ? WHERE id = ? AND status = 'running'`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not running: %w", id, ErrStatusMismatch)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Paused Sessions ---

const pausedColumns = `id, session_id, project_id, reason, pause_type, blocker_info, retry_stats, current_task, resume_prompt, can_auto_resume, resolved, resolved_by, resolution_notes, resolved_at, created_at`

func scanPausedSession(row rowScanner) (*models.PausedSession, error) {
	ps := &models.PausedSession{}
	var pauseType, blockerJSON, statsJSON string
	var sessionID sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&ps.ID, &sessionID, &ps.ProjectID, &ps.Reason, &pauseType,
		&blockerJSON, &statsJSON, &ps.CurrentTask, &ps.ResumePrompt,
		&ps.CanAutoResume, &ps.Resolved, &ps.ResolvedBy, &ps.ResolutionNotes,
		&resolvedAt, &ps.CreatedAt)
	if err != nil {
		return nil, err
	}

	ps.SessionID = sessionID.String
	ps.PauseType = models.PauseType(pauseType)
	_ = json.Unmarshal([]byte(blockerJSON), &ps.BlockerInfo)
	_ = json.Unmarshal([]byte(statsJSON), &ps.RetryStats)
	if resolvedAt.Valid {
		ps.ResolvedAt = &resolvedAt.Time
	}
	return ps, nil
}

func (s *SQLiteStore) CreatePausedSession(ctx context.Context, ps *models.PausedSession) error {
	if ps.ID == "" {
		ps.ID = newULID()
	}
	ps.CreatedAt = time.Now().UTC()

	blockerJSON, err := json.Marshal(ps.BlockerInfo)
	if err != nil {
		blockerJSON = []byte("null")
	}
	stats := ps.RetryStats
	if stats == nil {
		stats = map[models.BlockerClass]int{}
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		statsJSON = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO paused_sessions (`+pausedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ps.ID, nullString(ps.SessionID), ps.ProjectID, ps.Reason, string(ps.PauseType),
		string(blockerJSON), string(statsJSON), ps.CurrentTask, ps.ResumePrompt,
		boolToInt(ps.CanAutoResume), boolToInt(ps.Resolved), ps.ResolvedBy,
		ps.ResolutionNotes, ps.ResolvedAt, ps.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create paused session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPausedSession(ctx context.Context, id string) (*models.PausedSession, error) {
	ps, err := scanPausedSession(s.db.QueryRowContext(ctx,
		`SELECT `+pausedColumns+` FROM paused_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("paused session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get paused session: %w", err)
	}
	return ps, nil
}

// ResolvePausedSession marks an unresolved pause resolved. A pause that is
// missing or already resolved yields ErrNotFound.
func (s *SQLiteStore) ResolvePausedSession(ctx context.Context, id, resolvedBy, notes string) (*models.PausedSession, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE paused_sessions SET resolved = 1, resolved_by = ?, resolution_notes = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0`,
		resolvedBy, notes, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("resolve paused session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("unresolved paused session %s: %w", id, ErrNotFound)
	}
	return s.GetPausedSession(ctx, id)
}

// ReopenPausedSession undoes ResolvePausedSession for a pause whose
// continuation never started.
func (s *SQLiteStore) ReopenPausedSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE paused_sessions SET resolved = 0, resolved_by = '', resolution_notes = '', resolved_at = NULL
		WHERE id = ? AND resolved = 1`, id)
	if err != nil {
		return fmt.Errorf("reopen paused session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("resolved paused session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListPausedSessions(ctx context.Context, filter PauseFilter) ([]*models.PausedSession, error) {
	query := `SELECT ` + pausedColumns + ` FROM paused_sessions WHERE 1=1`
	var args []any

	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Resolved != nil {
		query += " AND resolved = ?"
		args = append(args, boolToInt(*filter.Resolved))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list paused sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.PausedSession
	for rows.Next() {
		ps, err := scanPausedSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan paused session: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// --- Quality Checks ---

const qualityColumns = `id, session_id, project_id, session_number, check_type, overall_rating, critical_issues, warnings, review_text, created_at`

func (s *SQLiteStore) CreateQualityCheck(ctx context.Context, qc *models.QualityCheck) error {
	if qc.ID == "" {
		qc.ID = newULID()
	}
	qc.CreatedAt = time.Now().UTC()

	criticalJSON, err := json.Marshal(nonNil(qc.CriticalIssues))
	if err != nil {
		criticalJSON = []byte("[]")
	}
	warningsJSON, err := json.Marshal(nonNil(qc.Warnings))
	if err != nil {
		warningsJSON = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quality_checks (`+qualityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		qc.ID, qc.SessionID, qc.ProjectID, qc.SessionNumber, string(qc.CheckType),
		qc.OverallRating, string(criticalJSON), string(warningsJSON),
		qc.ReviewText, qc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create quality check: %w", err)
	}
	return nil
}

// ListQualityChecks returns checks newest first (by session number, then creation).
func (s *SQLiteStore) ListQualityChecks(ctx context.Context, filter QualityFilter) ([]*models.QualityCheck, error) {
	query := `SELECT ` + qualityColumns + ` FROM quality_checks WHERE 1=1`
	var args []any

	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.CheckType != "" {
		query += " AND check_type = ?"
		args = append(args, string(filter.CheckType))
	}
	query += " ORDER BY session_number DESC, created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list quality checks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.QualityCheck
	for rows.Next() {
		qc := &models.QualityCheck{}
		var checkType, criticalJSON, warningsJSON string
		if err := rows.Scan(&qc.ID, &qc.SessionID, &qc.ProjectID, &qc.SessionNumber,
			&checkType, &qc.OverallRating, &criticalJSON, &warningsJSON,
			&qc.ReviewText, &qc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quality check: %w", err)
		}
		qc.CheckType = models.CheckType(checkType)
		_ = json.Unmarshal([]byte(criticalJSON), &qc.CriticalIssues)
		_ = json.Unmarshal([]byte(warningsJSON), &qc.Warnings)
		out = append(out, qc)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
