// Package store persists PR events, runs, and AI review iterations to a
// SQL database. Production deployments run Postgres; local mode and the
// test suite use an embedded SQLite database behind the same interface.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// Config selects the database backend and its pool limits.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresDSN builds a pgx connection URL from discrete settings.
func PostgresDSN(host, name, user, password string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, password),
		Host:   host,
		Path:   "/" + name,
	}
	return u.String()
}

// Store wraps the SQL handle plus the dialect it speaks.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects, applies pool limits, pings, and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if cfg.Driver == DriverSQLite && strings.Contains(cfg.DSN, ":memory:") {
		// One connection keeps the in-memory database alive across the
		// pool; a second connection would see an empty database.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db, driver: cfg.Driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	id := "BIGSERIAL PRIMARY KEY"
	ts := "TIMESTAMPTZ"
	if s.driver == DriverSQLite {
		id = "INTEGER PRIMARY KEY AUTOINCREMENT"
		ts = "TEXT"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pr_events (
			id %s,
			repo_full_name TEXT NOT NULL,
			event_kind TEXT NOT NULL,
			pr_number INTEGER NOT NULL,
			extra TEXT NOT NULL DEFAULT '{}',
			timestamp %s NOT NULL
		)`, id, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pr_runs (
			id %s,
			repo_full_name TEXT NOT NULL,
			pr_number INTEGER NOT NULL,
			run_status TEXT NOT NULL,
			image_name TEXT NOT NULL DEFAULT '',
			progress_comment_id BIGINT,
			code_review_comment_id BIGINT,
			sandbox_review_comment_id BIGINT,
			created_at %s NOT NULL,
			finished_at %s,
			exit_code INTEGER,
			notes TEXT
		)`, id, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ai_reviews (
			id %s,
			pr_run_id BIGINT NOT NULL REFERENCES pr_runs(id),
			role TEXT NOT NULL DEFAULT 'assistant',
			content TEXT NOT NULL,
			created_at %s NOT NULL
		)`, id, ts),
		`CREATE INDEX IF NOT EXISTS idx_pr_events_repo_pr ON pr_events (repo_full_name, pr_number)`,
		`CREATE INDEX IF NOT EXISTS idx_pr_runs_repo_pr ON pr_runs (repo_full_name, pr_number)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_reviews_run ON ai_reviews (pr_run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to the $n form Postgres expects.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// RecordEvent appends one audit row and returns its id.
func (s *Store) RecordEvent(ctx context.Context, ev PREvent) (int64, error) {
	extra := ev.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	payload, err := json.Marshal(extra)
	if err != nil {
		return 0, fmt.Errorf("encoding event extra: %w", err)
	}
	when := ev.Timestamp
	if when.IsZero() {
		when = time.Now().UTC()
	}

	var id int64
	err = s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO pr_events (repo_full_name, event_kind, pr_number, extra, timestamp)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`),
		ev.RepoFullName, ev.EventKind, ev.PRNumber, string(payload), s.bindTime(when)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("recording event %s: %w", ev.EventKind, err)
	}
	return id, nil
}

// CreateRun inserts a new run row and returns its id.
func (s *Store) CreateRun(ctx context.Context, run PRRun) (int64, error) {
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	status := run.RunStatus
	if status == "" {
		status = StatusBuilding
	}

	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO pr_runs (repo_full_name, pr_number, run_status, image_name, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`),
		run.RepoFullName, run.PRNumber, string(status), run.ImageName, s.bindTime(created)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating run: %w", err)
	}
	return id, nil
}

// UpdateRunStatus moves a run to a new status; notes is appended when
// non-empty.
func (s *Store) UpdateRunStatus(ctx context.Context, id int64, status RunStatus, notes string) error {
	var err error
	if notes != "" {
		_, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE pr_runs SET run_status = ?, notes = ? WHERE id = ?`),
			string(status), notes, id)
	} else {
		_, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE pr_runs SET run_status = ? WHERE id = ?`),
			string(status), id)
	}
	if err != nil {
		return fmt.Errorf("updating run %d status: %w", id, err)
	}
	return nil
}

// SetRunImage records the image tag built for the run.
func (s *Store) SetRunImage(ctx context.Context, id int64, image string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE pr_runs SET image_name = ? WHERE id = ?`), image, id); err != nil {
		return fmt.Errorf("setting run %d image: %w", id, err)
	}
	return nil
}

// FinishRun marks a run terminal with its exit code and finish time.
// A nil exitCode leaves the column NULL (clone and build failures never
// started a container).
func (s *Store) FinishRun(ctx context.Context, id int64, status RunStatus, exitCode *int) error {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE pr_runs SET run_status = ?, exit_code = ?, finished_at = ? WHERE id = ?`),
		string(status), nullableInt(exitCode), s.bindTime(now), id); err != nil {
		return fmt.Errorf("finishing run %d: %w", id, err)
	}
	return nil
}

// SetRunCommentID caches a comment id on the run. The write is a no-op
// when the slot is already populated: ids never change within a run.
func (s *Store) SetRunCommentID(ctx context.Context, id int64, role CommentRole, commentID int64) error {
	var column string
	switch role {
	case CommentProgress:
		column = "progress_comment_id"
	case CommentCodeReview:
		column = "code_review_comment_id"
	case CommentSandboxReview:
		column = "sandbox_review_comment_id"
	default:
		return fmt.Errorf("unknown comment role %q", role)
	}
	query := fmt.Sprintf(`UPDATE pr_runs SET %s = ? WHERE id = ? AND %s IS NULL`, column, column)
	if _, err := s.db.ExecContext(ctx, s.rebind(query), commentID, id); err != nil {
		return fmt.Errorf("caching %s comment id for run %d: %w", role, id, err)
	}
	return nil
}

// GetRun fetches one run row.
func (s *Store) GetRun(ctx context.Context, id int64) (*PRRun, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, repo_full_name, pr_number, run_status, image_name,
		        progress_comment_id, code_review_comment_id, sandbox_review_comment_id,
		        created_at, finished_at, exit_code, notes
		 FROM pr_runs WHERE id = ?`), id)
	return scanRun(row)
}

// ListRuns returns the most recent runs for a repository, newest first.
func (s *Store) ListRuns(ctx context.Context, repoFullName string, limit int) ([]PRRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, repo_full_name, pr_number, run_status, image_name,
		        progress_comment_id, code_review_comment_id, sandbox_review_comment_id,
		        created_at, finished_at, exit_code, notes
		 FROM pr_runs WHERE repo_full_name = ? ORDER BY id DESC LIMIT ?`),
		repoFullName, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs for %s: %w", repoFullName, err)
	}
	defer rows.Close()

	var runs []PRRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// AddReview appends one LLM iteration for a run and returns its id.
func (s *Store) AddReview(ctx context.Context, runID int64, content string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO ai_reviews (pr_run_id, role, content, created_at)
		 VALUES (?, 'assistant', ?, ?) RETURNING id`),
		runID, content, s.bindTime(time.Now())).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("adding review for run %d: %w", runID, err)
	}
	return id, nil
}

// ListReviews returns a run's review rows ordered by id ascending.
func (s *Store) ListReviews(ctx context.Context, runID int64) ([]AIReview, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, pr_run_id, role, content, created_at
		 FROM ai_reviews WHERE pr_run_id = ? ORDER BY id ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("listing reviews for run %d: %w", runID, err)
	}
	defer rows.Close()

	var reviews []AIReview
	for rows.Next() {
		var r AIReview
		var created timeValue
		if err := rows.Scan(&r.ID, &r.PRRunID, &r.Role, &r.Content, &created); err != nil {
			return nil, fmt.Errorf("scanning review row: %w", err)
		}
		r.CreatedAt = created.Time
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// CountEvents is a test and ops helper: rows of a kind for a repo, or all
// kinds when kind is empty.
func (s *Store) CountEvents(ctx context.Context, repoFullName, kind string) (int, error) {
	var (
		n   int
		err error
	)
	if kind == "" {
		err = s.db.QueryRowContext(ctx, s.rebind(
			`SELECT COUNT(*) FROM pr_events WHERE repo_full_name = ?`), repoFullName).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, s.rebind(
			`SELECT COUNT(*) FROM pr_events WHERE repo_full_name = ? AND event_kind = ?`),
			repoFullName, kind).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*PRRun, error) {
	var (
		run        PRRun
		status     string
		progressID sql.NullInt64
		codeID     sql.NullInt64
		sandboxID  sql.NullInt64
		created    timeValue
		finished   nullTimeValue
		exitCode   sql.NullInt64
		notes      sql.NullString
	)
	err := row.Scan(&run.ID, &run.RepoFullName, &run.PRNumber, &status, &run.ImageName,
		&progressID, &codeID, &sandboxID, &created, &finished, &exitCode, &notes)
	if err != nil {
		return nil, fmt.Errorf("scanning run row: %w", err)
	}
	run.RunStatus = RunStatus(status)
	run.CreatedAt = created.Time
	if progressID.Valid {
		run.ProgressCommentID = &progressID.Int64
	}
	if codeID.Valid {
		run.CodeReviewCommentID = &codeID.Int64
	}
	if sandboxID.Valid {
		run.SandboxReviewCommentID = &sandboxID.Int64
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	if notes.Valid {
		run.Notes = &notes.String
	}
	return &run, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
