package jobstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"tubescribe/internal/config"
	"tubescribe/internal/fetch"
	logx "tubescribe/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var (
	ErrNotFound   = errors.New("job not found")
	ErrJobRunning = errors.New("job is running")
)

// Store is the durable home of jobs, their run state, execution reports and
// the dedup index. SQLite is the single source of truth; in-memory state is a
// cache reloaded from here on startup.
type Store struct {
	db  *sqlx.DB
	log logx.Logger

	retention int // reports kept per job
}

const defaultReportRetention = 50

func Open(cfg config.StorageConfig, retention int, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.BusyTimeout, 5*time.Second)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if retention <= 0 {
		retention = defaultReportRetention
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st := &Store{db: db, log: log, retention: retention}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.resetStaleRuns(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// resetStaleRuns clears running flags left behind by a crash. Any persisted
// in-flight run is treated as aborted; its unfetched items are still owed and
// will be re-planned from the (unadvanced) watermark.
func (s *Store) resetStaleRuns(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `UPDATE job_state SET running = 0, started_at = NULL WHERE running = 1`)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Warn("reset stale running flags from previous process", logx.Int64("jobs", n))
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

type jobRow struct {
	ID           string `db:"id"`
	Name         string `db:"name"`
	Sources      string `db:"sources"`
	Frequency    string `db:"frequency"`
	StartDate    string `db:"start_date"`
	FolderPrefix string `db:"folder_prefix"`
	CreatedAt    string `db:"created_at"`
}

func (r jobRow) toJob() (Job, error) {
	var sources []string
	if err := json.Unmarshal([]byte(r.Sources), &sources); err != nil {
		return Job{}, fmt.Errorf("job %s: decode sources: %w", r.ID, err)
	}
	start, err := parseTime(r.StartDate)
	if err != nil {
		return Job{}, fmt.Errorf("job %s: start_date: %w", r.ID, err)
	}
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return Job{}, fmt.Errorf("job %s: created_at: %w", r.ID, err)
	}
	return Job{
		ID:           r.ID,
		Name:         r.Name,
		Sources:      sources,
		Frequency:    Frequency(r.Frequency),
		StartDate:    start,
		FolderPrefix: r.FolderPrefix,
		CreatedAt:    created,
	}, nil
}

// CreateJob persists a new job and its initial run state.
// If the job has no ID yet, one is assigned.
func (s *Store) CreateJob(ctx context.Context, j *Job, nextDueAt time.Time) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(j.ID) == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	sources, err := json.Marshal(j.Sources)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(id, name, sources, frequency, start_date, folder_prefix, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		j.ID, j.Name, string(sources), string(j.Frequency),
		formatTime(j.StartDate), j.FolderPrefix, formatTime(j.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_state(job_id, next_due_at, consecutive_failures, running)
		 VALUES(?,?,0,0)`,
		j.ID, formatTime(nextDueAt),
	)
	if err != nil {
		return fmt.Errorf("insert job state: %w", err)
	}
	return tx.Commit()
}

// UpdateJob replaces a job's definition. Rejected while the job is running so
// an in-flight run never sees its configuration change underneath it.
func (s *Store) UpdateJob(ctx context.Context, j Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	sources, err := json.Marshal(j.Sources)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	running, err := jobRunning(ctx, tx, j.ID)
	if err != nil {
		return err
	}
	if running {
		return ErrJobRunning
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET name = ?, sources = ?, frequency = ?, start_date = ?, folder_prefix = ?
		 WHERE id = ?`,
		j.Name, string(sources), string(j.Frequency), formatTime(j.StartDate), j.FolderPrefix, j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// DeleteJob removes a job, its state and its reports. Rejected while running.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	running, err := jobRunning(ctx, tx, id)
	if err != nil {
		return err
	}
	if running {
		return ErrJobRunning
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_state WHERE job_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE job_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func jobRunning(ctx context.Context, tx *sqlx.Tx, id string) (bool, error) {
	var running int
	err := tx.QueryRowContext(ctx, `SELECT running FROM job_state WHERE job_id = ?`, id).Scan(&running)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return running != 0, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return row.toJob()
}

// ListJobs returns all jobs in creation order.
func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM jobs ORDER BY created_at, id`); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ---- run state ----

type stateRow struct {
	JobID               string         `db:"job_id"`
	LastCompletedAt     sql.NullString `db:"last_completed_at"`
	LastWatermark       sql.NullString `db:"last_watermark"`
	NextDueAt           string         `db:"next_due_at"`
	ConsecutiveFailures int            `db:"consecutive_failures"`
	Running             int            `db:"running"`
	StartedAt           sql.NullString `db:"started_at"`
}

func (r stateRow) toState() (RunState, error) {
	next, err := parseTime(r.NextDueAt)
	if err != nil {
		return RunState{}, fmt.Errorf("state %s: next_due_at: %w", r.JobID, err)
	}
	st := RunState{
		JobID:               r.JobID,
		NextDueAt:           next,
		ConsecutiveFailures: r.ConsecutiveFailures,
		Running:             r.Running != 0,
	}
	if st.LastCompletedAt, err = parseNullTime(r.LastCompletedAt); err != nil {
		return RunState{}, fmt.Errorf("state %s: last_completed_at: %w", r.JobID, err)
	}
	if st.LastWatermark, err = parseNullTime(r.LastWatermark); err != nil {
		return RunState{}, fmt.Errorf("state %s: last_watermark: %w", r.JobID, err)
	}
	if st.StartedAt, err = parseNullTime(r.StartedAt); err != nil {
		return RunState{}, fmt.Errorf("state %s: started_at: %w", r.JobID, err)
	}
	return st, nil
}

func (s *Store) GetState(ctx context.Context, jobID string) (RunState, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM job_state WHERE job_id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return RunState{}, ErrNotFound
	}
	if err != nil {
		return RunState{}, err
	}
	return row.toState()
}

// ListStates returns run state for every job, keyed by job id.
// Read-all on startup: the control loop reconciles from this before ticking.
func (s *Store) ListStates(ctx context.Context) (map[string]RunState, error) {
	var rows []stateRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM job_state`); err != nil {
		return nil, err
	}
	out := make(map[string]RunState, len(rows))
	for _, r := range rows {
		st, err := r.toState()
		if err != nil {
			return nil, err
		}
		out[st.JobID] = st
	}
	return out, nil
}

// SaveState upserts one job's run state atomically, without disturbing others.
func (s *Store) SaveState(ctx context.Context, st RunState) error {
	running := 0
	if st.Running {
		running = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_state(job_id, last_completed_at, last_watermark, next_due_at, consecutive_failures, running, started_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   last_completed_at = excluded.last_completed_at,
		   last_watermark = excluded.last_watermark,
		   next_due_at = excluded.next_due_at,
		   consecutive_failures = excluded.consecutive_failures,
		   running = excluded.running,
		   started_at = excluded.started_at`,
		st.JobID,
		formatNullTime(st.LastCompletedAt), formatNullTime(st.LastWatermark),
		formatTime(st.NextDueAt), st.ConsecutiveFailures, running,
		formatNullTime(st.StartedAt),
	)
	return err
}

// TryAcquireRun atomically flips the durable running flag for a job.
// Returns false if the job is already running. This is the Due -> Running
// transition; the timer and manual triggers both go through it.
func (s *Store) TryAcquireRun(ctx context.Context, jobID string, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_state SET running = 1, started_at = ? WHERE job_id = ? AND running = 0`,
		formatTime(startedAt), jobID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ---- reports ----

// AppendReport persists an execution report and prunes old ones beyond the
// per-job retention. Reports are immutable once written.
func (s *Store) AppendReport(ctx context.Context, r fetch.ExecutionReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reports(job_id, started_at, finished_at, body) VALUES(?,?,?,?)`,
		r.JobID, formatTime(r.StartedAt), formatTime(r.FinishedAt), string(body),
	)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM reports WHERE job_id = ? AND id NOT IN (
		   SELECT id FROM reports WHERE job_id = ? ORDER BY id DESC LIMIT ?)`,
		r.JobID, r.JobID, s.retention,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ListReports returns up to limit reports for a job, newest first.
func (s *Store) ListReports(ctx context.Context, jobID string, limit int) ([]fetch.ExecutionReport, error) {
	if limit <= 0 || limit > s.retention {
		limit = s.retention
	}
	var bodies []string
	err := s.db.SelectContext(ctx, &bodies,
		`SELECT body FROM reports WHERE job_id = ? ORDER BY id DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]fetch.ExecutionReport, 0, len(bodies))
	for _, b := range bodies {
		var r fetch.ExecutionReport
		if err := json.Unmarshal([]byte(b), &r); err != nil {
			return nil, fmt.Errorf("decode report for job %s: %w", jobID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ---- dedup index ----

// SeenItem reports whether an item was already stored by any prior run.
func (s *Store) SeenItem(ctx context.Context, itemID string) (bool, error) {
	if itemID == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dedup WHERE item_id = ?`, itemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkItem records a successfully stored item. Idempotent.
func (s *Store) MarkItem(ctx context.Context, itemID, sourceID string, publishedAt time.Time) error {
	if itemID == "" {
		return nil
	}
	var pub any
	if !publishedAt.IsZero() {
		pub = formatTime(publishedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(item_id, source_id, published_at, stored_at) VALUES(?,?,?,?)
		 ON CONFLICT(item_id) DO NOTHING`,
		itemID, sourceID, pub, formatTime(time.Now().UTC()),
	)
	return err
}

// ---- time encoding ----

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatNullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
