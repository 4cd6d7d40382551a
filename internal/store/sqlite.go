// Package store owns durable job, batch, and execution state.
//
// It is the only component allowed to flip a job's status; the scheduler
// and executor go through its operations. All transitions are single
// conditional statements so concurrent callers cannot double-apply them.
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
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postwatch/internal/policy"
	"postwatch/internal/ref"
	logx "postwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the sqlite-backed job store.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (and migrates) the database at cfg.Path.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- time encoding ----

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func nullMS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// ---- batches ----

// CreateBatch persists one batch plus one scheduled job per ref, all in a
// single transaction; either every job exists afterwards or none does.
// scheduled_at is computed here so a batch's jobs share one admission "now".
func (s *Store) CreateBatch(ctx context.Context, source string, pol policy.Name, refs []ref.Ref, now time.Time, minDelay time.Duration) (*Batch, error) {
	if len(refs) == 0 {
		return nil, errors.New("batch has no refs")
	}
	if !policy.Valid(pol) {
		return nil, fmt.Errorf("unknown offset policy %q", pol)
	}

	type row struct {
		r  ref.Ref
		at time.Time
	}
	rows := make([]row, 0, len(refs))
	var earliest, latest time.Time
	for _, r := range refs {
		publish := r.PublishHint
		if publish.IsZero() {
			// No hint yet: run at the policy floor and let the executor
			// correct the publish time from the API.
			publish = now
		}
		at := policy.Compute(publish, pol, now, minDelay)
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
		if at.After(latest) {
			latest = at
		}
		rows = append(rows, row{r: r, at: at})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO batches(source, policy, created_at, earliest_at, latest_at) VALUES(?,?,?,?,?)`,
		source, string(pol), ms(now), ms(earliest), ms(latest),
	)
	if err != nil {
		return nil, err
	}
	batchID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	for _, rw := range rows {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs(batch_id, link, owner_id, item_id, kind, publish_time, scheduled_at, policy, status, created_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?)`,
			batchID, rw.r.Link, rw.r.OwnerID, rw.r.ItemID, string(rw.r.Kind),
			nullMS(rw.r.PublishHint), ms(rw.at), string(pol), string(StatusScheduled), ms(now),
		)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Batch{
		ID:                  batchID,
		Source:              source,
		Policy:              pol,
		CreatedAt:           now,
		Total:               len(rows),
		EarliestScheduledAt: earliest,
		LatestScheduledAt:   latest,
	}, nil
}

func (s *Store) Batch(ctx context.Context, id int64) (*Batch, error) {
	var b Batch
	var polStr string
	var created, earliest, latest int64
	err := s.db.QueryRowContext(ctx,
		`SELECT b.id, b.source, b.policy, b.created_at, b.earliest_at, b.latest_at,
		        (SELECT COUNT(*) FROM jobs j WHERE j.batch_id = b.id)
		 FROM batches b WHERE b.id = ?`, id,
	).Scan(&b.ID, &b.Source, &polStr, &created, &earliest, &latest, &b.Total)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Policy = policy.Name(polStr)
	b.CreatedAt = fromMS(created)
	b.EarliestScheduledAt = fromMS(earliest)
	b.LatestScheduledAt = fromMS(latest)
	return &b, nil
}

// BatchProgress counts the batch's jobs by status.
func (s *Store) BatchProgress(ctx context.Context, batchID int64) (Progress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE batch_id = ? GROUP BY status`, batchID)
	if err != nil {
		return Progress{}, err
	}
	defer rows.Close()

	var p Progress
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return Progress{}, err
		}
		p.Total += n
		switch Status(st) {
		case StatusPending, StatusScheduled:
			p.Pending += n
		case StatusRunning:
			p.Running += n
		case StatusCompleted:
			p.Completed += n
		case StatusFailed:
			p.Failed += n
		case StatusCancelled:
			p.Cancelled += n
		}
	}
	return p, rows.Err()
}

// ---- jobs ----

const jobColumns = `id, COALESCE(batch_id, 0), link, owner_id, item_id, kind,
	COALESCE(publish_time, 0), scheduled_at, policy, status, attempts,
	COALESCE(last_error, ''), created_at, COALESCE(started_at, 0)`

func scanJob(sc interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var kind, pol, st string
	var publish, scheduled, created, started int64
	err := sc.Scan(&j.ID, &j.BatchID, &j.Ref.Link, &j.Ref.OwnerID, &j.Ref.ItemID, &kind,
		&publish, &scheduled, &pol, &st, &j.Attempts, &j.LastError, &created, &started)
	if err != nil {
		return Job{}, err
	}
	j.Ref.Kind = ref.Kind(kind)
	j.PublishTime = fromMS(publish)
	j.ScheduledAt = fromMS(scheduled)
	j.Policy = policy.Name(pol)
	j.Status = Status(st)
	j.CreatedAt = fromMS(created)
	j.StartedAt = fromMS(started)
	return j, nil
}

func (s *Store) Job(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// BatchJobs returns all jobs of a batch ordered by id.
func (s *Store) BatchJobs(ctx context.Context, batchID int64) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// DueJobs returns acquirable jobs whose scheduled time has passed, earliest
// first (ties broken by id for determinism).
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN (?, ?) AND scheduled_at <= ?
		 ORDER BY scheduled_at, id`,
		string(StatusPending), string(StatusScheduled), ms(now))
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// TryAcquire atomically claims a job for execution. It is the single-flight
// guard: of N concurrent callers exactly one sees true.
func (s *Store) TryAcquire(ctx context.Context, jobID int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ?, attempts = attempts + 1
		 WHERE id = ? AND status IN (?, ?)`,
		string(StatusRunning), ms(now), jobID, string(StatusPending), string(StatusScheduled))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Complete moves a running job to completed.
func (s *Store) Complete(ctx context.Context, jobID int64) error {
	return s.finish(ctx, jobID, StatusCompleted, "")
}

// Fail moves a running job to failed with a human-readable reason.
// It does not reschedule; that decision belongs to the caller.
func (s *Store) Fail(ctx context.Context, jobID int64, reason string) error {
	return s.finish(ctx, jobID, StatusFailed, reason)
}

func (s *Store) finish(ctx context.Context, jobID int64, st Status, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ? WHERE id = ? AND status = ?`,
		string(st), nullStr(reason), jobID, string(StatusRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("job %d is not running: %w", jobID, ErrConflict)
	}
	return nil
}

// Reschedule moves a failed or pending job back to pending with a new time.
func (s *Store) Reschedule(ctx context.Context, jobID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, scheduled_at = ?, started_at = NULL
		 WHERE id = ? AND status IN (?, ?)`,
		string(StatusPending), ms(at), jobID, string(StatusFailed), string(StatusPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("job %d cannot be rescheduled: %w", jobID, ErrConflict)
	}
	return nil
}

// Cancel prevents future acquisition of a scheduled or pending job.
// Calling it on a terminal or running job is a no-op, not an error.
func (s *Store) Cancel(ctx context.Context, jobID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE id = ? AND status IN (?, ?)`,
		string(StatusCancelled), jobID, string(StatusPending), string(StatusScheduled))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecoverStale returns running jobs whose execution started more than
// olderThan ago to pending, scheduled immediately. This is the restart
// safety net for jobs orphaned by a crash mid-execution.
func (s *Store) RecoverStale(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error) {
	cutoff := now.Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, scheduled_at = ?, started_at = NULL
		 WHERE status = ? AND started_at IS NOT NULL AND started_at <= ?`,
		string(StatusPending), ms(now), string(StatusRunning), ms(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CorrectPublishTime persists a more accurate publish time and the
// recomputed scheduled time. The scheduled time is audit data once the job
// is running; dispatch never consults it again for that execution.
func (s *Store) CorrectPublishTime(ctx context.Context, jobID int64, publish, scheduledAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET publish_time = ?, scheduled_at = ? WHERE id = ?`,
		ms(publish), ms(scheduledAt), jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

// ---- executions ----

// AppendExecution records one attempt. Append-only.
func (s *Store) AppendExecution(ctx context.Context, e Execution) error {
	var outcome any
	if e.Outcome != nil {
		b, err := json.Marshal(e.Outcome)
		if err != nil {
			return err
		}
		outcome = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(job_id, started_at, finished_at, outcome, err) VALUES(?,?,?,?,?)`,
		e.JobID, ms(e.StartedAt), ms(e.FinishedAt), outcome, nullStr(e.Error))
	return err
}

// Executions returns a job's attempts, oldest first.
func (s *Store) Executions(ctx context.Context, jobID int64) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, started_at, finished_at, COALESCE(outcome, ''), COALESCE(err, '')
		 FROM executions WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var started, finished int64
		var outcome string
		if err := rows.Scan(&e.ID, &e.JobID, &started, &finished, &outcome, &e.Error); err != nil {
			return nil, err
		}
		e.StartedAt = fromMS(started)
		e.FinishedAt = fromMS(finished)
		if outcome != "" {
			var o Outcome
			if err := json.Unmarshal([]byte(outcome), &o); err != nil {
				return nil, fmt.Errorf("execution %d: %w", e.ID, err)
			}
			e.Outcome = &o
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
