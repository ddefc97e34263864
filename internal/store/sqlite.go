package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/forgeci/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- time helpers ---

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	return &t
}

// --- Run operations ---

// CreateRun inserts a run and its complete job batch in one transaction.
// Either everything is created or nothing is.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run, jobs []*model.Job) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID, "jobs", len(jobs))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, repo_id, owner_id, workflow_id, event, ref, commit_sha,
		 status, need_approval, concurrency_group, concurrency_cancel, started, stopped, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RepoID, run.OwnerID, run.WorkflowID, run.Event, run.Ref, run.CommitSHA,
		string(run.Status), boolInt(run.NeedApproval), run.ConcurrencyGroup, boolInt(run.ConcurrencyCancel),
		fmtTimePtr(run.Started), fmtTimePtr(run.Stopped), fmtTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, j := range jobs {
		needsJSON, err := json.Marshal(j.Needs)
		if err != nil {
			return fmt.Errorf("marshal needs: %w", err)
		}
		labelsJSON, err := json.Marshal(j.Labels)
		if err != nil {
			return fmt.Errorf("marshal labels: %w", err)
		}
		stepsJSON, err := json.Marshal(j.Steps)
		if err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (id, run_id, key, name, needs, labels, steps, status,
			 concurrency_group, concurrency_cancel, task_id, started, stopped, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.RunID, j.Key, j.Name, string(needsJSON), string(labelsJSON), string(stepsJSON),
			string(j.Status), j.ConcurrencyGroup, boolInt(j.ConcurrencyCancel), j.TaskID,
			fmtTimePtr(j.Started), fmtTimePtr(j.Stopped), fmtTime(j.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", j.Key, err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, repo_id, owner_id, workflow_id, event, ref, commit_sha,
	status, need_approval, concurrency_group, concurrency_cancel, started, stopped, created_at`

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)
	return scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var args []any
	if opts.Status != "" {
		whereClauses = append(whereClauses, "status = ?")
		args = append(args, opts.Status)
	}
	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listArgs := append(args, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs`+whereSQL+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	return runs, total, err
}

func (s *SQLiteStore) ListRunsByGroup(ctx context.Context, repoID, group string) ([]*model.Run, error) {
	s.logger.Debug("sql", "op", "list_by_group", "table", "runs", "repo_id", repoID, "group", group)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE repo_id = ? AND concurrency_group = ?
		 AND status NOT IN ('SUCCESS','FAILURE','CANCELLED','SKIPPED')
		 ORDER BY created_at`, repoID, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *SQLiteStore) ListActiveRuns(ctx context.Context) ([]*model.Run, error) {
	s.logger.Debug("sql", "op", "list_active", "table", "runs")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status NOT IN ('SUCCESS','FAILURE','CANCELLED','SKIPPED')
		 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// SwapRunStatus transitions a run from→to guarded by the current
// status. Returns false when the guard did not hold. A non-terminal
// target drops any old stop time, so a rerun run reads as live again.
func (s *SQLiteStore) SwapRunStatus(ctx context.Context, id string, from, to model.Status, started, stopped *time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "swap_status", "table", "runs", "id", id, "from", from, "to", to)

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?,
		 started = COALESCE(?, started),
		 stopped = `+stoppedExpr(to)+`
		 WHERE id = ? AND status = ?`,
		string(to), fmtTimePtr(started), fmtTimePtr(stopped), id, string(from))
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// stoppedExpr keeps the stop time only for terminal targets; leaving a
// terminal state (rerun, retry) clears it.
func stoppedExpr(to model.Status) string {
	if to.IsTerminal() {
		return `COALESCE(?, stopped)`
	}
	return `?`
}

// ApproveRun clears the need-approval gate on a blocked run.
func (s *SQLiteStore) ApproveRun(ctx context.Context, id string) (bool, error) {
	s.logger.Debug("sql", "op", "approve", "table", "runs", "id", id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET need_approval = 0, status = 'WAITING'
		 WHERE id = ? AND status = 'BLOCKED'`, id)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// --- Job operations ---

const jobColumns = `id, run_id, key, name, needs, labels, steps, status,
	concurrency_group, concurrency_cancel, task_id, started, stopped, created_at`

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)
	return scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func (s *SQLiteStore) ListJobsByRun(ctx context.Context, runID string) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *SQLiteStore) ListJobsByGroup(ctx context.Context, repoID, group string) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "list_by_group", "table", "jobs", "repo_id", repoID, "group", group)

	rows, err := s.db.QueryContext(ctx,
		`SELECT j.id, j.run_id, j.key, j.name, j.needs, j.labels, j.steps, j.status,
		 j.concurrency_group, j.concurrency_cancel, j.task_id, j.started, j.stopped, j.created_at
		 FROM jobs j JOIN runs r ON r.id = j.run_id
		 WHERE r.repo_id = ? AND j.concurrency_group = ?
		 AND j.status NOT IN ('SUCCESS','FAILURE','CANCELLED','SKIPPED')
		 ORDER BY j.created_at, j.id`, repoID, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *SQLiteStore) SwapJobStatus(ctx context.Context, id string, from, to model.Status, started, stopped *time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "swap_status", "table", "jobs", "id", id, "from", from, "to", to)

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?,
		 started = COALESCE(?, started),
		 stopped = `+stoppedExpr(to)+`
		 WHERE id = ? AND status = ?`,
		string(to), fmtTimePtr(started), fmtTimePtr(stopped), id, string(from))
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) SetJobTask(ctx context.Context, jobID, taskID string) error {
	s.logger.Debug("sql", "op", "set_task", "table", "jobs", "id", jobID, "task_id", taskID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET task_id = ? WHERE id = ?`, taskID, jobID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s not found", jobID)
	}
	return nil
}

// --- Task and Step operations ---

const taskColumns = `id, job_id, attempt, runner_id, status, cause, token_digest,
	lease_expires_at, started, stopped, created_at`

// CreateTask inserts a task and its step rows in one transaction.
// Step count and order are fixed from this point on.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.Task, steps []*model.Step) error {
	s.logger.Debug("sql", "op", "insert", "table", "tasks", "id", task.ID, "attempt", task.Attempt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, job_id, attempt, runner_id, status, cause, token_digest,
		 lease_expires_at, started, stopped, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.JobID, task.Attempt, task.RunnerID, string(task.Status), task.Cause,
		task.TokenDigest, fmtTimePtr(task.LeaseExpiresAt),
		fmtTimePtr(task.Started), fmtTimePtr(task.Stopped), fmtTime(task.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	for _, st := range steps {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO steps (id, task_id, idx, name, status, log_offset, log_length, log_excerpt, started, stopped)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.TaskID, st.Index, st.Name, string(st.Status),
			st.LogOffset, st.LogLength, st.LogExcerpt,
			fmtTimePtr(st.Started), fmtTimePtr(st.Stopped),
		)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", st.Index, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "id", id)
	return scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
}

// GetLatestTask returns the highest-attempt task for a job, or nil.
func (s *SQLiteStore) GetLatestTask(ctx context.Context, jobID string) (*model.Task, error) {
	s.logger.Debug("sql", "op", "select_latest", "table", "tasks", "job_id", jobID)
	return scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY attempt DESC LIMIT 1`, jobID))
}

func (s *SQLiteStore) CountTaskAttempts(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE job_id = ?`, jobID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) ListStepsByTask(ctx context.Context, taskID string) ([]*model.Step, error) {
	s.logger.Debug("sql", "op", "list", "table", "steps", "task_id", taskID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, idx, name, status, log_offset, log_length, log_excerpt, started, stopped
		 FROM steps WHERE task_id = ? ORDER BY idx`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*model.Step
	for rows.Next() {
		var st model.Step
		var status string
		var started, stopped *string
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Index, &st.Name, &status,
			&st.LogOffset, &st.LogLength, &st.LogExcerpt, &started, &stopped); err != nil {
			return nil, err
		}
		st.Status = model.Status(status)
		st.Started = parseTimePtr(started)
		st.Stopped = parseTimePtr(stopped)
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// leaseCandidate is one row of the lease candidate scan: a waiting
// task joined with its job's labels. createdAt keeps the raw column
// text as the keyset cursor for the next page.
type leaseCandidate struct {
	task      *model.Task
	jobLabels []string
	createdAt string
}

// leaseScanBatch is the page size of the lease candidate scan.
const leaseScanBatch = 64

// LeaseTask atomically claims the oldest WAITING task whose job labels
// are a subset of the runner's labels and whose run scope matches the
// runner's scope. Scope is filtered in SQL; the label-subset check is
// Go-side, paging through candidates so a backlog of tasks this runner
// cannot match never hides a younger leasable one. The claim is a
// guarded UPDATE inside the same transaction as the scan; two racing
// runners cannot both win.
func (s *SQLiteStore) LeaseTask(ctx context.Context, runner *model.Runner, tokenDigest string, expires time.Time) (*model.Task, error) {
	s.logger.Debug("sql", "op", "lease", "runner_id", runner.ID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Capacity check inside the transaction: the runner's live lease
	// count must stay below its declared concurrency capacity.
	var held int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE runner_id = ? AND status = 'RUNNING'`,
		runner.ID).Scan(&held); err != nil {
		return nil, err
	}
	capacity := runner.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	if held >= capacity {
		return nil, nil
	}

	// Scope narrows in SQL: a repository-scoped runner only sees its
	// repository's tasks, an owner-scoped runner its owner's, a global
	// runner everything.
	scan := `SELECT t.id, t.job_id, t.attempt, t.runner_id, t.status, t.cause, t.token_digest,
		 t.lease_expires_at, t.started, t.stopped, t.created_at, j.labels
		 FROM tasks t
		 JOIN jobs j ON j.id = t.job_id
		 JOIN runs r ON r.id = j.run_id
		 WHERE t.status = 'WAITING'`
	var scopeArgs []any
	switch runner.Scope() {
	case model.ScopeRepository:
		scan += ` AND r.repo_id = ?`
		scopeArgs = append(scopeArgs, runner.RepoID)
	case model.ScopeOwner:
		scan += ` AND r.owner_id = ?`
		scopeArgs = append(scopeArgs, runner.OwnerID)
	}
	scan += ` AND (t.created_at > ? OR (t.created_at = ? AND t.id > ?))
		 ORDER BY t.created_at, t.id LIMIT ?`

	// Oldest eligible wins: page in creation order until a label match
	// or the backlog is exhausted.
	var selected *model.Task
	var afterAt, afterID string
	for selected == nil {
		args := append(append([]any{}, scopeArgs...), afterAt, afterAt, afterID, leaseScanBatch)
		rows, err := tx.QueryContext(ctx, scan, args...)
		if err != nil {
			return nil, err
		}

		var batch []leaseCandidate
		for rows.Next() {
			var t model.Task
			var status, labelsJSON, createdAt string
			var leaseExp, started, stopped *string
			if err := rows.Scan(&t.ID, &t.JobID, &t.Attempt, &t.RunnerID, &status, &t.Cause,
				&t.TokenDigest, &leaseExp, &started, &stopped, &createdAt, &labelsJSON); err != nil {
				rows.Close()
				return nil, err
			}
			t.Status = model.Status(status)
			t.LeaseExpiresAt = parseTimePtr(leaseExp)
			t.Started = parseTimePtr(started)
			t.Stopped = parseTimePtr(stopped)
			t.CreatedAt = parseTime(createdAt)

			var labels []string
			json.Unmarshal([]byte(labelsJSON), &labels)
			batch = append(batch, leaseCandidate{task: &t, jobLabels: labels, createdAt: createdAt})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return nil, nil
		}

		for _, c := range batch {
			if runner.HasLabels(c.jobLabels) {
				selected = c.task
				break
			}
		}
		if selected == nil {
			if len(batch) < leaseScanBatch {
				return nil, nil
			}
			last := batch[len(batch)-1]
			afterAt, afterID = last.createdAt, last.task.ID
		}
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = 'RUNNING', runner_id = ?, token_digest = ?,
		 lease_expires_at = ?, started = ?
		 WHERE id = ? AND status = 'WAITING'`,
		runner.ID, tokenDigest, fmtTime(expires), fmtTime(now), selected.ID)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		// Lost the race to another runner.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	selected.Status = model.StatusRunning
	selected.RunnerID = runner.ID
	selected.TokenDigest = tokenDigest
	selected.LeaseExpiresAt = &expires
	selected.Started = &now
	return selected, nil
}

func (s *SQLiteStore) SwapTaskStatus(ctx context.Context, id string, from, to model.Status, cause string, stopped *time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "swap_status", "table", "tasks", "id", id, "from", from, "to", to)

	var result sql.Result
	var err error
	if to.IsTerminal() {
		// Terminal transitions clear the lease so stale tokens can
		// never mutate the task again.
		result, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, cause = ?, token_digest = '', lease_expires_at = NULL,
			 stopped = COALESCE(?, stopped)
			 WHERE id = ? AND status = ?`,
			string(to), cause, fmtTimePtr(stopped), id, string(from))
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, cause = ? WHERE id = ? AND status = ?`,
			string(to), cause, id, string(from))
	}
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) UpdateStep(ctx context.Context, step *model.Step) error {
	s.logger.Debug("sql", "op", "update", "table", "steps", "id", step.ID, "status", step.Status)

	result, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, log_offset = ?, log_length = ?, log_excerpt = ?,
		 started = ?, stopped = ? WHERE id = ?`,
		string(step.Status), step.LogOffset, step.LogLength, step.LogExcerpt,
		fmtTimePtr(step.Started), fmtTimePtr(step.Stopped), step.ID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("step %s not found", step.ID)
	}
	return nil
}

// ExtendLease pushes a RUNNING task's lease expiry forward.
func (s *SQLiteStore) ExtendLease(ctx context.Context, taskID string, expires time.Time) error {
	s.logger.Debug("sql", "op", "extend_lease", "table", "tasks", "id", taskID)

	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET lease_expires_at = ? WHERE id = ? AND status = 'RUNNING'`,
		fmtTime(expires), taskID)
	return err
}

func (s *SQLiteStore) ListExpiredLeases(ctx context.Context, now time.Time) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list_expired", "table", "tasks")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'RUNNING' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		 ORDER BY created_at`, fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// --- Runner operations ---

const runnerColumns = `id, name, repo_id, owner_id, labels, ephemeral, capacity,
	state, token_digest, last_heartbeat, registered_at`

func (s *SQLiteStore) CreateRunner(ctx context.Context, r *model.Runner) error {
	s.logger.Debug("sql", "op", "insert", "table", "runners", "id", r.ID)

	labelsJSON, err := json.Marshal(r.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runners (id, name, repo_id, owner_id, labels, ephemeral, capacity,
		 state, token_digest, last_heartbeat, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.RepoID, r.OwnerID, string(labelsJSON), boolInt(r.Ephemeral), r.Capacity,
		string(r.State), r.TokenDigest, fmtTimePtr(r.LastHeartbeat), fmtTime(r.RegisteredAt),
	)
	return err
}

func (s *SQLiteStore) GetRunner(ctx context.Context, id string) (*model.Runner, error) {
	s.logger.Debug("sql", "op", "select", "table", "runners", "id", id)
	return scanRunner(s.db.QueryRowContext(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE id = ?`, id))
}

func (s *SQLiteStore) ListRunners(ctx context.Context) ([]*model.Runner, error) {
	s.logger.Debug("sql", "op", "list", "table", "runners")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE state != 'deleted' ORDER BY registered_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runners []*model.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	return runners, rows.Err()
}

func (s *SQLiteStore) UpdateRunner(ctx context.Context, r *model.Runner) error {
	s.logger.Debug("sql", "op", "update", "table", "runners", "id", r.ID)

	labelsJSON, err := json.Marshal(r.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE runners SET name = ?, labels = ?, capacity = ?, state = ?, last_heartbeat = ?
		 WHERE id = ?`,
		r.Name, string(labelsJSON), r.Capacity, string(r.State),
		fmtTimePtr(r.LastHeartbeat), r.ID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("runner %s not found", r.ID)
	}
	return nil
}

func (s *SQLiteStore) CountRunnerLeases(ctx context.Context, runnerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE runner_id = ? AND status = 'RUNNING'`, runnerID).Scan(&n)
	return n, err
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var status, createdAt string
	var needApproval, concCancel int
	var started, stopped *string

	err := row.Scan(&run.ID, &run.RepoID, &run.OwnerID, &run.WorkflowID, &run.Event,
		&run.Ref, &run.CommitSHA, &status, &needApproval,
		&run.ConcurrencyGroup, &concCancel, &started, &stopped, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	run.Status = model.Status(status)
	run.NeedApproval = needApproval != 0
	run.ConcurrencyCancel = concCancel != 0
	run.Started = parseTimePtr(started)
	run.Stopped = parseTimePtr(stopped)
	run.CreatedAt = parseTime(createdAt)
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*model.Run, error) {
	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanJob(row scanner) (*model.Job, error) {
	var job model.Job
	var needsJSON, labelsJSON, stepsJSON, status, createdAt string
	var concCancel int
	var started, stopped *string

	err := row.Scan(&job.ID, &job.RunID, &job.Key, &job.Name,
		&needsJSON, &labelsJSON, &stepsJSON, &status,
		&job.ConcurrencyGroup, &concCancel, &job.TaskID,
		&started, &stopped, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.Status = model.Status(status)
	job.ConcurrencyCancel = concCancel != 0
	json.Unmarshal([]byte(needsJSON), &job.Needs)
	json.Unmarshal([]byte(labelsJSON), &job.Labels)
	json.Unmarshal([]byte(stepsJSON), &job.Steps)
	job.Started = parseTimePtr(started)
	job.Stopped = parseTimePtr(stopped)
	job.CreatedAt = parseTime(createdAt)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanTask(row scanner) (*model.Task, error) {
	var task model.Task
	var status, createdAt string
	var leaseExp, started, stopped *string

	err := row.Scan(&task.ID, &task.JobID, &task.Attempt, &task.RunnerID, &status,
		&task.Cause, &task.TokenDigest, &leaseExp, &started, &stopped, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	task.Status = model.Status(status)
	task.LeaseExpiresAt = parseTimePtr(leaseExp)
	task.Started = parseTimePtr(started)
	task.Stopped = parseTimePtr(stopped)
	task.CreatedAt = parseTime(createdAt)
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanRunner(row scanner) (*model.Runner, error) {
	var r model.Runner
	var labelsJSON, state, registeredAt string
	var ephemeral int
	var lastHeartbeat *string

	err := row.Scan(&r.ID, &r.Name, &r.RepoID, &r.OwnerID, &labelsJSON, &ephemeral,
		&r.Capacity, &state, &r.TokenDigest, &lastHeartbeat, &registeredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.State = model.RunnerState(state)
	r.Ephemeral = ephemeral != 0
	json.Unmarshal([]byte(labelsJSON), &r.Labels)
	r.LastHeartbeat = parseTimePtr(lastHeartbeat)
	r.RegisteredAt = parseTime(registeredAt)
	return &r, nil
}
