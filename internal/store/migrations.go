package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all forgeci tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id                 TEXT PRIMARY KEY,
		repo_id            TEXT NOT NULL,
		owner_id           TEXT NOT NULL DEFAULT '',
		workflow_id        TEXT NOT NULL,
		event              TEXT NOT NULL DEFAULT '',
		ref                TEXT NOT NULL DEFAULT '',
		commit_sha         TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'WAITING',
		need_approval      INTEGER NOT NULL DEFAULT 0,
		concurrency_group  TEXT NOT NULL DEFAULT '',
		concurrency_cancel INTEGER NOT NULL DEFAULT 0,
		started            TEXT,
		stopped            TEXT,
		created_at         TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id                 TEXT PRIMARY KEY,
		run_id             TEXT NOT NULL,
		key                TEXT NOT NULL,
		name               TEXT NOT NULL DEFAULT '',
		needs              TEXT NOT NULL DEFAULT '[]',
		labels             TEXT NOT NULL DEFAULT '[]',
		steps              TEXT NOT NULL DEFAULT '[]',
		status             TEXT NOT NULL DEFAULT 'WAITING',
		concurrency_group  TEXT NOT NULL DEFAULT '',
		concurrency_cancel INTEGER NOT NULL DEFAULT 0,
		task_id            TEXT NOT NULL DEFAULT '',
		started            TEXT,
		stopped            TEXT,
		created_at         TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id               TEXT PRIMARY KEY,
		job_id           TEXT NOT NULL,
		attempt          INTEGER NOT NULL DEFAULT 1,
		runner_id        TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'WAITING',
		cause            TEXT NOT NULL DEFAULT '',
		token_digest     TEXT NOT NULL DEFAULT '',
		lease_expires_at TEXT,
		started          TEXT,
		stopped          TEXT,
		created_at       TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS steps (
		id          TEXT PRIMARY KEY,
		task_id     TEXT NOT NULL,
		idx         INTEGER NOT NULL,
		name        TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'WAITING',
		log_offset  INTEGER NOT NULL DEFAULT 0,
		log_length  INTEGER NOT NULL DEFAULT 0,
		log_excerpt TEXT NOT NULL DEFAULT '',
		started     TEXT,
		stopped     TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS runners (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		repo_id        TEXT NOT NULL DEFAULT '',
		owner_id       TEXT NOT NULL DEFAULT '',
		labels         TEXT NOT NULL DEFAULT '[]',
		ephemeral      INTEGER NOT NULL DEFAULT 0,
		capacity       INTEGER NOT NULL DEFAULT 1,
		state          TEXT NOT NULL DEFAULT 'online',
		token_digest   TEXT NOT NULL DEFAULT '',
		last_heartbeat TEXT,
		registered_at  TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_repo_group ON runs(repo_id, concurrency_group)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_run_id ON jobs(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_group ON jobs(concurrency_group)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_job_id ON tasks(job_id)`,
	// Compound index for the lease candidate scan (status + age).
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_runner ON tasks(runner_id, status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_task_idx ON steps(task_id, idx)`,
	`CREATE INDEX IF NOT EXISTS idx_runners_state ON runners(state)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
