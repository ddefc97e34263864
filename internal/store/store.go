package store

import (
	"context"
	"time"

	"github.com/me/forgeci/pkg/model"
)

// Store defines the persistence layer for forgeci entities. All
// cross-cutting mutations are expressed as compare-and-set operations
// (the Swap* methods) whose boolean result reports whether the guard
// held; callers must never read-modify-write without one.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *model.Run, jobs []*model.Job) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	// ListRunsByGroup returns non-terminal runs sharing a concurrency
	// group within a repository, oldest first.
	ListRunsByGroup(ctx context.Context, repoID, group string) ([]*model.Run, error)
	// ListActiveRuns returns all non-terminal runs, for sweeps.
	ListActiveRuns(ctx context.Context) ([]*model.Run, error)
	// SwapRunStatus transitions a run from→to atomically. Timestamps
	// are only written when non-nil.
	SwapRunStatus(ctx context.Context, id string, from, to model.Status, started, stopped *time.Time) (bool, error)
	// ApproveRun clears the need-approval gate on a BLOCKED run and
	// moves it to WAITING. Returns false if the run was not blocked.
	ApproveRun(ctx context.Context, id string) (bool, error)

	// Job operations
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobsByRun(ctx context.Context, runID string) ([]*model.Job, error)
	// ListJobsByGroup returns non-terminal jobs sharing a concurrency
	// group within a repository, oldest first.
	ListJobsByGroup(ctx context.Context, repoID, group string) ([]*model.Job, error)
	SwapJobStatus(ctx context.Context, id string, from, to model.Status, started, stopped *time.Time) (bool, error)
	SetJobTask(ctx context.Context, jobID, taskID string) error

	// Task and Step operations
	CreateTask(ctx context.Context, task *model.Task, steps []*model.Step) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetLatestTask(ctx context.Context, jobID string) (*model.Task, error)
	CountTaskAttempts(ctx context.Context, jobID string) (int, error)
	ListStepsByTask(ctx context.Context, taskID string) ([]*model.Step, error)
	// LeaseTask atomically claims the oldest WAITING task matching the
	// runner's labels and scope, transitioning it to RUNNING with the
	// given lease digest and expiry. Returns nil when nothing matches.
	LeaseTask(ctx context.Context, runner *model.Runner, tokenDigest string, expires time.Time) (*model.Task, error)
	// SwapTaskStatus transitions a task from→to atomically, recording
	// an optional failure cause and clearing the lease on terminal
	// transitions.
	SwapTaskStatus(ctx context.Context, id string, from, to model.Status, cause string, stopped *time.Time) (bool, error)
	UpdateStep(ctx context.Context, step *model.Step) error
	ExtendLease(ctx context.Context, taskID string, expires time.Time) error
	// ListExpiredLeases returns RUNNING tasks whose lease expiry has
	// passed.
	ListExpiredLeases(ctx context.Context, now time.Time) ([]*model.Task, error)

	// Runner operations
	CreateRunner(ctx context.Context, r *model.Runner) error
	GetRunner(ctx context.Context, id string) (*model.Runner, error)
	ListRunners(ctx context.Context) ([]*model.Runner, error)
	UpdateRunner(ctx context.Context, r *model.Runner) error
	// CountRunnerLeases returns the number of RUNNING tasks currently
	// held by the runner.
	CountRunnerLeases(ctx context.Context, runnerID string) (int, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
