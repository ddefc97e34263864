package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/me/forgeci/internal/events"
	"github.com/me/forgeci/internal/token"
	"github.com/me/forgeci/pkg/model"
)

// Sentinel errors surfaced by the runner-facing mutation paths.
var (
	// ErrNotLeased is returned when a report arrives for a task that
	// is no longer RUNNING (completed, reclaimed, or cancelled). For a
	// runner this is the advisory-cancellation signal.
	ErrNotLeased = fmt.Errorf("task is not leased")
	// ErrBadToken is returned on lease-token mismatch. No state is
	// mutated; the event is logged as security-relevant.
	ErrBadToken = fmt.Errorf("lease token mismatch")
)

// CreateRun validates and persists an ingested job graph: one Run plus
// its complete job batch, all-or-nothing. Jobs with dependencies start
// BLOCKED, dependency-free jobs start WAITING. The run starts BLOCKED
// when it needs approval.
func (s *Scheduler) CreateRun(ctx context.Context, spec *model.RunSpec) (*model.Run, error) {
	if err := model.ValidateGraph(spec.Jobs); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &model.Run{
		ID:                "run_" + uuid.New().String(),
		RepoID:            spec.RepoID,
		OwnerID:           spec.OwnerID,
		WorkflowID:        spec.WorkflowID,
		Event:             spec.Event,
		Ref:               spec.Ref,
		CommitSHA:         spec.CommitSHA,
		Status:            model.StatusWaiting,
		NeedApproval:      spec.NeedApproval,
		ConcurrencyGroup:  spec.ConcurrencyGroup,
		ConcurrencyCancel: spec.ConcurrencyCancel,
		CreatedAt:         now,
	}
	if spec.NeedApproval {
		run.Status = model.StatusBlocked
	}

	jobs := make([]*model.Job, 0, len(spec.Jobs))
	for _, js := range spec.Jobs {
		status := model.StatusWaiting
		if len(js.Needs) > 0 {
			status = model.StatusBlocked
		}
		name := js.Name
		if name == "" {
			name = js.Key
		}
		jobs = append(jobs, &model.Job{
			ID:                "job_" + uuid.New().String(),
			RunID:             run.ID,
			Key:               js.Key,
			Name:              name,
			Needs:             js.Needs,
			Labels:            js.Labels,
			Steps:             js.Steps,
			Status:            status,
			ConcurrencyGroup:  js.ConcurrencyGroup,
			ConcurrencyCancel: js.ConcurrencyCancel,
			CreatedAt:         now,
		})
	}

	if err := s.store.CreateRun(ctx, run, jobs); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	s.logger.Info("run created", "run_id", run.ID, "workflow", run.WorkflowID, "jobs", len(jobs))

	if err := s.Advance(ctx, run.ID); err != nil {
		s.logger.Error("advance new run", "run_id", run.ID, "error", err)
	}
	run.Jobs = nil
	return run, nil
}

// ApproveRun clears the need-approval gate and resumes scheduling.
func (s *Scheduler) ApproveRun(ctx context.Context, runID string) error {
	ok, err := s.store.ApproveRun(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewConflictError("run is not awaiting approval")
	}
	s.logger.Info("run approved", "run_id", runID)
	return s.Advance(ctx, runID)
}

// CancelRun cancels a run and all its non-terminal jobs and tasks.
// Task cancellation is advisory: the row flips immediately, the runner
// learns on its next report.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	unlock := s.locks.acquire(runID)
	defer unlock()
	return s.cancelRunLocked(ctx, runID)
}

// cancelRunInternal is the admission-path variant: it must not take
// the target run's advance lock, because the caller already holds a
// different run's lock and lock order across runs is undefined. Every
// mutation below is CAS-guarded, so the unlocked path stays safe.
func (s *Scheduler) cancelRunInternal(ctx context.Context, runID string) error {
	return s.cancelRunLocked(ctx, runID)
}

func (s *Scheduler) cancelRunLocked(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return model.NewNotFoundError("run", runID)
	}
	if run.Status.IsTerminal() {
		return nil
	}

	jobs, err := s.store.ListJobsByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		if err := s.cancelJob(ctx, job); err != nil {
			s.logger.Error("cancel job", "job_id", job.ID, "error", err)
		}
	}

	now := time.Now().UTC()
	swapped, err := s.store.SwapRunStatus(ctx, runID, run.Status, model.StatusCancelled, nil, &now)
	if err != nil {
		return err
	}
	if swapped {
		s.logger.Info("run cancelled", "run_id", runID)
		s.publishRun(runID, model.StatusCancelled)
	}
	return nil
}

// cancelJob cancels one job, its live task, and the task's unfinished
// steps.
func (s *Scheduler) cancelJob(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()

	if job.TaskID != "" {
		task, err := s.store.GetTask(ctx, job.TaskID)
		if err != nil {
			return err
		}
		if task != nil && !task.Status.IsTerminal() {
			swapped, err := s.store.SwapTaskStatus(ctx, task.ID, task.Status, model.StatusCancelled, "", &now)
			if err != nil {
				return err
			}
			if swapped {
				if err := s.normalizeSteps(ctx, task.ID, model.StatusCancelled); err != nil {
					s.logger.Error("normalize cancelled steps", "task_id", task.ID, "error", err)
				}
			}
		}
	}

	swapped, err := s.store.SwapJobStatus(ctx, job.ID, job.Status, model.StatusCancelled, nil, &now)
	if err != nil {
		return err
	}
	if swapped {
		s.publishJob(job.RunID, job.ID, model.StatusCancelled)
	}
	return nil
}

// Lease atomically claims the oldest waiting task matching the
// runner's labels and scope, issuing a fresh lease token. Returns
// (nil, "", nil) when no task is available; the caller retries. Only
// runners with a live heartbeat are served.
func (s *Scheduler) Lease(ctx context.Context, runner *model.Runner) (*model.Task, string, error) {
	if !runner.Alive(s.config.HeartbeatWindow, time.Now().UTC()) {
		return nil, "", nil
	}

	raw, err := token.New()
	if err != nil {
		return nil, "", err
	}
	expires := time.Now().UTC().Add(s.config.LeaseTTL)

	task, err := s.store.LeaseTask(ctx, runner, token.Digest(raw), expires)
	if err != nil {
		return nil, "", fmt.Errorf("lease task: %w", err)
	}
	if task == nil {
		return nil, "", nil
	}

	steps, err := s.store.ListStepsByTask(ctx, task.ID)
	if err != nil {
		return nil, "", err
	}
	for _, st := range steps {
		task.Steps = append(task.Steps, *st)
	}

	job, err := s.store.GetJob(ctx, task.JobID)
	if err == nil && job != nil {
		s.logger.Info("task leased",
			"task_id", task.ID, "job_id", job.ID, "runner_id", runner.ID,
			"attempt", task.Attempt, "lease_expires_at", task.LeaseExpiresAt)
		if err := s.Advance(ctx, job.RunID); err != nil {
			s.logger.Error("advance after lease", "run_id", job.RunID, "error", err)
		}
	}

	return task, raw, nil
}

// ReportStep records a runner's per-step status report. It requires
// the task's current lease token and a RUNNING task; each accepted
// report also extends the lease.
func (s *Scheduler) ReportStep(ctx context.Context, taskID, rawToken string, index int, status model.Status, logChunk string) error {
	task, steps, err := s.authTask(ctx, taskID, rawToken)
	if err != nil {
		return err
	}

	if index < 0 || index >= len(steps) {
		return model.NewValidationError(fmt.Sprintf("step index %d out of range", index))
	}
	step := steps[index]

	if !status.IsValid() || status == model.StatusBlocked {
		return model.NewValidationError("invalid step status " + string(status))
	}
	if step.Status != status && !model.CanTransitionStep(step.Status, status) {
		return &model.InvalidTransitionError{Entity: "step", ID: step.ID, From: step.Status, To: status}
	}

	now := time.Now().UTC()
	if status == model.StatusRunning && step.Started == nil {
		step.Started = &now
	}
	if status.IsTerminal() {
		step.Stopped = &now
	}
	if logChunk != "" {
		// Offset is the running total of the attempt's prior log bytes.
		if step.LogLength == 0 {
			var offset int64
			for _, prev := range steps[:index] {
				offset += prev.LogLength
			}
			step.LogOffset = offset
		}
		step.LogLength += int64(len(logChunk))
		step.LogExcerpt = appendExcerpt(step.LogExcerpt, logChunk)
	}
	step.Status = status

	if err := s.store.UpdateStep(ctx, step); err != nil {
		return err
	}
	if err := s.store.ExtendLease(ctx, taskID, now.Add(s.config.LeaseTTL)); err != nil {
		s.logger.Error("extend lease", "task_id", taskID, "error", err)
	}

	s.logger.Debug("step reported", "task_id", taskID, "index", index, "status", status)

	if job, err := s.store.GetJob(ctx, task.JobID); err == nil && job != nil {
		if err := s.Advance(ctx, job.RunID); err != nil {
			s.logger.Error("advance after report", "run_id", job.RunID, "error", err)
		}
	}
	return nil
}

// CompleteTask records a runner's final verdict for a task. Unreported
// steps are normalized (running step takes the final status, waiting
// steps are skipped) so the step fold and the task status agree.
func (s *Scheduler) CompleteTask(ctx context.Context, taskID, rawToken string, final model.Status) error {
	task, _, err := s.authTask(ctx, taskID, rawToken)
	if err != nil {
		return err
	}

	switch final {
	case model.StatusSuccess, model.StatusFailure, model.StatusCancelled:
	default:
		return model.NewValidationError("invalid final status " + string(final))
	}

	now := time.Now().UTC()
	swapped, err := s.store.SwapTaskStatus(ctx, taskID, model.StatusRunning, final, "", &now)
	if err != nil {
		return err
	}
	if !swapped {
		return ErrNotLeased
	}
	if err := s.normalizeSteps(ctx, taskID, final); err != nil {
		s.logger.Error("normalize steps", "task_id", taskID, "error", err)
	}

	s.logger.Info("task completed", "task_id", taskID, "status", final, "runner_id", task.RunnerID)

	s.retireEphemeralRunner(ctx, task.RunnerID)

	if job, err := s.store.GetJob(ctx, task.JobID); err == nil && job != nil {
		if err := s.Advance(ctx, job.RunID); err != nil {
			s.logger.Error("advance after complete", "run_id", job.RunID, "error", err)
		}
	}
	return nil
}

// Heartbeat refreshes a runner's liveness timestamp. It is the sole
// liveness signal leasing trusts.
func (s *Scheduler) Heartbeat(ctx context.Context, runner *model.Runner) error {
	now := time.Now().UTC()
	runner.LastHeartbeat = &now
	if runner.State == model.RunnerStateOffline {
		runner.State = model.RunnerStateOnline
	}
	return s.store.UpdateRunner(ctx, runner)
}

// RerunJob creates a fresh attempt for a terminal job and unblocks its
// transitive dependents. Terminal tasks are never mutated; history is
// preserved as new task rows.
func (s *Scheduler) RerunJob(ctx context.Context, runID, jobID string) error {
	unlock := s.locks.acquire(runID)
	defer unlock()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.RunID != runID {
		return model.NewNotFoundError("job", jobID)
	}
	if !job.Status.IsTerminal() {
		return model.NewConflictError("job has not finished")
	}

	jobs, err := s.store.ListJobsByRun(ctx, runID)
	if err != nil {
		return err
	}

	// Reset the run out of its terminal state first so aggregation
	// has somewhere to go.
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run != nil && run.Status.IsTerminal() {
		if _, err := s.store.SwapRunStatus(ctx, runID, run.Status, model.StatusWaiting, nil, nil); err != nil {
			return err
		}
	}

	if _, err := s.store.SwapJobStatus(ctx, jobID, job.Status, model.StatusWaiting, nil, nil); err != nil {
		return err
	}

	// Terminal dependents go back to BLOCKED and re-evaluate against
	// the rerun's outcome.
	for _, depID := range transitiveDependents(job.Key, jobs) {
		dep := findJob(jobs, depID)
		if dep == nil || !dep.Status.IsTerminal() {
			continue
		}
		if _, err := s.store.SwapJobStatus(ctx, dep.ID, dep.Status, model.StatusBlocked, nil, nil); err != nil {
			return err
		}
	}

	s.logger.Info("job rerun requested", "run_id", runID, "job_id", jobID)
	return s.advanceLocked(ctx, runID)
}

// ReclaimExpiredLeases sweeps RUNNING tasks whose lease has expired and
// fails them with a runner-lost cause. The next Advance on the run
// re-enqueues a fresh attempt while the retry budget lasts.
func (s *Scheduler) ReclaimExpiredLeases(ctx context.Context) error {
	now := time.Now().UTC()
	expired, err := s.store.ListExpiredLeases(ctx, now)
	if err != nil {
		return fmt.Errorf("list expired leases: %w", err)
	}

	for _, task := range expired {
		swapped, err := s.store.SwapTaskStatus(ctx, task.ID, model.StatusRunning, model.StatusFailure, model.CauseRunnerLost, &now)
		if err != nil {
			s.logger.Error("reclaim lease", "task_id", task.ID, "error", err)
			continue
		}
		if !swapped {
			continue
		}
		s.logger.Warn("lease expired, task reclaimed",
			"task_id", task.ID, "runner_id", task.RunnerID, "attempt", task.Attempt)

		if err := s.failUnfinishedSteps(ctx, task.ID); err != nil {
			s.logger.Error("normalize reclaimed steps", "task_id", task.ID, "error", err)
		}

		if job, err := s.store.GetJob(ctx, task.JobID); err == nil && job != nil {
			if err := s.Advance(ctx, job.RunID); err != nil {
				s.logger.Error("advance after reclaim", "run_id", job.RunID, "error", err)
			}
		}
	}
	return nil
}

// --- internals ---

// authTask loads a task and its steps, verifying the lease token and
// that the task is still RUNNING.
func (s *Scheduler) authTask(ctx context.Context, taskID, rawToken string) (*model.Task, []*model.Step, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task == nil {
		return nil, nil, model.NewNotFoundError("task", taskID)
	}
	if !token.Verify(rawToken, task.TokenDigest) {
		// Terminal tasks have their digest cleared, so a report from
		// the runner that held the lease is stale, not forged.
		if task.Status != model.StatusRunning {
			return nil, nil, ErrNotLeased
		}
		s.logger.Warn("rejected task report: lease token mismatch",
			"task_id", taskID, "task_status", task.Status)
		return nil, nil, ErrBadToken
	}
	if task.Status != model.StatusRunning {
		return nil, nil, ErrNotLeased
	}

	steps, err := s.store.ListStepsByTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	return task, steps, nil
}

// createAttempt creates the next task attempt for a job, with step
// rows copied from the job's step template.
func (s *Scheduler) createAttempt(ctx context.Context, job *model.Job) (*model.Task, error) {
	attempts, err := s.store.CountTaskAttempts(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &model.Task{
		ID:        "task_" + uuid.New().String(),
		JobID:     job.ID,
		Attempt:   attempts + 1,
		Status:    model.StatusWaiting,
		CreatedAt: now,
	}

	stepNames := job.Steps
	if len(stepNames) == 0 {
		stepNames = []string{job.Name}
	}
	steps := make([]*model.Step, 0, len(stepNames))
	for i, name := range stepNames {
		steps = append(steps, &model.Step{
			ID:     "step_" + uuid.New().String(),
			TaskID: task.ID,
			Index:  i,
			Name:   name,
			Status: model.StatusWaiting,
		})
	}

	if err := s.store.CreateTask(ctx, task, steps); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := s.store.SetJobTask(ctx, job.ID, task.ID); err != nil {
		return nil, err
	}
	job.TaskID = task.ID

	s.logger.Info("task enqueued", "task_id", task.ID, "job_id", job.ID, "attempt", task.Attempt)
	s.notifier.WakeLeases()
	return task, nil
}

// normalizeSteps settles unreported steps after a terminal task
// transition so the step fold and the task status agree: a still-running
// step takes the final status; on FAILURE with no step carrying the
// verdict yet, the first unreported step takes it; everything else is
// short-circuited to SKIPPED (or CANCELLED on cancellation).
func (s *Scheduler) normalizeSteps(ctx context.Context, taskID string, final model.Status) error {
	steps, err := s.store.ListStepsByTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	carried := final != model.StatusFailure
	for _, st := range steps {
		if st.Status.IsTerminal() {
			if st.Status == final {
				carried = true
			}
			continue
		}
		switch {
		case st.Status == model.StatusRunning:
			st.Status = final
			carried = true
		case !carried:
			st.Status = final
			carried = true
		case final == model.StatusCancelled:
			st.Status = model.StatusCancelled
		default:
			st.Status = model.StatusSkipped
		}
		st.Stopped = &now
		if err := s.store.UpdateStep(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// failUnfinishedSteps settles a reclaimed task's steps: the step that
// was in flight (or the first unstarted one, if none ran) is marked
// FAILURE and the rest SKIPPED, so the fold reflects the lost runner.
func (s *Scheduler) failUnfinishedSteps(ctx context.Context, taskID string) error {
	steps, err := s.store.ListStepsByTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	failed := false
	for _, st := range steps {
		if st.Status.IsTerminal() {
			continue
		}
		if !failed {
			st.Status = model.StatusFailure
			failed = true
		} else {
			st.Status = model.StatusSkipped
		}
		st.Stopped = &now
		if err := s.store.UpdateStep(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// retireEphemeralRunner soft-deletes an ephemeral runner once it has
// completed its single task.
func (s *Scheduler) retireEphemeralRunner(ctx context.Context, runnerID string) {
	if runnerID == "" {
		return
	}
	runner, err := s.store.GetRunner(ctx, runnerID)
	if err != nil || runner == nil || !runner.Ephemeral {
		return
	}
	runner.State = model.RunnerStateDeleted
	if err := s.store.UpdateRunner(ctx, runner); err != nil {
		s.logger.Error("retire ephemeral runner", "runner_id", runnerID, "error", err)
		return
	}
	s.logger.Info("ephemeral runner retired", "runner_id", runnerID)
}

// appendExcerpt appends chunk to excerpt, keeping only the last 4KiB.
func appendExcerpt(excerpt, chunk string) string {
	const keep = 4096
	out := excerpt + chunk
	if len(out) > keep {
		out = out[len(out)-keep:]
	}
	return out
}

func (s *Scheduler) publishRun(runID string, status model.Status) {
	s.notifier.Publish(events.Event{
		Kind: events.KindRun, RunID: runID,
		Status: status, Terminal: status.IsTerminal(), At: time.Now().UTC(),
	})
}

func (s *Scheduler) publishJob(runID, jobID string, status model.Status) {
	s.notifier.Publish(events.Event{
		Kind: events.KindJob, RunID: runID, JobID: jobID,
		Status: status, Terminal: status.IsTerminal(), At: time.Now().UTC(),
	})
}

func findJob(jobs []*model.Job, id string) *model.Job {
	for _, j := range jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// transitiveDependents returns the IDs of every job that depends,
// directly or transitively, on the given job key.
func transitiveDependents(key string, jobs []*model.Job) []string {
	dependents := make(map[string][]*model.Job)
	for _, j := range jobs {
		for _, need := range j.Needs {
			dependents[need] = append(dependents[need], j)
		}
	}

	var out []string
	seen := make(map[string]bool)
	queue := []string{key}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[k] {
			if seen[dep.ID] {
				continue
			}
			seen[dep.ID] = true
			out = append(out, dep.ID)
			queue = append(queue, dep.Key)
		}
	}
	return out
}
