package scheduler

import (
	"context"
	"time"

	"github.com/me/forgeci/pkg/model"
)

// Start launches the background sweep loop. It ticks at the configured
// interval until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()

		s.logger.Info("scheduler started", "sweep_interval", s.config.SweepInterval)
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the in-flight tick.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.logger.Info("scheduler stopped")
}

// Tick runs one full sweep: reclaim expired leases, mark stale
// runners offline, then advance every active run. Event-driven paths
// (reports, completions, leases) advance runs directly; the tick is
// the safety net that catches anything they missed.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.ReclaimExpiredLeases(ctx); err != nil {
		s.logger.Error("reclaim expired leases", "error", err)
	}
	if err := s.sweepRunners(ctx); err != nil {
		s.logger.Error("sweep runners", "error", err)
	}

	runs, err := s.store.ListActiveRuns(ctx)
	if err != nil {
		s.logger.Error("list active runs", "error", err)
		return
	}
	for _, run := range runs {
		if err := s.Advance(ctx, run.ID); err != nil {
			s.logger.Error("advance run", "run_id", run.ID, "error", err)
		}
	}
}

// Advance drives one run forward through every scheduler phase. It is
// idempotent; callers invoke it after any event that might unblock
// work. All phases for a given run execute under that run's lock.
func (s *Scheduler) Advance(ctx context.Context, runID string) error {
	unlock := s.locks.acquire(runID)
	defer unlock()
	return s.advanceLocked(ctx, runID)
}

func (s *Scheduler) advanceLocked(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil || run.Status.IsTerminal() {
		return nil
	}

	jobs, err := s.store.ListJobsByRun(ctx, runID)
	if err != nil {
		return err
	}

	// Phase 1: fold each job's latest attempt into its status.
	for _, job := range jobs {
		if err := s.syncJobFromAttempt(ctx, job); err != nil {
			s.logger.Error("sync job", "job_id", job.ID, "error", err)
		}
	}

	// Phase 2: readiness. Doom-propagation runs before the success
	// check, so a failed dependency skips the whole downstream cone in
	// one pass.
	byKey := statusByKey(jobs)
	for _, job := range jobs {
		if job.Status != model.StatusBlocked {
			continue
		}
		switch EvaluateJob(job, byKey) {
		case Doomed:
			now := time.Now().UTC()
			swapped, err := s.store.SwapJobStatus(ctx, job.ID, model.StatusBlocked, model.StatusSkipped, nil, &now)
			if err != nil {
				return err
			}
			if swapped {
				job.Status = model.StatusSkipped
				byKey[job.Key] = model.StatusSkipped
				s.logger.Info("job skipped, dependency failed", "job_id", job.ID, "key", job.Key)
				s.publishJob(runID, job.ID, model.StatusSkipped)
			}
		case Ready:
			swapped, err := s.store.SwapJobStatus(ctx, job.ID, model.StatusBlocked, model.StatusWaiting, nil, nil)
			if err != nil {
				return err
			}
			if swapped {
				job.Status = model.StatusWaiting
				byKey[job.Key] = model.StatusWaiting
				s.logger.Debug("job ready", "job_id", job.ID, "key", job.Key)
			}
		}
	}

	// Phase 3: admission and dispatch. A run gated on approval
	// dispatches nothing and is not aggregated, or the fold would
	// un-block it.
	if run.Status == model.StatusBlocked && run.NeedApproval {
		return nil
	}

	admitted, err := s.admitRun(ctx, run)
	if err != nil {
		return err
	}
	if admitted {
		for _, job := range jobs {
			if job.Status != model.StatusWaiting {
				continue
			}
			ok, err := s.needsAttempt(ctx, job)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			jobAdmitted, err := s.admitJob(ctx, run, job)
			if err != nil {
				return err
			}
			if !jobAdmitted {
				continue
			}
			if _, err := s.createAttempt(ctx, job); err != nil {
				s.logger.Error("create attempt", "job_id", job.ID, "error", err)
			}
		}
	}

	// Phase 4: aggregate job statuses into the run.
	return s.aggregateRun(ctx, run, jobs)
}

// syncJobFromAttempt folds a job's latest task attempt into the job
// status, creating a retry attempt when a runner was lost and budget
// remains.
func (s *Scheduler) syncJobFromAttempt(ctx context.Context, job *model.Job) error {
	if job.Status.IsTerminal() || job.TaskID == "" {
		return nil
	}

	task, err := s.store.GetTask(ctx, job.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}

	// Runner-lost failures retry while the budget lasts; the job
	// simply stays WAITING and a fresh attempt is dispatched.
	if task.Status == model.StatusFailure && task.Cause == model.CauseRunnerLost {
		attempts, err := s.store.CountTaskAttempts(ctx, job.ID)
		if err != nil {
			return err
		}
		if attempts < s.config.MaxAttempts {
			swapped, err := s.store.SwapJobStatus(ctx, job.ID, job.Status, model.StatusWaiting, nil, nil)
			if err != nil {
				return err
			}
			if swapped || job.Status == model.StatusWaiting {
				job.Status = model.StatusWaiting
				s.logger.Info("retrying lost task", "job_id", job.ID, "attempts", attempts)
			}
			return nil
		}
		s.logger.Warn("retry budget exhausted", "job_id", job.ID, "attempts", attempts)
	}

	steps, err := s.store.ListStepsByTask(ctx, task.ID)
	if err != nil {
		return err
	}
	want := JobStatusFromAttempt(task, steps)
	if want == job.Status {
		return nil
	}

	var started, stopped *time.Time
	if want == model.StatusRunning {
		started = task.Started
	}
	if want.IsTerminal() {
		stopped = task.Stopped
		if stopped == nil {
			now := time.Now().UTC()
			stopped = &now
		}
	}
	swapped, err := s.store.SwapJobStatus(ctx, job.ID, job.Status, want, started, stopped)
	if err != nil {
		return err
	}
	if swapped {
		job.Status = want
		s.publishJob(job.RunID, job.ID, want)
	}
	return nil
}

// needsAttempt reports whether a waiting job should get a new task:
// either it has none yet, or its latest attempt is terminal (retry or
// rerun). A live attempt means dispatch would double-run the job.
func (s *Scheduler) needsAttempt(ctx context.Context, job *model.Job) (bool, error) {
	task, err := s.store.GetLatestTask(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return true, nil
	}
	return task.Status.IsTerminal(), nil
}

// aggregateRun folds job statuses into the run via the fixed
// precedence order and maintains the run timestamps.
func (s *Scheduler) aggregateRun(ctx context.Context, run *model.Run, jobs []*model.Job) error {
	statuses := make([]model.Status, 0, len(jobs))
	for _, j := range jobs {
		statuses = append(statuses, j.Status)
	}
	want := Aggregate(statuses)
	if want == run.Status {
		return nil
	}

	var started, stopped *time.Time
	now := time.Now().UTC()
	if want == model.StatusRunning && run.Started == nil {
		started = &now
	}
	if want.IsTerminal() {
		stopped = &now
	}

	swapped, err := s.store.SwapRunStatus(ctx, run.ID, run.Status, want, started, stopped)
	if err != nil {
		return err
	}
	if swapped {
		if want.IsTerminal() {
			s.logger.Info("run finished", "run_id", run.ID, "status", want)
		} else {
			s.logger.Debug("run status", "run_id", run.ID, "status", want)
		}
		run.Status = want
		s.publishRun(run.ID, want)
	}
	return nil
}

// sweepRunners marks online runners with a stale heartbeat offline.
// Their in-flight leases are recovered separately by lease expiry.
func (s *Scheduler) sweepRunners(ctx context.Context) error {
	runners, err := s.store.ListRunners(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, r := range runners {
		if r.State != model.RunnerStateOnline || r.Alive(s.config.HeartbeatWindow, now) {
			continue
		}
		r.State = model.RunnerStateOffline
		if err := s.store.UpdateRunner(ctx, r); err != nil {
			s.logger.Error("mark runner offline", "runner_id", r.ID, "error", err)
			continue
		}
		s.logger.Warn("runner went offline", "runner_id", r.ID, "name", r.Name)
	}
	return nil
}
