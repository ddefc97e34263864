package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/me/forgeci/pkg/model"
)

// Concurrency-group admission: at most one member of a non-empty group
// (scoped per repository) may be active at a time. Group membership and
// the cancel flag are fixed at creation time. Admission races serialize
// through the store's compare-and-set status transitions; there is no
// separate lock.

// admitRun decides whether a run may have work dispatched. With
// cancel-in-progress the incumbent members are cancelled and the new
// entrant proceeds; otherwise entrants are admitted FIFO by creation
// order.
func (s *Scheduler) admitRun(ctx context.Context, run *model.Run) (bool, error) {
	if run.ConcurrencyGroup == "" {
		return true, nil
	}

	members, err := s.store.ListRunsByGroup(ctx, run.RepoID, run.ConcurrencyGroup)
	if err != nil {
		return false, fmt.Errorf("list group runs: %w", err)
	}

	for _, m := range members {
		if m.ID == run.ID {
			continue
		}
		if !createdBefore(m.CreatedAt, m.ID, run.CreatedAt, run.ID) {
			// Younger members never block an older entrant.
			continue
		}
		if run.ConcurrencyCancel {
			s.logger.Info("cancelling concurrency incumbent",
				"group", run.ConcurrencyGroup, "incumbent", m.ID, "entrant", run.ID)
			if err := s.cancelRunInternal(ctx, m.ID); err != nil {
				return false, fmt.Errorf("cancel incumbent %s: %w", m.ID, err)
			}
			continue
		}
		// FIFO: the oldest non-terminal member holds the group.
		return false, nil
	}
	return true, nil
}

// admitJob decides whether a job may have a task dispatched, applying
// the same group semantics at job granularity.
func (s *Scheduler) admitJob(ctx context.Context, run *model.Run, job *model.Job) (bool, error) {
	if job.ConcurrencyGroup == "" {
		return true, nil
	}

	members, err := s.store.ListJobsByGroup(ctx, run.RepoID, job.ConcurrencyGroup)
	if err != nil {
		return false, fmt.Errorf("list group jobs: %w", err)
	}

	for _, m := range members {
		if m.ID == job.ID {
			continue
		}
		if !createdBefore(m.CreatedAt, m.ID, job.CreatedAt, job.ID) {
			continue
		}
		if job.ConcurrencyCancel {
			// Every older non-terminal member yields, including one
			// still WAITING with an undispatched task: cancelJob takes
			// the task down too, or it would stay leasable and both
			// members could run.
			s.logger.Info("cancelling concurrency incumbent job",
				"group", job.ConcurrencyGroup, "incumbent", m.ID, "entrant", job.ID)
			if err := s.cancelJob(ctx, m); err != nil {
				return false, fmt.Errorf("cancel incumbent job %s: %w", m.ID, err)
			}
			continue
		}
		return false, nil
	}
	return true, nil
}

// createdBefore orders entities by creation time with ID as the
// tiebreaker, so concurrent creations still have a total FIFO order.
func createdBefore(aAt time.Time, aID string, bAt time.Time, bID string) bool {
	if aAt.Equal(bAt) {
		return aID < bID
	}
	return aAt.Before(bAt)
}
